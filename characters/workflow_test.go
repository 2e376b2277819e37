package characters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfileFields(name string) ProfileFields {
	return ProfileFields{
		Name:      name,
		Relation:  "older sister",
		Particles: "nya",
		Style:     "gentle",
		Notes:     "loves rainy days",
	}
}

func splitUploadTriple(t *testing.T, service *Service, userID uint, base string) *SplitUploadResult {
	t.Helper()
	result, err := service.SplitUpload(context.Background(), SplitUploadInput{
		UserID:   userID,
		BaseName: base + ".png",
		Main:     pngPart(base + ".png"),
		Head:     pngPart(base + "_head.png"),
		Body:     pngPart(base + "_body.png"),
	})
	require.NoError(t, err)
	return result
}

func TestSplitUploadCreatesTriple(t *testing.T) {
	service, blobs := newTestService(t)

	result := splitUploadTriple(t, service, 1, "Cat")

	require.NotNil(t, result.Main)
	assert.Equal(t, "Cat.png", result.Main.FileName)
	assert.Equal(t, "Cat_head.png", result.Head.FileName)
	assert.Equal(t, "Cat_body.png", result.Body.FileName)
	assert.NotEmpty(t, result.UploadBatch)

	var rows []CharImage
	require.NoError(t, service.db.Order("id asc").Find(&rows).Error)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, result.UploadBatch, row.UploadBatch)
		assert.Equal(t, uint(1), row.UserID)
	}
	assert.Equal(t, RoleMain, rows[0].Role)
	assert.Equal(t, RoleHead, rows[1].Role)
	assert.Equal(t, RoleBody, rows[2].Role)

	for _, key := range []string{"uploads/Cat.png", "uploads/Cat_head.png", "uploads/Cat_body.png"} {
		assert.True(t, blobs.has(key), "missing blob %s", key)
	}
}

func TestSplitUploadRequiresHeadAndBody(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.SplitUpload(context.Background(), SplitUploadInput{
		UserID:   1,
		BaseName: "Cat.png",
		Main:     pngPart("Cat.png"),
		Head:     pngPart("Cat_head.png"),
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSplitUploadRejectsNonImage(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.SplitUpload(context.Background(), SplitUploadInput{
		UserID:   1,
		BaseName: "Cat",
		Main:     pngPart("Cat.png"),
		Head:     &FilePart{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hi")},
		Body:     pngPart("Cat_body.png"),
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSplitUploadWithoutMainNeedsPriorMain(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.SplitUpload(ctx, SplitUploadInput{
		UserID:   1,
		BaseName: "Cat",
		Head:     pngPart("Cat_head.png"),
		Body:     pngPart("Cat_body.png"),
	})
	require.ErrorIs(t, err, ErrValidation)

	first := splitUploadTriple(t, service, 1, "Cat")

	second, err := service.SplitUpload(ctx, SplitUploadInput{
		UserID:   1,
		BaseName: "Cat",
		Head:     pngPart("Cat_head.png"),
		Body:     pngPart("Cat_body.png"),
	})
	require.NoError(t, err)
	assert.Nil(t, second.Main)
	assert.Equal(t, first.UploadBatch, second.UploadBatch)
	assert.Equal(t, "Cat_head(1).png", second.Head.FileName)
	assert.Equal(t, "Cat_body(1).png", second.Body.FileName)
}

func TestAttachInfoStoresDependents(t *testing.T) {
	service, blobs := newTestService(t)
	ctx := context.Background()

	triple := splitUploadTriple(t, service, 1, "Cat")

	info, err := service.AttachInfo(ctx, AttachInfoInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Profile: testProfileFields("Cat"),
		Memory:  "we met at the shore",
		Voice:   wavPart("cat-voice.wav"),
	})
	require.NoError(t, err)

	for _, key := range []string{"uploads/Cat_profile.json", "uploads/Cat_memory.json", "uploads/Cat_voice.wav"} {
		assert.True(t, blobs.has(key), "missing blob %s", key)
	}
	assert.Contains(t, info.ProfilePath, "Cat_profile.json")
	assert.Contains(t, info.MemoryPath, "Cat_memory.json")
	assert.Contains(t, info.VoicePath, "Cat_voice.wav")
}

func TestAttachInfoReplacesPreviousAssets(t *testing.T) {
	service, blobs := newTestService(t)
	ctx := context.Background()

	triple := splitUploadTriple(t, service, 1, "Cat")
	input := AttachInfoInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Profile: testProfileFields("Cat"),
		Memory:  "first memory",
		Voice:   wavPart("cat-voice.wav"),
	}
	_, err := service.AttachInfo(ctx, input)
	require.NoError(t, err)

	input.Memory = "second memory"
	_, err = service.AttachInfo(ctx, input)
	require.NoError(t, err)

	var profiles []CharProfile
	require.NoError(t, service.db.Find(&profiles).Error)
	assert.Len(t, profiles, 1)
	var memories []CharMemory
	require.NoError(t, service.db.Find(&memories).Error)
	assert.Len(t, memories, 1)
	var voices []CharVoice
	require.NoError(t, service.db.Find(&voices).Error)
	assert.Len(t, voices, 1)

	// Dependent keys derive from the image base, so the replacement reuses
	// the same slot and the sweep must not remove the fresh blob.
	assert.True(t, blobs.has("uploads/Cat_profile.json"))
	assert.True(t, blobs.has("uploads/Cat_memory.json"))
	assert.True(t, blobs.has("uploads/Cat_voice.wav"))
}

func TestAttachInfoValidation(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	triple := splitUploadTriple(t, service, 1, "Cat")

	blank := testProfileFields("Cat")
	blank.Relation = "   "
	_, err := service.AttachInfo(ctx, AttachInfoInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Profile: blank,
		Memory:  "memory",
		Voice:   wavPart("v.wav"),
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.AttachInfo(ctx, AttachInfoInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Profile: testProfileFields("Cat"),
		Memory:  "memory",
		Voice:   &FilePart{Name: "v.mp3", ContentType: "audio/mpeg", Data: []byte("x")},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.AttachInfo(ctx, AttachInfoInput{
		UserID:  2,
		ImageID: triple.Main.ID,
		Profile: testProfileFields("Cat"),
		Memory:  "memory",
		Voice:   wavPart("v.wav"),
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttachInfoOptionalVoiceKeepsPreviousClip(t *testing.T) {
	service, blobs := newTestService(t)
	ctx := context.Background()

	triple := splitUploadTriple(t, service, 1, "Cat")
	input := AttachInfoInput{
		UserID:        1,
		ImageID:       triple.Main.ID,
		Profile:       testProfileFields("Cat"),
		Memory:        "first memory",
		Voice:         wavPart("cat-voice.wav"),
		VoiceOptional: true,
	}
	_, err := service.AttachInfo(ctx, input)
	require.NoError(t, err)

	input.Memory = "second memory"
	input.Voice = nil
	info, err := service.AttachInfo(ctx, input)
	require.NoError(t, err)
	assert.Empty(t, info.VoicePath)

	var voices []CharVoice
	require.NoError(t, service.db.Find(&voices).Error)
	require.Len(t, voices, 1)
	assert.True(t, blobs.has("uploads/Cat_voice.wav"))
}

func TestAttachModelEnforcesFBX(t *testing.T) {
	service, blobs := newTestService(t)
	ctx := context.Background()

	triple := splitUploadTriple(t, service, 1, "Cat")

	_, err := service.AttachModel(ctx, AttachModelInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Model:   &FilePart{Name: "cat.glb", ContentType: "model/gltf-binary", Data: []byte("glb")},
	})
	require.ErrorIs(t, err, ErrValidation)

	url, err := service.AttachModel(ctx, AttachModelInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Model:   &FilePart{Name: "anything.FBX", ContentType: "application/octet-stream", Data: []byte("fbx")},
	})
	require.NoError(t, err)
	assert.Contains(t, url, "Cat.fbx")
	assert.True(t, blobs.has("uploads/Cat.fbx"))

	has, err := service.HasModel(ctx, triple.Main.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBoundImageRejectsFurtherBinding(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	triple := splitUploadTriple(t, service, 1, "Cat")
	_, err := service.AttachInfo(ctx, AttachInfoInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Profile: testProfileFields("Cat"),
		Memory:  "we met at the shore",
		Voice:   wavPart("cat-voice.wav"),
	})
	require.NoError(t, err)
	_, err = service.AttachModel(ctx, AttachModelInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Model:   &FilePart{Name: "cat.fbx", ContentType: "application/octet-stream", Data: []byte("fbx")},
	})
	require.NoError(t, err)

	_, err = service.AttachInfo(ctx, AttachInfoInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Profile: testProfileFields("Cat"),
		Memory:  "rewritten memory",
		Voice:   wavPart("cat-voice.wav"),
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.AttachModel(ctx, AttachModelInput{
		UserID:  1,
		ImageID: triple.Main.ID,
		Model:   &FilePart{Name: "cat.fbx", ContentType: "application/octet-stream", Data: []byte("fbx2")},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestLegacyUpload(t *testing.T) {
	service, blobs := newTestService(t)
	ctx := context.Background()

	result, err := service.LegacyUpload(ctx, LegacyUploadInput{
		UserID:   1,
		BaseName: "Cat",
		Files:    []*FilePart{pngPart("one.png"), pngPart("two.png")},
		Profile:  "a quiet companion",
		Memory:   "we met at the shore",
		Voice:    wavPart("cat.wav"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Cat", result.FileName)
	assert.Contains(t, result.ImagePath, "Cat.png")

	var rows []CharImage
	require.NoError(t, service.db.Order("id asc").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, RoleMain, rows[0].Role)
	assert.Equal(t, "Cat.png", rows[0].FileName)
	assert.Equal(t, RoleGallery, rows[1].Role)
	assert.Equal(t, "Cat(1).png", rows[1].FileName)
	assert.Equal(t, rows[0].UploadBatch, rows[1].UploadBatch)

	for _, key := range []string{"uploads/Cat.png", "uploads/Cat(1).png", "uploads/Cat_profile.json", "uploads/Cat_memory.json", "uploads/Cat_voice.wav"} {
		assert.True(t, blobs.has(key), "missing blob %s", key)
	}
}

func TestLegacyUploadWithoutVoice(t *testing.T) {
	service, blobs := newTestService(t)
	ctx := context.Background()

	result, err := service.LegacyUpload(ctx, LegacyUploadInput{
		UserID:   1,
		BaseName: "Cat",
		Files:    []*FilePart{pngPart("one.png")},
		Profile:  "a quiet companion",
		Memory:   "we met at the shore",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ProfilePath)
	assert.NotEmpty(t, result.MemoryPath)

	var images []CharImage
	require.NoError(t, service.db.Find(&images).Error)
	assert.Len(t, images, 1)
	var profiles []CharProfile
	require.NoError(t, service.db.Find(&profiles).Error)
	assert.Len(t, profiles, 1)
	var voices []CharVoice
	require.NoError(t, service.db.Find(&voices).Error)
	assert.Empty(t, voices)

	assert.True(t, blobs.has("uploads/Cat_profile.json"))
	assert.True(t, blobs.has("uploads/Cat_memory.json"))
	assert.False(t, blobs.has("uploads/Cat_voice.wav"))
}
