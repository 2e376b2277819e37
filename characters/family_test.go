package characters

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCharacter assembles a complete character: split triple, info assets
// and model.
func buildCharacter(t *testing.T, service *Service, userID uint, base string) *SplitUploadResult {
	t.Helper()
	ctx := context.Background()

	triple := splitUploadTriple(t, service, userID, base)
	_, err := service.AttachInfo(ctx, AttachInfoInput{
		UserID:  userID,
		ImageID: triple.Main.ID,
		Profile: testProfileFields(base),
		Memory:  "shared memory",
		Voice:   wavPart(base + ".wav"),
	})
	require.NoError(t, err)
	_, err = service.AttachModel(ctx, AttachModelInput{
		UserID:  userID,
		ImageID: triple.Main.ID,
		Model:   &FilePart{Name: base + ".fbx", ContentType: "application/octet-stream", Data: []byte("fbx")},
	})
	require.NoError(t, err)
	return triple
}

func TestResolveFamilySelectors(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	triple := buildCharacter(t, service, 1, "Cat")

	byName, err := service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Cat.png"})
	require.NoError(t, err)
	assert.Len(t, byName.Images, 3)
	assert.Len(t, byName.Profiles, 1)
	assert.Len(t, byName.Models, 1)

	// Any member of the triple resolves the whole family through the batch.
	byBatch, err := service.ResolveFamily(ctx, 1, FamilySelector{UploadBatch: triple.UploadBatch})
	require.NoError(t, err)
	assert.ElementsMatch(t, byName.ImageIDs(), byBatch.ImageIDs())

	_, err = service.ResolveFamily(ctx, 1, FamilySelector{})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Nobody"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = service.ResolveFamily(ctx, 2, FamilySelector{FileName: "Cat"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveFamilyKeepsVariantsApart(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	splitUploadTriple(t, service, 1, "Cat")
	second, err := service.SplitUpload(ctx, SplitUploadInput{
		UserID:      1,
		BaseName:    "Cat",
		UploadBatch: "separate-batch",
		Main:        pngPart("Cat.png"),
		Head:        pngPart("Cat_head.png"),
		Body:        pngPart("Cat_body.png"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Cat(1).png", second.Main.FileName)

	// Cat(1) is its own identity and stays out of Cat's family.
	family, err := service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Cat"})
	require.NoError(t, err)
	for _, image := range family.Images {
		assert.NotContains(t, image.FileName, "(1)")
	}
}

func TestRenameMovesEveryAsset(t *testing.T) {
	service, blobs := newTestService(t)
	ctx := context.Background()

	triple := buildCharacter(t, service, 1, "Cat")
	before, err := service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Cat"})
	require.NoError(t, err)

	result, err := service.Rename(ctx, 1, FamilySelector{FileName: "Cat"}, "Nia")
	require.NoError(t, err)
	assert.Equal(t, "Nia", result.NewBase)
	assert.Equal(t, 3, result.ImagesRenamed)
	assert.Equal(t, 4, result.AssetsRenamed)

	after, err := service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Nia"})
	require.NoError(t, err)

	beforeIDs := before.ImageIDs()
	afterIDs := after.ImageIDs()
	sort.Slice(beforeIDs, func(i, j int) bool { return beforeIDs[i] < beforeIDs[j] })
	sort.Slice(afterIDs, func(i, j int) bool { return afterIDs[i] < afterIDs[j] })
	assert.Equal(t, beforeIDs, afterIDs)

	names := make(map[string]struct{}, len(after.Images))
	for _, image := range after.Images {
		names[image.FileName] = struct{}{}
	}
	for _, want := range []string{"Nia.png", "Nia_head.png", "Nia_body.png"} {
		assert.Contains(t, names, want)
	}

	expected := []string{
		"uploads/Nia.png", "uploads/Nia_head.png", "uploads/Nia_body.png",
		"uploads/Nia_profile.json", "uploads/Nia_memory.json", "uploads/Nia_voice.wav",
		"uploads/Nia.fbx",
	}
	keys := blobs.keys()
	assert.ElementsMatch(t, expected, keys)

	// The batch id survives renames, so batch-based selection still works.
	byBatch, err := service.ResolveFamily(ctx, 1, FamilySelector{UploadBatch: triple.UploadBatch})
	require.NoError(t, err)
	assert.Len(t, byBatch.Images, 3)
}

func TestRenameAvoidsOccupiedNames(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	buildCharacter(t, service, 1, "Cat")
	splitUploadTriple(t, service, 1, "Nia")

	result, err := service.Rename(ctx, 1, FamilySelector{FileName: "Cat"}, "Nia")
	require.NoError(t, err)
	assert.Equal(t, "Nia", result.NewBase)

	family, err := service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Nia(1)"})
	require.NoError(t, err)
	names := make([]string, 0, len(family.Images))
	for _, image := range family.Images {
		names = append(names, image.FileName)
	}
	assert.ElementsMatch(t, []string{"Nia(1).png", "Nia_head(1).png", "Nia_body(1).png"}, names)
}

func TestRenameValidation(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	buildCharacter(t, service, 1, "Cat")

	_, err := service.Rename(ctx, 1, FamilySelector{FileName: "Cat"}, "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.Rename(ctx, 1, FamilySelector{FileName: "Cat"}, "cat")
	require.ErrorIs(t, err, ErrValidation)

	// A name that sanitizes away entirely must not silently become the
	// "file" fallback.
	_, err = service.Rename(ctx, 1, FamilySelector{FileName: "Cat"}, "!!!")
	require.ErrorIs(t, err, ErrValidation)
	_, err = service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Cat"})
	require.NoError(t, err)

	_, err = service.Rename(ctx, 1, FamilySelector{FileName: "Missing"}, "Nia")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesRowsAndBlobs(t *testing.T) {
	service, blobs := newTestService(t)
	ctx := context.Background()

	buildCharacter(t, service, 1, "Cat")
	buildCharacter(t, service, 1, "Dog")

	removed, err := service.Delete(ctx, 1, FamilySelector{FileName: "Cat"})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Cat"})
	require.ErrorIs(t, err, ErrNotFound)

	for _, key := range blobs.keys() {
		assert.NotContains(t, key, "Cat", "blob %s should be gone", key)
	}

	// The other character is untouched.
	dog, err := service.ResolveFamily(ctx, 1, FamilySelector{FileName: "Dog"})
	require.NoError(t, err)
	assert.Len(t, dog.Images, 3)
	assert.Len(t, dog.Models, 1)
}

func TestDeleteByBatchTakesWholeTriple(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	triple := buildCharacter(t, service, 1, "Cat")

	removed, err := service.Delete(ctx, 1, FamilySelector{UploadBatch: triple.UploadBatch})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	var count int64
	require.NoError(t, service.db.Model(&CharImage{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, service.db.Model(&CharModel{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDeleteScopedToOwner(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	buildCharacter(t, service, 1, "Cat")

	_, err := service.Delete(ctx, 2, FamilySelector{FileName: "Cat"})
	require.ErrorIs(t, err, ErrNotFound)
}
