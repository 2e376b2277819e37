package characters

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"closureme_back/storage"
)

// FilePart is one uploaded file decoupled from the multipart transport.
type FilePart struct {
	Name        string
	ContentType string
	Data        []byte
}

func (p *FilePart) present() bool {
	return p != nil && len(p.Data) > 0
}

func (p *FilePart) extension() string {
	return strings.ToLower(filepath.Ext(p.Name))
}

func (p *FilePart) isImage() bool {
	if p == nil {
		return false
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(p.ContentType)), "image/") {
		return true
	}
	switch p.extension() {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return true
	}
	return false
}

// CreatedAsset summarises one row created by an upload workflow.
type CreatedAsset struct {
	ID       uint64 `json:"id"`
	Role     string `json:"role_type"`
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

// SplitUploadInput carries one split triple. Main may be nil when a prior
// main image with the same base already exists; head and body are required.
type SplitUploadInput struct {
	UserID      uint
	BaseName    string
	UploadBatch string
	Main        *FilePart
	Head        *FilePart
	Body        *FilePart
}

// SplitUploadResult reports the created rows and the shared batch id.
type SplitUploadResult struct {
	Main        *CreatedAsset `json:"main,omitempty"`
	Head        *CreatedAsset `json:"head"`
	Body        *CreatedAsset `json:"body"`
	UploadBatch string        `json:"upload_batch"`
}

// SplitUpload persists a main/head/body triple produced by the split tool.
// Each name goes through the allocator independently so their (n) suffixes do
// not interfere. All rows share one upload batch, reused from the most recent
// batch with the same base when none is supplied, else freshly minted.
func (s *Service) SplitUpload(ctx context.Context, in SplitUploadInput) (*SplitUploadResult, error) {
	if !in.Head.present() || !in.Body.present() {
		return nil, fmt.Errorf("%w: head and body image files are required", ErrValidation)
	}
	for _, part := range []*FilePart{in.Main, in.Head, in.Body} {
		if part.present() && !part.isImage() {
			return nil, fmt.Errorf("%w: %s is not an image file", ErrValidation, part.Name)
		}
	}

	rawName := strings.TrimSpace(in.BaseName)
	if rawName == "" && in.Main != nil {
		rawName = in.Main.Name
	}
	base := DeriveSafeBaseName(rawName)

	batch := strings.TrimSpace(in.UploadBatch)
	var priorMain *CharImage
	if batch == "" {
		found, prior, err := s.latestBatchForBase(ctx, in.UserID, base)
		if err != nil {
			return nil, err
		}
		batch = found
		priorMain = prior
	}
	if !in.Main.present() && priorMain == nil {
		return nil, fmt.Errorf("%w: main image file is required", ErrValidation)
	}
	if batch == "" {
		batch = uuid.NewString()
	}

	mainExt := ".png"
	if in.Main.present() {
		if ext := in.Main.extension(); ext != "" {
			mainExt = ext
		}
	}

	type pendingUpload struct {
		role     string
		part     *FilePart
		fileName string
		url      string
	}
	pending := make([]*pendingUpload, 0, 3)
	if in.Main.present() {
		name, err := s.AllocateUniqueName(ctx, in.UserID, base, mainExt)
		if err != nil {
			return nil, err
		}
		pending = append(pending, &pendingUpload{role: RoleMain, part: in.Main, fileName: name})
	}
	headName, err := s.AllocateUniqueName(ctx, in.UserID, base+"_head", ".png")
	if err != nil {
		return nil, err
	}
	pending = append(pending, &pendingUpload{role: RoleHead, part: in.Head, fileName: headName})
	bodyName, err := s.AllocateUniqueName(ctx, in.UserID, base+"_body", ".png")
	if err != nil {
		return nil, err
	}
	pending = append(pending, &pendingUpload{role: RoleBody, part: in.Body, fileName: bodyName})

	// Blob uploads target independent keys and may run concurrently; the
	// database inserts below stay ordered so the main row exists first.
	group, groupCtx := errgroup.WithContext(ctx)
	for _, up := range pending {
		up := up
		group.Go(func() error {
			key := storage.BuildObjectKey(s.blobs.Prefix(), up.fileName)
			contentType := up.part.ContentType
			if contentType == "" {
				contentType = "image/png"
			}
			url, err := s.blobs.Put(groupCtx, key, up.part.Data, contentType)
			if err != nil {
				return err
			}
			up.url = url
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := &SplitUploadResult{UploadBatch: batch}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, up := range pending {
			row := CharImage{
				UserID:      in.UserID,
				FileName:    up.fileName,
				FilePath:    up.url,
				Role:        up.role,
				UploadBatch: batch,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("characters: insert %s image: %w", up.role, err)
			}
			asset := &CreatedAsset{ID: row.ID, Role: up.role, FileName: up.fileName, FilePath: up.url}
			switch up.role {
			case RoleMain:
				result.Main = asset
			case RoleHead:
				result.Head = asset
			case RoleBody:
				result.Body = asset
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ProfileFields are the structured inputs the profile document is
// synthesized from. All fields are required.
type ProfileFields struct {
	Name      string `json:"name"`
	Relation  string `json:"relation"`
	Particles string `json:"particles"`
	Style     string `json:"style"`
	Notes     string `json:"notes"`
}

func (f ProfileFields) validate() error {
	for _, field := range []struct{ label, value string }{
		{"name", f.Name},
		{"relation", f.Relation},
		{"particles", f.Particles},
		{"style", f.Style},
		{"notes", f.Notes},
	} {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%w: profile %s is required", ErrValidation, field.label)
		}
	}
	return nil
}

// render synthesizes the profile document from the fixed template.
func (f ProfileFields) render() string {
	return fmt.Sprintf(
		"%s is the user's %s. They end sentences with %q and speak in a %s manner. Additional notes: %s",
		strings.TrimSpace(f.Name),
		strings.TrimSpace(f.Relation),
		strings.TrimSpace(f.Particles),
		strings.TrimSpace(f.Style),
		strings.TrimSpace(f.Notes),
	)
}

// AttachInfoInput binds profile, memory and voice to one main image.
type AttachInfoInput struct {
	UserID  uint
	ImageID uint64
	Profile ProfileFields
	Memory  string
	Voice   *FilePart
	// VoiceOptional lets callers omit the voice clip entirely; a previously
	// bound clip, if any, stays in place. A clip that is present is still
	// format-checked.
	VoiceOptional bool
}

// AttachInfoResult reports the stored dependent asset paths.
type AttachInfoResult struct {
	ProfilePath string `json:"profile_path"`
	MemoryPath  string `json:"memory_path"`
	VoicePath   string `json:"voice_path"`
}

type assetDocument struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AttachInfo persists profile, memory and voice for the selected main image
// with replace semantics: any previous dependent row of the same kind is
// removed before the new one is inserted. The target must not have a model
// bound yet; bound characters are sealed against rebinding.
func (s *Service) AttachInfo(ctx context.Context, in AttachInfoInput) (*AttachInfoResult, error) {
	if in.ImageID == 0 {
		return nil, fmt.Errorf("%w: image id is required", ErrValidation)
	}
	if err := in.Profile.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Memory) == "" {
		return nil, fmt.Errorf("%w: memory description is required", ErrValidation)
	}
	hasVoice := in.Voice.present()
	if hasVoice || !in.VoiceOptional {
		if err := validateVoicePart(in.Voice); err != nil {
			return nil, err
		}
	}

	image, err := s.MainImageByID(ctx, in.UserID, in.ImageID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUnbound(ctx, image.ID); err != nil {
		return nil, err
	}
	base := stripExtension(image.FileName)

	profileDoc, err := json.MarshalIndent(assetDocument{Type: KindProfile, Content: in.Profile.render()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("characters: encode profile document: %w", err)
	}
	memoryDoc, err := json.MarshalIndent(assetDocument{Type: KindMemory, Content: in.Memory}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("characters: encode memory document: %w", err)
	}
	fieldsJSON, err := json.Marshal(in.Profile)
	if err != nil {
		return nil, fmt.Errorf("characters: encode profile fields: %w", err)
	}

	profileName, err := s.AllocateUniqueName(ctx, in.UserID, base+"_"+KindProfile, ".json")
	if err != nil {
		return nil, err
	}
	memoryName, err := s.AllocateUniqueName(ctx, in.UserID, base+"_"+KindMemory, ".json")
	if err != nil {
		return nil, err
	}
	profileURL, err := s.blobs.Put(ctx, storage.BuildObjectKey(s.blobs.Prefix(), profileName), profileDoc, "application/json")
	if err != nil {
		return nil, err
	}
	memoryURL, err := s.blobs.Put(ctx, storage.BuildObjectKey(s.blobs.Prefix(), memoryName), memoryDoc, "application/json")
	if err != nil {
		return nil, err
	}
	var voiceURL string
	if hasVoice {
		voiceName, err := s.AllocateUniqueName(ctx, in.UserID, base+"_"+KindVoice, ".wav")
		if err != nil {
			return nil, err
		}
		voiceURL, err = s.blobs.Put(ctx, storage.BuildObjectKey(s.blobs.Prefix(), voiceName), in.Voice.Data, "audio/wav")
		if err != nil {
			return nil, err
		}
	}

	var stale []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if stale, err = replaceDependent(tx, stale, &CharProfile{ImageID: image.ID, FilePath: profileURL, Fields: datatypes.JSON(fieldsJSON)}); err != nil {
			return err
		}
		if stale, err = replaceDependent(tx, stale, &CharMemory{ImageID: image.ID, FilePath: memoryURL}); err != nil {
			return err
		}
		if hasVoice {
			if stale, err = replaceDependent(tx, stale, &CharVoice{ImageID: image.ID, FilePath: voiceURL}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.sweepBlobs(ctx, stale, profileURL, memoryURL, voiceURL)

	return &AttachInfoResult{ProfilePath: profileURL, MemoryPath: memoryURL, VoicePath: voiceURL}, nil
}

// AttachModelInput binds the 3D model file to one main image.
type AttachModelInput struct {
	UserID  uint
	ImageID uint64
	Model   *FilePart
}

// AttachModel stores the model blob and creates the model row, sealing the
// character: once bound, the image accepts no further info or model writes.
// The .fbx check is the authoritative format rule; glb/gltf pass the storage
// key pattern but are rejected here.
func (s *Service) AttachModel(ctx context.Context, in AttachModelInput) (string, error) {
	if in.ImageID == 0 {
		return "", fmt.Errorf("%w: image id is required", ErrValidation)
	}
	if !in.Model.present() {
		return "", fmt.Errorf("%w: model file is required", ErrValidation)
	}
	if in.Model.extension() != ".fbx" {
		return "", fmt.Errorf("%w: model file must be .fbx", ErrValidation)
	}

	image, err := s.MainImageByID(ctx, in.UserID, in.ImageID)
	if err != nil {
		return "", err
	}
	if err := s.ensureUnbound(ctx, image.ID); err != nil {
		return "", err
	}
	base := stripExtension(image.FileName)

	// Model keys carry no kind suffix: the generation pipeline expects the
	// file to be named after the character itself.
	key := storage.BuildObjectKey(s.blobs.Prefix(), base+".fbx")
	modelURL, err := s.blobs.Put(ctx, key, in.Model.Data, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelStage, err)
	}

	var stale []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		stale, err = replaceDependent(tx, stale, &CharModel{ImageID: image.ID, FilePath: modelURL})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelStage, err)
	}
	s.sweepBlobs(ctx, stale, modelURL)

	return modelURL, nil
}

// LegacyUploadInput is the deprecated one-shot upload: several images plus
// profile/memory text and an optional voice clip in a single call.
type LegacyUploadInput struct {
	UserID   uint
	BaseName string
	Files    []*FilePart
	Profile  string
	Memory   string
	Voice    *FilePart
}

// LegacyUploadResult mirrors the historical response shape.
type LegacyUploadResult struct {
	FileName    string `json:"filename"`
	ImagePath   string `json:"imagePath"`
	ProfilePath string `json:"profilePath"`
	MemoryPath  string `json:"memoryPath"`
	UploadBatch string `json:"upload_batch"`
}

// LegacyUpload keeps the pre-split flow alive for older clients. The first
// image becomes the main image; the rest are stored as gallery entries named
// base(i).
//
// Deprecated: new clients drive SplitUpload + AttachInfo/AttachModel.
func (s *Service) LegacyUpload(ctx context.Context, in LegacyUploadInput) (*LegacyUploadResult, error) {
	if len(in.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one image file is required", ErrValidation)
	}
	if strings.TrimSpace(in.Profile) == "" || strings.TrimSpace(in.Memory) == "" || strings.TrimSpace(in.BaseName) == "" {
		return nil, fmt.Errorf("%w: profile, memory and filename are required", ErrValidation)
	}
	for _, part := range in.Files {
		if !part.present() || !part.isImage() {
			return nil, fmt.Errorf("%w: only image files are supported", ErrValidation)
		}
	}
	if in.Voice.present() {
		if err := validateVoicePart(in.Voice); err != nil {
			return nil, err
		}
	}

	base := DeriveSafeBaseName(in.BaseName)
	batch := uuid.NewString()
	result := &LegacyUploadResult{FileName: base, UploadBatch: batch}

	var mainImage *CharImage
	for i, part := range in.Files {
		ext := part.extension()
		if ext == "" {
			ext = ".png"
		}
		indexed := base
		if i > 0 {
			indexed = fmt.Sprintf("%s(%d)", base, i)
		}
		name, err := s.AllocateUniqueName(ctx, in.UserID, indexed, ext)
		if err != nil {
			return nil, err
		}
		contentType := part.ContentType
		if contentType == "" {
			contentType = "image/png"
		}
		url, err := s.blobs.Put(ctx, storage.BuildObjectKey(s.blobs.Prefix(), name), part.Data, contentType)
		if err != nil {
			return nil, err
		}

		role := RoleGallery
		if i == 0 {
			role = RoleMain
		}
		row := CharImage{UserID: in.UserID, FileName: name, FilePath: url, Role: role, UploadBatch: batch}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, fmt.Errorf("characters: insert image: %w", err)
		}
		if i == 0 {
			mainImage = &row
			result.ImagePath = url
		}
	}

	info, err := s.AttachInfo(ctx, AttachInfoInput{
		UserID:  in.UserID,
		ImageID: mainImage.ID,
		Profile: ProfileFields{
			Name:      base,
			Relation:  "companion",
			Particles: "none",
			Style:     "neutral",
			Notes:     in.Profile,
		},
		Memory:        in.Memory,
		Voice:         in.Voice,
		VoiceOptional: true,
	})
	if err != nil {
		return nil, err
	}
	result.ProfilePath = info.ProfilePath
	result.MemoryPath = info.MemoryPath
	return result, nil
}

// ensureUnbound rejects binding writes against an image that already carries
// a model. A bound character is final; edits go through delete and re-upload.
func (s *Service) ensureUnbound(ctx context.Context, imageID uint64) error {
	bound, err := s.HasModel(ctx, imageID)
	if err != nil {
		return err
	}
	if bound {
		return fmt.Errorf("%w: character already has a bound model", ErrValidation)
	}
	return nil
}

func validateVoicePart(voice *FilePart) error {
	if !voice.present() {
		return fmt.Errorf("%w: voice file is required", ErrValidation)
	}
	mime := strings.ToLower(strings.TrimSpace(voice.ContentType))
	if voice.extension() == ".wav" || mime == "audio/wav" || mime == "audio/x-wav" {
		return nil
	}
	return fmt.Errorf("%w: voice file must be .wav", ErrValidation)
}

// replaceDependent enforces the at-most-one-current-row invariant: existing
// rows of the same kind are deleted before the replacement is inserted. The
// displaced blob URLs are collected for a best-effort sweep after commit.
func replaceDependent[T dependentRow](tx *gorm.DB, stale []string, row *T) ([]string, error) {
	imageID := any(*row).(ownedAsset).ownerImageID()
	var old []struct {
		ImageID  uint64
		FilePath string
	}
	var model T
	if err := tx.Model(&model).Where("image_id = ?", imageID).Find(&old).Error; err != nil {
		return stale, fmt.Errorf("characters: load stale %T rows: %w", model, err)
	}
	for _, prev := range old {
		stale = append(stale, prev.FilePath)
	}
	if err := tx.Where("image_id = ?", imageID).Delete(&model).Error; err != nil {
		return stale, fmt.Errorf("characters: delete stale %T rows: %w", model, err)
	}
	if err := tx.Create(row).Error; err != nil {
		return stale, fmt.Errorf("characters: insert %T row: %w", model, err)
	}
	return stale, nil
}

// sweepBlobs removes displaced blobs after a successful replace. Replacing
// an asset usually reuses its key, so stale URLs that match a keep URL stay
// put. Failures are ignored; deletion is idempotent and a later rename or
// delete pass cleans leftovers.
func (s *Service) sweepBlobs(ctx context.Context, stale []string, keep ...string) {
	kept := make(map[string]struct{}, len(keep))
	for _, raw := range keep {
		kept[raw] = struct{}{}
	}
	for _, raw := range stale {
		if _, ok := kept[raw]; ok {
			continue
		}
		key, ok := s.blobs.KeyFromURL(raw)
		if !ok {
			continue
		}
		_ = s.blobs.Delete(ctx, key)
	}
}
