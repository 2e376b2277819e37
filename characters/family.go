package characters

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"gorm.io/gorm"

	"closureme_back/storage"
)

// FamilySelector picks one character family. Exactly one field is set:
// FileName selects by the main image's stored name (extension optional),
// UploadBatch selects by the shared batch id.
type FamilySelector struct {
	FileName    string
	UploadBatch string
}

// Family is every row that belongs to one character: the image rows sharing
// the identity plus the dependent rows hanging off those images.
type Family struct {
	Images   []CharImage
	Profiles []CharProfile
	Memories []CharMemory
	Voices   []CharVoice
	Models   []CharModel
}

// ImageIDs returns the ids of the family's image rows.
func (f *Family) ImageIDs() []uint64 {
	ids := make([]uint64, 0, len(f.Images))
	for _, image := range f.Images {
		ids = append(ids, image.ID)
	}
	return ids
}

func (f *Family) empty() bool {
	return len(f.Images) == 0
}

// ResolveFamily expands a selector into the full set of rows it governs.
// A file-name selector strips only the extension before matching; a batch
// selector additionally strips the _head/_body role suffix of whichever
// name it lands on, so any member of a triple resolves the whole triple.
func (s *Service) ResolveFamily(ctx context.Context, userID uint, sel FamilySelector) (*Family, error) {
	var candidates []CharImage
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("characters: load image library: %w", err)
	}

	family := &Family{}
	switch {
	case strings.TrimSpace(sel.UploadBatch) != "":
		batch := strings.TrimSpace(sel.UploadBatch)
		// Every batch member contributes its identity, so a re-split head
		// that picked up a uniqueness marker still pulls in its family.
		anchors := make(map[string]struct{})
		for _, image := range candidates {
			if image.UploadBatch == batch {
				anchors[strings.ToLower(stripIdentity(image.FileName))] = struct{}{}
			}
		}
		if len(anchors) == 0 {
			return nil, fmt.Errorf("%w: no character with upload batch %q", ErrNotFound, batch)
		}
		for _, image := range candidates {
			if _, ok := anchors[strings.ToLower(stripIdentity(image.FileName))]; ok {
				family.Images = append(family.Images, image)
			}
		}
	case strings.TrimSpace(sel.FileName) != "":
		base := stripExtension(strings.TrimSpace(sel.FileName))
		for _, image := range candidates {
			if strings.EqualFold(stripIdentity(image.FileName), base) {
				family.Images = append(family.Images, image)
			}
		}
		if family.empty() {
			return nil, fmt.Errorf("%w: no character named %q", ErrNotFound, sel.FileName)
		}
	default:
		return nil, fmt.Errorf("%w: a file name or upload batch is required", ErrValidation)
	}

	ids := family.ImageIDs()
	if err := s.db.WithContext(ctx).Where("image_id IN ?", ids).Find(&family.Profiles).Error; err != nil {
		return nil, fmt.Errorf("characters: load profiles: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("image_id IN ?", ids).Find(&family.Memories).Error; err != nil {
		return nil, fmt.Errorf("characters: load memories: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("image_id IN ?", ids).Find(&family.Voices).Error; err != nil {
		return nil, fmt.Errorf("characters: load voices: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("image_id IN ?", ids).Find(&family.Models).Error; err != nil {
		return nil, fmt.Errorf("characters: load models: %w", err)
	}
	return family, nil
}

// Delete removes a whole character family: blobs first, then dependent rows,
// then image rows, all row deletions inside one transaction. A blob that
// fails to delete aborts before any row is touched, so the database never
// references storage that was partially torn down the other way around.
func (s *Service) Delete(ctx context.Context, userID uint, sel FamilySelector) (int, error) {
	family, err := s.ResolveFamily(ctx, userID, sel)
	if err != nil {
		return 0, err
	}

	txCtx, cancel := s.boundedCtx(ctx)
	defer cancel()

	removed := 0
	err = s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		for _, image := range family.Images {
			if err := s.deleteBlobByURL(txCtx, image.FilePath); err != nil {
				return err
			}
		}
		for _, row := range family.Profiles {
			if err := s.deleteBlobByURL(txCtx, row.FilePath); err != nil {
				return err
			}
		}
		for _, row := range family.Memories {
			if err := s.deleteBlobByURL(txCtx, row.FilePath); err != nil {
				return err
			}
		}
		for _, row := range family.Voices {
			if err := s.deleteBlobByURL(txCtx, row.FilePath); err != nil {
				return err
			}
		}
		for _, row := range family.Models {
			if err := s.deleteBlobByURL(txCtx, row.FilePath); err != nil {
				return err
			}
		}

		ids := family.ImageIDs()
		for _, model := range []any{&CharProfile{}, &CharMemory{}, &CharVoice{}, &CharModel{}} {
			if err := tx.Where("image_id IN ?", ids).Delete(model).Error; err != nil {
				return fmt.Errorf("characters: delete dependent rows: %w", err)
			}
		}
		result := tx.Where("user_id = ? AND id IN ?", userID, ids).Delete(&CharImage{})
		if result.Error != nil {
			return fmt.Errorf("characters: delete image rows: %w", result.Error)
		}
		removed = int(result.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Service) deleteBlobByURL(ctx context.Context, rawURL string) error {
	key, ok := s.blobs.KeyFromURL(rawURL)
	if !ok {
		// Rows pointing outside our bucket (migrated data) have no blob
		// to remove.
		return nil
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		return fmt.Errorf("characters: delete blob %s: %w", key, err)
	}
	return nil
}

// RenameResult reports what a rename touched.
type RenameResult struct {
	NewBase       string `json:"new_name"`
	ImagesRenamed int    `json:"images_renamed"`
	AssetsRenamed int    `json:"assets_renamed"`
}

// Rename gives every member of a character family a new base name, in blob
// storage and in the database. Head and body images keep their role suffix,
// the main image carries the bare base, gallery images fall back to the
// allocator for a free slot. Dependent assets become newBase_<kind> except
// the model, which is newBase alone.
func (s *Service) Rename(ctx context.Context, userID uint, sel FamilySelector, newName string) (*RenameResult, error) {
	trimmed := strings.TrimSpace(newName)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: new name is required", ErrValidation)
	}
	newBase := DeriveSafeBaseName(trimmed)
	if newBase == fallbackBaseName && !strings.EqualFold(stripExtension(trimmed), fallbackBaseName) {
		return nil, fmt.Errorf("%w: new name must contain letters or digits", ErrValidation)
	}

	family, err := s.ResolveFamily(ctx, userID, sel)
	if err != nil {
		return nil, err
	}
	oldBase := stripIdentity(family.Images[0].FileName)
	if strings.EqualFold(oldBase, newBase) {
		return nil, fmt.Errorf("%w: new name matches the current name", ErrValidation)
	}

	// Target names are allocated up front, outside the transaction, so a
	// collision surfaces before any blob moves. The reserved set keeps the
	// family's own targets from landing on the same slot; gallery images
	// carry no suffix and rely on it for their (n) disambiguation.
	imageTargets := make(map[uint64]string, len(family.Images))
	reserved := make(map[string]struct{}, len(family.Images))
	for _, image := range family.Images {
		ext := filepath.Ext(image.FileName)
		if ext == "" {
			ext = ".png"
		}
		desired := newBase
		switch image.Role {
		case RoleHead, RoleBody:
			desired = newBase + "_" + image.Role
		}
		target, err := s.allocateUniqueName(ctx, userID, desired, ext, reserved)
		if err != nil {
			return nil, err
		}
		imageTargets[image.ID] = target
		reserved[strings.ToLower(target)] = struct{}{}
	}

	// Dependent assets follow the name the main image actually received,
	// so a rename that landed on Nia(1).png produces Nia(1)_profile.json
	// rather than clashing with Nia's assets.
	dependentBase := newBase
	for _, image := range family.Images {
		if image.Role == RoleMain {
			dependentBase = stripExtension(imageTargets[image.ID])
			break
		}
	}

	txCtx, cancel := s.boundedCtx(ctx)
	defer cancel()

	result := &RenameResult{NewBase: newBase}
	err = s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		for _, image := range family.Images {
			target := imageTargets[image.ID]
			url, err := s.moveBlob(txCtx, image.FilePath, target)
			if err != nil {
				return err
			}
			err = tx.Model(&CharImage{}).Where("id = ?", image.ID).
				Updates(map[string]any{"file_name": target, "file_path": url}).Error
			if err != nil {
				return fmt.Errorf("characters: update image row: %w", err)
			}
			result.ImagesRenamed++
		}

		for _, row := range family.Profiles {
			if err := s.renameDependent(txCtx, tx, &CharProfile{}, row.ID, row.FilePath, dependentBase+"_"+KindProfile, ".json", result); err != nil {
				return err
			}
		}
		for _, row := range family.Memories {
			if err := s.renameDependent(txCtx, tx, &CharMemory{}, row.ID, row.FilePath, dependentBase+"_"+KindMemory, ".json", result); err != nil {
				return err
			}
		}
		for _, row := range family.Voices {
			if err := s.renameDependent(txCtx, tx, &CharVoice{}, row.ID, row.FilePath, dependentBase+"_"+KindVoice, ".wav", result); err != nil {
				return err
			}
		}
		for _, row := range family.Models {
			if err := s.renameDependent(txCtx, tx, &CharModel{}, row.ID, row.FilePath, dependentBase, ".fbx", result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// renameDependent moves one dependent blob to its new key and points the row
// at it. The stored extension wins over the fallback when the URL carries one.
func (s *Service) renameDependent(ctx context.Context, tx *gorm.DB, model any, rowID uint64, rawURL, newStem, fallbackExt string, result *RenameResult) error {
	targetName := newStem + fallbackExt
	if key, ok := s.blobs.KeyFromURL(rawURL); ok {
		if ext := filepath.Ext(key); ext != "" {
			targetName = newStem + ext
		}
	}
	url, err := s.moveBlob(ctx, rawURL, targetName)
	if err != nil {
		return err
	}
	err = tx.Model(model).Where("id = ?", rowID).Update("file_path", url).Error
	if err != nil {
		return fmt.Errorf("characters: update dependent row: %w", err)
	}
	result.AssetsRenamed++
	return nil
}

// moveBlob is copy-then-delete; object stores have no atomic rename. Rows
// pointing outside our bucket keep their URL untouched.
func (s *Service) moveBlob(ctx context.Context, rawURL, newFileName string) (string, error) {
	srcKey, ok := s.blobs.KeyFromURL(rawURL)
	if !ok {
		return rawURL, nil
	}
	dstKey := storage.BuildObjectKey(s.blobs.Prefix(), newFileName)
	if err := s.blobs.Copy(ctx, srcKey, dstKey); err != nil {
		return "", fmt.Errorf("characters: copy blob %s: %w", srcKey, err)
	}
	if err := s.blobs.Delete(ctx, srcKey); err != nil {
		return "", fmt.Errorf("characters: delete old blob %s: %w", srcKey, err)
	}
	return s.blobs.PublicURL(dstKey), nil
}
