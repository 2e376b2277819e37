package characters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// MainImageView is one row of the binding picker: every main image with a
// flag telling whether a model is already bound.
type MainImageView struct {
	ImageID     uint64    `json:"image_id"`
	FileName    string    `json:"file_name"`
	ImagePath   string    `json:"image_path"`
	UploadBatch string    `json:"upload_batch"`
	UploadedAt  time.Time `json:"uploaded_at"`
	HasModel    bool      `json:"has_model"`
}

// CharacterView is one row of the character library listing: a main image
// that has a bound model, with the latest dependent asset paths.
type CharacterView struct {
	ImageID     uint64    `json:"image_id"`
	UploadBatch string    `json:"upload_batch"`
	FileName    string    `json:"file_name"`
	ImagePath   string    `json:"image_path"`
	ProfilePath string    `json:"profile_path,omitempty"`
	MemoryPath  string    `json:"memory_path,omitempty"`
	VoicePath   string    `json:"voice_path,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// MainImageByID loads a main-role image owned by the given user.
func (s *Service) MainImageByID(ctx context.Context, userID uint, imageID uint64) (*CharImage, error) {
	var image CharImage
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND role_type = ?", imageID, userID, RoleMain).
		First(&image).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: main image %d", ErrNotFound, imageID)
		}
		return nil, fmt.Errorf("characters: load main image: %w", err)
	}
	return &image, nil
}

// HasModel reports whether a model row is bound to the image.
func (s *Service) HasModel(ctx context.Context, imageID uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&CharModel{}).Where("image_id = ?", imageID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("characters: count models: %w", err)
	}
	return count > 0, nil
}

// ListMainImagesForBinding returns every main image of the user with its
// has_model flag, unbound first, newest first within each group.
func (s *Service) ListMainImagesForBinding(ctx context.Context, userID uint) ([]MainImageView, error) {
	var images []CharImage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND role_type = ?", userID, RoleMain).
		Order("uploaded_at desc").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("characters: list main images: %w", err)
	}

	ids := make([]uint64, 0, len(images))
	for _, image := range images {
		ids = append(ids, image.ID)
	}
	bound, err := s.modelBoundSet(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]MainImageView, 0, len(images))
	// Unbound images first, preserving the newest-first order inside each group.
	for _, withModel := range []bool{false, true} {
		for _, image := range images {
			_, has := bound[image.ID]
			if has != withModel {
				continue
			}
			views = append(views, MainImageView{
				ImageID:     image.ID,
				FileName:    image.FileName,
				ImagePath:   image.FilePath,
				UploadBatch: image.UploadBatch,
				UploadedAt:  image.UploadedAt,
				HasModel:    has,
			})
		}
	}
	return views, nil
}

// ListCharacters returns the user's main images that have a bound model,
// together with the latest profile/memory/voice paths, newest first.
func (s *Service) ListCharacters(ctx context.Context, userID uint) ([]CharacterView, error) {
	var images []CharImage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND role_type = ?", userID, RoleMain).
		Order("uploaded_at desc").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("characters: list characters: %w", err)
	}

	ids := make([]uint64, 0, len(images))
	for _, image := range images {
		ids = append(ids, image.ID)
	}
	bound, err := s.modelBoundSet(ctx, ids)
	if err != nil {
		return nil, err
	}
	profiles, err := latestPathByImage[CharProfile](ctx, s.db)
	if err != nil {
		return nil, err
	}
	memories, err := latestPathByImage[CharMemory](ctx, s.db)
	if err != nil {
		return nil, err
	}
	voices, err := latestPathByImage[CharVoice](ctx, s.db)
	if err != nil {
		return nil, err
	}

	views := make([]CharacterView, 0, len(images))
	for _, image := range images {
		if _, has := bound[image.ID]; !has {
			continue
		}
		views = append(views, CharacterView{
			ImageID:     image.ID,
			UploadBatch: image.UploadBatch,
			FileName:    image.FileName,
			ImagePath:   image.FilePath,
			ProfilePath: profiles[image.ID],
			MemoryPath:  memories[image.ID],
			VoicePath:   voices[image.ID],
			UploadedAt:  image.UploadedAt,
		})
	}
	return views, nil
}

// CharacterByName returns the joined asset paths for one character, looked
// up by its extension-less file name.
func (s *Service) CharacterByName(ctx context.Context, userID uint, baseName string) (*CharacterView, error) {
	var images []CharImage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND role_type = ?", userID, RoleMain).
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("characters: lookup character: %w", err)
	}

	for _, image := range images {
		if !strings.EqualFold(stripExtension(image.FileName), baseName) {
			continue
		}
		view := CharacterView{
			ImageID:     image.ID,
			UploadBatch: image.UploadBatch,
			FileName:    image.FileName,
			ImagePath:   image.FilePath,
			UploadedAt:  image.UploadedAt,
		}
		profiles, err := latestPathByImage[CharProfile](ctx, s.db)
		if err != nil {
			return nil, err
		}
		memories, err := latestPathByImage[CharMemory](ctx, s.db)
		if err != nil {
			return nil, err
		}
		voices, err := latestPathByImage[CharVoice](ctx, s.db)
		if err != nil {
			return nil, err
		}
		view.ProfilePath = profiles[image.ID]
		view.MemoryPath = memories[image.ID]
		view.VoicePath = voices[image.ID]
		return &view, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, baseName)
}

// latestBatchForBase finds the most recent upload batch whose main image name
// resolves to the given base, or "" when none exists.
func (s *Service) latestBatchForBase(ctx context.Context, userID uint, base string) (string, *CharImage, error) {
	var images []CharImage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND role_type = ?", userID, RoleMain).
		Order("uploaded_at desc").
		Find(&images).Error
	if err != nil {
		return "", nil, fmt.Errorf("characters: search prior batches: %w", err)
	}

	for i := range images {
		if strings.EqualFold(stripIdentity(images[i].FileName), base) {
			return images[i].UploadBatch, &images[i], nil
		}
	}
	return "", nil, nil
}

func (s *Service) modelBoundSet(ctx context.Context, imageIDs []uint64) (map[uint64]struct{}, error) {
	bound := make(map[uint64]struct{})
	if len(imageIDs) == 0 {
		return bound, nil
	}
	var ids []uint64
	err := s.db.WithContext(ctx).
		Model(&CharModel{}).
		Where("image_id IN ?", imageIDs).
		Pluck("image_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("characters: load model bindings: %w", err)
	}
	for _, id := range ids {
		bound[id] = struct{}{}
	}
	return bound, nil
}

type dependentRow interface {
	CharProfile | CharMemory | CharVoice | CharModel
}

// latestPathByImage maps image id to the newest dependent file path of one
// kind. Newer rows shadow stragglers left behind by legacy append paths, so
// at most one row per image counts.
func latestPathByImage[T dependentRow](ctx context.Context, db *gorm.DB) (map[uint64]string, error) {
	var rows []struct {
		ID       uint64
		ImageID  uint64
		FilePath string
	}
	var model T
	err := db.WithContext(ctx).Model(&model).Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("characters: load dependent paths: %w", err)
	}
	paths := make(map[uint64]string, len(rows))
	for _, row := range rows {
		paths[row.ImageID] = row.FilePath
	}
	return paths, nil
}
