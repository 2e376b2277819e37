package characters

import (
	"time"

	"gorm.io/datatypes"
)

// Image roles within a character family.
const (
	RoleMain    = "main"
	RoleHead    = "head"
	RoleBody    = "body"
	RoleGallery = "gallery"
)

// Dependent asset kinds attached to a main image.
const (
	KindProfile = "profile"
	KindMemory  = "memory"
	KindVoice   = "voice"
	KindModel   = "model"
)

// CharImage is one physical image blob belonging to one user. Within a user's
// namespace file names are unique; the composite index is the true guard
// behind the allocator's probing.
type CharImage struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;uniqueIndex:idx_user_file_name" json:"user_id"`
	FileName    string    `gorm:"size:255;not null;uniqueIndex:idx_user_file_name" json:"file_name"`
	FilePath    string    `gorm:"size:512;not null" json:"file_path"`
	Role        string    `gorm:"column:role_type;size:16;not null;default:'main'" json:"role_type"`
	UploadBatch string    `gorm:"size:64;index" json:"upload_batch"`
	UploadedAt  time.Time `gorm:"autoCreateTime" json:"uploaded_at"`
}

func (CharImage) TableName() string {
	return "char_images"
}

// CharProfile holds the appearance document bound to a main image, plus the
// structured fields the document was synthesized from.
type CharProfile struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	ImageID   uint64         `gorm:"not null;index" json:"image_id"`
	FilePath  string         `gorm:"size:512;not null" json:"file_path"`
	Fields    datatypes.JSON `gorm:"type:json" json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (CharProfile) TableName() string {
	return "char_profile"
}

// CharMemory holds the memory document bound to a main image.
type CharMemory struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	ImageID   uint64    `gorm:"not null;index" json:"image_id"`
	FilePath  string    `gorm:"size:512;not null" json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

func (CharMemory) TableName() string {
	return "char_memory"
}

// CharVoice holds the voice clip bound to a main image.
type CharVoice struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	ImageID   uint64    `gorm:"not null;index" json:"image_id"`
	FilePath  string    `gorm:"size:512;not null" json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

func (CharVoice) TableName() string {
	return "char_voice"
}

// CharModel holds the 3D model bound to a main image.
type CharModel struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	ImageID   uint64    `gorm:"not null;index" json:"image_id"`
	FilePath  string    `gorm:"size:512;not null" json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

func (CharModel) TableName() string {
	return "char_model"
}

// ownedAsset lets generic helpers read the owning image id off any
// dependent row type.
type ownedAsset interface {
	ownerImageID() uint64
}

func (p CharProfile) ownerImageID() uint64 { return p.ImageID }
func (m CharMemory) ownerImageID() uint64  { return m.ImageID }
func (v CharVoice) ownerImageID() uint64   { return v.ImageID }
func (m CharModel) ownerImageID() uint64   { return m.ImageID }
