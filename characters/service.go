package characters

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// BlobStore is the object-storage capability the character core consumes.
// Implementations must reject keys outside the allowed pattern before any
// network call, and treat deletion of a missing key as a no-op.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Copy(ctx context.Context, oldKey, newKey string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
	KeyFromURL(raw string) (string, bool)
	Prefix() string
}

// Service implements the asset-identity core: naming, binding, rename and
// delete across the relational store and the blob store.
type Service struct {
	db        *gorm.DB
	blobs     BlobStore
	txTimeout time.Duration
}

// NewService wires the core against a database and a blob store.
func NewService(db *gorm.DB, blobs BlobStore) *Service {
	return &Service{db: db, blobs: blobs, txTimeout: time.Minute}
}

// Migrate creates the character asset tables.
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&CharImage{}, &CharProfile{}, &CharMemory{}, &CharVoice{}, &CharModel{})
}

// boundedCtx caps transaction lifetime: rename and delete hold a database
// transaction open across blob-store calls, so the whole unit gets a
// deadline to avoid long-held locks under blob-store latency.
func (s *Service) boundedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.txTimeout)
}
