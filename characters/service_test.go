package characters

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const fakeBlobBase = "http://blobs.test/assets"

// fakeBlobs is an in-memory BlobStore with the same URL and no-op-delete
// semantics as the MinIO-backed implementation.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.objects[key] = buf
	return f.PublicURL(key), nil
}

func (f *fakeBlobs) Copy(_ context.Context, oldKey, newKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[oldKey]
	if !ok {
		return fmt.Errorf("fakeBlobs: no object %s", oldKey)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.objects[newKey] = buf
	return nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) PublicURL(key string) string {
	return fakeBlobBase + "/" + key
}

func (f *fakeBlobs) KeyFromURL(raw string) (string, bool) {
	key, found := strings.CutPrefix(raw, fakeBlobBase+"/")
	return key, found && key != ""
}

func (f *fakeBlobs) Prefix() string {
	return "uploads"
}

func (f *fakeBlobs) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeBlobs) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for key := range f.objects {
		out = append(out, key)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeBlobs) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	blobs := newFakeBlobs()
	service := NewService(db, blobs)
	require.NoError(t, service.Migrate())
	return service, blobs
}

func pngPart(name string) *FilePart {
	return &FilePart{Name: name, ContentType: "image/png", Data: []byte("png-bytes-" + name)}
}

func wavPart(name string) *FilePart {
	return &FilePart{Name: name, ContentType: "audio/wav", Data: []byte("wav-bytes-" + name)}
}
