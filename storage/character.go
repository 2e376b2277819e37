package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxObjectBytes int64 = 30 * 1024 * 1024

// ErrObjectNotFound marks a read of a key with no stored object.
var ErrObjectNotFound = errors.New("storage: object not found")

// CharacterStorage provides helpers for storing character assets in MinIO/S3.
// All mutating calls validate the object key shape before touching the
// network.
type CharacterStorage struct {
	client    *minio.Client
	bucket    string
	prefix    string
	publicURL string
}

// NewCharacterStorageFromEnv initialises CharacterStorage using MINIO_*
// environment variables. Returns (nil, nil) when storage is not configured.
func NewCharacterStorageFromEnv() (*CharacterStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	prefix := strings.Trim(strings.TrimSpace(os.Getenv("MINIO_UPLOAD_PREFIX")), "/")
	if prefix == "" {
		prefix = "uploads"
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &CharacterStorage{
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Prefix returns the configured upload prefix.
func (s *CharacterStorage) Prefix() string {
	if s == nil {
		return "uploads"
	}
	return s.prefix
}

// Put stores the given bytes under key and returns the public URL.
func (s *CharacterStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: character storage not configured")
	}
	if int64(len(data)) > maxObjectBytes {
		return "", fmt.Errorf("storage: object size exceeds %d bytes", maxObjectBytes)
	}
	if err := ValidateObjectKey(s.prefix, key); err != nil {
		return "", err
	}

	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(putCtx, s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=604800",
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}

	return s.PublicURL(key), nil
}

// Copy duplicates oldKey under newKey. The destination key must match the
// allowed pattern; the source is taken as-is so legacy keys can be migrated.
func (s *CharacterStorage) Copy(ctx context.Context, oldKey, newKey string) error {
	if s == nil || s.client == nil {
		return errors.New("storage: character storage not configured")
	}
	if err := ValidateObjectKey(s.prefix, newKey); err != nil {
		return err
	}

	copyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := s.client.CopyObject(copyCtx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: newKey},
		minio.CopySrcOptions{Bucket: s.bucket, Object: strings.TrimPrefix(strings.TrimSpace(oldKey), "/")},
	)
	if err != nil {
		return fmt.Errorf("storage: copy %s -> %s: %w", oldKey, newKey, err)
	}
	return nil
}

// Delete removes the object under key. Deleting a missing key is a no-op.
func (s *CharacterStorage) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return nil
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return nil
	}

	deleteCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.client.RemoveObject(deleteCtx, s.bucket, trimmed, minio.RemoveObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("storage: delete %s: %w", trimmed, err)
	}
	return nil
}

// Exists reports whether an object is present under key.
func (s *CharacterStorage) Exists(ctx context.Context, key string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("storage: character storage not configured")
	}

	statCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.StatObject(statCtx, s.bucket, strings.TrimPrefix(strings.TrimSpace(key), "/"), minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.Code == "NotFound") {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %s: %w", key, err)
	}
	return true, nil
}

// Get opens the object under key for streaming and reports its content type
// and size. The caller owns the returned reader.
func (s *CharacterStorage) Get(ctx context.Context, key string) (io.ReadCloser, string, int64, error) {
	if s == nil || s.client == nil {
		return nil, "", 0, errors.New("storage: character storage not configured")
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return nil, "", 0, errors.New("storage: empty object key")
	}

	object, err := s.client.GetObject(ctx, s.bucket, trimmed, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", 0, fmt.Errorf("storage: get %s: %w", trimmed, err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.Code == "NotFound") {
			return nil, "", 0, fmt.Errorf("storage: get %s: %w", trimmed, ErrObjectNotFound)
		}
		return nil, "", 0, fmt.Errorf("storage: stat %s: %w", trimmed, err)
	}
	return object, stat.ContentType, stat.Size, nil
}

// PresignedURL returns a temporary URL for accessing the given object.
func (s *CharacterStorage) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: character storage not configured")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	signed, err := s.client.PresignedGetObject(presignCtx, s.bucket, strings.TrimPrefix(key, "/"), expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return signed.String(), nil
}

// PublicURL builds the externally reachable URL for an object key.
func (s *CharacterStorage) PublicURL(key string) string {
	base := strings.TrimSuffix(s.publicURL, "/")
	object := strings.TrimPrefix(key, "/")
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, object)
}

// KeyFromURL recovers the object key from a stored URL. The second return
// value is false when the URL does not point into this storage.
func (s *CharacterStorage) KeyFromURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	if !strings.Contains(trimmed, "://") {
		candidate := strings.TrimPrefix(trimmed, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		return candidate, candidate != ""
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	candidate := strings.TrimPrefix(target.Path, "/")
	candidate = strings.TrimPrefix(candidate, s.bucket+"/")
	candidate = strings.TrimPrefix(candidate, "/")
	return candidate, candidate != ""
}
