package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Object keys under the character prefix follow a fixed shape: a safe base
// name with an optional (n) uniqueness marker, an optional role/kind suffix
// that may carry its own marker, and an allowed extension. Keys failing the
// shape are rejected before any network call is made.
const keySuffixAlternatives = "head|body|profile|memory|voice"

var (
	keyNamePattern = regexp.MustCompile(
		`^[\p{L}\p{N}_\-]+(?:\(\d+\))?(?:_(?:` + keySuffixAlternatives + `))?(?:\(\d+\))?\.(?i:png|jpg|jpeg|webp|gif|json|wav|fbx|glb|gltf)$`,
	)

	// ErrInvalidObjectKey is returned for keys outside the allowed shape.
	ErrInvalidObjectKey = fmt.Errorf("storage: object key outside allowed pattern")
)

// ValidateObjectKey checks that key sits directly under prefix and that its
// final segment matches the character asset naming shape.
func ValidateObjectKey(prefix, key string) error {
	trimmedPrefix := strings.Trim(strings.TrimSpace(prefix), "/")
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidObjectKey)
	}
	if strings.Contains(trimmedKey, "..") {
		return fmt.Errorf("%w: %q uses parent traversal", ErrInvalidObjectKey, key)
	}

	expected := trimmedPrefix + "/"
	if trimmedPrefix == "" {
		expected = ""
	}
	if !strings.HasPrefix(trimmedKey, expected) {
		return fmt.Errorf("%w: %q not under prefix %q", ErrInvalidObjectKey, key, trimmedPrefix)
	}

	name := strings.TrimPrefix(trimmedKey, expected)
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
	}
	if !keyNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
	}
	return nil
}

// BuildObjectKey joins the configured prefix with a validated file name.
func BuildObjectKey(prefix, fileName string) string {
	trimmedPrefix := strings.Trim(strings.TrimSpace(prefix), "/")
	if trimmedPrefix == "" {
		return strings.TrimSpace(fileName)
	}
	return path.Join(trimmedPrefix, strings.TrimSpace(fileName))
}
