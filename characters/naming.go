package characters

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

const fallbackBaseName = "file"

// DeriveSafeBaseName turns arbitrary user input into a storage-safe base
// name: the extension is stripped, letters (CJK included), digits, underscore
// and hyphen are kept, and every other run of characters collapses into a
// single underscore. Empty results fall back to "file". The function is pure
// and idempotent.
func DeriveSafeBaseName(raw string) string {
	name := strings.TrimSpace(raw)
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}

	var b strings.Builder
	b.Grow(len(name))
	pendingGap := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
			if pendingGap && b.Len() > 0 {
				b.WriteRune('_')
			}
			pendingGap = false
			b.WriteRune(r)
		default:
			pendingGap = true
		}
	}

	result := strings.Trim(b.String(), "_")
	if result == "" {
		return fallbackBaseName
	}
	return result
}

// AllocateUniqueName finds a collision-free file name for base+ext inside the
// user's namespace. Existing names matching base(<n>)?.ext (case-insensitive)
// are collected and the lowest free non-negative suffix wins: base.ext,
// base(1).ext, base(2).ext, ... The probe is a fast path only; the unique
// index on (user_id, file_name) is the true guard under concurrent uploads.
func (s *Service) AllocateUniqueName(ctx context.Context, userID uint, base, ext string) (string, error) {
	return s.allocateUniqueName(ctx, userID, base, ext, nil)
}

// allocateUniqueName additionally treats the names in reserved (lowercase)
// as taken. Batch operations such as rename reserve every target before any
// row is written, so two members of one family cannot race into the same
// free slot.
func (s *Service) allocateUniqueName(ctx context.Context, userID uint, base, ext string, reserved map[string]struct{}) (string, error) {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	pattern, err := regexp.Compile(
		`^` + regexp.QuoteMeta(strings.ToLower(base)) + `(\(\d+\))?` + regexp.QuoteMeta(strings.ToLower(ext)) + `$`,
	)
	if err != nil {
		return "", fmt.Errorf("characters: compile name pattern: %w", err)
	}

	var candidates []string
	err = s.db.WithContext(ctx).
		Model(&CharImage{}).
		Where("user_id = ? AND LOWER(file_name) LIKE ? ESCAPE '\\'", userID, escapeLike(strings.ToLower(base))+"%").
		Pluck("file_name", &candidates).Error
	if err != nil {
		return "", fmt.Errorf("characters: query existing names: %w", err)
	}

	existing := make(map[string]struct{}, len(candidates))
	for _, name := range candidates {
		lower := strings.ToLower(name)
		if pattern.MatchString(lower) {
			existing[lower] = struct{}{}
		}
	}

	for counter := 0; ; counter++ {
		name := base + ext
		if counter > 0 {
			name = fmt.Sprintf("%s(%d)%s", base, counter, ext)
		}
		lower := strings.ToLower(name)
		_, taken := existing[lower]
		if !taken {
			_, taken = reserved[lower]
		}
		if !taken {
			return name, nil
		}
	}
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// stripExtension drops the trailing extension, if any.
func stripExtension(fileName string) string {
	if ext := filepath.Ext(fileName); ext != "" {
		return strings.TrimSuffix(fileName, ext)
	}
	return fileName
}

var roleSuffixPattern = regexp.MustCompile(`(?i)_(head|body)(\(\d+\))?$`)

// stripIdentity computes a row's base identity: extension dropped, then the
// trailing _head/_body role suffix. A uniqueness marker after the suffix is
// kept, so Nia_head(1) belongs to Nia(1), not Nia. Main, head and body
// images of one character share the same identity.
func stripIdentity(fileName string) string {
	return roleSuffixPattern.ReplaceAllString(stripExtension(fileName), "$2")
}
