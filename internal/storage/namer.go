package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/brightstart/internal/imageprocessor"
	"github.com/example/brightstart/internal/prediction"
)

// TimestampLayout is the UTC timestamp segment of artifact names (YYYYMMDD_HHMMSS).
const TimestampLayout = "20060102_150405"

const (
	defaultExtension = "jpg"
	anonymousOwner   = "anonymous"
)

// Formats accepted on upload that are re-encoded as JPEG before storage.
// There is no pure-Go webp encoder.
var reencoded = map[string]struct{}{
	"heic": {},
	"heif": {},
	"webp": {},
}

// SanitizeOwner reduces an owner identifier to a filesystem-safe ASCII token.
// Whitespace runs become a single underscore, path separators are treated as
// whitespace, and everything outside [A-Za-z0-9_.-] is dropped. Leading and
// trailing dots and underscores are trimmed.
func SanitizeOwner(owner string) string {
	owner = strings.NewReplacer("/", " ", "\\", " ").Replace(owner)
	owner = strings.Join(strings.Fields(owner), "_")

	var b strings.Builder
	for _, r := range owner {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '.' || r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), "._")
	if cleaned == "" {
		return anonymousOwner
	}
	return cleaned
}

// StorageExtension picks the extension an artifact is written with.
func StorageExtension(originalName string) string {
	ext := imageprocessor.Extension(originalName)
	if ext == "" {
		return defaultExtension
	}
	if _, ok := reencoded[ext]; ok {
		return defaultExtension
	}
	return ext
}

// BuildFilename renders {Label}_{YYYYMMDD_HHMMSS}_{owner}.{ext}. Downstream
// audit tooling parses this format.
func BuildFilename(label prediction.Label, ts time.Time, owner, originalName string) string {
	return fmt.Sprintf("%s_%s_%s.%s",
		label.Compact(),
		ts.UTC().Format(TimestampLayout),
		SanitizeOwner(owner),
		StorageExtension(originalName),
	)
}
