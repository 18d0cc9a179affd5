package backend

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// KeyPrefix is the directory under which uploaded blobs are stored.
const KeyPrefix = "blobs"

// maxNameLen bounds the sanitized filename portion of a blob key.
const maxNameLen = 128

// NewBlobKey generates a unique storage key for an uploaded file. The key
// embeds the upload time and a random component so concurrent uploads of
// the same filename never collide.
func NewBlobKey(now time.Time, originalName string) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key randomness: %w", err)
	}
	name := SanitizeName(originalName)
	return path.Join(KeyPrefix, fmt.Sprintf("%d-%s-%s", now.UnixMilli(), hex.EncodeToString(buf), name)), nil
}

// SanitizeName strips path components and replaces any character outside
// [A-Za-z0-9._-] with an underscore. Empty input becomes "file".
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	return out
}
