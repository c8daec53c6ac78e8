// internal/output/naming.go - Output file naming
package output

import (
	"fmt"
	"path/filepath"
	"time"
)

// Extension is appended to every container file
const Extension = ".mbtiles"

// maxNameLength bounds the sanitized region name
const maxNameLength = 32

// SanitizeName keeps only [A-Za-z0-9_-] and truncates to 32 characters
func SanitizeName(name string) string {
	out := make([]byte, 0, maxNameLength)
	for i := 0; i < len(name) && len(out) < maxNameLength; i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		}
	}
	return string(out)
}

// FileName builds "{sanitizedName}_{unixMillis}.mbtiles"
func FileName(name string, now time.Time) string {
	return fmt.Sprintf("%s_%d%s", SanitizeName(name), now.UnixMilli(), Extension)
}

// FilePath joins FileName onto dir
func FilePath(dir, name string, now time.Time) string {
	return filepath.Join(dir, FileName(name, now))
}
