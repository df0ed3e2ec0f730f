// Package pathutil sanitises client-supplied names before they touch the
// filesystem.
package pathutil

import (
	"path"
	"strings"
	"unicode"
)

// HasDotSegments reports whether any slash-separated segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CleanFileName reduces an uploaded file name to a flat, portable base name:
// directories are dropped, whitespace becomes "_", and anything outside
// [A-Za-z0-9._+-] is removed. Leading dots and underscores are trimmed so the
// result is never hidden. Returns "" when nothing usable remains.
func CleanFileName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == '+':
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "._")
}
