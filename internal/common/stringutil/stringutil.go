// Package stringutil provides common string utility functions.
package stringutil

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first maxLen characters.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first (maxLen-3) characters followed by "...".
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// maxKeyLen bounds sanitized keys so they stay usable as directory names and
// as components of Unix socket paths.
const maxKeyLen = 100

// SanitizeKey maps an arbitrary identifier onto a filesystem-safe name.
// Characters outside [A-Za-z0-9._-] are replaced with '_', the result is
// truncated to 100 characters, and an empty input becomes "default".
// The function is idempotent.
func SanitizeKey(key string) string {
	if key == "" {
		return "default"
	}
	b := []byte(key)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			b[i] = '_'
		}
	}
	return TruncateString(string(b), maxKeyLen)
}
