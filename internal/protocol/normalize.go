package protocol

import (
	"strings"
	"unicode"
)

// snakeCaseKey converts a camelCase or kebab-case JSON key to snake_case.
// Keys that are already snake_case pass through unchanged.
func snakeCaseKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 4)

	for i, r := range key {
		switch {
		case r == '-':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

// normalizeKeys rewrites all map keys to snake_case, recursing into nested
// objects and arrays of objects. Values are left untouched.
func normalizeKeys(data map[string]any) map[string]any {
	result := make(map[string]any, len(data))

	for key, value := range data {
		switch v := value.(type) {
		case map[string]any:
			result[snakeCaseKey(key)] = normalizeKeys(v)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if m, ok := item.(map[string]any); ok {
					items[i] = normalizeKeys(m)
				} else {
					items[i] = item
				}
			}
			result[snakeCaseKey(key)] = items
		default:
			result[snakeCaseKey(key)] = value
		}
	}

	return result
}

// normalizeType folds dash-style message type names ("end-session") into the
// canonical underscore form ("end_session") used for dispatch.
func normalizeType(messageType string) string {
	return strings.ReplaceAll(messageType, "-", "_")
}
