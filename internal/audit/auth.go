package audit

import "strings"

// ExtractBearer pulls the token out of an Authorization header value,
// returning "" if it is not a well-formed Bearer header.
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// IsValidKey reports whether token is this node's own key or one of
// the trusted allowedKeys, per §4.8.
func IsValidKey(token string, validKeys []string) bool {
	if token == "" {
		return false
	}
	for _, k := range validKeys {
		if token == k {
			return true
		}
	}
	return false
}
