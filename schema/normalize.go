package schema

import "strings"

// NormalizeMethod trims a method name and checks it only holds [a-z0-9-].
func NormalizeMethod(method string) (string, error) {
	trimmed := strings.TrimSpace(method)
	if trimmed == "" {
		return "", ErrMissingMethod
	}
	for _, r := range trimmed {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '-' {
			continue
		}
		return "", ErrUnknownMethod
	}
	return trimmed, nil
}

// ValidateSessionID rejects empty or padded session ids.
func ValidateSessionID(id SessionID) error {
	raw := string(id)
	if raw == "" || strings.TrimSpace(raw) != raw {
		return ErrSessionNotFound
	}
	return nil
}
