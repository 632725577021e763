package helpers

import "strings"

// NormalizeEmail lowercases an address and strips surrounding whitespace so
// that approver addresses compare consistently across config, database rows
// and inbound mail headers.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func SplitEmailAddress(email string) (string, string) {
	email = NormalizeEmail(email)
	parts := strings.SplitN(email, "@", 2)
	if len(parts) < 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
