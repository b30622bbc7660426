// Package domain holds the business types shared by the session manager:
// canonical external identities, operator notices, and the message handler
// contract for active connections.
package domain

import (
	"fmt"
	"strings"
)

// ExternalID is the canonical account identity as confirmed by the
// connection provider after attach. Declared metadata on a pending session
// is never trusted as an identity; it is only parsed into this type once the
// provider reports who the connection actually belongs to.
type ExternalID string

// ParseExternalID canonicalizes a raw provider identity. Device suffixes
// (everything after a "/") are stripped, the value is lowercased, and a
// user@server shape is required so the same account always maps to the same
// store key.
func ParseExternalID(raw string) (ExternalID, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "", fmt.Errorf("external identity is required")
	}
	if i := strings.IndexByte(value, '/'); i >= 0 {
		value = value[:i]
	}
	at := strings.IndexByte(value, '@')
	if at <= 0 || at == len(value)-1 {
		return "", fmt.Errorf("external identity %q is not in user@server form", raw)
	}
	return ExternalID(value), nil
}

// String returns the canonical identity value.
func (id ExternalID) String() string {
	return string(id)
}

// Phone returns the user part of the identity, which for phone-number-based
// networks is the account's number.
func (id ExternalID) Phone() string {
	value := string(id)
	if at := strings.IndexByte(value, '@'); at >= 0 {
		return value[:at]
	}
	return value
}
