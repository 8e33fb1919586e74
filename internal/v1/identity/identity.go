// Package identity derives the stable and session-scoped identifiers used
// throughout the control plane.
//
// Two identifiers exist for every caller:
//   - userKey: stable across sessions, used for access-control lists
//     (email when the token carries one, otherwise the token subject,
//     prefixed "guest:" for guest tokens)
//   - userId:  "{userKey}#{sessionId}", unique per live session
package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// GuestPrefix marks identities that authenticated without a durable account.
const GuestPrefix = "guest:"

// MaxDisplayNameLength is the display-name limit in code points.
const MaxDisplayNameLength = 64

var (
	ErrEmptyDisplayName   = errors.New("display name cannot be empty")
	ErrDisplayNameTooLong = errors.New("display name cannot exceed 64 characters")
)

// Claims is the identity subset of a validated token that key derivation needs.
type Claims struct {
	Subject string
	Email   string
	Guest   bool
}

// DeriveKey returns the stable userKey for a set of validated claims.
// Email wins over subject because it survives re-registration with the
// same address; guest subjects are namespaced so they can never collide
// with account identities.
func DeriveKey(claims Claims) string {
	if claims.Email != "" {
		return strings.ToLower(strings.TrimSpace(claims.Email))
	}
	if claims.Guest {
		return GuestPrefix + claims.Subject
	}
	return claims.Subject
}

// IsGuestKey reports whether a userKey belongs to a guest identity.
func IsGuestKey(userKey string) bool {
	return strings.HasPrefix(userKey, GuestPrefix)
}

// ComposeUserID builds the session-scoped identifier for one live session.
func ComposeUserID(userKey, sessionID string) string {
	return fmt.Sprintf("%s#%s", userKey, sessionID)
}

// SplitUserID returns the userKey portion of a userId. The session suffix is
// everything after the last '#', so keys containing '#' still round-trip.
func SplitUserID(userID string) (userKey, sessionID string) {
	idx := strings.LastIndex(userID, "#")
	if idx < 0 {
		return userID, ""
	}
	return userID[:idx], userID[idx+1:]
}

// LocalHandle returns the part of a userKey before '@', used for chat
// target matching. Keys without '@' are returned unchanged.
func LocalHandle(userKey string) string {
	if idx := strings.Index(userKey, "@"); idx > 0 {
		return userKey[:idx]
	}
	return userKey
}

// NormalizeDisplayName strips control characters, collapses runs of
// whitespace, and enforces the length bound. Used for labeling only;
// chat target lookup does its own folding.
func NormalizeDisplayName(raw string) (string, error) {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range raw {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastWasSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}

	name := strings.TrimRight(b.String(), " ")
	if name == "" {
		return "", ErrEmptyDisplayName
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
