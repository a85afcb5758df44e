package api

import (
	"fmt"
	"regexp"
	"strings"
)

// validTokenRE matches the character set session tokens are built from:
// the hex digits and hyphens of a UUID.
var validTokenRE = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

// ValidateToken checks that token is shaped like a session token before it
// is interpolated into a request path. Returns a non-nil error with a
// user-readable message if validation fails.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("api: token must not be empty")
	}
	if strings.ContainsAny(token, "/\\\x00\n\r") {
		return fmt.Errorf("api: token %q contains invalid characters", token)
	}
	if !validTokenRE.MatchString(token) {
		return fmt.Errorf("api: token %q is invalid (allowed: a-z A-Z 0-9 - up to 64 chars)", token)
	}
	return nil
}
