package tokenstore

import (
	"encoding/json"
	"regexp"
	"strings"
)

// minTokenLength is the shortest opaque bearer token accepted.
const minTokenLength = 10

// injectionPatterns reject tokens that look like markup or script rather than credentials.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
	regexp.MustCompile(`(?i)\bdata\s*:`),
}

// ValidateFormat reports whether token is acceptable for storage.
//
// Tokens shorter than 10 characters or matching an injection signature are rejected.
// A token that parses as JSON must be an object with a non-empty "access_token" or
// "token" field; any other string passes as an opaque bearer token.
func ValidateFormat(token string) bool {
	if len(token) < minTokenLength {
		return false
	}

	for _, pattern := range injectionPatterns {
		if pattern.MatchString(token) {
			return false
		}
	}

	trimmed := strings.TrimSpace(token)
	if !json.Valid([]byte(trimmed)) {
		return true
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		// Valid JSON but not an object: a number, string or array is not a credential.
		return false
	}
	return nonEmptyString(fields["access_token"]) || nonEmptyString(fields["token"])
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}
