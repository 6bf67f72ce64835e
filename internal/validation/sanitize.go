package validation

import (
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// mailPolicy keeps the formatting subset of HTML mail bodies.
	mailPolicy = newMailPolicy()

	textEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
		"/", "&#x2F;",
	)

	htmlTag         = regexp.MustCompile(`<[^>]*>`)
	plainEmail      = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	nonceCharacters = regexp.MustCompile(`^[A-Za-z0-9+/=]{16,}$`)
)

func newMailPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "strong", "em", "u", "b", "i", "span", "div",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li",
		"blockquote", "pre", "code",
		"a", "img",
	)
	p.AllowAttrs("title", "class").Globally()
	// Inline CSS is limited to text presentation; layout and url() values are dropped.
	p.AllowStyles(
		"color", "background-color",
		"font-family", "font-size", "font-style", "font-weight",
		"text-align", "text-decoration",
	).Globally()
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")

	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "tel", "cid")

	return p
}

// SanitizeHTML strips everything but a small formatting allow-list from an HTML
// mail body. Scripts, event handler attributes and unsafe URL schemes are removed.
func SanitizeHTML(html string) string {
	if html == "" {
		return ""
	}
	return mailPolicy.Sanitize(html)
}

// EscapeText escapes & < > " ' and / so text can be embedded in HTML.
func EscapeText(text string) string {
	return textEscaper.Replace(text)
}

// SanitizeEmail strips markup from email and lowercases it. Returns "" when the
// result is not a plain address.
func SanitizeEmail(email string) string {
	cleaned := htmlTag.ReplaceAllString(email, "")
	cleaned = strings.Map(func(r rune) rune {
		if strings.ContainsRune(unsafeChars, r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.ToLower(strings.TrimSpace(cleaned))

	if !plainEmail.MatchString(cleaned) {
		return ""
	}
	return cleaned
}

// SanitizeURL returns the normalized URL if it is absolute and uses http, https
// or mailto, and "" otherwise.
func SanitizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return ""
		}
	case "mailto":
	default:
		return ""
	}
	return u.String()
}

// ValidateNonce reports whether nonce looks like a base64 CSP nonce of at least 16 characters.
func ValidateNonce(nonce string) bool {
	return nonceCharacters.MatchString(nonce)
}

// GenerateNonce returns 16 random bytes, base64 encoded.
func GenerateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
