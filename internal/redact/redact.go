package redact

import (
	"net/url"
	"regexp"
	"strings"
)

// Token replaces redacted literal values in logs and recorded runbooks.
const Token = "<redacted>"

// sensitiveLexemes is the closed sensitivity set. Keys are matched after
// normalization (lowercase, '_' and '-' stripped) so "API-Key", "api_key" and
// "apikey" all hit the same lexeme.
var sensitiveLexemes = []string{
	"secret",
	"password",
	"passwd",
	"pwd",
	"token",
	"authorization",
	"auth",
	"setcookie",
	"cookie",
	"apikey",
	"xapikey",
	"xauthtoken",
	"credential",
	"totp",
	"otp",
}

var extraLexemes []string

// ExtendSensitiveKeys adds user-policy lexemes to the sensitivity rule.
// Entries are normalized the same way as keys.
func ExtendSensitiveKeys(keys []string) {
	for _, k := range keys {
		if n := normalizeKey(k); n != "" {
			extraLexemes = append(extraLexemes, n)
		}
	}
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	return key
}

// IsSensitiveKey reports whether a memory key, header name, query parameter or
// storage key should be treated as secret material.
func IsSensitiveKey(key string) bool {
	n := normalizeKey(key)
	if n == "" {
		return false
	}
	if n == "pass" {
		return true
	}
	for _, lex := range sensitiveLexemes {
		if strings.Contains(n, lex) {
			return true
		}
	}
	for _, lex := range extraLexemes {
		if strings.Contains(n, lex) {
			return true
		}
	}
	return false
}

// placeholderPattern matches the interpolation dialects that must survive
// sanitization verbatim: {{var}}, {{mem:key}}, {{param:key}} and the ${...}
// spellings.
var placeholderPattern = regexp.MustCompile(`^(\{\{\s*(mem:|param:)?[\w.\-]+\s*\}\}|\$\{(mem:|param:)?[\w.\-]+\})$`)

// IsPlaceholder reports whether value is exactly one interpolation placeholder.
func IsPlaceholder(value string) bool {
	return placeholderPattern.MatchString(strings.TrimSpace(value))
}

// MemNote renders the note-safe reference for an interpolated memory key.
func MemNote(key string) string {
	return "<mem:" + key + ">"
}

// SanitizeURL strips userinfo and redacts the values of sensitive query and
// fragment parameters while leaving ordinary parameters (q=hello) intact.
// Invalid URLs are returned unchanged.
func SanitizeURL(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = nil
	}
	u.RawQuery = sanitizePairs(u.RawQuery)
	if strings.Contains(u.Fragment, "=") {
		u.Fragment = sanitizePairs(u.Fragment)
	}
	return u.String()
}

// sanitizePairs rewrites a k=v&k=v string, replacing sensitive values. Pairs
// are processed textually so non-sensitive values keep their original encoding.
func sanitizePairs(query string) string {
	if query == "" {
		return query
	}
	pairs := strings.Split(query, "&")
	for i, pair := range pairs {
		key, _, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		if IsSensitiveKey(key) {
			pairs[i] = key + "=" + Token
		}
	}
	return strings.Join(pairs, "&")
}

// String redacts sensitive URL material inside an arbitrary log line.
var urlPattern = regexp.MustCompile(`https?://[^\s"']+`)

// SanitizeLine is installed as the logging sanitizer: every URL in the line is
// passed through SanitizeURL.
func SanitizeLine(line string) string {
	return urlPattern.ReplaceAllStringFunc(line, SanitizeURL)
}
