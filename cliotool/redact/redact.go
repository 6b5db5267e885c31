// Package redact scrubs secrets and PII out of text before it reaches the
// transcript or the model. Every tool result passes through here.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Level selects how aggressively to redact.
type Level int

const (
	Off Level = iota
	PII
	APIPermissive
	Standard
	Strict
)

// ParseLevel parses a level name as accepted on the command line.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "off":
		return Off, nil
	case "pii", "":
		return PII, nil
	case "api_permissive":
		return APIPermissive, nil
	case "standard":
		return Standard, nil
	case "strict":
		return Strict, nil
	}
	return Off, fmt.Errorf("unknown redaction level %q", s)
}

func (l Level) String() string {
	switch l {
	case Off:
		return "off"
	case PII:
		return "pii"
	case APIPermissive:
		return "api_permissive"
	case Standard:
		return "standard"
	case Strict:
		return "strict"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

type category int

const (
	catPII category = iota
	catCrypto
	catAPIKeys
	catTokens
)

// active reports whether the category is redacted at this level.
func (l Level) active(c category) bool {
	switch l {
	case Off:
		return false
	case PII:
		return c == catPII
	case APIPermissive:
		return c == catPII || c == catCrypto
	default: // Standard and Strict redact everything
		return true
	}
}

type pattern struct {
	name     string
	cat      category
	re       *regexp.Regexp
	validate func(match string) bool // optional extra check, e.g. Luhn
}

var patterns = []pattern{
	// PII
	{name: "email", cat: catPII,
		re: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{name: "ssn", cat: catPII,
		re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "phone", cat: catPII,
		re: regexp.MustCompile(`\b(?:\+1[\s.\-]?)?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`)},
	{name: "card", cat: catPII,
		re:       regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
		validate: luhnCandidate},
	{name: "uk-ni", cat: catPII,
		re: regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\d{6}[A-D]\b`)},

	// Cryptographic material
	{name: "pem", cat: catCrypto,
		re: regexp.MustCompile(`-----BEGIN (?:RSA |DSA |EC |OPENSSH )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |DSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{name: "db-conn", cat: catCrypto,
		re: regexp.MustCompile(`\b(?:postgres|postgresql|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s:@/]+:[^\s@]+@\S+`)},
	{name: "password", cat: catCrypto,
		re: regexp.MustCompile(`(?i)\bpassword\s*[=:]\s*\S+`)},

	// API keys
	{name: "aws-key-id", cat: catAPIKeys,
		re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{name: "aws-secret", cat: catAPIKeys,
		re: regexp.MustCompile(`(?i)\baws_secret_access_key\s*[=:]\s*[A-Za-z0-9/+=]{40}`)},
	{name: "github", cat: catAPIKeys,
		re: regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,255}|github_pat_[A-Za-z0-9_]{22,255})\b`)},
	{name: "stripe", cat: catAPIKeys,
		re: regexp.MustCompile(`\b[srp]k_(?:live|test)_[A-Za-z0-9]{10,99}\b`)},
	{name: "google", cat: catAPIKeys,
		re: regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`)},
	{name: "anthropic", cat: catAPIKeys,
		re: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9\-_]{20,}\b`)},
	{name: "openai", cat: catAPIKeys,
		re: regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}\b`)},
	{name: "slack", cat: catAPIKeys,
		re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b|https://hooks\.slack\.com/services/[A-Za-z0-9_/]+`)},
	{name: "discord", cat: catAPIKeys,
		re: regexp.MustCompile(`\b[MNO][A-Za-z0-9_\-]{23}\.[A-Za-z0-9_\-]{6}\.[A-Za-z0-9_\-]{27,}\b|https://discord(?:app)?\.com/api/webhooks/\d+/[A-Za-z0-9_\-]+`)},
	{name: "twilio", cat: catAPIKeys,
		re: regexp.MustCompile(`\b(?:AC|SK)[a-f0-9]{32}\b`)},
	{name: "generic-key", cat: catAPIKeys,
		re: regexp.MustCompile(`(?i)\b(?:api[_\-]?key|secret|token)\s*[=:]\s*['"]?[A-Za-z0-9_\-]{8,}['"]?`)},

	// Tokens
	{name: "jwt", cat: catTokens,
		re: regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`)},
	{name: "bearer", cat: catTokens,
		re: regexp.MustCompile(`(?i)\bauthorization\s*:\s*bearer\s+\S+`)},
	{name: "basic-auth", cat: catTokens,
		re: regexp.MustCompile(`(?i)\bauthorization\s*:\s*basic\s+\S+`)},
}

// whitelist suppresses matches whose text contains a safe literal.
var whitelist = []string{
	"localhost", "127.0.0.1", "0.0.0.0",
	"example", "test", "sample", "dummy", "placeholder",
	"changeme", "your_", "xxx",
	"true", "false",
}

func whitelisted(match string) bool {
	lower := strings.ToLower(match)
	for _, w := range whitelist {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// luhnCandidate strips separators and applies the Luhn checksum; anything
// failing it is a random digit run, not a card number.
func luhnCandidate(match string) bool {
	var digits []byte
	for i := 0; i < len(match); i++ {
		if match[i] >= '0' && match[i] <= '9' {
			digits = append(digits, match[i])
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Redactor applies the pattern matrix at a fixed level.
type Redactor struct {
	level Level
}

func New(level Level) *Redactor { return &Redactor{level: level} }

func (r *Redactor) Level() Level { return r.level }

// Redact replaces every active-category match with a [REDACTED:name] marker.
func (r *Redactor) Redact(s string) string {
	if r.level == Off {
		return s
	}
	for _, p := range patterns {
		if !r.level.active(p.cat) {
			continue
		}
		s = p.re.ReplaceAllStringFunc(s, func(match string) string {
			if whitelisted(match) {
				return match
			}
			if p.validate != nil && !p.validate(match) {
				return match
			}
			return "[REDACTED:" + p.name + "]"
		})
	}
	return s
}
