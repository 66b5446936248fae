// Package redact implements the multi-layer content scrubber that runs
// ahead of every lesson publish. It is a stateless text transformer with
// no I/O and no hidden state between calls.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a caller-supplied (regex, label) pair applied after the
// built-in layers.
type Pattern struct {
	Regexp *regexp.Regexp
	Label  string
}

// NewPattern compiles a custom pattern, surfacing compilation errors at
// construction instead of at first use, per the Redactor's failure
// contract.
func NewPattern(expr, label string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile custom redaction pattern %q: %w", label, err)
	}
	if label == "" {
		return Pattern{}, fmt.Errorf("custom redaction pattern requires a non-empty label")
	}
	return Pattern{Regexp: re, Label: label}, nil
}

// Redactor replaces sensitive spans with a typed [REDACTED:<label>]
// sentinel. A zero-value Redactor still applies the built-in layers; a
// disabled redactor is represented at the façade level by simply not
// calling Redact, not by an empty Redactor.
type Redactor struct {
	custom []Pattern
}

// New builds a Redactor with the given custom patterns layered on top of
// the built-in layers. Custom patterns run last and may not reintroduce
// sensitive content (they only ever replace, never restore, text).
func New(custom ...Pattern) *Redactor {
	return &Redactor{custom: custom}
}

// Redact runs all layers in fixed order (credit card, api key, email,
// phone, ipv4, ipv6, custom) and returns the scrubbed text. Runtime
// redaction never fails — it runs in O(n) of the input length and
// performs no I/O.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}
	out := redactCreditCards(text)
	out = redactAPIKeys(out)
	out = emailPattern.ReplaceAllString(out, "[REDACTED:email]")
	out = redactPhones(out)
	out = redactIPv4(out)
	out = redactIPv6(out)
	for _, p := range r.custom {
		out = p.Regexp.ReplaceAllString(out, "[REDACTED:"+p.Label+"]")
	}
	return out
}

// --- Layer 1: credit card ---

// creditCardCandidate matches digit runs (optionally grouped by space or
// hyphen) that are shaped like a card number; Luhn validation below
// decides whether the match is actually redacted.
var creditCardCandidate = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{1,7}\b`)

func redactCreditCards(text string) string {
	return creditCardCandidate.ReplaceAllStringFunc(text, func(match string) string {
		digits := stripNonDigits(match)
		if len(digits) < 13 || len(digits) > 19 {
			return match
		}
		if !luhnValid(digits) {
			// Non-passing matches are left intact so they remain
			// candidates for the phone layer, per the layering contract.
			return match
		}
		return "[REDACTED:credit_card]"
	})
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhnValid(digits string) bool {
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// --- Layer 2: API keys ---

var apiKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
	regexp.MustCompile(`\bgh[psor]_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bxox[bp]-[A-Za-z0-9-]{10,}\b`),
}

func redactAPIKeys(text string) string {
	out := text
	for _, re := range apiKeyPatterns {
		out = re.ReplaceAllString(out, "[REDACTED:api_key]")
	}
	return out
}

// --- Layer 3: email ---

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// --- Layer 4: phone ---

// phonePattern requires an explicit separator between the two trailing
// digit groups so that a bare long digit run (e.g. a failed credit-card
// candidate) is not mistaken for a phone number.
var phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[\s-]?)?(?:\(\d{2,4}\)[\s-]?|\d{2,4}[\s-])?\d{3,4}[\s-]\d{3,4}\b`)

func redactPhones(text string) string {
	return phonePattern.ReplaceAllString(text, "[REDACTED:phone]")
}

// --- Layer 5/6: IP addresses ---

var ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)

func redactIPv4(text string) string {
	return ipv4Pattern.ReplaceAllString(text, "[REDACTED:ip_address]")
}

// ipv6Pattern covers standard 8-group form, common compressed (::) forms,
// and the loopback shorthand ::1.
var ipv6Pattern = regexp.MustCompile(`\b(?:[A-Fa-f0-9]{1,4}:){2,7}(?:[A-Fa-f0-9]{1,4}|:)\b|::1\b`)

func redactIPv6(text string) string {
	return ipv6Pattern.ReplaceAllString(text, "[REDACTED:ip_address]")
}
