package messaging

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`\d+`)

// NormalizeE164 ensures the value begins with + and only contains digits
// afterward. Gateway chat ids such as "9670000001@c.us" are accepted.
func NormalizeE164(value string) string {
	digits := Digits(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// Digits strips everything but the subscriber digits, dropping any
// "@domain" chat suffix first.
func Digits(value string) string {
	value = strings.TrimSpace(value)
	if at := strings.IndexByte(value, '@'); at >= 0 {
		value = value[:at]
	}
	if value == "" {
		return ""
	}
	return strings.Join(phoneDigitsRe.FindAllString(value, -1), "")
}
