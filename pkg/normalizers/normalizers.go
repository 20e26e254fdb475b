// Package normalizers canonicalizes raw identifier strings before they are compared
package normalizers

import (
	"strings"
	"unicode"

	"github.com/mozillazg/go-unidecode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("ascii", Transliterate)
	Register("nphone", NormalizePhone)
	Register("nemail", NormalizeEmail)
	Register("nname", NormalizeName)
	Register("naddress", NormalizeAddress)
	Register("nzip", NormalizeZipCode)
	Register("nchip", NormalizeChip)
	Register("digits_only", DigitsOnly)
	Register("alphanumeric", Alphanumeric)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value. Unknown names leave the value untouched.
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// Transliterate folds accented and non-latin characters to ASCII ("Peña" -> "Pena")
func Transliterate(s string) string {
	return unidecode.Unidecode(s)
}

// NormalizeEmail lowercases and trims an email address.
// Values that cannot be an address return "".
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.Count(s, "@") != 1 || strings.ContainsAny(s, " \t") {
		return ""
	}
	local, domain, _ := strings.Cut(s, "@")
	if local == "" || !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return ""
	}
	return s
}

// EmailLocalPart returns the part of a normalized email before the @
func EmailLocalPart(email string) string {
	local, _, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return local
}

// NormalizePhone keeps only the digits of a phone number and drops a leading
// North American country code. Fewer than seven digits is not a usable phone.
func NormalizePhone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) < 7 {
		return ""
	}
	return digits
}

// PhoneSuffix returns the last seven digits of a normalized phone, the local number
func PhoneSuffix(phone string) string {
	if len(phone) < 7 {
		return ""
	}
	return phone[len(phone)-7:]
}

var nameSuffixes = map[string]struct{}{
	"jr": {}, "sr": {}, "ii": {}, "iii": {}, "iv": {}, "phd": {}, "md": {}, "dds": {},
}

// NormalizeName normalizes a person or animal name for matching
// - Transliterate to ASCII and lowercase
// - Remove punctuation
// - Remove generational and professional suffixes (Jr., III, PhD, ...)
// - Collapse whitespace
func NormalizeName(s string) string {
	return strings.Join(NameTokens(s), " ")
}

// NameTokens splits a name into its normalized tokens
func NameTokens(s string) []string {
	s = strings.ToLower(Transliterate(s))

	var cleaned strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cleaned.WriteRune(r)
		case r == '\'':
			// o'brien -> obrien
		default:
			cleaned.WriteRune(' ')
		}
	}

	fields := strings.Fields(cleaned.String())
	tokens := make([]string, 0, len(fields))
	for i, f := range fields {
		if _, ok := nameSuffixes[f]; ok && i > 0 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only alphanumeric characters
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// NormalizeZipCode returns the five digit US zip code, or "" when there is none
func NormalizeZipCode(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 5 || len(digits) == 9 {
		return digits[:5]
	}
	return ""
}

// NormalizeChip uppercases a microchip code and strips separators.
// Codes outside 9-15 characters are unusable and return "".
func NormalizeChip(s string) string {
	chip := strings.ToUpper(Alphanumeric(Transliterate(s)))
	if len(chip) < 9 || len(chip) > 15 {
		return ""
	}
	return chip
}
