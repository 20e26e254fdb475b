package normalizers

import (
	"strings"
	"unicode"
)

var addressAbbreviations = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"av":        "ave",
	"boulevard": "blvd",
	"drive":     "dr",
	"road":      "rd",
	"lane":      "ln",
	"court":     "ct",
	"circle":    "cir",
	"place":     "pl",
	"parkway":   "pkwy",
	"highway":   "hwy",
	"terrace":   "ter",
	"way":       "way",
	"trail":     "trl",
	"square":    "sq",
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
	"northeast": "ne",
	"northwest": "nw",
	"southeast": "se",
	"southwest": "sw",
	"apartment": "apt",
	"suite":     "ste",
	"unit":      "unit",
	"number":    "#",
}

var unitDesignators = map[string]struct{}{
	"apt": {}, "ste": {}, "unit": {}, "#": {}, "spc": {}, "lot": {},
}

// NormalizeAddress normalizes free-text address input for equality comparison
// - Transliterate to ASCII and lowercase
// - Drop punctuation other than '#'
// - Abbreviate street types, directionals and unit designators
// - Collapse whitespace
func NormalizeAddress(s string) string {
	var all []string
	for _, segment := range splitSegments(s) {
		all = append(all, segment...)
	}
	return strings.Join(all, " ")
}

// AddressParts is a structural parse of a street address
type AddressParts struct {
	StreetNumber string
	StreetName   string
	Unit         string
	City         string
	State        string
	Zip          string
}

// StreetKey returns the structural comparison key: street number, street name
// truncated to n characters, and city. Missing components yield "".
func (p AddressParts) StreetKey(n int) string {
	if p.StreetNumber == "" || p.StreetName == "" || p.City == "" {
		return ""
	}
	street := strings.ReplaceAll(p.StreetName, " ", "")
	if len(street) > n {
		street = street[:n]
	}
	return p.StreetNumber + "|" + street + "|" + p.City
}

// ParseAddress splits an address of the form "123 Main St Apt 4, City, ST 12345".
// The first comma segment is the street line; the parse is best-effort.
func ParseAddress(s string) AddressParts {
	segments := splitSegments(s)
	var parts AddressParts
	if len(segments) == 0 {
		return parts
	}

	street := segments[0]
	if len(street) > 0 && startsWithDigit(street[0]) {
		parts.StreetNumber = street[0]
		street = street[1:]
	}
	for i, tok := range street {
		if _, ok := unitDesignators[tok]; ok {
			parts.Unit = strings.Join(street[i+1:], " ")
			street = street[:i]
			break
		}
	}
	parts.StreetName = strings.Join(street, " ")

	rest := segments[1:]
	if len(rest) == 0 {
		return parts
	}

	// trailing state and zip tokens may share the city segment or sit in their own
	last := rest[len(rest)-1]
	for len(last) > 0 {
		tok := last[len(last)-1]
		if parts.Zip == "" && NormalizeZipCode(tok) != "" && len(DigitsOnly(tok)) == len(tok) {
			parts.Zip = NormalizeZipCode(tok)
			last = last[:len(last)-1]
			continue
		}
		if parts.State == "" && len(tok) == 2 && isAlpha(tok) && (len(last) > 1 || len(rest) > 1) {
			parts.State = tok
			last = last[:len(last)-1]
			continue
		}
		break
	}
	rest[len(rest)-1] = last

	for _, seg := range rest {
		if len(seg) > 0 {
			parts.City = strings.Join(seg, " ")
			break
		}
	}
	return parts
}

// splitSegments normalizes each comma separated segment into tokens
func splitSegments(s string) [][]string {
	s = strings.ToLower(Transliterate(s))

	var segments [][]string
	for _, raw := range strings.Split(s, ",") {
		var cleaned strings.Builder
		for _, r := range raw {
			switch {
			case unicode.IsLetter(r) || unicode.IsDigit(r):
				cleaned.WriteRune(r)
			case r == '#':
				cleaned.WriteString(" # ")
			case r == '\'':
			default:
				cleaned.WriteRune(' ')
			}
		}

		fields := strings.Fields(cleaned.String())
		if len(fields) == 0 {
			continue
		}
		for i, f := range fields {
			if abbr, ok := addressAbbreviations[f]; ok {
				fields[i] = abbr
			}
		}
		segments = append(segments, fields)
	}
	return segments
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
