package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases and trims", "  J@X.com ", "j@x.com"},
		{"keeps plus tags", "mirna+cats@example.org", "mirna+cats@example.org"},
		{"missing at", "not-an-email", ""},
		{"two ats", "a@b@c.com", ""},
		{"no domain dot", "a@localhost", ""},
		{"empty local part", "@x.com", ""},
		{"inner whitespace", "a b@x.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeEmail(tt.input))
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"formatted", "(707) 555-0142", "7075550142"},
		{"country code", "+1 707 555 0142", "7075550142"},
		{"local number", "555-0142", "5550142"},
		{"too short", "911", ""},
		{"letters only", "call me", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePhone(tt.input))
		})
	}

	assert.Equal(t, "5550142", PhoneSuffix("7075550142"))
	assert.Equal(t, "", PhoneSuffix("123"))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase and collapse", "  Mirna   CHAVEZ ", "mirna chavez"},
		{"suffix removed", "Robert Smith Jr.", "robert smith"},
		{"transliterated", "José Peña", "jose pena"},
		{"apostrophe joined", "Sinead O'Brien", "sinead obrien"},
		{"hyphen split", "Mary-Kate Olsen", "mary kate olsen"},
		{"lone suffix kept", "IV", "iv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeName(tt.input))
		})
	}
}

func TestNormalizeChip(t *testing.T) {
	assert.Equal(t, "985112003456789", NormalizeChip("985 112 003 456 789"))
	assert.Equal(t, "0A12B3C4D5", NormalizeChip("0a12-b3c4-d5"))
	assert.Equal(t, "", NormalizeChip("1234"))
	assert.Equal(t, "", NormalizeChip("1234567890123456"))
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"abbreviations", "123 North Main Street, Springfield", "123 n main st springfield"},
		{"punctuation", "500 Oak Ave., Apt. 4B", "500 oak ave apt 4b"},
		{"hash unit", "12 Elm Rd #3", "12 elm rd # 3"},
		{"accents", "7 Calle Peñasco", "7 calle penasco"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeAddress(tt.input))
		})
	}
}

func TestParseAddress(t *testing.T) {
	t.Run("full address", func(t *testing.T) {
		parts := ParseAddress("123 Main Street Apt 4, Springfield, IL 62704")
		assert.Equal(t, "123", parts.StreetNumber)
		assert.Equal(t, "main st", parts.StreetName)
		assert.Equal(t, "4", parts.Unit)
		assert.Equal(t, "springfield", parts.City)
		assert.Equal(t, "il", parts.State)
		assert.Equal(t, "62704", parts.Zip)
		assert.Equal(t, "123|mainst|springfield", parts.StreetKey(8))
	})

	t.Run("state shares city segment", func(t *testing.T) {
		parts := ParseAddress("500 Oak Avenue, Portland OR 97201")
		assert.Equal(t, "portland", parts.City)
		assert.Equal(t, "or", parts.State)
		assert.Equal(t, "97201", parts.Zip)
	})

	t.Run("truncated street key", func(t *testing.T) {
		parts := ParseAddress("88 Martin Luther King Jr Boulevard, Oakland, CA")
		assert.Equal(t, "88|martinlu|oakland", parts.StreetKey(8))
	})

	t.Run("no city has no key", func(t *testing.T) {
		parts := ParseAddress("123 Main St")
		assert.Equal(t, "main st", parts.StreetName)
		assert.Equal(t, "", parts.StreetKey(8))
	})
}

func TestRegistry(t *testing.T) {
	fn, ok := Get("nphone")
	assert.True(t, ok)
	assert.Equal(t, "7075550142", fn("707.555.0142"))

	assert.Equal(t, "unchanged", Apply("unchanged", "missing"))
	assert.Equal(t, "j@x.com", ApplyChain("  J@X.COM", "trim", "nemail"))
}
