package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  hello  ", 100, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, SanitizeString(tc.input, tc.maxLen), "SanitizeString(%q, %d)", tc.input, tc.maxLen)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("reason", "rider complaint"),
		ValidAmount("amount", "12.50"),
	)
	assert.Empty(t, errs)

	errs = Validate(
		Required("reason", ""),
		ValidAmount("amount", "abc"),
		OneOf("type", "bogus", "full", "partial"),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "reason: is required", errs.Error())
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},

		// Invalid
		{".50", false},
		{"1.", false},
		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
		{"0", false},
		{"0.0000001", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		assert.Equal(t, tc.valid, err == nil, "ValidAmount(%q)", tc.value)
	}
}

func TestValidCountry(t *testing.T) {
	assert.Nil(t, ValidCountry("country", "KE")())
	assert.Nil(t, ValidCountry("country", "")())
	assert.NotNil(t, ValidCountry("country", "ke")())
	assert.NotNil(t, ValidCountry("country", "KEN")())
}

func TestMaxLength(t *testing.T) {
	assert.Nil(t, MaxLength("field", "hello", 10)())
	assert.Nil(t, MaxLength("field", "hello", 5)())
	assert.NotNil(t, MaxLength("field", "hello world", 5)())
}
