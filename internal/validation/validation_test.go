package validation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestIsValidEmail(t *testing.T) {
	valid := []string{"a@b.com", "first.last+tag@sub.example.org"}
	invalid := []string{"", "a@b", "no-at.example.com", "a b@c.com", "a@b .com", strings.Repeat("a", 250) + "@b.com"}

	for _, v := range valid {
		assert.True(t, IsValidEmail(v), v)
	}
	for _, v := range invalid {
		assert.False(t, IsValidEmail(v), v)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "scriptalert(1)/script", SanitizeString("<script>alert(1)</script>", 100))
	assert.Equal(t, "work not delivered", SanitizeString("  work not\x00 delivered \x07", 100))
	assert.Equal(t, "line one\nline two", SanitizeString("line one\nline two", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))

	// Truncation never splits a multi-byte rune.
	out := SanitizeString("ééééé", 5)
	assert.True(t, utf8.ValidString(out), out)
	assert.LessOrEqual(t, len(out), 5)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	errs := Validate(
		Required("engagementId", ""),
		PositiveAmount("amount", 0),
		ValidEmail("payerEmail", "nope"),
		ValidID("engagementId", "ok_id-1"),
		OneOf("provider", "wire", "card", "trust"),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "engagementId: is required", errs.Error())
	assert.Equal(t, "amount", errs[1].Field)
	assert.Equal(t, "payerEmail", errs[2].Field)
	assert.Equal(t, "provider", errs[3].Field)
}

func TestPositiveAmount(t *testing.T) {
	assert.NotNil(t, PositiveAmount("amount", -5)())
	assert.NotNil(t, PositiveAmount("amount", 0)())
	assert.Nil(t, PositiveAmount("amount", 1)())
}

func TestValidID(t *testing.T) {
	assert.Nil(t, ValidID("id", "")())
	assert.Nil(t, ValidID("id", "g1")())
	assert.NotNil(t, ValidID("id", "g1; DROP TABLE")())
}
