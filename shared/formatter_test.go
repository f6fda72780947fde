package shared

import (
	"github.com/stretchr/testify/assert"
	"strings"
	"testing"
)

func TestClampRunes(t *testing.T) {
	assert.Equal(t, "", ClampRunes("", 5))
	assert.Equal(t, "abc", ClampRunes("abc", 5))
	assert.Equal(t, "abcde", ClampRunes("abcdefgh", 5))
	// Clamp counts runes, not bytes
	assert.Equal(t, "őűőűő", ClampRunes("őűőűőűőű", 5))
	assert.Equal(t, strings.Repeat("x", MaxSummaryLen), ClampRunes(strings.Repeat("x", 600), MaxSummaryLen))
}

func TestValidateHandle(t *testing.T) {
	assert.NoError(t, ValidateHandle("maple"))
	assert.NoError(t, ValidateHandle("maple_42.bot-x"))
	assert.Error(t, ValidateHandle(""))
	assert.Error(t, ValidateHandle("Maple"))
	assert.Error(t, ValidateHandle("ma ple"))
	assert.Error(t, ValidateHandle("maple@host"))
}
