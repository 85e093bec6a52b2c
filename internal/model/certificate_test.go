package model

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSetLastError_TruncatesOnRuneBoundary(t *testing.T) {
	c := &Certificate{}
	// 1999 ASCII bytes then a 3-byte rune straddling the limit
	c.SetLastError(strings.Repeat("a", 1999) + "証明書")

	assert.True(t, utf8.ValidString(*c.LastError))
	assert.Equal(t, 1999, len(*c.LastError))
}

func TestSetLastError_ShortMessageKept(t *testing.T) {
	c := &Certificate{}
	c.SetLastError("ドメイン検証に失敗しました")
	assert.Equal(t, "ドメイン検証に失敗しました", *c.LastError)

	c.SetLastError(strings.Repeat("x", 2500))
	assert.Len(t, *c.LastError, 2000)
}

func TestValidationClaim(t *testing.T) {
	c := &Certificate{SubscriptionID: 3, Domain: "www.example.com"}
	c.HoldValidation()
	c.HoldSlot()
	assert.Equal(t, "www.example.com", *c.ValidationKey)
	assert.Equal(t, "3|www.example.com", *c.SlotKey)

	cp := c.Clone()
	c.ReleaseValidation()
	assert.Nil(t, c.ValidationKey)
	assert.Equal(t, "www.example.com", *cp.ValidationKey)
}
