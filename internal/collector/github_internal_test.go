package collector

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, strings.Repeat("a", 10), truncate(strings.Repeat("a", 12), 10))
	assert.Equal(t, "", truncate("", 10))

	// A multi-byte rune straddling the limit is dropped whole, never
	// split into an invalid byte sequence
	msg := "a" + strings.Repeat("é", 120)
	got := truncate(msg, messageLimit)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, messageLimit-1, len(got))
	assert.True(t, strings.HasSuffix(got, "é"))
}
