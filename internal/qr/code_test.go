package qr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := GenerateCode(codeLength)
		require.NoError(t, err)
		require.Len(t, code, codeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
		}
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestGenerateCodeLengths(t *testing.T) {
	for _, n := range []int{1, 7, 64} {
		code, err := GenerateCode(n)
		require.NoError(t, err)
		assert.Len(t, code, n)
	}
}
