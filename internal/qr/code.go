package qr

import (
	"crypto/rand"
	"fmt"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	codeLength   = 32
)

// maxUnbiased is the largest multiple of len(codeAlphabet) below 256; bytes at
// or above it are discarded so every symbol is equally likely.
var maxUnbiased = byte(256 - 256%len(codeAlphabet))

// GenerateCode returns a random alphanumeric code of length n from a CSPRNG.
func GenerateCode(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= maxUnbiased {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
