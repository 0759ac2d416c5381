package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomPassword returns an n-character alphanumeric string drawn from a
// cryptographically secure source.
func RandomPassword(n int) (string, error) {
	buf := make([]byte, n)
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = passwordAlphabet[v.Int64()]
	}
	return string(buf), nil
}
