package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// RandomHex generates a random hexadecimal string of length 2n
func RandomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CoinFlip returns true or false with equal probability using crypto/rand
func CoinFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return false
	}
	return n.Int64() == 0
}
