package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
)

const (
	codeMin  = 100000
	codeSpan = 900000
)

// GenerateCode returns a uniformly random code in [100000, 999999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return strconv.FormatInt(codeMin+n.Int64(), 10), nil
}

// ValidCode reports whether s has the shape of a transfer code.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
