package utility

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Checksum returns the hex encoded BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether sum is the checksum of data.
func VerifyChecksum(data []byte, sum string) bool {
	return subtle.ConstantTimeCompare([]byte(Checksum(data)), []byte(sum)) == 1
}
