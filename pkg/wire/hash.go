package wire

import (
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
)

// HashSHA1 returns the lowercase hex SHA-1 digest of data (40 chars).
func HashSHA1(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HashSHA512 returns the lowercase hex SHA-512 digest of data (128 chars).
func HashSHA512(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}
