package wire

import "crypto/rand"

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateNonce returns a random alphanumeric nonce of the given length (the
// data model's "random, <=32 bytes" HEARTBEAT body).
func GenerateNonce(length int) []byte {
	out := make([]byte, length)
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, fall back to a fixed nonce rather than panicking
		// the heartbeat loop.
		for i := range out {
			out[i] = nonceAlphabet[0]
		}
		return out
	}
	for i, b := range buf {
		out[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return out
}
