package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an identifier like "thy_9f2c..." built from 16 bytes of
// crypto/rand entropy, hex encoded under the given prefix.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
