package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashText returns a stable hex digest for namespaced text, used as a cache
// key component.
func HashText(namespace, text string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
