package usecase

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprint produces a short stable digest of a message body for dedupe
// keys, keeping key size bounded regardless of message length.
func fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
