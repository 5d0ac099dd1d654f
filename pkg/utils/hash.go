package utils

import (
	"crypto/sha256"
	"fmt"
)

// HashContent returns a stable hex digest of document or chunk content.
// Used for idempotent re-ingestion checks and embedding cache keys.
func HashContent(input string) string {
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash[:16])
}
