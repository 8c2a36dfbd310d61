// Package sha256 fingerprints records so repeated batches can skip rows already stored.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashRecord digests the canonical JSON of a record together with its partition.
// Map keys are marshaled in sorted order, so field order in the portal reply does not matter.
func (h *Hasher) HashRecord(partition string, rec portal.Record) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return h.Hash(append([]byte(partition+"\x00"), b...))
}
