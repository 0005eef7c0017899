package embedcache

import (
	"crypto/sha256"
	"encoding/hex"
)

// ICache maps a content key to an embedding vector.
type ICache interface {
	Get(key string) ([]float32, bool, error)
	Put(key string, vec []float32) error
}

// Key is the content address of text: the sha256 hex of its exact bytes.
func Key(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
