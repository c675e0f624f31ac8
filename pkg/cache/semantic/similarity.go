package semantic

import (
	"crypto/sha256"
	"encoding/hex"
	"math"

	"github.com/pario-ai/relay/pkg/embedding"
)

// Cosine returns the cosine similarity of a and b in [-1, 1]. Vectors of
// different length, empty vectors and zero vectors have similarity 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, s))
}

// HashQuery computes the SHA-256 hash of the normalized query text.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(embedding.Normalize(query)))
	return hex.EncodeToString(sum[:])
}
