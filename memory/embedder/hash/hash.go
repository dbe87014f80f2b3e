// Package hash provides a deterministic, dependency-free embedder.
//
// Each token is hashed (FNV-64a) and expanded into a pseudo-random
// vector by a linear congruential generator; a text embeds to the
// normalized sum of its token vectors. Texts sharing words therefore land
// close together, and the same text always yields the same vector. It is
// used offline and in tests, where real semantic similarity is not
// required.
package hash

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions matches all-MiniLM-L6-v2 so indexes built offline have
// the same shape as ones built with the ONNX embedder.
const DefaultDimensions = 384

// Embedder is a feature-hashing embedder.
type Embedder struct {
	dimensions int
}

// New creates an embedder producing vectors of the given size. A size
// <= 0 selects DefaultDimensions.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Embedder{dimensions: dimensions}
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)

	tokens := tokenize(text)
	if len(tokens) == 0 {
		// Whole-string hash keeps blank and punctuation-only texts off the
		// zero vector.
		tokens = []string{text}
	}
	for _, token := range tokens {
		e.accumulate(embedding, token)
	}

	return normalize(embedding), nil
}

// Dimensions implements memory.Embedder.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func (e *Embedder) accumulate(dst []float32, token string) {
	h := fnv.New64a()
	h.Write([]byte(token))
	seed := h.Sum64()

	for i := range dst {
		seed = seed*6364136223846793005 + 1442695040888963407
		// [-1, 1]
		dst[i] += float32(int64(seed)) / float32(math.MaxInt64)
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
