package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashingProvider is a deterministic feature-hashing embedder. It needs no
// model files or network and is used in tests and air-gapped development.
// Texts sharing words get similar vectors.
type HashingProvider struct {
	dimension int
}

// NewHashingProvider returns a hashing embedder producing dim-length vectors.
func NewHashingProvider(dim int) (*HashingProvider, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: hashing provider needs a positive dimension", ErrInvalidConfig)
	}
	return &HashingProvider{dimension: dim}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (h *HashingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (h *HashingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

// Dimension returns the vector length.
func (h *HashingProvider) Dimension() int {
	return h.dimension
}

// Close is a no-op.
func (h *HashingProvider) Close() error {
	return nil
}

// vector hashes each lower-cased word into a signed bucket and L2
// normalizes the result. Text without words maps to a fixed unit vector.
func (h *HashingProvider) vector(text string) []float32 {
	v := make([]float32, h.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dimension))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
