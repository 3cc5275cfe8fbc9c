// Package embeddings turns transcripts into dense vectors for semantic
// search. Segments are merged into phrase-sized spans before embedding so
// the vectors carry whole thoughts instead of caption fragments.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
)

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	// ModelName identifies the embedding model; it is stored alongside each
	// vector so a model change invalidates old rows.
	ModelName() string
	// Dimensions is the vector width.
	Dimensions() int
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// TextHash is the stable content hash stored with each vector. A phrase is
// re-embedded only when its hash or the model changes.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HashEmbedder is a deterministic, dependency-free embedder used in tests
// and as an offline fallback. Vectors are derived from the text hash and
// L2-normalised, so identical text always embeds identically.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) ModelName() string { return "hash-v1" }
func (h *HashEmbedder) Dimensions() int   { return h.dims }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, h.dims)
	var norm float64
	buf := seed[:]
	for i := range vec {
		// Stretch the seed by rehashing when it runs out.
		if (i*4)%len(buf) == 0 && i > 0 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.LittleEndian.Uint32(buf[(i*4)%len(buf):])
		v := float64(int32(bits)) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
