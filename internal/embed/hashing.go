package embed

import (
	"context"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// DefaultDimension matches all-MiniLM-L6-v2.
const DefaultDimension = 384

// Feature weights for the hashing embedder.
const (
	wordWeight    = 1.0
	bigramWeight  = 0.75
	trigramWeight = 0.5
)

// HashingEmbedder is an offline embedder built on signed feature hashing
// of words, word bigrams and character trigrams. It needs no model files
// and is fully deterministic.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Dimension() int { return e.dim }

func (e *HashingEmbedder) Embed(ctx context.Context, text string) (engine.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}

	v := make(engine.Vector, e.dim)
	words := splitWords(text)
	for i, w := range words {
		e.add(v, "w:"+w, wordWeight)
		if i > 0 {
			e.add(v, "b:"+words[i-1]+" "+w, bigramWeight)
		}
		padded := []rune(" " + w + " ")
		for j := 0; j+3 <= len(padded); j++ {
			e.add(v, "c:"+string(padded[j:j+3]), trigramWeight)
		}
	}
	normalize(v)
	return v, nil
}

func (e *HashingEmbedder) add(v engine.Vector, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(e.dim)
	if h>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

// splitWords lowercases text and splits it on anything that is not a
// letter or digit.
func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
