package embed

import (
	"crypto/sha256"
	"math"
	"runtime"
	"strings"
)

// queryPrefix is the instruction the encoder recognizes for query-side
// embeddings; document-side texts are encoded bare.
const queryPrefix = "Represent this query for searching relevant code: "

// HybridEmbedding is the document-side encoder output: a CLS-pooled,
// L2-normalized dense vector plus an optional quantized late-interaction
// token matrix with its dequantization scale.
type HybridEmbedding struct {
	Dense           []float32
	LateInteraction []byte
	Scale           float32
}

// QueryEmbedding is the query-side output; the late-interaction matrix is
// not quantized on this side.
type QueryEmbedding struct {
	Dense           []float32
	LateInteraction [][]float32
}

// Runtime is one loaded model session: dense encoder, reranker, and
// optionally a late-interaction encoder. Sessions are not reentrant; the
// pool serializes access.
type Runtime interface {
	Hybrid(texts []string) ([]HybridEmbedding, error)
	Query(text string) (QueryEmbedding, error)
	Rerank(query string, documents []string) ([]float64, error)
	// RSS is the resident size observed on the last reply, in bytes.
	RSS() uint64
	Close() error
}

// LocalRuntime is a deterministic in-process stand-in for the model
// sidecar, used by tests and offline diagnosis. Vectors are derived from
// content hashes and L2-normalized like real encoder output.
type LocalRuntime struct {
	Dim int
}

func NewLocal(dim int) *LocalRuntime { return &LocalRuntime{Dim: dim} }

func (l *LocalRuntime) Hybrid(texts []string) ([]HybridEmbedding, error) {
	out := make([]HybridEmbedding, len(texts))
	for i, t := range texts {
		out[i] = HybridEmbedding{Dense: hashVector(t, l.Dim), Scale: 1}
	}
	return out, nil
}

func (l *LocalRuntime) Query(text string) (QueryEmbedding, error) {
	return QueryEmbedding{Dense: hashVector(queryPrefix+text, l.Dim)}, nil
}

// Rerank scores documents by token overlap with the query, mapped to (0,1).
func (l *LocalRuntime) Rerank(query string, documents []string) ([]float64, error) {
	qTokens := tokenSet(query)
	scores := make([]float64, len(documents))
	for i, d := range documents {
		overlap := 0
		for tok := range tokenSet(d) {
			if qTokens[tok] {
				overlap++
			}
		}
		scores[i] = 1 - 1/float64(overlap+2)
	}
	return scores, nil
}

func (l *LocalRuntime) RSS() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

func (l *LocalRuntime) Close() error { return nil }

func hashVector(s string, dim int) []float32 {
	vec := make([]float32, dim)
	sum := sha256.Sum256([]byte(s))
	block := sum[:]
	for i := 0; i < dim; i++ {
		if i%len(block) == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		vec[i] = float32(int8(block[i%len(block)]))
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		set[tok] = true
	}
	return set
}
