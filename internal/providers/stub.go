package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// Stub is a deterministic in-process provider bundle for development and
// integration tests: no network, stable outputs for identical inputs.
type Stub struct {
	Dimension int
}

var _ DocumentExtractor = (*Stub)(nil)
var _ CompletionClient = (*Stub)(nil)
var _ Embedder = (*Stub)(nil)

// NewStub returns a stub producing embeddings of the given dimension.
func NewStub(dimension int) *Stub {
	if dimension <= 0 {
		dimension = 768
	}
	return &Stub{Dimension: dimension}
}

// Bundle exposes the stub behind every provider surface.
func (s *Stub) Bundle() Bundle {
	return Bundle{Documents: s, Completions: s, Embeddings: s}
}

// ExtractText treats the document bytes as UTF-8 text.
func (s *Stub) ExtractText(_ context.Context, doc Document) (string, error) {
	if len(doc.Data) == 0 {
		return "", Wrap("document", fmt.Errorf("document is empty"))
	}
	return strings.TrimSpace(string(doc.Data)), nil
}

// GenerateCompletion echoes a canned analysis derived from the prompt.
func (s *Stub) GenerateCompletion(_ context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", Wrap("llm", fmt.Errorf("prompt is empty"))
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	return fmt.Sprintf("stub-completion-%08x", h.Sum32()), nil
}

// GenerateEmbedding produces a unit-norm vector seeded by the text so equal
// inputs embed identically.
func (s *Stub) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, Wrap("embedding", fmt.Errorf("text is empty"))
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vector := make([]float32, s.Dimension)
	var norm float64
	for i := range vector {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11)) / float64(1<<52)
		vector[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}
