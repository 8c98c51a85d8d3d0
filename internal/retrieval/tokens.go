package retrieval

import (
	"sync"

	"github.com/google/uuid"
)

// RunTokenGenerator mints run tokens: the provenance mark tying every row
// written during one plan execution back to that run.
type RunTokenGenerator interface {
	Generate() string
}

// UUIDv7Generator mints time-ordered unique run tokens. The production
// default.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns a predetermined sequence of tokens, for
// deterministic runs in tests and the scenario harness.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator returns a generator that yields the given tokens in
// order and panics once they are exhausted.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}
