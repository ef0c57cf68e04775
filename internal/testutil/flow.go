package testutil

import (
	"fmt"
	"sync"
)

// SequentialFlowGenerator generates flow tokens "<prefix>-1", "<prefix>-2", ...
//
// Every marketplace operation stamps its audit facts with one flow token.
// A sequential generator makes those facts reproducible, so scenario
// summaries can be compared byte for byte against golden files.
//
// Thread-safety: SequentialFlowGenerator is safe for concurrent use.
type SequentialFlowGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialFlowGenerator creates a generator. If prefix is empty,
// "test-flow" is used.
func NewSequentialFlowGenerator(prefix string) *SequentialFlowGenerator {
	if prefix == "" {
		prefix = "test-flow"
	}
	return &SequentialFlowGenerator{prefix: prefix}
}

// Generate returns the next token.
//
// Implements engine.FlowTokenGenerator interface.
func (g *SequentialFlowGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
