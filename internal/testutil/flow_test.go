package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialFlowGenerator_Sequence(t *testing.T) {
	gen := NewSequentialFlowGenerator("deliver")

	assert.Equal(t, "deliver-1", gen.Generate())
	assert.Equal(t, "deliver-2", gen.Generate())
	assert.Equal(t, "deliver-3", gen.Generate())
}

func TestSequentialFlowGenerator_EmptyPrefixDefault(t *testing.T) {
	gen := NewSequentialFlowGenerator("")
	assert.Equal(t, "test-flow-1", gen.Generate())
}

func TestSequentialFlowGenerator_ThreadSafe(t *testing.T) {
	gen := NewSequentialFlowGenerator("flow")

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				token := gen.Generate()
				mu.Lock()
				seen[token] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000, "every token must be unique")
}
