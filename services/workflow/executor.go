package workflow

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"orchestrator/services/catalog"
)

// StepOutcome is what a dispatcher reports for one node.
type StepOutcome struct {
	Passed bool
	Output map[string]any
	Error  string
}

// Dispatcher runs a single node's task and waits for its outcome.
// A returned error means the dispatch itself failed, not the task.
type Dispatcher interface {
	Dispatch(ctx context.Context, node Node, task catalog.TaskDefinition) (StepOutcome, error)
}

// RandomSource yields uniform draws in [0, 1).
type RandomSource interface {
	Float64() float64
}

type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// NewRandomSource returns a PCG-backed source. A zero seed is replaced by the current time.
func NewRandomSource(seed uint64) RandomSource {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}
