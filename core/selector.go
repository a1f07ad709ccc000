package core

import (
	"math/rand"
	"sync"
	"time"
)

// Selector chooses one worker from a pool's worker set by a weighted random
// draw over the composite score. It only reads Worker state; it never
// mutates in_flight or health.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector constructs a Selector with its own random source so repeated
// draws across many goroutines don't contend on the global rand lock more
// than necessary.
func NewSelector() *Selector {
	return &Selector{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Select returns one eligible worker drawn proportional to its composite
// weight, or ErrNoWorkersAvailable if the eligible set is empty.
func (s *Selector) Select(workers []*Worker) (*Worker, error) {
	type candidate struct {
		worker *Worker
		weight float64
	}

	var candidates []candidate
	var totalWeight float64

	for _, w := range workers {
		snap := w.snapshot()
		if !snap.eligible() {
			continue
		}
		wt := snap.score()
		candidates = append(candidates, candidate{worker: w, weight: wt})
		totalWeight += wt
	}

	if len(candidates) == 0 {
		return nil, newDispatchError(ErrNoWorkersAvailable, nil)
	}

	// Weighted random draw via prefix-sum over weights: avoids a per-call
	// sort, a single uniform draw over [0, totalWeight).
	s.mu.Lock()
	draw := s.rng.Float64() * totalWeight
	s.mu.Unlock()

	var cumulative float64
	for _, c := range candidates {
		cumulative += c.weight
		if draw < cumulative {
			return c.worker, nil
		}
	}
	// Floating point rounding can leave draw just past the last boundary;
	// fall back to the last candidate rather than failing the draw.
	return candidates[len(candidates)-1].worker, nil
}
