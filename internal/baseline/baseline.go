// Package baseline maintains running scalar estimates of reward statistics, used
// to center (variance-reduce) REINFORCE policy-gradient terms.
//
// A Tracker holds one independent estimator per named statistic. The set of names
// is declared eagerly at construction, so the statistics a training run keeps are
// inspectable up front and a typo'd name fails loudly instead of silently creating
// a fresh estimator.
package baseline

import (
	"sync"

	"github.com/pkg/errors"
)

// Estimator is a running scalar estimate fed from batches of observations.
//
// Predict must be read-only: calling it any number of times without an
// intervening Update returns the same value.
type Estimator interface {
	// Update incorporates a new batch of observations.
	Update(values []float32)

	// Predict returns the current estimate. Before any Update it returns 0.
	Predict() float32
}

// Factory creates a fresh Estimator. Used by Tracker to populate its name set.
type Factory func() Estimator

// Mean estimates the sample mean of every value observed so far, weighted by the
// total observation count (not a naive average of per-batch means).
type Mean struct {
	count int64
	mean  float64
}

// NewMean returns a Mean estimator. It satisfies Factory.
func NewMean() Estimator { return &Mean{} }

// Update implements Estimator.
func (m *Mean) Update(values []float32) {
	for _, v := range values {
		m.count++
		m.mean += (float64(v) - m.mean) / float64(m.count)
	}
}

// Predict implements Estimator. Returns 0 before the first Update.
func (m *Mean) Predict() float32 {
	return float32(m.mean)
}

// Tracker maps statistic names to their estimators.
//
// It is the only mutable state carried across training steps, and it is mutated
// exclusively through Update -- which callers must invoke only on the training
// path, strictly after the forward computation that consumed Predict.
type Tracker struct {
	mu         sync.Mutex
	estimators map[string]Estimator
}

// NewTracker creates a Tracker with one fresh estimator per given name.
func NewTracker(factory Factory, names ...string) *Tracker {
	t := &Tracker{estimators: make(map[string]Estimator, len(names))}
	for _, name := range names {
		t.estimators[name] = factory()
	}
	return t
}

// Predict returns the current estimate for name. It never mutates state.
// An undeclared name is an invariant violation and panics.
func (t *Tracker) Predict(name string) float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.estimator(name).Predict()
}

// Update incorporates a batch of observed values into the estimator for name.
// An undeclared name is an invariant violation and panics.
func (t *Tracker) Update(name string, values []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.estimator(name).Update(values)
}

func (t *Tracker) estimator(name string) Estimator {
	e, found := t.estimators[name]
	if !found {
		panic(errors.Errorf("baseline %q was not declared at Tracker construction", name))
	}
	return e
}
