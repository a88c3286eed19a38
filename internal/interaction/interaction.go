// Package interaction defines the Interaction record persisted after every game
// step for later analysis, and the Strategy that decides which of its fields are
// retained -- typically everything during evaluation and only the cheap
// per-batch metrics during training.
package interaction

import (
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/langgame/emcomm/internal/generics"
)

// Interaction is an immutable record of one batch: the inputs, the message the
// Sender produced, the Receiver's output and the auxiliary per-batch metrics.
// Fields a Strategy chose not to retain are nil.
//
// The tensors it holds are detached copies owned by the record; the engine that
// created it never mutates them afterwards.
type Interaction struct {
	SenderInput    *tensors.Tensor
	Labels         *tensors.Tensor
	ReceiverInput  *tensors.Tensor
	Message        *tensors.Tensor
	ReceiverOutput *tensors.Tensor
	MessageLengths *tensors.Tensor

	// Aux maps a metric name to a per-batch-element tensor, e.g. "acc",
	// "sender_entropy", "length".
	Aux map[string]*tensors.Tensor
}

// Strategy selects which Interaction fields to retain. The zero value retains
// nothing; use NewStrategy for the retain-everything default.
type Strategy struct {
	StoreSenderInput    bool
	StoreLabels         bool
	StoreReceiverInput  bool
	StoreMessage        bool
	StoreReceiverOutput bool
	StoreMessageLengths bool
	StoreAux            bool
}

// NewStrategy returns the default strategy, which retains every field.
func NewStrategy() *Strategy {
	return &Strategy{
		StoreSenderInput:    true,
		StoreLabels:         true,
		StoreReceiverInput:  true,
		StoreMessage:        true,
		StoreReceiverOutput: true,
		StoreMessageLengths: true,
		StoreAux:            true,
	}
}

// NewMinimalStrategy returns a strategy that retains only the message lengths and
// auxiliary metrics -- a cheap record suitable for high-frequency training steps.
func NewMinimalStrategy() *Strategy {
	return &Strategy{StoreMessageLengths: true, StoreAux: true}
}

// FilteredInteraction builds an Interaction from the given tensors, dropping the
// fields this strategy does not retain. Nil tensors stay nil regardless.
func (s *Strategy) FilteredInteraction(
	senderInput, labels, receiverInput, message, receiverOutput, messageLengths *tensors.Tensor,
	aux map[string]*tensors.Tensor) *Interaction {
	keep := func(store bool, t *tensors.Tensor) *tensors.Tensor {
		if !store {
			return nil
		}
		return t
	}
	ix := &Interaction{
		SenderInput:    keep(s.StoreSenderInput, senderInput),
		Labels:         keep(s.StoreLabels, labels),
		ReceiverInput:  keep(s.StoreReceiverInput, receiverInput),
		Message:        keep(s.StoreMessage, message),
		ReceiverOutput: keep(s.StoreReceiverOutput, receiverOutput),
		MessageLengths: keep(s.StoreMessageLengths, messageLengths),
	}
	if s.StoreAux {
		ix.Aux = aux
	}
	return ix
}

// Accumulator aggregates the Aux metrics of a stream of Interactions into
// epoch-level means, weighting every batch element equally.
type Accumulator struct {
	sums   map[string]float64
	counts map[string]int
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{sums: make(map[string]float64), counts: make(map[string]int)}
}

// Add accumulates the Aux metrics of one Interaction.
func (a *Accumulator) Add(ix *Interaction) {
	for name, t := range ix.Aux {
		values := tensors.CopyFlatData[float32](t)
		for _, v := range values {
			a.sums[name] += float64(v)
		}
		a.counts[name] += len(values)
	}
}

// Mean returns the mean of all accumulated values for the given metric, or 0 if
// none were seen.
func (a *Accumulator) Mean(name string) float64 {
	count := a.counts[name]
	if count == 0 {
		return 0
	}
	return a.sums[name] / float64(count)
}

// Means returns the mean of every accumulated metric, keyed by name.
func (a *Accumulator) Means() map[string]float64 {
	means := make(map[string]float64, len(a.sums))
	for name := range generics.SortedKeys(a.sums) {
		means[name] = a.Mean(name)
	}
	return means
}
