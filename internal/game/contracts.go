package game

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Context scopes under which agent variables are created. The game passes the
// already-scoped context to each agent, so agents never collide on names.
const (
	ScopeSender   = "sender"
	ScopeReceiver = "receiver"
)

// Batch is the raw data of one training/evaluation step. The leading dimension
// of every tensor is the batch size and must be consistent across fields.
type Batch struct {
	// TargetInput is the input the Sender encodes, shape (batch, featureDim).
	TargetInput *tensors.Tensor

	// Labels are the task labels, e.g. the target candidate index for a
	// discrimination game (batch,) or the reference sequence for captioning.
	Labels *tensors.Tensor

	// ReceiverInput is optional side information for the Receiver, e.g. the
	// candidate images of a discrimination game (batch, candidates, featureDim).
	ReceiverInput *tensors.Tensor

	// Reference is the ground-truth symbol sequence (batch, referenceLen) used
	// by the teacher-forced structural path and by the supervised oracle.
	Reference *tensors.Tensor

	// ReferenceLengths holds the effective length of each Reference row (batch,).
	ReferenceLengths *tensors.Tensor
}

// Sender is the agent that encodes an input into a discrete message. Both
// methods are graph builders: they are invoked while the game's step graph is
// compiled, with the context already scoped to ScopeSender.
type Sender interface {
	// SampleGraph decodes stochastically (no teacher forcing) and returns the
	// sampled message (batch, maxLen) int32, and the policy's per-position
	// log-probabilities and entropies, both (batch, maxLen) float32. Positions
	// past a sequence's effective length carry no meaning; the game masks them.
	SampleGraph(ctx *context.Context, target *graph.Node) (message, logProbs, entropies *graph.Node)

	// TeacherForceGraph decodes conditioned on the ground-truth previous symbol
	// at every step -- fully differentiable, no sampling -- and returns the
	// per-position scores (batch, referenceLen, vocabSize).
	TeacherForceGraph(ctx *context.Context, target, reference, referenceLengths *graph.Node) (scores *graph.Node)

	// MaxLen is the maximum message length SampleGraph produces.
	MaxLen() int
}

// Receiver is the agent that consumes a message plus optional side input to
// produce a task output. receiverInput is nil when the batch carries none;
// implementations that require it must panic (exceptions.Panicf) so the game
// surfaces the contract violation as an error.
//
// Deterministic receivers return zero-valued logProb and entropy (batch,).
type Receiver interface {
	ForwardGraph(ctx *context.Context, message, receiverInput, messageLengths *graph.Node) (output, logProb, entropy *graph.Node)
}

// FunctionalLoss computes the task-relevant per-example loss (batch,) from the
// Receiver's output under sampled decoding, plus auxiliary per-example metrics.
// The aux map must contain "acc" with values in {0,1} per batch element; the
// game derives the policy-gradient reward from it.
//
// logProbsOrScores carries the Sender's per-position log-probabilities in the
// sampled game and its teacher-forced scores in the supervised one.
type FunctionalLoss func(senderInput, message, logProbsOrScores, receiverInput, receiverOutput, labels *graph.Node) (loss *graph.Node, aux map[string]*graph.Node)

// StructuralLoss computes a scalar reconstruction loss of teacher-forced scores
// (batch, referenceLen, vocabSize) against the reference sequence.
type StructuralLoss func(reference, scores *graph.Node) (loss *graph.Node)

// assertBatchDim panics (inside graph building, so Step reports an error) if
// any of the nodes doesn't have batchSize as its leading dimension. Collaborator
// outputs are never silently broadcast.
func assertBatchDim(batchSize int, source string, nodes ...*graph.Node) {
	for ii, node := range nodes {
		if node == nil {
			exceptions.Panicf("%s returned a nil tensor (output #%d)", source, ii)
		}
		if node.Rank() == 0 || node.Shape().Dim(0) != batchSize {
			exceptions.Panicf("%s returned shape %s for output #%d, want leading (batch) dimension %d",
				source, node.Shape(), ii, batchSize)
		}
	}
}

// checkBatch validates the host-side batch invariants shared by both game
// variants: required fields present and leading dimensions consistent.
func checkBatch(batch *Batch, needReference bool) error {
	if batch == nil || batch.TargetInput == nil || batch.Labels == nil {
		return errors.New("batch must carry TargetInput and Labels")
	}
	if needReference && (batch.Reference == nil || batch.ReferenceLengths == nil) {
		return errors.New("batch must carry Reference and ReferenceLengths for the teacher-forced path")
	}
	batchSize := batch.TargetInput.Shape().Dim(0)
	check := func(name string, t *tensors.Tensor) error {
		if t == nil {
			return nil
		}
		if t.Shape().Dim(0) != batchSize {
			return errors.Errorf("batch field %s has leading dimension %d, want batch size %d",
				name, t.Shape().Dim(0), batchSize)
		}
		return nil
	}
	for _, field := range []struct {
		name string
		t    *tensors.Tensor
	}{
		{"Labels", batch.Labels},
		{"ReceiverInput", batch.ReceiverInput},
		{"Reference", batch.Reference},
		{"ReferenceLengths", batch.ReferenceLengths},
	} {
		if err := check(field.name, field.t); err != nil {
			return err
		}
	}
	return nil
}
