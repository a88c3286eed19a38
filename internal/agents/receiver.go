package agents

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/langgame/emcomm/internal/game"
)

// DiscriminationReceiver embeds the message, mean-pools it over its effective
// length, and scores each candidate of the receiver input by dot-product
// against the pooled message representation. Its output is the per-candidate
// logits (batch, candidates).
//
// The receiver is deterministic: log-probability and entropy are zero.
type DiscriminationReceiver struct {
	vocab, embedDim int
}

var _ game.Receiver = (*DiscriminationReceiver)(nil)

// NewDiscriminationReceiver validates the dimensions and creates the receiver.
func NewDiscriminationReceiver(vocab, embedDim int) (*DiscriminationReceiver, error) {
	if vocab < 2 {
		return nil, errors.Errorf("receiver vocabulary must have at least 2 symbols, got %d", vocab)
	}
	if embedDim < 1 {
		return nil, errors.Errorf("receiver embedding dimension must be positive, got %d", embedDim)
	}
	return &DiscriminationReceiver{vocab: vocab, embedDim: embedDim}, nil
}

// ForwardGraph implements game.Receiver.
func (r *DiscriminationReceiver) ForwardGraph(ctx *context.Context, message, receiverInput, messageLengths *Node) (output, logProb, entropy *Node) {
	if receiverInput == nil {
		exceptions.Panicf("discrimination receiver requires a receiver input with the candidates")
	}
	g := message.Graph()
	batchSize := message.Shape().Dim(0)
	messageLen := message.Shape().Dim(1)
	numCandidates := receiverInput.Shape().Dim(1)
	featureDim := receiverInput.Shape().Dim(2)

	// Message representation: embed, zero out positions past the effective
	// length, mean-pool.
	table := ctx.In("embed").
		VariableWithShape("table", shapes.Make(dtypes.Float32, r.vocab, r.embedDim)).
		ValueGraph(g)
	embedded := Gather(table, ExpandAxes(message, -1))
	positions := Iota(g, message.Shape(), 1)
	inMessage := LessThan(positions,
		BroadcastToDims(ExpandAxes(messageLengths, -1), batchSize, messageLen))
	mask := BroadcastToDims(
		ExpandAxes(ConvertDType(inMessage, dtypes.Float32), -1),
		batchSize, messageLen, r.embedDim)
	pooled := Div(
		ReduceSum(Mul(embedded, mask), 1),
		BroadcastToDims(ExpandAxes(ConvertDType(messageLengths, dtypes.Float32), -1),
			batchSize, r.embedDim))
	messageRepr := fnnLayer.New(ctx.In("message"), pooled, r.embedDim).Done()

	// Candidate representations, same projection applied to every candidate.
	flatCandidates := Reshape(receiverInput, batchSize*numCandidates, featureDim)
	candidateRepr := Reshape(
		fnnLayer.New(ctx.In("candidates"), flatCandidates, r.embedDim).Done(),
		batchSize, numCandidates, r.embedDim)

	scores := ReduceSum(Mul(
		candidateRepr,
		BroadcastToDims(ExpandAxes(messageRepr, 1), batchSize, numCandidates, r.embedDim)), -1)
	zeros := Zeros(g, shapes.Make(dtypes.Float32, batchSize))
	return scores, zeros, zeros
}
