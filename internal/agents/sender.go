// Package agents implements reference Sender and Receiver agents and the
// losses to train them with, on top of the game mechanics in
// internal/game. They are small recurrent models, enough to run the games
// end-to-end; any other architecture implementing the game interfaces works
// the same way.
package agents

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/langgame/emcomm/internal/game"
)

// RecurrentSender encodes the target input to an initial hidden state and
// decodes a symbol sequence from it, one symbol per step, feeding the chosen
// symbol's embedding back into the cell.
//
// Sampling uses the Gumbel-max trick, so the whole step stays inside the
// accelerator graph.
type RecurrentSender struct {
	vocab, embedDim, hiddenDim, maxLen int
}

var _ game.Sender = (*RecurrentSender)(nil)

// NewRecurrentSender validates the dimensions and creates the sender. The
// model variables are created lazily, on the first graph build.
func NewRecurrentSender(vocab, embedDim, hiddenDim, maxLen int) (*RecurrentSender, error) {
	if vocab < 2 {
		return nil, errors.Errorf("sender vocabulary must have at least 2 symbols, got %d", vocab)
	}
	if embedDim < 1 || hiddenDim < 1 {
		return nil, errors.Errorf("sender dimensions must be positive, got embed=%d hidden=%d", embedDim, hiddenDim)
	}
	if maxLen < 1 {
		return nil, errors.Errorf("sender max message length must be at least 1, got %d", maxLen)
	}
	return &RecurrentSender{vocab: vocab, embedDim: embedDim, hiddenDim: hiddenDim, maxLen: maxLen}, nil
}

// MaxLen implements game.Sender.
func (s *RecurrentSender) MaxLen() int { return s.maxLen }

// embeddingTable returns the (vocab, embedDim) symbol embedding table.
func (s *RecurrentSender) embeddingTable(ctx *context.Context, g *Graph) *Node {
	return ctx.In("embed").
		VariableWithShape("table", shapes.Make(dtypes.Float32, s.vocab, s.embedDim)).
		ValueGraph(g)
}

// startEmbedding returns the learned begin-of-sequence embedding, broadcast to
// the batch.
func (s *RecurrentSender) startEmbedding(ctx *context.Context, g *Graph, batchSize int) *Node {
	start := ctx.In("embed").
		VariableWithShape("start", shapes.Make(dtypes.Float32, s.embedDim)).
		ValueGraph(g)
	return BroadcastToDims(ExpandAxes(start, 0), batchSize, s.embedDim)
}

// encode maps the target input to the initial hidden state.
func (s *RecurrentSender) encode(ctx *context.Context, target *Node) *Node {
	return Tanh(fnnLayer.New(ctx.In("encoder"), target, s.hiddenDim).Done())
}

// cellStep advances the recurrent cell one step and returns the new hidden
// state and the symbol logits. The cell and logits variables are shared across
// steps (and across the sampled and teacher-forced decodes).
func (s *RecurrentSender) cellStep(ctx *context.Context, hidden, prevEmbed *Node) (newHidden, logits *Node) {
	cellInput := Concatenate([]*Node{hidden, prevEmbed}, -1)
	newHidden = Tanh(fnnLayer.New(ctx.In("cell"), cellInput, s.hiddenDim).Done())
	logits = fnnLayer.New(ctx.In("logits"), newHidden, s.vocab).Done()
	return
}

// SampleGraph implements game.Sender: it decodes maxLen symbols, sampling each
// from the softmax over the logits, and returns the message with the sampled
// symbols' log-probabilities and the per-step policy entropies.
func (s *RecurrentSender) SampleGraph(ctx *context.Context, target *Node) (message, logProbs, entropies *Node) {
	g := target.Graph()
	batchSize := target.Shape().Dim(0)
	table := s.embeddingTable(ctx, g)
	hidden := s.encode(ctx, target)
	prev := s.startEmbedding(ctx, g, batchSize)

	symbolCols := make([]*Node, 0, s.maxLen)
	logProbCols := make([]*Node, 0, s.maxLen)
	entropyCols := make([]*Node, 0, s.maxLen)
	for range s.maxLen {
		var logits *Node
		hidden, logits = s.cellStep(ctx, hidden, prev)
		stepLogProbs := LogSoftmax(logits, -1)

		// Gumbel-max sampling: argmax(logits - log(-log(u))), u~Uniform(0,1).
		// u is nudged away from {0,1} to keep the double log finite.
		u := ctx.RandomUniform(g, logits.Shape())
		u = AddScalar(MulScalar(u, 1.0-2e-7), 1e-7)
		gumbel := Neg(Log(Neg(Log(u))))
		choice := ArgMax(Add(logits, gumbel), -1, dtypes.Int32)

		choiceOneHot := OneHot(choice, s.vocab, dtypes.Float32)
		logProb := ReduceSum(Mul(choiceOneHot, stepLogProbs), -1)
		entropy := Neg(ReduceSum(Mul(Softmax(logits, -1), stepLogProbs), -1))

		symbolCols = append(symbolCols, ExpandAxes(choice, -1))
		logProbCols = append(logProbCols, ExpandAxes(logProb, -1))
		entropyCols = append(entropyCols, ExpandAxes(entropy, -1))
		prev = Gather(table, ExpandAxes(choice, -1))
	}
	message = Concatenate(symbolCols, -1)
	logProbs = Concatenate(logProbCols, -1)
	entropies = Concatenate(entropyCols, -1)
	return
}

// TeacherForceGraph implements game.Sender: it decodes with the reference
// sequence as the previous-symbol input at every step and returns the logits
// of every position, shaped (batch, referenceLen, vocab). No sampling is
// involved, so the result is differentiable end to end.
func (s *RecurrentSender) TeacherForceGraph(ctx *context.Context, target, reference, referenceLengths *Node) *Node {
	g := target.Graph()
	table := s.embeddingTable(ctx, g)
	hidden := s.encode(ctx, target)
	prev := s.startEmbedding(ctx, g, target.Shape().Dim(0))

	referenceLen := reference.Shape().Dim(1)
	scoreCols := make([]*Node, 0, referenceLen)
	for step := range referenceLen {
		var logits *Node
		hidden, logits = s.cellStep(ctx, hidden, prev)
		scoreCols = append(scoreCols, ExpandAxes(logits, 1))
		symbol := Slice(reference, AxisRange(), AxisElem(step))
		prev = Gather(table, symbol)
	}
	return Concatenate(scoreCols, 1)
}
