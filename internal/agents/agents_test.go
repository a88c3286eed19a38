package agents

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/langgame/emcomm/internal/game"
	"github.com/langgame/emcomm/internal/parameters"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestNewRecurrentSender_Validation(t *testing.T) {
	_, err := NewRecurrentSender(1, 4, 8, 5)
	require.ErrorContains(t, err, "vocabulary")
	_, err = NewRecurrentSender(7, 0, 8, 5)
	require.Error(t, err)
	_, err = NewRecurrentSender(7, 4, 8, 0)
	require.Error(t, err)
	sender, err := NewRecurrentSender(7, 4, 8, 5)
	require.NoError(t, err)
	require.Equal(t, 5, sender.MaxLen())
}

func TestRecurrentSender_Sample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	sender, err := NewRecurrentSender(7, 4, 8, 5)
	require.NoError(t, err)

	target := [][]float32{{1, 0}, {0, 1}, {0.5, 0.5}}
	outputs := context.ExecOnceN(backend, ctx,
		func(ctx *context.Context, target *graph.Node) []*graph.Node {
			message, logProbs, entropies := sender.SampleGraph(ctx, target)
			return []*graph.Node{message, logProbs, entropies}
		}, target)

	message := outputs[0]
	require.Equal(t, []int{3, 5}, message.Shape().Dimensions)
	for _, symbol := range tensors.CopyFlatData[int32](message) {
		require.GreaterOrEqual(t, symbol, int32(0))
		require.Less(t, symbol, int32(7))
	}
	require.Equal(t, []int{3, 5}, outputs[1].Shape().Dimensions)
	for _, logProb := range tensors.CopyFlatData[float32](outputs[1]) {
		require.LessOrEqual(t, logProb, float32(0))
	}
	require.Equal(t, []int{3, 5}, outputs[2].Shape().Dimensions)
	for _, entropy := range tensors.CopyFlatData[float32](outputs[2]) {
		require.GreaterOrEqual(t, entropy, float32(-1e-5))
		// Entropy over 7 symbols is at most log(7).
		require.LessOrEqual(t, entropy, float32(math.Log(7))+1e-5)
	}
}

func TestRecurrentSender_TeacherForce(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	sender, err := NewRecurrentSender(7, 4, 8, 5)
	require.NoError(t, err)

	scoresT := context.ExecOnce(backend, ctx,
		func(ctx *context.Context, target, reference, referenceLengths *graph.Node) *graph.Node {
			return sender.TeacherForceGraph(ctx, target, reference, referenceLengths)
		},
		[][]float32{{1, 0}, {0, 1}},
		[][]int32{{3, 1, 0}, {2, 0, 0}},
		[]int32{3, 2})
	require.Equal(t, []int{2, 3, 7}, scoresT.Shape().Dimensions)
}

func TestDiscriminationReceiver_Forward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	receiver, err := NewDiscriminationReceiver(7, 4)
	require.NoError(t, err)

	outputT := context.ExecOnce(backend, ctx,
		func(ctx *context.Context, message, candidates, lengths *graph.Node) *graph.Node {
			output, logProb, entropy := receiver.ForwardGraph(ctx, message, candidates, lengths)
			require.Equal(t, []int{2}, logProb.Shape().Dimensions)
			require.Equal(t, []int{2}, entropy.Shape().Dimensions)
			return output
		},
		[][]int32{{3, 1, 0}, {2, 0, 0}},
		[][][]float32{
			{{1, 0}, {0, 1}, {1, 1}},
			{{0, 0}, {1, 0}, {0, 1}},
		},
		[]int32{3, 2})
	require.Equal(t, []int{2, 3}, outputT.Shape().Dimensions)

	// Candidates are mandatory.
	require.Panics(t, func() {
		context.ExecOnce(backend, ctx,
			func(ctx *context.Context, message, lengths *graph.Node) *graph.Node {
				output, _, _ := receiver.ForwardGraph(ctx, message, nil, lengths)
				return output
			},
			[][]int32{{3, 1, 0}}, []int32{3})
	})
}

func TestDiscriminationLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := graph.ExecOnceN(backend, func(g *graph.Graph) []*graph.Node {
		receiverOutput := graph.Const(g, [][]float32{{2, 0, 1}, {0, 3, 0}})
		labels := graph.Const(g, []int32{0, 2})
		loss, aux := DiscriminationLoss(nil, nil, nil, nil, receiverOutput, labels)
		return []*graph.Node{loss, aux["acc"]}
	})
	loss := tensors.CopyFlatData[float32](outputs[0])
	require.InDelta(t, 0.4076, loss[0], 1e-3) // -log softmax(2 | [2,0,1])
	require.InDelta(t, 3.0949, loss[1], 1e-3) // -log softmax(0 | [0,3,0])
	require.Equal(t, []float32{1, 0}, tensors.CopyFlatData[float32](outputs[1]))
}

func TestSequenceCrossEntropy_MasksPastLength(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	structural := NewSequenceCrossEntropy(0)

	// Reference {1,0,2}: the first pad (0) terminates the sequence at length 2,
	// so position 2 must not contribute, however wrong its scores are.
	lossOf := func(poison float32) float32 {
		lossT := graph.ExecOnce(backend, func(g *graph.Graph) *graph.Node {
			reference := graph.Const(g, [][]int32{{1, 0, 2}})
			scores := graph.Const(g, [][][]float32{{
				{0, 0, 0},
				{0, 0, 0},
				{poison, 0, -poison},
			}})
			return structural(reference, scores)
		})
		return tensors.ToScalar[float32](lossT)
	}
	uniform := lossOf(0)
	require.InDelta(t, math.Log(3), uniform, 1e-5)
	require.InDelta(t, uniform, lossOf(1000), 1e-5)
}

func TestCaptioningLoss_ExactMatchAccuracy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lossFn := NewCaptioningLoss(0)

	// Scores peaked on the reference within the effective length; the padded
	// tail predicts something else, which must not count against the match.
	accOf := func(scores [][][]float32) []float32 {
		accT := graph.ExecOnce(backend, func(g *graph.Graph) *graph.Node {
			labels := graph.Const(g, [][]int32{{1, 2, 0, 0}})
			scoresNode := graph.Const(g, scores)
			_, aux := lossFn(nil, nil, scoresNode, nil, nil, labels)
			return aux["acc"]
		})
		return tensors.CopyFlatData[float32](accT)
	}
	peak := func(symbol int32) []float32 {
		row := make([]float32, 3)
		row[symbol] = 10
		return row
	}
	// Correct on positions 0..2 (length 3: "1 2 eos"), wrong on the tail.
	require.Equal(t, []float32{1},
		accOf([][][]float32{{peak(1), peak(2), peak(0), peak(2)}}))
	// Wrong in the middle of the sequence.
	require.Equal(t, []float32{0},
		accOf([][][]float32{{peak(1), peak(1), peak(0), peak(2)}}))
}

// End-to-end: the real agents wired into both game variants.
func TestAgents_EndToEnd(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize     = 8
		featureDim    = 4
		numCandidates = 3
		vocab         = 7
		maxLen        = 5
		referenceLen  = 4
	)
	sender, err := NewRecurrentSender(vocab, 8, 16, maxLen)
	require.NoError(t, err)
	receiver, err := NewDiscriminationReceiver(vocab, 8)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(42, 0))
	batch := func() *game.Batch {
		candidates := make([][][]float32, batchSize)
		targets := make([][]float32, batchSize)
		labels := make([]int32, batchSize)
		reference := make([][]int32, batchSize)
		referenceLengths := make([]int32, batchSize)
		for ii := range batchSize {
			candidates[ii] = make([][]float32, numCandidates)
			for jj := range numCandidates {
				candidates[ii][jj] = make([]float32, featureDim)
				for kk := range featureDim {
					candidates[ii][jj][kk] = rng.Float32()
				}
			}
			labels[ii] = int32(rng.IntN(numCandidates))
			targets[ii] = candidates[ii][labels[ii]]
			reference[ii] = make([]int32, referenceLen)
			length := 1 + rng.IntN(referenceLen)
			for jj := range length - 1 {
				reference[ii][jj] = int32(1 + rng.IntN(vocab-1))
			}
			referenceLengths[ii] = int32(length)
		}
		return &game.Batch{
			TargetInput:      tensors.FromValue(targets),
			Labels:           tensors.FromValue(labels),
			ReceiverInput:    tensors.FromValue(candidates),
			Reference:        tensors.FromValue(reference),
			ReferenceLengths: tensors.FromValue(referenceLengths),
		}
	}

	engine, err := game.New(backend, game.GameMultiTask, sender, receiver,
		DiscriminationLoss, NewSequenceCrossEntropy(0),
		parameters.NewFromConfigString("structural_weight=0.5,sender_entropy_coeff=0.01,length_cost=0.01"))
	require.NoError(t, err)
	defer engine.Finalize()
	for range 3 {
		loss, ix, err := engine.Step(batch(), game.ModeTrain)
		require.NoError(t, err)
		require.False(t, math.IsNaN(float64(loss)))
		require.NotNil(t, ix.Aux["acc"])
	}
	loss, ix, err := engine.Step(batch(), game.ModeEval)
	require.NoError(t, err)
	require.False(t, math.IsNaN(float64(loss)))
	require.Equal(t, []int{batchSize, maxLen}, ix.Message.Shape().Dimensions)
	for _, length := range tensors.CopyFlatData[int32](ix.MessageLengths) {
		require.GreaterOrEqual(t, length, int32(1))
		require.LessOrEqual(t, length, int32(maxLen))
	}

	// Supervised control: same sender decodes the reference under teacher
	// forcing, trained with the captioning loss.
	oracleSender, err := NewRecurrentSender(vocab, 8, 16, maxLen)
	require.NoError(t, err)
	oracle, err := game.New(backend, game.GameSupervised, oracleSender, receiver,
		NewCaptioningLoss(0), nil, parameters.Params{})
	require.NoError(t, err)
	defer oracle.Finalize()
	captionBatch := batch()
	captionBatch.Labels = captionBatch.Reference
	loss, ix, err = oracle.Step(captionBatch, game.ModeTrain)
	require.NoError(t, err)
	require.False(t, math.IsNaN(float64(loss)))
	require.NotNil(t, ix.Aux["acc"])
}
