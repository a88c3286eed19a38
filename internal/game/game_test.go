package game

import (
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/langgame/emcomm/internal/parameters"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestParseGameType(t *testing.T) {
	gameType, err := ParseGameType("multitask")
	require.NoError(t, err)
	require.Equal(t, GameMultiTask, gameType)

	gameType, err = ParseGameType("supervised")
	require.NoError(t, err)
	require.Equal(t, GameSupervised, gameType)

	_, err = ParseGameType("multi-task")
	require.ErrorContains(t, err, "multi-task")
}

func TestNew_Dispatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sender := &stubSender{message: testMessage(), logProbs: fillRows(4, 5, 0), entropies: fillRows(4, 5, 0), vocab: 10}
	receiver := &stubReceiver{output: fillRows(4, 2, 0)}

	g, err := New(backend, GameMultiTask, sender, receiver, labelsAsAccuracy, nil,
		parameters.NewFromConfigString("structural_weight=0"))
	require.NoError(t, err)
	require.IsType(t, (*Engine)(nil), g)
	g.Finalize()

	g, err = New(backend, GameSupervised, sender, receiver, labelsAsAccuracy, nil, parameters.Params{})
	require.NoError(t, err)
	require.IsType(t, (*Oracle)(nil), g)
	g.Finalize()

	_, err = New(backend, GameType(42), sender, receiver, labelsAsAccuracy, nil, parameters.Params{})
	require.ErrorContains(t, err, "unknown game type")
}

func TestOracle_Step(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sender := &stubSender{message: testMessage(), logProbs: fillRows(4, 5, 0), entropies: fillRows(4, 5, 0), vocab: 10}
	receiver := &stubReceiver{output: fillRows(4, 2, 0.5)}
	oracle, err := NewOracle(backend, sender, receiver, labelsAsAccuracy, parameters.Params{})
	require.NoError(t, err)
	defer oracle.Finalize()

	batch := testBatch([]float32{1, 0, 1, 0})
	batch.Reference = tensors.FromValue([][]int32{{1, 2, 0}, {3, 0, 0}, {4, 5, 6}, {7, 0, 0}})
	batch.ReferenceLengths = tensors.FromValue([]int32{3, 2, 3, 2})

	// The stub's teacher-forced scores are all zero, so the greedy readout is
	// all zeros: every message terminates immediately (eos=0, length 1). The
	// loss is mean(-acc) = -0.5.
	loss, ix, err := oracle.Step(batch, ModeEval)
	require.NoError(t, err)
	require.InDelta(t, -0.5, loss, 1e-5)
	require.GreaterOrEqual(t, sender.teacherForceCalls, 1)
	require.Equal(t, []int32{1, 1, 1, 1}, tensors.CopyFlatData[int32](ix.MessageLengths))
	require.Equal(t, []float32{1, 1, 1, 1}, tensors.CopyFlatData[float32](ix.Aux["length"]))
	require.Equal(t, []float32{1, 0, 1, 0}, tensors.CopyFlatData[float32](ix.Aux["acc"]))

	// A training step with the same batch runs the optimizer update.
	_, _, err = oracle.Step(batch, ModeTrain)
	require.NoError(t, err)

	// References are mandatory for the supervised game.
	_, _, err = oracle.Step(testBatch([]float32{1, 0, 1, 0}), ModeEval)
	require.ErrorContains(t, err, "Reference")
}
