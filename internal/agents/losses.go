package agents

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/langgame/emcomm/internal/game"
)

// DiscriminationLoss is the functional loss of the discrimination game: the
// receiver output is interpreted as per-candidate logits, the labels as the
// index of the target candidate. It returns the per-example cross-entropy and
// reports "acc" as the exact-pick indicator.
func DiscriminationLoss(senderInput, message, logProbsOrScores, receiverInput, receiverOutput, labels *Node) (*Node, map[string]*Node) {
	numCandidates := receiverOutput.Shape().Dim(1)
	targets := ConvertDType(labels, dtypes.Int32)
	logProbs := LogSoftmax(receiverOutput, -1)
	targetOneHot := OneHot(targets, numCandidates, dtypes.Float32)
	loss := Neg(ReduceSum(Mul(targetOneHot, logProbs), -1))
	picked := ArgMax(receiverOutput, -1, dtypes.Int32)
	acc := ConvertDType(Equal(picked, targets), dtypes.Float32)
	return loss, map[string]*Node{"acc": acc}
}

// maskedSequenceCrossEntropy returns the per-example cross-entropy of scores
// (batch, seqLen, vocab) against the reference (batch, seqLen), averaged over
// each sequence's effective length. Positions past the first pad symbol
// (exclusive of the pad itself, which terminates the sequence and must be
// predicted too) are ignored.
func maskedSequenceCrossEntropy(reference, scores *Node, pad int) *Node {
	g := reference.Graph()
	batchSize := reference.Shape().Dim(0)
	seqLen := reference.Shape().Dim(1)
	vocab := scores.Shape().Dim(2)

	lengths := game.MessageLengthsGraph(reference, pad)
	lengthsF := ConvertDType(lengths, dtypes.Float32)
	positions := Iota(g, reference.Shape(), 1)
	inSequence := LessThan(positions,
		BroadcastToDims(ExpandAxes(lengths, -1), batchSize, seqLen))
	mask := ConvertDType(inSequence, dtypes.Float32)

	logProbs := LogSoftmax(scores, -1)
	referenceOneHot := OneHot(reference, vocab, dtypes.Float32)
	perPosition := Neg(ReduceSum(Mul(referenceOneHot, logProbs), -1))
	return Div(ReduceSum(Mul(perPosition, mask), -1), lengthsF)
}

// NewSequenceCrossEntropy returns the structural loss used by the
// teacher-forced path: length-masked cross-entropy of the decoder scores
// against the reference sequence, averaged over the batch.
func NewSequenceCrossEntropy(pad int) game.StructuralLoss {
	return func(reference, scores *Node) *Node {
		return ReduceAllMean(maskedSequenceCrossEntropy(reference, scores, pad))
	}
}

// NewCaptioningLoss returns the functional loss of the supervised game: labels
// are the reference symbol sequence, logProbsOrScores carries the
// teacher-forced decoder scores. Loss is the length-masked per-example
// cross-entropy; "acc" is the exact-match indicator of the greedy readout over
// the effective length.
func NewCaptioningLoss(pad int) game.FunctionalLoss {
	return func(senderInput, message, logProbsOrScores, receiverInput, receiverOutput, labels *Node) (*Node, map[string]*Node) {
		g := labels.Graph()
		scores := logProbsOrScores
		batchSize := labels.Shape().Dim(0)
		seqLen := labels.Shape().Dim(1)

		loss := maskedSequenceCrossEntropy(labels, scores, pad)

		lengths := game.MessageLengthsGraph(labels, pad)
		positions := Iota(g, labels.Shape(), 1)
		inSequence := LessThan(positions,
			BroadcastToDims(ExpandAxes(lengths, -1), batchSize, seqLen))
		predicted := ArgMax(scores, -1, dtypes.Int32)
		matches := ConvertDType(Equal(predicted, labels), dtypes.Float32)
		// Positions past the effective length always count as matched.
		acc := ReduceMin(Where(inSequence, matches, OnesLike(matches)), -1)
		return loss, map[string]*Node{"acc": acc}
	}
}
