package game

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// MessageLengthsGraph computes the effective length of each message row
// (batch, maxLen) int32: the position of the first eos symbol plus one, or
// maxLen when the row carries no eos. Lengths are therefore always >= 1 and
// the terminating eos, when present, counts as part of the message.
func MessageLengthsGraph(message *Node, eos int) *Node {
	g := message.Graph()
	maxLen := message.Shape().Dim(1)
	positions := Iota(g, message.Shape(), 1)
	isEOS := Equal(message, Const(g, int32(eos)))
	// Rows with no eos reduce to the sentinel maxLen-1, which the +1 below
	// turns into the full maxLen.
	sentinel := MulScalar(OnesLike(positions), float64(maxLen-1))
	firstEOS := ReduceMin(Where(isEOS, positions, sentinel), -1)
	return AddScalar(firstEOS, 1)
}

// MessageLengths is the host-side counterpart of MessageLengthsGraph, used on
// already materialized messages.
func MessageLengths(messages [][]int32, eos int32) []int32 {
	lengths := make([]int32, len(messages))
	for row, message := range messages {
		length := int32(len(message))
		for pos, symbol := range message {
			if symbol == eos {
				length = int32(pos) + 1
				break
			}
		}
		lengths[row] = length
	}
	return lengths
}

// RewardFromAccuracyGraph maps the per-example accuracy indicator in {0,1} to
// the policy-gradient reward in {-1,+1}.
func RewardFromAccuracyGraph(acc *Node) *Node {
	return AddScalar(MulScalar(AddScalar(ConvertDType(acc, dtypes.Float32), -1), 2), 1)
}
