// Package game implements the training mechanics of a Sender/Receiver
// communication game: the Sender encodes an input into a discrete symbol
// sequence (the "message"), the Receiver consumes that message plus optional
// side input to produce a task output, and a combined objective -- a
// task-relevant ("functional") loss, REINFORCE policy-gradient terms for the
// sampled discrete channel, entropy regularization, a per-symbol length cost
// and an optional teacher-forced reconstruction ("structural") loss -- drives
// joint training of both agents.
//
// Two game variants are provided:
//
//   - GameMultiTask: the Engine, which samples the message stochastically and
//     trains the agents with baseline-centered policy gradients plus the
//     optional structural loss.
//   - GameSupervised: the Oracle, a fully supervised control condition that
//     decodes under teacher forcing and optimizes the supplied loss with
//     ordinary backpropagation -- no sampling, no baselines, no regularizers.
//
// Agents and losses are graph-building strategies over a single GoMLX context
// owned by the game (scopes "sender" and "receiver"), so one optimizer updates
// all variables jointly.
package game

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"

	"github.com/langgame/emcomm/internal/interaction"
	"github.com/langgame/emcomm/internal/parameters"
)

// GameType selects which game variant New constructs.
type GameType int

const (
	// GameMultiTask is the policy-gradient game with the optional structural loss.
	GameMultiTask GameType = iota
	// GameSupervised is the fully supervised oracle control.
	GameSupervised
)

// String implements fmt.Stringer.
func (t GameType) String() string {
	switch t {
	case GameMultiTask:
		return "multitask"
	case GameSupervised:
		return "supervised"
	}
	return "invalid"
}

// ParseGameType converts a user-facing name to a GameType.
func ParseGameType(name string) (GameType, error) {
	switch name {
	case "multitask":
		return GameMultiTask, nil
	case "supervised":
		return GameSupervised, nil
	}
	return 0, errors.Errorf("unknown game type %q, valid values are %q and %q",
		name, GameMultiTask, GameSupervised)
}

// Mode selects the training or evaluation path of a Step. It is passed
// explicitly on each call rather than kept as hidden instance state: the
// training path updates variables and baselines, the evaluation path is a pure
// forward pass.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	}
	return "invalid"
}

// Game is one callable communication game: Step takes raw batch data and
// returns the optimized loss and the Interaction record of the step.
type Game interface {
	// Step runs one forward (and, in ModeTrain, backward) pass on batch.
	Step(batch *Batch, mode Mode) (loss float32, ix *interaction.Interaction, err error)

	// Save writes a checkpoint of the game's variables, if one is configured.
	Save() error

	// Finalize frees backend resources. The game is invalid afterwards.
	Finalize()
}

// New constructs the game variant selected by gameType. Unknown variants and
// invalid configurations fail here, synchronously, never during training.
//
// lossStructural may be nil when the configuration disables the structural
// path (structural_weight=0) or for the supervised game, which never uses it.
func New(backend backends.Backend, gameType GameType,
	sender Sender, receiver Receiver,
	lossFunctional FunctionalLoss, lossStructural StructuralLoss,
	params parameters.Params) (Game, error) {
	switch gameType {
	case GameMultiTask:
		return NewEngine(backend, sender, receiver, lossFunctional, lossStructural, params)
	case GameSupervised:
		return NewOracle(backend, sender, receiver, lossFunctional, params)
	}
	return nil, errors.Errorf("unknown game type %d", gameType)
}
