package game

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/langgame/emcomm/internal/generics"
	"github.com/langgame/emcomm/internal/parameters"
)

// Hyperparameter names of the game itself. Agents read their own
// hyperparameters from the same context, so the full set a configuration may
// carry is the union of these with the layer/optimizer parameters listed in
// newGameContext.
const (
	// ParamSenderEntropyCoeff weighs the Sender's entropy bonus.
	ParamSenderEntropyCoeff = "sender_entropy_coeff"

	// ParamReceiverEntropyCoeff weighs the Receiver's entropy bonus.
	ParamReceiverEntropyCoeff = "receiver_entropy_coeff"

	// ParamLengthCost is the penalty applied per message symbol.
	ParamLengthCost = "length_cost"

	// ParamStructuralWeight scales the teacher-forced reconstruction loss.
	// Zero disables the structural path entirely.
	ParamStructuralWeight = "structural_weight"

	// ParamEOS is the symbol that terminates a message.
	ParamEOS = "eos"

	// ParamPolicyTaskLossMean, when true, also adds the mean of the
	// differentiable task loss to the optimized objective, backpropagating it
	// directly into the Receiver instead of relying on the policy gradient
	// alone.
	ParamPolicyTaskLossMean = "policy_task_loss_mean"

	// ParamCheckpoint is the directory to save/load model weights from. Empty
	// disables checkpointing.
	ParamCheckpoint = "checkpoint"
)

// newGameContext creates a fresh context initialized with every hyperparameter
// the game and its agents read, set to their defaults.
func newGameContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamSenderEntropyCoeff:   0.0,
		ParamReceiverEntropyCoeff: 0.0,
		ParamLengthCost:           0.0,
		ParamStructuralWeight:     1.0,
		ParamEOS:                  0,
		ParamPolicyTaskLossMean:   false,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    0.001,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		activations.ParamActivation:     "tanh",
		layers.ParamDropoutRate:         0.0,
		regularizers.ParamL2:            0.0,
		regularizers.ParamL1:            0.0,

		// Defaults for the agents' FNN blocks.
		fnnLayer.ParamNumHiddenLayers: 0,
		fnnLayer.ParamNumHiddenNodes:  32,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
	})
	return ctx.Checked(false)
}

// extractParams overwrites the context hyperparameters from the given params,
// popping each one it consumes. Unknown leftovers are reported as an error, so
// configuration typos fail at construction time rather than being silently
// ignored.
func extractParams(ctx *context.Context, params parameters.Params) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int)", key)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64)", key)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32)", key)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool)", key)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("hyperparameter %q is of unknown type %T", key, defaultValue)
		}
	})
	if err != nil {
		return err
	}
	if len(params) > 0 {
		return errors.Errorf("unknown game parameters: %v", slices.Collect(generics.SortedKeys(params)))
	}
	return nil
}

// HyperparametersHelp logs every hyperparameter a game configuration accepts,
// with its default value.
func HyperparametersHelp() {
	writeHyperparametersHelp(newGameContext())
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func writeHyperparametersHelp(ctx *context.Context) {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Game hyperparameters:\n")
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	klog.Info(buf)
}
