package game

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/langgame/emcomm/internal/baseline"
	"github.com/langgame/emcomm/internal/generics"
	"github.com/langgame/emcomm/internal/interaction"
	"github.com/langgame/emcomm/internal/parameters"
)

// Names of the baseline estimators the Engine maintains. Both are declared
// eagerly at construction, so a typo in a lookup fails loudly instead of
// spawning a fresh always-zero estimator.
const (
	baselineLoss   = "loss"
	baselineLength = "length"
)

// Engine is the policy-gradient communication game: the Sender samples a
// discrete message, the Receiver acts on it, and both are trained jointly with
// REINFORCE on the task reward, baseline-centered, with entropy bonuses, a
// per-symbol length cost and an optional teacher-forced structural loss.
//
// The whole step -- sampling, forward passes, losses and (in ModeTrain) the
// optimizer update -- runs as a single accelerator graph. Baseline estimates
// are fed into the graph as scalar inputs and updated host-side from the
// per-example losses the graph returns.
type Engine struct {
	ctx      *context.Context
	sender   Sender
	receiver Receiver

	lossFunctional FunctionalLoss
	lossStructural StructuralLoss

	baselines *baseline.Tracker

	// Interaction retention, per mode.
	trainStrategy, evalStrategy *interaction.Strategy

	// Hyperparameters cached values: they are also set in ctx.
	senderEntropyCoeff   float64
	receiverEntropyCoeff float64
	lengthCost           float64
	structuralWeight     float64
	eos                  int
	taskLossMean         bool

	optimizer optimizers.Interface

	trainStepExec, evalStepExec *context.Exec

	// checkpoint handler, if the game is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// auxNames are the sorted aux metric names, fixed at first graph build.
	auxNames []string

	// numStepInputs and hasReceiverInput are fixed by the first Step call;
	// later batches must match.
	numStepInputs    int
	hasReceiverInput bool

	// muLearning limits Step to at most one at a time.
	muLearning sync.Mutex

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// Assert Engine is a Game.
var _ Game = (*Engine)(nil)

// NewEngine creates the policy-gradient game over the given agents and losses.
//
// lossStructural may be nil only when params disable the structural path
// (structural_weight=0). All configuration errors surface here, before any
// training step runs.
func NewEngine(backend backends.Backend, sender Sender, receiver Receiver,
	lossFunctional FunctionalLoss, lossStructural StructuralLoss,
	params parameters.Params) (*Engine, error) {
	if sender == nil || receiver == nil || lossFunctional == nil {
		return nil, errors.New("engine requires a sender, a receiver and a functional loss")
	}

	e := &Engine{
		ctx:            newGameContext(),
		sender:         sender,
		receiver:       receiver,
		lossFunctional: lossFunctional,
		lossStructural: lossStructural,
		baselines:      baseline.NewTracker(baseline.NewMean, baselineLoss, baselineLength),
		trainStrategy:  interaction.NewMinimalStrategy(),
		evalStrategy:   interaction.NewStrategy(),
		numStepInputs:  -1,
	}

	// Create checkpoint, and load it if it exists.
	checkpointDir, _ := parameters.PopParamOr(params, ParamCheckpoint, "")
	if checkpointDir != "" {
		var err error
		e.checkpoint, err = checkpoints.Build(e.ctx).Dir(checkpointDir).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in path %s", checkpointDir)
		}
	}

	// Overwrite hyperparameters from given params.
	if err := extractParams(e.ctx, params); err != nil {
		return nil, err
	}
	e.senderEntropyCoeff = context.GetParamOr(e.ctx, ParamSenderEntropyCoeff, 0.0)
	e.receiverEntropyCoeff = context.GetParamOr(e.ctx, ParamReceiverEntropyCoeff, 0.0)
	e.lengthCost = context.GetParamOr(e.ctx, ParamLengthCost, 0.0)
	e.structuralWeight = context.GetParamOr(e.ctx, ParamStructuralWeight, 1.0)
	e.eos = context.GetParamOr(e.ctx, ParamEOS, 0)
	e.taskLossMean = context.GetParamOr(e.ctx, ParamPolicyTaskLossMean, false)
	if e.structuralWeight > 0 && lossStructural == nil {
		return nil, errors.Errorf("%s=%g requires a structural loss, pass one or set %s=0",
			ParamStructuralWeight, e.structuralWeight, ParamStructuralWeight)
	}

	// Create optimizer to be used in training.
	e.optimizer = optimizers.FromContext(e.ctx)

	e.trainStepExec = context.NewExec(backend, e.ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			outputs := e.stepGraph(ctx, inputs)
			e.optimizer.UpdateGraph(ctx, g, outputs[0])
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return outputs
		})
	e.trainStepExec.SetMaxCache(32)
	e.evalStepExec = context.NewExec(backend, e.ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return e.stepGraph(ctx, inputs)
		})
	e.evalStepExec.SetMaxCache(32)
	return e, nil
}

// String implements fmt.Stringer.
func (e *Engine) String() string {
	if e == nil {
		return "<nil>[Engine]"
	}
	if e.checkpoint == nil || e.checkpoint.Dir() == "" {
		return "multitask[Engine]"
	}
	return fmt.Sprintf("multitask[Engine]@%s", e.checkpoint.Dir())
}

// stepGraph builds one game step. Inputs, in order: target, labels, the
// optional receiver input, the optional reference pair (sequence and lengths,
// present iff the structural path is enabled) and the two baseline scalars.
//
// Outputs: optimized loss (scalar), per-example task loss (batch,),
// per-example length loss (batch,), message, message lengths, the detached
// receiver output, then the aux metrics sorted by name.
func (e *Engine) stepGraph(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
	g := inputs[0].Graph()
	next := 0
	pop := func() *graph.Node {
		node := inputs[next]
		next++
		return node
	}
	target := pop()
	labels := pop()
	var receiverInput *graph.Node
	if e.hasReceiverInput {
		receiverInput = pop()
	}
	var reference, referenceLengths *graph.Node
	if e.structuralWeight > 0 {
		reference = pop()
		referenceLengths = pop()
	}
	lossBaseline := pop()
	lengthBaseline := pop()
	batchSize := target.Shape().Dim(0)

	// Sender samples the message; positions at or past each row's effective
	// length (so everything after the terminating eos) are masked out of the
	// policy terms.
	message, logProbS, entropyS := e.sender.SampleGraph(ctx.In(ScopeSender), target)
	assertBatchDim(batchSize, "sender.SampleGraph", message, logProbS, entropyS)
	lengths := MessageLengthsGraph(message, e.eos)
	lengthsF := graph.ConvertDType(lengths, dtypes.Float32)

	maxLen := message.Shape().Dim(1)
	positions := graph.Iota(g, message.Shape(), 1)
	inMessage := graph.LessThan(positions,
		graph.BroadcastToDims(graph.ExpandAxes(lengths, -1), batchSize, maxLen))
	effLogProbS := graph.ReduceSum(graph.Where(inMessage, logProbS, graph.ZerosLike(logProbS)), -1)
	// The entropy bonus is averaged over the message, the log-probability is
	// summed: a longer message concentrates more policy mass, not less entropy.
	effEntropyS := graph.Div(
		graph.ReduceSum(graph.Where(inMessage, entropyS, graph.ZerosLike(entropyS)), -1),
		lengthsF)

	receiverOutput, logProbR, entropyR := e.receiver.ForwardGraph(
		ctx.In(ScopeReceiver), message, receiverInput, lengths)
	assertBatchDim(batchSize, "receiver.ForwardGraph", receiverOutput, logProbR, entropyR)

	lossFunc, aux := e.lossFunctional(target, message, logProbS, receiverInput, receiverOutput, labels)
	assertBatchDim(batchSize, "functional loss", lossFunc)
	acc, ok := aux["acc"]
	if !ok {
		exceptions.Panicf("functional loss must report an %q aux metric", "acc")
	}
	assertBatchDim(batchSize, "functional loss aux", acc)

	// REINFORCE terms. Advantages are centered on the running mean baselines
	// fed from the host; everything multiplying a log-probability is detached.
	reward := RewardFromAccuracyGraph(graph.StopGradient(acc))
	taskLoss := graph.Neg(reward)
	lengthLoss := graph.MulScalar(lengthsF, e.lengthCost)
	policyLoss := graph.ReduceAllMean(graph.Mul(
		graph.Sub(taskLoss, lossBaseline),
		graph.Add(effLogProbS, logProbR)))
	policyLengthLoss := graph.ReduceAllMean(graph.Mul(
		graph.Sub(lengthLoss, lengthBaseline),
		effLogProbS))

	weightedEntropy := graph.Add(
		graph.MulScalar(graph.ReduceAllMean(effEntropyS), e.senderEntropyCoeff),
		graph.MulScalar(graph.ReduceAllMean(entropyR), e.receiverEntropyCoeff))

	optimized := graph.Sub(graph.Add(policyLengthLoss, policyLoss), weightedEntropy)
	if e.structuralWeight > 0 {
		scores := e.sender.TeacherForceGraph(ctx.In(ScopeSender), target, reference, referenceLengths)
		assertBatchDim(batchSize, "sender.TeacherForceGraph", scores)
		structural := e.lossStructural(reference, scores)
		if !structural.IsScalar() {
			structural = graph.ReduceAllMean(structural)
		}
		optimized = graph.Add(optimized, graph.MulScalar(structural, e.structuralWeight))
	}
	if e.taskLossMean {
		optimized = graph.Add(optimized, graph.ReduceAllMean(lossFunc))
	}

	// Aux metrics: the functional loss' own first, then the engine's. The
	// engine's win on name collision.
	aux["sender_entropy"] = graph.StopGradient(effEntropyS)
	aux["receiver_entropy"] = graph.StopGradient(entropyR)
	aux["length"] = lengthsF
	e.auxNames = e.auxNames[:0]
	outputs := []*graph.Node{
		optimized, taskLoss, lengthLoss, message, lengths,
		graph.StopGradient(receiverOutput),
	}
	for name, node := range generics.SortedKeysAndValues(aux) {
		e.auxNames = append(e.auxNames, name)
		outputs = append(outputs, graph.StopGradient(node))
	}
	return outputs
}

// numFixedOutputs is the count of stepGraph outputs before the aux metrics.
const numFixedOutputs = 6

// packStepInputs validates the batch against the fixed input signature and
// packs it, together with the current baseline predictions, in the order
// stepGraph expects.
func (e *Engine) packStepInputs(batch *Batch) ([]any, error) {
	if err := checkBatch(batch, e.structuralWeight > 0); err != nil {
		return nil, err
	}
	if e.numStepInputs == -1 {
		e.hasReceiverInput = batch.ReceiverInput != nil
	} else if e.hasReceiverInput != (batch.ReceiverInput != nil) {
		return nil, errors.Errorf("receiver input presence changed mid-training: first batch had one: %v",
			e.hasReceiverInput)
	}
	inputs := make([]any, 0, 7)
	inputs = append(inputs, batch.TargetInput, batch.Labels)
	if e.hasReceiverInput {
		inputs = append(inputs, batch.ReceiverInput)
	}
	if e.structuralWeight > 0 {
		inputs = append(inputs, batch.Reference, batch.ReferenceLengths)
	}
	inputs = append(inputs,
		tensors.FromScalar(e.baselines.Predict(baselineLoss)),
		tensors.FromScalar(e.baselines.Predict(baselineLength)))
	if e.numStepInputs == -1 {
		e.numStepInputs = len(inputs)
	} else if len(inputs) != e.numStepInputs {
		return nil, errors.Errorf("expected %d step inputs, got %d", e.numStepInputs, len(inputs))
	}
	return inputs, nil
}

// Step implements Game: it runs one batch through the game, updating the
// variables and the baselines when mode is ModeTrain, and returns the
// optimized loss along with the Interaction record the mode's strategy
// retained.
//
// The batch tensors are only read, never donated: the caller keeps ownership.
func (e *Engine) Step(batch *Batch, mode Mode) (float32, *interaction.Interaction, error) {
	e.muLearning.Lock()
	defer e.muLearning.Unlock()

	inputs, err := e.packStepInputs(batch)
	if err != nil {
		return 0, nil, err
	}
	exec := e.evalStepExec
	if mode == ModeTrain {
		exec = e.trainStepExec
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { outputs = exec.Call(inputs...) })
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "game step failed (mode=%s)", mode)
	}

	if mode == ModeTrain {
		e.baselines.Update(baselineLoss, tensors.CopyFlatData[float32](outputs[1]))
		e.baselines.Update(baselineLength, tensors.CopyFlatData[float32](outputs[2]))
	}

	aux := make(map[string]*tensors.Tensor, len(e.auxNames))
	for ii, name := range e.auxNames {
		aux[name] = outputs[numFixedOutputs+ii]
	}
	strategy := e.evalStrategy
	if mode == ModeTrain {
		strategy = e.trainStrategy
	}
	ix := strategy.FilteredInteraction(
		batch.TargetInput, batch.Labels, batch.ReceiverInput,
		outputs[3], outputs[5], outputs[4], aux)
	return tensors.ToScalar[float32](outputs[0]), ix, nil
}

// SetStrategies overrides the Interaction retention strategies used for
// training and evaluation steps. Nil keeps the current one.
func (e *Engine) SetStrategies(trainStrategy, evalStrategy *interaction.Strategy) {
	e.muLearning.Lock()
	defer e.muLearning.Unlock()
	if trainStrategy != nil {
		e.trainStrategy = trainStrategy
	}
	if evalStrategy != nil {
		e.evalStrategy = evalStrategy
	}
}

// Baseline returns the current estimate of the named baseline ("loss" or
// "length"). It panics on undeclared names.
func (e *Engine) Baseline(name string) float32 {
	return e.baselines.Predict(name)
}

// Save implements Game and writes a checkpoint, if one was configured.
func (e *Engine) Save() error {
	if e.checkpoint == nil {
		klog.Warning("game is not associated to a checkpoint directory, not saving")
		return nil
	}
	e.muSave.Lock()
	defer e.muSave.Unlock()
	return e.checkpoint.Save()
}

// Finalize implements Game: it frees the executors and the context, leaving
// the game in an invalid state.
func (e *Engine) Finalize() {
	e.trainStepExec.Finalize()
	e.evalStepExec.Finalize()
	e.ctx.Finalize()
}
