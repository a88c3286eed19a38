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

	"github.com/langgame/emcomm/internal/generics"
	"github.com/langgame/emcomm/internal/interaction"
	"github.com/langgame/emcomm/internal/parameters"
)

// Oracle is the fully supervised control game: the Sender decodes under
// teacher forcing on the reference sequence -- so the whole pipeline is
// differentiable and there is nothing to sample -- and the functional loss is
// minimized with plain backpropagation. No baselines, no entropy bonuses, no
// length cost.
//
// The functional loss receives the teacher-forced scores in the slot that
// carries the sampled log-probabilities in the Engine.
type Oracle struct {
	ctx      *context.Context
	sender   Sender
	receiver Receiver

	lossFunctional FunctionalLoss

	trainStrategy, evalStrategy *interaction.Strategy

	eos int

	optimizer optimizers.Interface

	trainStepExec, evalStepExec *context.Exec

	checkpoint *checkpoints.Handler

	auxNames []string

	numStepInputs    int
	hasReceiverInput bool

	muLearning sync.Mutex
	muSave     sync.Mutex
}

var _ Game = (*Oracle)(nil)

// NewOracle creates the supervised control game. Batches must always carry the
// Reference and ReferenceLengths fields.
func NewOracle(backend backends.Backend, sender Sender, receiver Receiver,
	lossFunctional FunctionalLoss, params parameters.Params) (*Oracle, error) {
	if sender == nil || receiver == nil || lossFunctional == nil {
		return nil, errors.New("oracle requires a sender, a receiver and a functional loss")
	}

	o := &Oracle{
		ctx:            newGameContext(),
		sender:         sender,
		receiver:       receiver,
		lossFunctional: lossFunctional,
		trainStrategy:  interaction.NewMinimalStrategy(),
		evalStrategy:   interaction.NewStrategy(),
		numStepInputs:  -1,
	}

	checkpointDir, _ := parameters.PopParamOr(params, ParamCheckpoint, "")
	if checkpointDir != "" {
		var err error
		o.checkpoint, err = checkpoints.Build(o.ctx).Dir(checkpointDir).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in path %s", checkpointDir)
		}
	}

	if err := extractParams(o.ctx, params); err != nil {
		return nil, err
	}
	o.eos = context.GetParamOr(o.ctx, ParamEOS, 0)

	o.optimizer = optimizers.FromContext(o.ctx)

	o.trainStepExec = context.NewExec(backend, o.ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			outputs := o.stepGraph(ctx, inputs)
			o.optimizer.UpdateGraph(ctx, g, outputs[0])
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return outputs
		})
	o.trainStepExec.SetMaxCache(32)
	o.evalStepExec = context.NewExec(backend, o.ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return o.stepGraph(ctx, inputs)
		})
	o.evalStepExec.SetMaxCache(32)
	return o, nil
}

// String implements fmt.Stringer.
func (o *Oracle) String() string {
	if o == nil {
		return "<nil>[Oracle]"
	}
	if o.checkpoint == nil || o.checkpoint.Dir() == "" {
		return "supervised[Oracle]"
	}
	return fmt.Sprintf("supervised[Oracle]@%s", o.checkpoint.Dir())
}

// stepGraph builds one supervised step. Inputs, in order: target, labels, the
// optional receiver input, the reference sequence and its lengths.
//
// Outputs: loss (scalar), message, message lengths, the detached receiver
// output, then the aux metrics sorted by name.
func (o *Oracle) stepGraph(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
	next := 0
	pop := func() *graph.Node {
		node := inputs[next]
		next++
		return node
	}
	target := pop()
	labels := pop()
	var receiverInput *graph.Node
	if o.hasReceiverInput {
		receiverInput = pop()
	}
	reference := pop()
	referenceLengths := pop()
	batchSize := target.Shape().Dim(0)

	scores := o.sender.TeacherForceGraph(ctx.In(ScopeSender), target, reference, referenceLengths)
	assertBatchDim(batchSize, "sender.TeacherForceGraph", scores)
	// The "message" is the greedy readout of the teacher-forced scores; it
	// carries no gradient and is reported for inspection only.
	message := graph.ArgMax(scores, -1, dtypes.Int32)
	lengths := MessageLengthsGraph(message, o.eos)
	lengthsF := graph.ConvertDType(lengths, dtypes.Float32)

	receiverOutput, _, _ := o.receiver.ForwardGraph(
		ctx.In(ScopeReceiver), message, receiverInput, lengths)
	assertBatchDim(batchSize, "receiver.ForwardGraph", receiverOutput)

	lossFunc, aux := o.lossFunctional(target, message, scores, receiverInput, receiverOutput, labels)
	assertBatchDim(batchSize, "functional loss", lossFunc)
	loss := graph.ReduceAllMean(lossFunc)

	aux["length"] = lengthsF
	o.auxNames = o.auxNames[:0]
	outputs := []*graph.Node{
		loss, message, lengths, graph.StopGradient(receiverOutput),
	}
	for name, node := range generics.SortedKeysAndValues(aux) {
		o.auxNames = append(o.auxNames, name)
		outputs = append(outputs, graph.StopGradient(node))
	}
	return outputs
}

// oracleFixedOutputs is the count of stepGraph outputs before the aux metrics.
const oracleFixedOutputs = 4

func (o *Oracle) packStepInputs(batch *Batch) ([]any, error) {
	if err := checkBatch(batch, true); err != nil {
		return nil, err
	}
	if o.numStepInputs == -1 {
		o.hasReceiverInput = batch.ReceiverInput != nil
	} else if o.hasReceiverInput != (batch.ReceiverInput != nil) {
		return nil, errors.Errorf("receiver input presence changed mid-training: first batch had one: %v",
			o.hasReceiverInput)
	}
	inputs := make([]any, 0, 5)
	inputs = append(inputs, batch.TargetInput, batch.Labels)
	if o.hasReceiverInput {
		inputs = append(inputs, batch.ReceiverInput)
	}
	inputs = append(inputs, batch.Reference, batch.ReferenceLengths)
	if o.numStepInputs == -1 {
		o.numStepInputs = len(inputs)
	} else if len(inputs) != o.numStepInputs {
		return nil, errors.Errorf("expected %d step inputs, got %d", o.numStepInputs, len(inputs))
	}
	return inputs, nil
}

// Step implements Game.
func (o *Oracle) Step(batch *Batch, mode Mode) (float32, *interaction.Interaction, error) {
	o.muLearning.Lock()
	defer o.muLearning.Unlock()

	inputs, err := o.packStepInputs(batch)
	if err != nil {
		return 0, nil, err
	}
	exec := o.evalStepExec
	if mode == ModeTrain {
		exec = o.trainStepExec
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { outputs = exec.Call(inputs...) })
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "game step failed (mode=%s)", mode)
	}

	aux := make(map[string]*tensors.Tensor, len(o.auxNames))
	for ii, name := range o.auxNames {
		aux[name] = outputs[oracleFixedOutputs+ii]
	}
	strategy := o.evalStrategy
	if mode == ModeTrain {
		strategy = o.trainStrategy
	}
	ix := strategy.FilteredInteraction(
		batch.TargetInput, batch.Labels, batch.ReceiverInput,
		outputs[1], outputs[3], outputs[2], aux)
	return tensors.ToScalar[float32](outputs[0]), ix, nil
}

// SetStrategies overrides the Interaction retention strategies used for
// training and evaluation steps. Nil keeps the current one.
func (o *Oracle) SetStrategies(trainStrategy, evalStrategy *interaction.Strategy) {
	o.muLearning.Lock()
	defer o.muLearning.Unlock()
	if trainStrategy != nil {
		o.trainStrategy = trainStrategy
	}
	if evalStrategy != nil {
		o.evalStrategy = evalStrategy
	}
}

// Save implements Game.
func (o *Oracle) Save() error {
	if o.checkpoint == nil {
		klog.Warning("game is not associated to a checkpoint directory, not saving")
		return nil
	}
	o.muSave.Lock()
	defer o.muSave.Unlock()
	return o.checkpoint.Save()
}

// Finalize implements Game.
func (o *Oracle) Finalize() {
	o.trainStepExec.Finalize()
	o.evalStepExec.Finalize()
	o.ctx.Finalize()
}
