// trainer runs a Sender/Receiver communication game on a synthetic
// discrimination task: the Sender sees a target feature vector, emits a
// discrete message, and the Receiver must pick the target out of a line-up of
// candidates.
//
// Game mechanics (policy gradients, baselines, entropy bonus, length cost and
// the optional teacher-forced structural loss) are configured through -config,
// e.g.:
//
//	trainer -steps=5000 -config=length_cost=0.01,sender_entropy_coeff=0.05,structural_weight=0
//
// Use -help_params to list every accepted hyperparameter. See -help for flags.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/langgame/emcomm/internal/agents"
	"github.com/langgame/emcomm/internal/game"
	"github.com/langgame/emcomm/internal/interaction"
	"github.com/langgame/emcomm/internal/parameters"
)

// Flags
var (
	flagGameType = flag.String("game", "multitask", "Game variant to train: \"multitask\" "+
		"(policy gradients plus the optional structural loss) or \"supervised\" (teacher-forced control).")
	flagConfig = flag.String("config", "", "Game hyperparameters, as \"key=value,key=value\". "+
		"See -help_params for the accepted keys.")
	flagHelpParams = flag.Bool("help_params", false, "List the accepted game hyperparameters and exit.")

	flagSteps     = flag.Int("steps", 1000, "Number of training steps.")
	flagEvalEvery = flag.Int("eval_every", 100, "Run an evaluation batch every this many training steps. 0 disables.")
	flagBatchSize = flag.Int("batch_size", 32, "Number of examples per step.")

	flagVocab      = flag.Int("vocab", 10, "Message vocabulary size, including the terminating symbol 0.")
	flagMaxLen     = flag.Int("max_len", 5, "Maximum message length.")
	flagEmbedDim   = flag.Int("embed_dim", 16, "Symbol embedding dimension, for both agents.")
	flagHiddenDim  = flag.Int("hidden_dim", 32, "Sender recurrent state dimension.")
	flagFeatureDim = flag.Int("feature_dim", 8, "Dimension of the candidate feature vectors.")
	flagCandidates = flag.Int("candidates", 5, "Number of candidates the Receiver picks from.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to save/load the model. Empty trains from "+
		"scratch and doesn't save.")
	flagSaveEvery = flag.Int("save_every", 500, "Save a checkpoint every this many training steps.")
	flagSeed      = flag.Uint64("seed", 42, "Seed of the synthetic task generator.")
)

// backend is a singleton, shared by everything in the binary.
var backend = sync.OnceValue(func() backends.Backend { return backends.New() })

// sampleBatch draws one synthetic discrimination batch: random candidate
// features, a random target among them, and a toy reference message that spells
// out the target's index, for the teacher-forced path.
func sampleBatch(rng *rand.Rand) *game.Batch {
	batchSize, numCandidates, featureDim := *flagBatchSize, *flagCandidates, *flagFeatureDim
	referenceLen := *flagMaxLen

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
		// Reference message: the target index (offset past the eos symbol 0),
		// then eos. Only meaningful to the structural loss.
		reference[ii] = make([]int32, referenceLen)
		reference[ii][0] = (labels[ii] % int32(*flagVocab-1)) + 1
		referenceLengths[ii] = 2
	}
	return &game.Batch{
		TargetInput:      tensors.FromValue(targets),
		Labels:           tensors.FromValue(labels),
		ReceiverInput:    tensors.FromValue(candidates),
		Reference:        tensors.FromValue(reference),
		ReferenceLengths: tensors.FromValue(referenceLengths),
	}
}

func report(prefix string, step int, loss float32, acc *interaction.Accumulator) {
	fmt.Printf("%s step %d: loss=%.4f acc=%.3f mean_length=%.2f\n",
		prefix, step, loss, acc.Mean("acc"), acc.Mean("length"))
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagHelpParams {
		game.HyperparametersHelp()
		return
	}

	gameType := must.M1(game.ParseGameType(*flagGameType))
	sender := must.M1(agents.NewRecurrentSender(*flagVocab, *flagEmbedDim, *flagHiddenDim, *flagMaxLen))
	receiver := must.M1(agents.NewDiscriminationReceiver(*flagVocab, *flagEmbedDim))

	params := parameters.NewFromConfigString(*flagConfig)
	if *flagCheckpoint != "" {
		params[game.ParamCheckpoint] = *flagCheckpoint
	}
	var lossFunctional game.FunctionalLoss = agents.DiscriminationLoss
	lossStructural := agents.NewSequenceCrossEntropy(0)
	g := must.M1(game.New(backend(), gameType, sender, receiver, lossFunctional, lossStructural, params))
	defer g.Finalize()

	rng := rand.New(rand.NewPCG(*flagSeed, 0))
	evalRng := rand.New(rand.NewPCG(*flagSeed, 1))
	trainAcc := interaction.NewAccumulator()
	start := time.Now()
	for step := 1; step <= *flagSteps; step++ {
		loss, ix, err := g.Step(sampleBatch(rng), game.ModeTrain)
		must.M(err)
		trainAcc.Add(ix)

		if *flagEvalEvery > 0 && step%*flagEvalEvery == 0 {
			report("train", step, loss, trainAcc)
			trainAcc = interaction.NewAccumulator()

			evalAcc := interaction.NewAccumulator()
			evalLoss, evalIx, err := g.Step(sampleBatch(evalRng), game.ModeEval)
			must.M(err)
			evalAcc.Add(evalIx)
			report("eval ", step, evalLoss, evalAcc)
		}
		if *flagCheckpoint != "" && *flagSaveEvery > 0 && step%*flagSaveEvery == 0 {
			must.M(g.Save())
		}
	}
	if *flagCheckpoint != "" {
		must.M(g.Save())
	}
	klog.Infof("trained %d steps in %s", *flagSteps, time.Since(start))
}
