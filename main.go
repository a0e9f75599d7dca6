package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nikolaydubina/lmft.go/dataset"
	"github.com/nikolaydubina/lmft.go/llama2"
	"github.com/nikolaydubina/lmft.go/lmft"
	"github.com/nikolaydubina/lmft.go/peft"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	config     string
	logLevel   string
	trainFile  string
	testFile   string
	modelType  string
	modelName  string
	peftType   string
	outputDir  string
	resultFile string
	doTrain    bool
	doPredict  bool

	maxSeqLength int
	maxLength    int
	numEpochs    int
	batchSize    int
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).Level(lvl).With().Timestamp().Logger(), nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var o options
	root := &cobra.Command{
		Use:           "lmft",
		Short:         "Fine-tune llama2 models with LoRA, prefix, prompt and P-tuning adapters",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(stderr, o.logLevel)
			if err != nil {
				return err
			}
			peft.SetLogger(log)
			args, err := o.args(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), o, args, log)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	f := root.Flags()
	f.StringVar(&o.config, "config", "", "tuning arguments file: .yaml, .json or .toml")
	f.StringVar(&o.trainFile, "train_file", "data/train.tsv", "train tsv file")
	f.StringVar(&o.testFile, "test_file", "data/test.tsv", "test tsv file")
	f.StringVar(&o.modelType, "model_type", "llama2", "model type")
	f.StringVar(&o.modelName, "model_name", "out", "model directory with model.bin and tokenizer.bin, or checkpoint file")
	f.StringVar(&o.peftType, "peft_type", string(peft.LoRA), "adapter type: LORA, PREFIX_TUNING, PROMPT_TUNING, P_TUNING")
	f.BoolVar(&o.doTrain, "do_train", false, "whether to run training")
	f.BoolVar(&o.doPredict, "do_predict", false, "whether to run predict")
	f.StringVar(&o.outputDir, "output_dir", "outputs/", "adapter output directory")
	f.StringVar(&o.resultFile, "result_file", "test_result.json", "predictions output file")
	f.IntVar(&o.maxSeqLength, "max_seq_length", 128, "max prompt tokens")
	f.IntVar(&o.maxLength, "max_length", 128, "max generated tokens")
	f.IntVar(&o.numEpochs, "num_epochs", 1, "train epochs")
	f.IntVar(&o.batchSize, "batch_size", 2, "train and predict batch size")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "log level: debug|info|warn|error")

	root.AddCommand(newGenerateCmd(stderr, &o.logLevel))
	return root
}

// args are defaults or config file, overridden by explicitly set flags.
func (o options) args(flags *pflag.FlagSet) (lmft.Args, error) {
	args := lmft.DefaultArgs()
	if o.config != "" {
		var err error
		if args, err = lmft.LoadArgs(o.config); err != nil {
			return args, err
		}
	}
	overrides := map[string]func(){
		"peft_type":      func() { args.PeftType = peft.PeftType(o.peftType) },
		"output_dir":     func() { args.OutputDir = o.outputDir },
		"max_seq_length": func() { args.MaxSeqLength = o.maxSeqLength },
		"max_length":     func() { args.MaxLength = o.maxLength },
		"num_epochs":     func() { args.NumTrainEpochs = o.numEpochs },
		"batch_size":     func() { args.PerDeviceTrainBatchSize, args.EvalBatchSize = o.batchSize, o.batchSize },
	}
	for name, set := range overrides {
		if o.config == "" || flags.Changed(name) {
			set()
		}
	}
	// every demo run retrains into the same output directory
	args.OverwriteOutputDir = true
	return args, args.Validate()
}

func run(ctx context.Context, o options, args lmft.Args, log zerolog.Logger) error {
	log.Info().Interface("args", args).Msg("arguments")

	if o.doTrain {
		records, err := dataset.LoadTSV(o.trainFile, log)
		if err != nil {
			return err
		}
		log.Info().Int("records", len(records)).Str("file", o.trainFile).Msg("train data")
		tuner, err := lmft.NewTuner(o.modelType, o.modelName, args, log)
		if err != nil {
			return err
		}
		if _, err := tuner.Train(ctx, records); err != nil {
			return err
		}
	}

	if !o.doPredict {
		return nil
	}
	records, err := dataset.LoadTSV(o.testFile, log)
	if err != nil {
		return err
	}
	records = records[:min(10, len(records))]
	prompts := make([]string, len(records))
	for i, r := range records {
		prompts[i] = dataset.BuildPrompt(r)
	}

	tuner, err := lmft.NewTuner(o.modelType, o.modelName, args, log)
	if err != nil {
		return err
	}
	after, err := tuner.Predict(ctx, prompts)
	if err != nil {
		return err
	}
	var history []lmft.Turn
	for _, query := range []string{"你好", "晚上睡不着应该怎么办"} {
		var response string
		if response, history, err = tuner.Chat(ctx, query, history); err != nil {
			return err
		}
		log.Info().Str("query", query).Str("response", response).Msg("chat")
	}

	refArgs := args
	refArgs.UseLora = false
	ref, err := lmft.NewTuner(o.modelType, o.modelName, refArgs, log)
	if err != nil {
		return err
	}
	before, err := ref.Predict(ctx, prompts)
	if err != nil {
		return err
	}

	results := make([]dataset.Result, len(records))
	for i, r := range records {
		results[i] = dataset.Result{
			Instruction:   r.Instruction,
			Input:         r.Input,
			Output:        r.Output,
			PredictBefore: before[i],
			PredictAfter:  after[i],
		}
		log.Debug().Str("prompt", prompts[i]).Str("before", before[i]).Str("after", after[i]).Msg("predict")
	}
	if err := dataset.SaveResults(o.resultFile, results); err != nil {
		return err
	}
	log.Info().Str("file", o.resultFile).Int("results", len(results)).Msg("saved results")
	return nil
}

func newGenerateCmd(stderr io.Writer, logLevel *string) *cobra.Command {
	var (
		checkpointFilePath string
		tokenizerFilePath  string
		adapterDir         string
		temperature        float32
		steps              int
		prompt             string
		seed               int64
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate text from a checkpoint, optionally with a saved adapter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(stderr, *logLevel)
			if err != nil {
				return err
			}
			peft.SetLogger(log)

			model, err := llama2.LoadModel(checkpointFilePath)
			if err != nil {
				return err
			}
			log.Info().Interface("config", model.Config).Msg("model")
			tokenizer, err := llama2.LoadTokenizer(tokenizerFilePath, model.Config.VocabSize)
			if err != nil {
				return err
			}

			var g interface {
				Generate(ctx context.Context, in *llama2.GenerateInput) ([][]int, error)
			} = model
			virtualTokens := 0
			if adapterDir != "" {
				adapted, err := peft.CausalLMFromPretrained(model, adapterDir, peft.WithTokenizer(tokenizer))
				if err != nil {
					return err
				}
				if c := adapted.PeftConfig(); c.IsPromptLearning() {
					virtualTokens = c.NumVirtualTokens
				}
				g = adapted
			}

			promptTokens, err := tokenizer.Encode(prompt)
			if err != nil {
				return err
			}
			promptTokens = append([]int{tokenizer.BOS_ID}, promptTokens...)

			// right now we cannot run for more than config.SeqLen steps
			room := model.Config.SeqLen - virtualTokens - len(promptTokens)
			if steps <= 0 || steps > room {
				steps = room
			}

			w := cmd.OutOrStdout()
			io.WriteString(w, "<s>\n") // explicit print initial BOS token for stylistic symmetry reasons
			io.WriteString(w, tokenizer.Decode(promptTokens))

			prev := promptTokens[len(promptTokens)-1]
			timeStart := time.Now()
			out, err := g.Generate(cmd.Context(), &llama2.GenerateInput{
				InputIDs:     [][]int{promptTokens},
				MaxNewTokens: steps,
				Temperature:  temperature,
				EOSTokenID:   -1,
				PadTokenID:   tokenizer.PAD_ID,
				Rand:         rand.New(rand.NewSource(seed)),
				OnStep: func(next []int) {
					io.WriteString(w, tokenizer.DecodeToken(prev, next[0]))
					prev = next[0]
				},
			})
			io.WriteString(w, "\n")
			if err != nil {
				return err
			}
			generated := len(out[0]) - len(promptTokens)

			log.Info().Float64("tok/s", float64(generated)/time.Since(timeStart).Seconds()).Int("tokens", generated).Msg("achieved")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&checkpointFilePath, "checkpoint", "out/model.bin", "checkpoint binary file with weights")
	f.StringVar(&tokenizerFilePath, "tokenizer", "tokenizer.bin", "tokenizer binary file with vocabulary (get this from repo)")
	f.StringVar(&adapterDir, "adapter", "", "directory with saved adapter, empty runs the base model")
	f.Float32Var(&temperature, "temperature", 0.9, "temperature is optional, 0 = (deterministic) argmax sampling, 1 = baseline")
	f.IntVar(&steps, "steps", 256, "max number of new tokens, 0: fill context")
	f.StringVar(&prompt, "prompt", "", "query to start with")
	f.Int64Var(&seed, "seed", time.Now().UnixNano(), "sampling seed")
	return cmd
}
