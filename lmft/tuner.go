// Package lmft fine-tunes llama2 models with parameter efficient adapters.
package lmft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nikolaydubina/lmft.go/dataset"
	"github.com/nikolaydubina/lmft.go/llama2"
	"github.com/nikolaydubina/lmft.go/nn"
	"github.com/nikolaydubina/lmft.go/peft"
)

const (
	TrainerStateName = "trainer_state.json"
	MetricsName      = "metrics.prom"
)

type generator interface {
	Generate(ctx context.Context, in *llama2.GenerateInput) ([][]int, error)
}

// Tuner trains an adapter over a base model and generates with it.
type Tuner struct {
	ModelType string
	ModelName string
	Args      Args

	model     *llama2.Model
	tokenizer *llama2.Tokenizer
	adapter   *peft.CausalLM
	metrics   *Metrics
	log       zerolog.Logger
	rng       *rand.Rand
}

// NewTuner loads base model of registered type. With use_lora, an adapter saved in output dir is loaded,
// otherwise a new one is composed from args.
func NewTuner(modelType, modelName string, args Args, log zerolog.Logger) (*Tuner, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	loader, err := lookupModel(modelType)
	if err != nil {
		return nil, err
	}
	model, tokenizer, err := loader(modelName)
	if err != nil {
		return nil, fmt.Errorf("cannot load %s model %s: %w", modelType, modelName, err)
	}
	return NewTunerFromModel(modelType, modelName, model, tokenizer, args, log)
}

// NewTunerFromModel is NewTuner over an already loaded model.
func NewTunerFromModel(modelType, modelName string, model *llama2.Model, tokenizer *llama2.Tokenizer, args Args, log zerolog.Logger) (*Tuner, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	t := Tuner{
		ModelType: modelType,
		ModelName: modelName,
		Args:      args,
		model:     model,
		tokenizer: tokenizer,
		metrics:   NewMetrics(),
		log:       log.With().Str("model", modelName).Logger(),
		rng:       rand.New(rand.NewSource(args.Seed)),
	}
	if !args.UseLora {
		return &t, nil
	}

	var err error
	if _, statErr := os.Stat(filepath.Join(args.OutputDir, peft.ConfigName)); statErr == nil {
		t.adapter, err = peft.CausalLMFromPretrained(model, args.OutputDir, peft.WithTokenizer(tokenizer))
		if err != nil {
			return nil, fmt.Errorf("cannot load adapter from %s: %w", args.OutputDir, err)
		}
		t.log.Info().Str("dir", args.OutputDir).Str("peft_type", string(t.adapter.PeftConfig().PeftType)).Msg("loaded adapter")
	} else {
		opts := []peft.Option{peft.WithRand(rand.New(rand.NewSource(args.Seed))), peft.WithTokenizer(tokenizer)}
		t.adapter, err = peft.NewCausalLM(model, args.peftConfig(modelName), opts...)
		if err != nil {
			return nil, err
		}
	}
	trainable, all := t.adapter.NumTrainableParameters()
	t.log.Info().Int("trainable_params", trainable).Int("all_params", all).Float64("trainable_pct", 100*float64(trainable)/float64(all)).Msg("adapter")
	return &t, nil
}

// Adapter is nil when the tuner was created without use_lora.
func (t *Tuner) Adapter() *peft.CausalLM { return t.adapter }

func (t *Tuner) Model() *llama2.Model { return t.model }

func (t *Tuner) Tokenizer() *llama2.Tokenizer { return t.tokenizer }

func (t *Tuner) Metrics() *Metrics { return t.metrics }

func (t *Tuner) generator() generator {
	if t.adapter != nil {
		return t.adapter
	}
	return t.model
}

// virtualTokens is number of positions the adapter takes from the context window.
func (t *Tuner) virtualTokens() int {
	if t.adapter == nil || !t.adapter.PeftConfig().IsPromptLearning() {
		return 0
	}
	return t.adapter.PeftConfig().NumVirtualTokens
}

// example is a tokenized record, labels are -100 over the prompt.
type example struct {
	ids    []int
	labels []int
}

func (t *Tuner) encodeExample(r dataset.Record) (example, error) {
	prompt, err := t.tokenizer.Encode(dataset.BuildPrompt(r))
	if err != nil {
		return example{}, err
	}
	target, err := t.tokenizer.Encode(r.Output)
	if err != nil {
		return example{}, err
	}
	prompt = append([]int{t.tokenizer.BOS_ID}, prompt...)
	target = append(target, t.tokenizer.EOS_ID)
	prompt = prompt[:min(len(prompt), t.Args.MaxSeqLength)]
	target = target[:min(len(target), t.Args.MaxLength)]

	budget := t.model.Config.SeqLen - t.virtualTokens()
	target = target[:max(0, min(len(target), budget-len(prompt)))]
	prompt = prompt[:min(len(prompt), budget)]

	e := example{ids: append(append([]int(nil), prompt...), target...)}
	e.labels = prependIgnored(target, len(prompt))
	return e, nil
}

// prependIgnored returns labels with n ignored positions in front.
func prependIgnored(labels []int, n int) []int {
	return peft.PrependFill([][]int{labels}, n, nn.IgnoreIndex)[0]
}

// collate right pads examples into a batch.
func (t *Tuner) collate(examples []example) *llama2.Batch {
	var seq int
	for _, e := range examples {
		seq = max(seq, len(e.ids))
	}
	b := llama2.Batch{
		InputIDs:      make([][]int, len(examples)),
		AttentionMask: make([][]int, len(examples)),
		Labels:        make([][]int, len(examples)),
	}
	for r, e := range examples {
		b.InputIDs[r] = make([]int, seq)
		b.AttentionMask[r] = make([]int, seq)
		b.Labels[r] = make([]int, seq)
		for i := 0; i < seq; i++ {
			b.InputIDs[r][i], b.Labels[r][i] = t.tokenizer.PAD_ID, nn.IgnoreIndex
			if i < len(e.ids) {
				b.InputIDs[r][i], b.AttentionMask[r][i], b.Labels[r][i] = e.ids[i], 1, e.labels[i]
			}
		}
	}
	return &b
}

// LogEntry is loss logged during training.
type LogEntry struct {
	Epoch int     `json:"epoch"`
	Step  int     `json:"step"`
	Loss  float32 `json:"loss"`
}

// TrainerState is written next to the adapter after training.
type TrainerState struct {
	RunID          string        `json:"run_id"`
	ModelName      string        `json:"model_name"`
	PeftType       peft.PeftType `json:"peft_type"`
	NumExamples    int           `json:"num_examples"`
	NumTrainEpochs int           `json:"num_train_epochs"`
	GlobalStep     int           `json:"global_step"`
	LogHistory     []LogEntry    `json:"log_history"`
}

func (t *Tuner) checkOutputDir() error {
	entries, err := os.ReadDir(t.Args.OutputDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(entries) > 0 && !t.Args.OverwriteOutputDir {
		return outputDirNotEmptyError{dir: t.Args.OutputDir}
	}
	return nil
}

// Train tunes adapter parameters on records and saves adapter, trainer state and metrics into output dir.
func (t *Tuner) Train(ctx context.Context, records []dataset.Record) (*TrainerState, error) {
	if t.adapter == nil {
		return nil, ErrNoAdapter
	}
	if err := t.checkOutputDir(); err != nil {
		return nil, err
	}

	var examples []example
	for i, r := range records {
		e, err := t.encodeExample(r)
		if err != nil {
			t.log.Warn().Err(err).Int("record", i).Msg("skipping record")
			continue
		}
		examples = append(examples, e)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("no training examples")
	}

	state := TrainerState{
		RunID:          uuid.NewString(),
		ModelName:      t.ModelName,
		PeftType:       t.adapter.PeftConfig().PeftType,
		NumExamples:    len(examples),
		NumTrainEpochs: t.Args.NumTrainEpochs,
	}
	log := t.log.With().Str("run_id", state.RunID).Logger()
	log.Info().Int("examples", len(examples)).Int("epochs", t.Args.NumTrainEpochs).Int("batch_size", t.Args.PerDeviceTrainBatchSize).Msg("training")

	opt := mezo{params: t.adapter.TrainableParameters(), lr: t.Args.LearningRate, eps: t.Args.ZOEps}
	bs := t.Args.PerDeviceTrainBatchSize
	for epoch := 0; epoch < t.Args.NumTrainEpochs; epoch++ {
		order := t.rng.Perm(len(examples))
		for start := 0; start < len(order); start += bs {
			chunk := make([]example, 0, bs)
			for _, i := range order[start:min(start+bs, len(order))] {
				chunk = append(chunk, examples[i])
			}
			batch := t.collate(chunk)

			loss, err := opt.step(ctx, t.rng.Int63(), func(ctx context.Context) (float32, error) {
				out, err := t.adapter.Forward(ctx, batch)
				if err != nil {
					return 0, err
				}
				return out.Loss, nil
			})
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch, state.GlobalStep, err)
			}
			state.GlobalStep++
			t.metrics.trainSteps.Inc()
			t.metrics.trainLoss.Set(float64(loss))

			last := epoch == t.Args.NumTrainEpochs-1 && start+bs >= len(order)
			if (t.Args.LoggingSteps > 0 && state.GlobalStep%t.Args.LoggingSteps == 0) || last {
				state.LogHistory = append(state.LogHistory, LogEntry{Epoch: epoch, Step: state.GlobalStep, Loss: loss})
				log.Info().Int("epoch", epoch).Int("step", state.GlobalStep).Float32("loss", loss).Msg("train")
			}
		}
	}

	if err := t.adapter.SavePretrained(t.Args.OutputDir); err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(t.Args.OutputDir, TrainerStateName), b, 0o644); err != nil {
		return nil, err
	}
	if err := t.metrics.WriteToTextfile(filepath.Join(t.Args.OutputDir, MetricsName)); err != nil {
		return nil, err
	}
	log.Info().Str("dir", t.Args.OutputDir).Int("steps", state.GlobalStep).Msg("saved adapter")
	return &state, nil
}

// Predict generates a response for every prompt, eval batch size prompts at a time.
func (t *Tuner) Predict(ctx context.Context, prompts []string) ([]string, error) {
	responses := make([]string, 0, len(prompts))
	for start := 0; start < len(prompts); start += t.Args.EvalBatchSize {
		batch, err := t.predictBatch(ctx, prompts[start:min(start+t.Args.EvalBatchSize, len(prompts))])
		if err != nil {
			return nil, err
		}
		responses = append(responses, batch...)
	}
	return responses, nil
}

func (t *Tuner) predictBatch(ctx context.Context, prompts []string) ([]string, error) {
	rows := make([][]int, len(prompts))
	var seq int
	for r, p := range prompts {
		ids, err := t.tokenizer.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", r, err)
		}
		// long prompts keep their tail, where the question is
		if limit := min(t.Args.MaxSeqLength, t.model.Config.SeqLen-t.virtualTokens()) - 1; len(ids) > limit {
			ids = ids[len(ids)-limit:]
		}
		rows[r] = append([]int{t.tokenizer.BOS_ID}, ids...)
		seq = max(seq, len(rows[r]))
	}

	// left padding keeps the last prompt token of every row at the same position
	in := llama2.GenerateInput{
		InputIDs:      make([][]int, len(rows)),
		AttentionMask: make([][]int, len(rows)),
		MaxNewTokens:  t.Args.MaxLength,
		Temperature:   t.Args.Temperature,
		EOSTokenID:    t.tokenizer.EOS_ID,
		PadTokenID:    t.tokenizer.PAD_ID,
		Rand:          t.rng,
	}
	for r, ids := range rows {
		pad := seq - len(ids)
		in.InputIDs[r] = append(make([]int, pad, seq), ids...)
		in.AttentionMask[r] = make([]int, seq)
		for i := range in.InputIDs[r] {
			if i < pad {
				in.InputIDs[r][i] = t.tokenizer.PAD_ID
				continue
			}
			in.AttentionMask[r][i] = 1
		}
	}

	begin := time.Now()
	out, err := t.generator().Generate(ctx, &in)
	if err != nil {
		return nil, err
	}
	t.metrics.generationDuration.Observe(time.Since(begin).Seconds())

	responses := make([]string, len(out))
	for r, row := range out {
		generated := row[seq:]
		for i, id := range generated {
			if id == t.tokenizer.EOS_ID {
				generated = generated[:i]
				break
			}
		}
		t.metrics.generatedTokens.Add(float64(len(generated)))
		responses[r] = strings.TrimSpace(t.tokenizer.Decode(generated))
	}
	return responses, nil
}

// Turn is one exchange of a chat.
type Turn struct {
	Query    string
	Response string
}

// ChatPrompt formats history rounds followed by the query.
func ChatPrompt(query string, history []Turn) string {
	if len(history) == 0 {
		return query
	}
	var b strings.Builder
	for i, h := range history {
		fmt.Fprintf(&b, "[Round %d]\n问：%s\n答：%s\n", i, h.Query, h.Response)
	}
	fmt.Fprintf(&b, "[Round %d]\n问：%s\n答：", len(history), query)
	return b.String()
}

// Chat answers query given previous turns and returns history extended by this turn.
func (t *Tuner) Chat(ctx context.Context, query string, history []Turn) (string, []Turn, error) {
	responses, err := t.Predict(ctx, []string{ChatPrompt(query, history)})
	if err != nil {
		return "", history, err
	}
	return responses[0], append(history, Turn{Query: query, Response: responses[0]}), nil
}

// PrintTrainableParameters writes adapter parameter counts to w.
func (t *Tuner) PrintTrainableParameters(w io.Writer) {
	if t.adapter == nil {
		fmt.Fprintf(w, "trainable params: 0 || all params: %d || trainable%%: 0\n", t.model.NumParameters())
		return
	}
	t.adapter.PrintTrainableParameters(w)
}
