package peft

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/nikolaydubina/lmft.go/llama2"
)

// Module is what every wrapped base model provides.
type Module interface {
	ModelConfig() llama2.Config
	NameOrPath() string
	NumParameters() int
	AcceptsPastKeyValues() bool
}

// EmbeddingModel looks up word embeddings of token ids, (batch, seq) -> (batch, seq, dim).
type EmbeddingModel interface {
	WordEmbeddings(ids [][]int) [][][]float32
}

// Tokenizer encodes prompt tuning init text.
type Tokenizer interface {
	Encode(s string) ([]int, error)
}

type options struct {
	rng       *rand.Rand
	tokenizer Tokenizer
}

type Option func(*options)

// WithRand sets source of adapter initialization.
func WithRand(rng *rand.Rand) Option { return func(o *options) { o.rng = rng } }

// WithTokenizer sets tokenizer of TEXT prompt tuning init.
func WithTokenizer(t Tokenizer) Option { return func(o *options) { o.tokenizer = t } }

type forwardFunc[O any] func(ctx context.Context, b *llama2.Batch) (O, error)

type generateFunc func(ctx context.Context, in *llama2.GenerateInput) ([][]int, error)

// entryPoints are swapped together when the adapter is disabled.
type entryPoints[O any] struct {
	forward  forwardFunc[O]
	generate generateFunc
}

// PeftModel wraps a base model with either LoRA or a prompt encoder.
// The strategy is chosen when the model is composed. Methods are not safe for concurrent use.
type PeftModel[O any] struct {
	config        *Config
	base          Module
	lora          *LoraModel
	prompt        *PromptEncoder
	modulesToSave []Parameter

	active   entryPoints[O]
	original entryPoints[O]
	disable  func() (restore func())
}

func newPeftModel[O any](base Module, config Config, opts []Option) (*PeftModel[O], error) {
	o := options{rng: rand.New(rand.NewSource(42))}
	for _, opt := range opts {
		opt(&o)
	}
	config = config.withModelDefaults(base.ModelConfig())
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := PeftModel[O]{config: &config, base: base}

	if !config.IsPromptLearning() {
		injectable, ok := base.(LinearInjectable)
		if !ok {
			return nil, ErrLinearHookUnsupported
		}
		lora, err := NewLoraModel(config, injectable, base.ModelConfig().NumLayers, o.rng)
		if err != nil {
			return nil, err
		}
		m.lora = lora
		m.disable = func() func() {
			wasDisabled := lora.disabled.Load()
			lora.DisableAdapterLayers()
			return func() {
				if !wasDisabled {
					lora.EnableAdapterLayers()
				}
			}
		}
		return &m, nil
	}

	m.prompt = NewPromptEncoder(config, o.rng)
	if config.PeftType == PromptTuning && config.PromptTuningInit == InitText && !config.InferenceMode {
		if o.tokenizer == nil {
			return nil, fmt.Errorf("peft: prompt tuning init from text needs a tokenizer")
		}
		ids, err := o.tokenizer.Encode(config.PromptTuningInitText)
		if err != nil {
			return nil, fmt.Errorf("peft: prompt tuning init text: %w", err)
		}
		em, ok := base.(EmbeddingModel)
		if !ok {
			return nil, fmt.Errorf("peft: prompt tuning init from text needs word embeddings")
		}
		if err := m.prompt.initFromText(ids, em); err != nil {
			return nil, err
		}
	}
	m.disable = func() func() {
		saved := m.active
		m.active = m.original
		return func() { m.active = saved }
	}
	return &m, nil
}

// PeftConfig returns a copy of the adapter configuration with model defaults filled in.
func (m *PeftModel[O]) PeftConfig() Config { return *m.config }

// BaseModel is the wrapped model.
func (m *PeftModel[O]) BaseModel() Module { return m.base }

// Lora is nil unless the adapter is LoRA.
func (m *PeftModel[O]) Lora() *LoraModel { return m.lora }

// PromptEncoder is nil unless the adapter prepends virtual tokens.
func (m *PeftModel[O]) PromptEncoder() *PromptEncoder { return m.prompt }

// Forward runs the batch through the adapter and the base model.
func (m *PeftModel[O]) Forward(ctx context.Context, b *llama2.Batch) (O, error) {
	return m.active.forward(ctx, b)
}

// DisableAdapter runs fn with the adapter bypassed. The adapter is restored when fn returns or panics.
func (m *PeftModel[O]) DisableAdapter(fn func() error) error {
	restore := m.disable()
	defer restore()
	return fn()
}

// TrainableParameters lists adapter weights followed by modules to save.
func (m *PeftModel[O]) TrainableParameters() []Parameter {
	var params []Parameter
	if m.lora != nil {
		params = append(params, m.lora.Parameters()...)
	} else {
		params = append(params, m.prompt.Parameters()...)
	}
	return append(params, m.modulesToSave...)
}

// NumTrainableParameters counts trainable weights and weights of the whole model.
func (m *PeftModel[O]) NumTrainableParameters() (trainable, all int) {
	all = m.base.NumParameters()
	for _, p := range m.TrainableParameters() {
		trainable += len(p.Data)
	}
	for _, p := range m.modulesToSave {
		// counted by the base model already
		all -= len(p.Data)
	}
	return trainable, all + trainable
}

func (m *PeftModel[O]) PrintTrainableParameters(w io.Writer) {
	trainable, all := m.NumTrainableParameters()
	fmt.Fprintf(w, "trainable params: %d || all params: %d || trainable%%: %v\n", trainable, all, 100*float64(trainable)/float64(all))
}

// PromptEmbeddingToSave is the encoded prompt, which an inference mode encoder reads directly.
func (m *PeftModel[O]) PromptEmbeddingToSave() []float32 {
	if m.prompt == nil {
		return nil
	}
	return m.prompt.Encode().Data
}

// savedParameters are weights written by SavePretrained.
func (m *PeftModel[O]) savedParameters() []Parameter {
	if m.lora != nil {
		return m.TrainableParameters()
	}
	return append([]Parameter{{Name: "prompt_embeddings", Data: m.PromptEmbeddingToSave()}}, m.modulesToSave...)
}

// loadableParameters are weights LoadAdapterWeights may overwrite.
func (m *PeftModel[O]) loadableParameters() []Parameter {
	params := m.TrainableParameters()
	if m.prompt != nil {
		params = append(params, Parameter{Name: "prompt_embeddings", Data: m.prompt.Embedding.Data})
	}
	return params
}

// SavePretrained writes adapter config and adapter weights into dir, creating it if needed.
// The config is written in inference mode, the model itself keeps its mode.
func (m *PeftModel[O]) SavePretrained(dir string) error {
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeParameters(filepath.Join(dir, WeightsName), m.savedParameters()); err != nil {
		return err
	}

	if m.config.BaseModelNameOrPath == "" {
		m.config.BaseModelNameOrPath = m.base.NameOrPath()
	}
	inferenceMode := m.config.InferenceMode
	m.config.InferenceMode = true
	defer func() { m.config.InferenceMode = inferenceMode }()
	return SaveConfig(dir, *m.config)
}

// LoadAdapterWeights reads weights written by SavePretrained into the adapter.
func (m *PeftModel[O]) LoadAdapterWeights(dir string) error {
	saved, err := readParameters(filepath.Join(dir, WeightsName))
	if err != nil {
		return err
	}
	byName := make(map[string][]float32)
	for _, p := range m.loadableParameters() {
		byName[p.Name] = p.Data
	}
	for _, p := range saved {
		dst, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("peft: unexpected adapter weight %q", p.Name)
		}
		if len(dst) != len(p.Data) {
			return fmt.Errorf("peft: adapter weight %q has %d values, expected %d", p.Name, len(p.Data), len(dst))
		}
		copy(dst, p.Data)
	}
	return nil
}

// loadPretrainedConfig reads config in dir and warns when it was saved for another base model.
func loadPretrainedConfig(base Module, dir string) (Config, error) {
	config, err := LoadConfig(dir)
	if err != nil {
		return config, err
	}
	if config.BaseModelNameOrPath != "" && config.BaseModelNameOrPath != base.NameOrPath() {
		zlog.Warn().Str("saved", config.BaseModelNameOrPath).Str("base", base.NameOrPath()).Msg("adapter was saved for another base model")
	}
	return config, nil
}

func writeParameters(path string, params []Parameter) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, llama2.Endian, int32(len(params))); err != nil {
		f.Close()
		return err
	}
	for _, p := range params {
		header := []int32{int32(len(p.Name)), int32(len(p.Data))}
		if err := binary.Write(w, llama2.Endian, header); err != nil {
			f.Close()
			return err
		}
		if _, err := w.WriteString(p.Name); err != nil {
			f.Close()
			return err
		}
		if err := binary.Write(w, llama2.Endian, p.Data); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readParameters(path string) ([]Parameter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var n int32
	if err := binary.Read(r, llama2.Endian, &n); err != nil {
		return nil, fmt.Errorf("peft: %s: %w", WeightsName, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("peft: %s: negative number of weights", WeightsName)
	}
	params := make([]Parameter, n)
	for i := range params {
		var header [2]int32
		if err := binary.Read(r, llama2.Endian, &header); err != nil {
			return nil, fmt.Errorf("peft: %s: weight %d: %w", WeightsName, i, err)
		}
		if header[0] < 0 || header[1] < 0 {
			return nil, fmt.Errorf("peft: %s: weight %d has negative size", WeightsName, i)
		}
		name := make([]byte, header[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("peft: %s: weight %d: %w", WeightsName, i, err)
		}
		data := make([]float32, header[1])
		if err := binary.Read(r, llama2.Endian, data); err != nil {
			return nil, fmt.Errorf("peft: %s: %s: %w", WeightsName, name, err)
		}
		params[i] = Parameter{Name: string(name), Data: data}
	}
	return params, nil
}
