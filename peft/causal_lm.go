package peft

import (
	"context"
	"fmt"

	"github.com/nikolaydubina/lmft.go/llama2"
	"github.com/nikolaydubina/lmft.go/nn"
)

// GenerativeModel is a causal language model with swappable generation input preparation.
type GenerativeModel interface {
	Module
	EmbeddingModel
	Forward(ctx context.Context, b *llama2.Batch) (*llama2.Output, error)
	Generate(ctx context.Context, in *llama2.GenerateInput) ([][]int, error)
	PrepareInputsForGeneration() llama2.PrepareInputsFunc
	SetPrepareInputsForGeneration(f llama2.PrepareInputsFunc)
}

// CausalLM is an adapted causal language model.
type CausalLM struct {
	*PeftModel[*llama2.Output]
	model GenerativeModel
}

func NewCausalLM(model GenerativeModel, config Config, opts ...Option) (*CausalLM, error) {
	if config.TaskType == "" {
		config.TaskType = CausalLMTask
	}
	pm, err := newPeftModel[*llama2.Output](model, config, opts)
	if err != nil {
		return nil, err
	}
	m := CausalLM{PeftModel: pm, model: model}
	pm.original = entryPoints[*llama2.Output]{forward: model.Forward, generate: model.Generate}
	pm.active = entryPoints[*llama2.Output]{forward: model.Forward, generate: m.generate}
	if pm.config.IsPromptLearning() {
		pm.active.forward = m.promptForward
	}
	return &m, nil
}

// CausalLMFromPretrained composes model with the adapter saved in dir.
func CausalLMFromPretrained(model GenerativeModel, dir string, opts ...Option) (*CausalLM, error) {
	config, err := loadPretrainedConfig(model, dir)
	if err != nil {
		return nil, err
	}
	m, err := NewCausalLM(model, config, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.LoadAdapterWeights(dir); err != nil {
		return nil, err
	}
	return m, nil
}

// MergeAndUnload folds LoRA updates into the base model and returns it without the adapter.
func (m *CausalLM) MergeAndUnload() (GenerativeModel, error) {
	if m.lora == nil {
		return nil, fmt.Errorf("%w: merge needs %s, got %s", ErrUnsupportedPeftType, LoRA, m.config.PeftType)
	}
	m.lora.MergeAndUnload()
	return m.model, nil
}

// virtualInputs drops inputs virtual tokens have no value for and prepends virtual positions to the mask.
func virtualInputs(c *Config, attentionMask, positionIDs, tokenTypeIDs [][]int) (mask, pos, types [][]int) {
	if attentionMask != nil {
		attentionMask = PrependOnes(attentionMask, c.NumVirtualTokens)
	}
	if positionIDs != nil {
		zlog.Warn().Msg("position ids are not supported for parameter efficient tuning, ignoring position ids")
	}
	if tokenTypeIDs != nil {
		zlog.Warn().Msg("token type ids are not supported for parameter efficient tuning, ignoring token type ids")
	}
	return attentionMask, nil, nil
}

func (m *CausalLM) promptForward(ctx context.Context, b *llama2.Batch) (*llama2.Output, error) {
	n, v := b.Size(), m.config.NumVirtualTokens
	batch := *b
	batch.AttentionMask, batch.PositionIDs, batch.TokenTypeIDs = virtualInputs(m.config, b.AttentionMask, b.PositionIDs, b.TokenTypeIDs)

	if m.config.PeftType == PrefixTuning {
		batch.PastKeyValues = m.prompt.GetPastKeyValues(n)
		return m.model.Forward(ctx, &batch)
	}

	if batch.InputsEmbeds == nil {
		batch.InputsEmbeds = m.model.WordEmbeddings(batch.InputIDs)
	}
	if batch.Labels != nil {
		batch.Labels = PrependFill(batch.Labels, v, nn.IgnoreIndex)
	}
	batch.InputsEmbeds = prependRows(m.prompt.GetPrompt(n).Rows3(), batch.InputsEmbeds)
	batch.InputIDs = nil
	return m.model.Forward(ctx, &batch)
}

// Generate extends input ids with the adapter active. Returned rows hold real tokens only.
func (m *CausalLM) Generate(ctx context.Context, in *llama2.GenerateInput) ([][]int, error) {
	return m.active.generate(ctx, in)
}

// generate installs adapter aware input preparation for the call and restores the original on every exit.
func (m *CausalLM) generate(ctx context.Context, in *llama2.GenerateInput) ([][]int, error) {
	original := m.model.PrepareInputsForGeneration()
	m.model.SetPrepareInputsForGeneration(m.prepareInputsForGeneration(original))
	defer m.model.SetPrepareInputsForGeneration(original)

	if !m.config.IsPromptLearning() {
		return m.model.Generate(ctx, in)
	}
	if in.InputIDs == nil {
		return nil, ErrMissingInputIDs
	}
	gen := *in
	gen.AttentionMask, gen.PositionIDs, gen.TokenTypeIDs = virtualInputs(m.config, in.AttentionMask, in.PositionIDs, in.TokenTypeIDs)
	return m.model.Generate(ctx, &gen)
}

// prepareInputsForGeneration injects virtual tokens on the first step, when nothing is cached yet.
func (m *CausalLM) prepareInputsForGeneration(original llama2.PrepareInputsFunc) llama2.PrepareInputsFunc {
	return func(s *llama2.GenerationState) (*llama2.Batch, error) {
		b, err := original(s)
		if err != nil || !m.config.IsPromptLearning() || b.PastKeyValues != nil {
			return b, err
		}
		n := len(b.InputIDs)
		if m.config.PeftType == PrefixTuning {
			b.PastKeyValues = m.prompt.GetPastKeyValues(n)
			return b, nil
		}
		b.InputsEmbeds = prependRows(m.prompt.GetPrompt(n).Rows3(), m.model.WordEmbeddings(b.InputIDs))
		b.InputIDs = nil
		return b, nil
	}
}
