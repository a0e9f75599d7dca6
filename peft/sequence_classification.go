package peft

import (
	"context"
	"fmt"

	"github.com/nikolaydubina/lmft.go/llama2"
)

// ClassificationModel is a sequence classifier exposing its backbone and head.
// A model whose Forward does not accept past key values still supports prefix tuning when its backbone does.
type ClassificationModel interface {
	Module
	EmbeddingModel
	Forward(ctx context.Context, b *llama2.Batch) (*llama2.SequenceClassifierOutput, error)
	Backbone() llama2.Backbone
	Head() llama2.ClassificationHead
	NumLabels() int
	ProblemType() llama2.ProblemType
	SetProblemType(p llama2.ProblemType)
}

// SequenceClassification is an adapted sequence classifier. Head weights are trained and saved with the adapter.
type SequenceClassification struct {
	*PeftModel[*llama2.SequenceClassifierOutput]
	model ClassificationModel
}

func NewSequenceClassification(model ClassificationModel, config Config, opts ...Option) (*SequenceClassification, error) {
	if config.TaskType == "" {
		config.TaskType = SeqClsTask
	}
	if len(config.ModulesToSave) == 0 {
		config.ModulesToSave = []string{"score"}
	}
	pm, err := newPeftModel[*llama2.SequenceClassifierOutput](model, config, opts)
	if err != nil {
		return nil, err
	}
	m := SequenceClassification{PeftModel: pm, model: model}
	for _, name := range pm.config.ModulesToSave {
		if name != "score" && name != "classifier" {
			return nil, fmt.Errorf("peft: unknown module to save %q", name)
		}
		pm.modulesToSave = append(pm.modulesToSave, Parameter{Name: name + ".weight", Data: model.Head().Parameters()})
	}
	pm.original = entryPoints[*llama2.SequenceClassifierOutput]{forward: model.Forward}
	pm.active = pm.original
	if pm.config.IsPromptLearning() {
		pm.active.forward = m.promptForward
	}
	return &m, nil
}

// SequenceClassificationFromPretrained composes model with the adapter saved in dir.
func SequenceClassificationFromPretrained(model ClassificationModel, dir string, opts ...Option) (*SequenceClassification, error) {
	config, err := loadPretrainedConfig(model, dir)
	if err != nil {
		return nil, err
	}
	m, err := NewSequenceClassification(model, config, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.LoadAdapterWeights(dir); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SequenceClassification) promptForward(ctx context.Context, b *llama2.Batch) (*llama2.SequenceClassifierOutput, error) {
	n, v := b.Size(), m.config.NumVirtualTokens
	batch := *b
	if batch.AttentionMask != nil {
		batch.AttentionMask = PrependOnes(batch.AttentionMask, v)
	}
	if batch.PositionIDs != nil {
		zlog.Warn().Msg("position ids are not supported for parameter efficient tuning, ignoring position ids")
		batch.PositionIDs = nil
	}

	if m.config.PeftType == PrefixTuning {
		return m.prefixForward(ctx, &batch)
	}

	if batch.TokenTypeIDs != nil {
		batch.TokenTypeIDs = PrependZeros(batch.TokenTypeIDs, v)
	}
	if batch.InputsEmbeds == nil {
		batch.InputsEmbeds = m.model.WordEmbeddings(batch.InputIDs)
	}
	batch.InputsEmbeds = prependRows(m.prompt.GetPrompt(n).Rows3(), batch.InputsEmbeds)
	batch.InputIDs = nil
	return m.model.Forward(ctx, &batch)
}

// prefixForward passes prefix states to the model, or to its backbone with the head applied here
// when the model itself does not take past key values.
func (m *SequenceClassification) prefixForward(ctx context.Context, b *llama2.Batch) (*llama2.SequenceClassifierOutput, error) {
	past := m.prompt.GetPastKeyValues(b.Size())
	if m.model.AcceptsPastKeyValues() {
		b.PastKeyValues = past
		return m.model.Forward(ctx, b)
	}

	backbone := m.model.Backbone()
	if backbone == nil || !backbone.AcceptsPastKeyValues() {
		return nil, ErrPastKeyValuesUnsupported
	}
	in := *b
	in.Labels, in.FloatLabels, in.PastKeyValues = nil, nil, past
	out, err := backbone.ForwardBackbone(ctx, &in)
	if err != nil {
		return nil, err
	}

	pooled := out.PooledOutput
	if pooled == nil {
		pooled = llama2.PoolLastToken(out.LastHiddenState, b.AttentionMask, past.SeqLen())
	}
	res := llama2.SequenceClassifierOutput{
		Logits:       m.model.Head().Classify(pooled),
		HiddenStates: out.LastHiddenState,
	}
	if b.Labels == nil && b.FloatLabels == nil {
		return &res, nil
	}
	if m.model.ProblemType() == "" {
		m.model.SetProblemType(llama2.InferProblemType(m.model.NumLabels(), b))
	}
	if res.Loss, err = llama2.ClassificationLoss(m.model.ProblemType(), m.model.NumLabels(), res.Logits, b); err != nil {
		return nil, err
	}
	res.HasLoss = true
	return &res, nil
}
