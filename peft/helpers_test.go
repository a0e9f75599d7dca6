package peft

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	"github.com/nikolaydubina/lmft.go/llama2"
)

var tinyConfig = llama2.Config{
	Dim:        8,
	HiddenDim:  16,
	NumLayers:  2,
	NumHeads:   2,
	NumKVHeads: 1,
	VocabSize:  32,
	SeqLen:     32,
}

var approx = cmpopts.EquateApprox(0, 1e-4)

func newTinyModel() *llama2.Model {
	m := llama2.NewModel(tinyConfig, llama2.NewRandomWeights(tinyConfig, rand.New(rand.NewSource(42))))
	m.Name = "tiny"
	return m
}

func newTinyClassifier(numLabels int) *llama2.SequenceClassifier {
	return llama2.NewSequenceClassifier(newTinyModel(), numLabels, rand.New(rand.NewSource(7)))
}

// captureLogs installs a buffer logger for the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	t.Cleanup(func() { SetLogger(zerolog.Nop()) })
	return &buf
}

func randomize(params []Parameter, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, p := range params {
		for i := range p.Data {
			p.Data[i] = (rng.Float32()*2 - 1) * 0.5
		}
	}
}

// recordingLM records batches and generation inputs it receives.
type recordingLM struct {
	batches       []*llama2.Batch
	inputs        []*llama2.GenerateInput
	prepare       llama2.PrepareInputsFunc
	originalCalls int
	generateErr   error
	generatePanic bool
}

func newRecordingLM() *recordingLM {
	m := &recordingLM{}
	m.prepare = m.originalPrepare
	return m
}

func (m *recordingLM) originalPrepare(s *llama2.GenerationState) (*llama2.Batch, error) {
	m.originalCalls++
	return &llama2.Batch{InputIDs: s.InputIDs, AttentionMask: s.AttentionMask, PastKeyValues: s.PastKeyValues}, nil
}

func (m *recordingLM) ModelConfig() llama2.Config { return tinyConfig }

func (m *recordingLM) NameOrPath() string { return "recording" }

func (m *recordingLM) NumParameters() int { return 1000 }

func (m *recordingLM) AcceptsPastKeyValues() bool { return true }

func (m *recordingLM) WordEmbeddings(ids [][]int) [][][]float32 {
	out := make([][][]float32, len(ids))
	for r, row := range ids {
		for _, id := range row {
			e := make([]float32, tinyConfig.Dim)
			e[0] = float32(id)
			out[r] = append(out[r], e)
		}
	}
	return out
}

func (m *recordingLM) Forward(ctx context.Context, b *llama2.Batch) (*llama2.Output, error) {
	m.batches = append(m.batches, b)
	return &llama2.Output{}, nil
}

func (m *recordingLM) Generate(ctx context.Context, in *llama2.GenerateInput) ([][]int, error) {
	m.inputs = append(m.inputs, in)
	b, err := m.prepare(&llama2.GenerationState{InputIDs: in.InputIDs, AttentionMask: in.AttentionMask})
	if err != nil {
		return nil, err
	}
	m.batches = append(m.batches, b)
	if m.generatePanic {
		panic("generate")
	}
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	return in.InputIDs, nil
}

func (m *recordingLM) PrepareInputsForGeneration() llama2.PrepareInputsFunc { return m.prepare }

func (m *recordingLM) SetPrepareInputsForGeneration(f llama2.PrepareInputsFunc) { m.prepare = f }

// prepareIsOriginal calls the installed preparation and reports whether it was the model's own.
func (m *recordingLM) prepareIsOriginal() bool {
	calls := m.originalCalls
	b, err := m.prepare(&llama2.GenerationState{InputIDs: [][]int{{1}}})
	return err == nil && m.originalCalls == calls+1 && b.PastKeyValues == nil && b.InputIDs != nil
}

// recordingClassifier records batches; its backbone never accepts past key values.
type recordingClassifier struct {
	batches     []*llama2.Batch
	problemType llama2.ProblemType
	head        *llama2.ScoreHead
}

func newRecordingClassifier() *recordingClassifier {
	return &recordingClassifier{head: &llama2.ScoreHead{Weight: make([]float32, 2*tinyConfig.Dim), NumLabels: 2}}
}

type noPastBackbone struct{}

func (noPastBackbone) ForwardBackbone(ctx context.Context, b *llama2.Batch) (*llama2.BackboneOutput, error) {
	return &llama2.BackboneOutput{}, nil
}

func (noPastBackbone) AcceptsPastKeyValues() bool { return false }

func (m *recordingClassifier) ModelConfig() llama2.Config { return tinyConfig }

func (m *recordingClassifier) NameOrPath() string { return "recording" }

func (m *recordingClassifier) NumParameters() int { return 1000 }

func (m *recordingClassifier) AcceptsPastKeyValues() bool { return false }

func (m *recordingClassifier) WordEmbeddings(ids [][]int) [][][]float32 {
	return (&recordingLM{}).WordEmbeddings(ids)
}

func (m *recordingClassifier) Forward(ctx context.Context, b *llama2.Batch) (*llama2.SequenceClassifierOutput, error) {
	m.batches = append(m.batches, b)
	return &llama2.SequenceClassifierOutput{}, nil
}

func (m *recordingClassifier) Backbone() llama2.Backbone { return noPastBackbone{} }

func (m *recordingClassifier) Head() llama2.ClassificationHead { return m.head }

func (m *recordingClassifier) NumLabels() int { return 2 }

func (m *recordingClassifier) ProblemType() llama2.ProblemType { return m.problemType }

func (m *recordingClassifier) SetProblemType(p llama2.ProblemType) { m.problemType = p }
