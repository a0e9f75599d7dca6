package peft

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nikolaydubina/lmft.go/llama2"
	"github.com/nikolaydubina/lmft.go/nn"
)

func TestCausalLMPromptTuningForwardExtendsBatch(t *testing.T) {
	logs := captureLogs(t)
	base := newRecordingLM()
	m, err := NewCausalLM(base, Config{PeftType: PromptTuning, NumVirtualTokens: 3})
	if err != nil {
		t.Fatal(err)
	}
	in := &llama2.Batch{
		InputIDs:      [][]int{{1, 5}, {1, 6}},
		AttentionMask: [][]int{{1, 1}, {0, 1}},
		Labels:        [][]int{{1, 5}, {-100, 6}},
		PositionIDs:   [][]int{{0, 1}, {0, 1}},
		TokenTypeIDs:  [][]int{{0, 0}, {0, 0}},
	}
	if _, err := m.Forward(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	got := base.batches[0]

	if diff := cmp.Diff([][]int{{1, 1, 1, 1, 1}, {1, 1, 1, 0, 1}}, got.AttentionMask); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([][]int{{-100, -100, -100, 1, 5}, {-100, -100, -100, -100, 6}}, got.Labels); diff != "" {
		t.Error(diff)
	}
	if got.InputIDs != nil || got.PositionIDs != nil || got.TokenTypeIDs != nil {
		t.Error("expected input ids, position ids and token type ids to be dropped")
	}
	if len(got.InputsEmbeds[0]) != 5 || got.InputsEmbeds[1][4][0] != 6 {
		t.Error("prompt must be prepended to word embeddings")
	}
	if diff := cmp.Diff(m.PromptEncoder().Encode().Data[:tinyConfig.Dim], got.InputsEmbeds[1][0]); diff != "" {
		t.Error(diff)
	}
	for _, msg := range []string{"position ids", "token type ids"} {
		if !strings.Contains(logs.String(), msg) {
			t.Errorf("expected warning about %s, got %q", msg, logs.String())
		}
	}
	if in.AttentionMask[0][0] != 1 || len(in.AttentionMask[0]) != 2 || in.InputIDs == nil {
		t.Error("caller batch modified")
	}
}

func TestCausalLMPrefixForwardInjectsPast(t *testing.T) {
	base := newRecordingLM()
	m, err := NewCausalLM(base, Config{PeftType: PrefixTuning, NumVirtualTokens: 3})
	if err != nil {
		t.Fatal(err)
	}
	in := &llama2.Batch{InputIDs: [][]int{{1, 5}}, AttentionMask: [][]int{{1, 1}}, Labels: [][]int{{1, 5}}}
	if _, err := m.Forward(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	got := base.batches[0]
	if got.PastKeyValues.SeqLen() != 3 || len(got.PastKeyValues) != tinyConfig.NumLayers {
		t.Error("expected prefix past key values")
	}
	if diff := cmp.Diff(in.InputIDs, got.InputIDs); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff(in.Labels, got.Labels); diff != "" {
		t.Errorf("labels must not be extended for prefix tuning: %s", diff)
	}
	if diff := cmp.Diff([][]int{{1, 1, 1, 1, 1}}, got.AttentionMask); diff != "" {
		t.Error(diff)
	}
}

func TestCausalLMLoraPassesThrough(t *testing.T) {
	base := newTinyModel()
	m, err := NewCausalLM(base, Config{PeftType: LoRA})
	if err != nil {
		t.Fatal(err)
	}
	b := &llama2.Batch{InputIDs: [][]int{{1, 5}}, PositionIDs: [][]int{{3, 4}}}
	got, err := m.Forward(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	exp, err := newTinyModel().Forward(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(exp.Logits, got.Logits); diff != "" {
		t.Error(diff)
	}
}

func TestCausalLMGenerateRestoresPrepareInputs(t *testing.T) {
	errGenerate := errors.New("generate")
	tests := map[string]struct {
		config Config
		in     *llama2.GenerateInput
		setup  func(m *recordingLM)
		err    error
		panics bool
	}{
		"missing input ids": {
			config: Config{PeftType: PrefixTuning, NumVirtualTokens: 2},
			in:     &llama2.GenerateInput{MaxNewTokens: 1},
			err:    ErrMissingInputIDs,
		},
		"base error": {
			config: Config{PeftType: PromptTuning, NumVirtualTokens: 2},
			in:     &llama2.GenerateInput{InputIDs: [][]int{{1}}, MaxNewTokens: 1},
			setup:  func(m *recordingLM) { m.generateErr = errGenerate },
			err:    errGenerate,
		},
		"base panic": {
			config: Config{PeftType: PromptTuning, NumVirtualTokens: 2},
			in:     &llama2.GenerateInput{InputIDs: [][]int{{1}}, MaxNewTokens: 1},
			setup:  func(m *recordingLM) { m.generatePanic = true },
			panics: true,
		},
		"success": {
			config: Config{PeftType: PrefixTuning, NumVirtualTokens: 2},
			in:     &llama2.GenerateInput{InputIDs: [][]int{{1}}, MaxNewTokens: 1},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			base := newRecordingLM()
			if tc.setup != nil {
				tc.setup(base)
			}
			m, err := NewCausalLM(base, tc.config)
			if err != nil {
				t.Fatal(err)
			}
			func() {
				defer func() {
					if r := recover(); (r != nil) != tc.panics {
						t.Errorf("panic %v", r)
					}
				}()
				if _, err := m.Generate(context.Background(), tc.in); !errors.Is(err, tc.err) {
					t.Errorf("got %v, expected %v", err, tc.err)
				}
			}()
			if !base.prepareIsOriginal() {
				t.Error("prepare inputs for generation not restored")
			}
		})
	}
}

func TestCausalLMGenerateExtendsInputs(t *testing.T) {
	logs := captureLogs(t)
	base := newRecordingLM()
	m, err := NewCausalLM(base, Config{PeftType: PrefixTuning, NumVirtualTokens: 2})
	if err != nil {
		t.Fatal(err)
	}
	in := &llama2.GenerateInput{
		InputIDs:      [][]int{{1, 4}},
		AttentionMask: [][]int{{0, 1}},
		PositionIDs:   [][]int{{0, 1}},
		MaxNewTokens:  1,
	}
	if _, err := m.Generate(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	got := base.inputs[0]
	if diff := cmp.Diff([][]int{{1, 1, 0, 1}}, got.AttentionMask); diff != "" {
		t.Error(diff)
	}
	if got.PositionIDs != nil {
		t.Error("position ids must be dropped")
	}
	if !strings.Contains(logs.String(), "position ids") {
		t.Error("expected warning")
	}
	// first step got prefix states from the adapter aware preparation
	if base.batches[0].PastKeyValues.SeqLen() != 2 {
		t.Error("expected prefix past key values on the first step")
	}
}

func TestCausalLMGenerateWithVirtualTokens(t *testing.T) {
	for _, pt := range []PeftType{PrefixTuning, PromptTuning, PTuning} {
		t.Run(string(pt), func(t *testing.T) {
			m, err := NewCausalLM(newTinyModel(), Config{PeftType: pt, NumVirtualTokens: 3})
			if err != nil {
				t.Fatal(err)
			}
			ctx := context.Background()
			prompt := [][]int{{1, 5, 7}}
			out, err := m.Generate(ctx, &llama2.GenerateInput{InputIDs: prompt, AttentionMask: [][]int{{1, 1, 1}}, MaxNewTokens: 4, EOSTokenID: -1})
			if err != nil {
				t.Fatal(err)
			}
			if len(out[0]) != 7 {
				t.Fatalf("got %d tokens", len(out[0]))
			}
			if diff := cmp.Diff(prompt[0], out[0][:3]); diff != "" {
				t.Error(diff)
			}

			// greedy generation agrees with the adapted forward pass
			res, err := m.Forward(ctx, &llama2.Batch{InputIDs: [][]int{out[0][:6]}})
			if err != nil {
				t.Fatal(err)
			}
			last := res.Logits[0][len(res.Logits[0])-1]
			if next := nn.ArgMax(last); next != out[0][6] {
				t.Errorf("got %d exp %d", out[0][6], next)
			}
		})
	}
}

func TestCausalLMDisableAdapterPromptLearning(t *testing.T) {
	m, err := NewCausalLM(newTinyModel(), Config{PeftType: PromptTuning, NumVirtualTokens: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	b := &llama2.Batch{InputIDs: [][]int{{1, 5, 7}}}
	base, err := newTinyModel().Forward(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	adapted, err := m.Forward(ctx, b)
	if err != nil {
		t.Fatal(err)
	}

	var generated [][]int
	err = m.DisableAdapter(func() error {
		out, err := m.Forward(ctx, b)
		if err != nil {
			return err
		}
		if diff := cmp.Diff(base.Logits, out.Logits); diff != "" {
			t.Error(diff)
		}
		generated, err = m.Generate(ctx, &llama2.GenerateInput{InputIDs: [][]int{{1, 5}}, MaxNewTokens: 2, EOSTokenID: -1})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	exp, err := newTinyModel().Generate(ctx, &llama2.GenerateInput{InputIDs: [][]int{{1, 5}}, MaxNewTokens: 2, EOSTokenID: -1})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(exp, generated); diff != "" {
		t.Error(diff)
	}

	after, err := m.Forward(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(adapted.Logits, after.Logits); diff != "" {
		t.Error(diff)
	}
}
