package peft

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nikolaydubina/lmft.go/llama2"
)

func TestConfigWithModelDefaults(t *testing.T) {
	tests := []struct {
		name string
		c    Config
		exp  Config
	}{
		{
			name: "lora",
			c:    Config{PeftType: LoRA, TaskType: CausalLMTask},
			exp:  Config{PeftType: LoRA, TaskType: CausalLMTask, R: 8, LoraAlpha: 8, TargetModules: []llama2.Projection{llama2.ProjQ, llama2.ProjV}},
		},
		{
			name: "prefix uses key value width",
			c:    Config{PeftType: PrefixTuning, TaskType: CausalLMTask, NumVirtualTokens: 4},
			exp: Config{
				PeftType:                 PrefixTuning,
				TaskType:                 CausalLMTask,
				NumVirtualTokens:         4,
				TokenDim:                 4,
				NumAttentionHeads:        1,
				NumLayers:                2,
				NumTransformerSubmodules: 1,
				EncoderHiddenSize:        4,
			},
		},
		{
			name: "p-tuning",
			c:    Config{PeftType: PTuning, TaskType: SeqClsTask, NumVirtualTokens: 4, EncoderHiddenSize: 16},
			exp: Config{
				PeftType:                      PTuning,
				TaskType:                      SeqClsTask,
				NumVirtualTokens:              4,
				TokenDim:                      8,
				NumAttentionHeads:             2,
				NumLayers:                     2,
				NumTransformerSubmodules:      1,
				EncoderHiddenSize:             16,
				EncoderReparameterizationType: EncoderMLP,
			},
		},
		{
			name: "prompt tuning",
			c:    Config{PeftType: PromptTuning, TaskType: CausalLMTask, NumVirtualTokens: 4},
			exp: Config{
				PeftType:                 PromptTuning,
				TaskType:                 CausalLMTask,
				NumVirtualTokens:         4,
				TokenDim:                 8,
				NumAttentionHeads:        2,
				NumLayers:                2,
				NumTransformerSubmodules: 1,
				EncoderHiddenSize:        8,
				PromptTuningInit:         InitRandom,
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.c.withModelDefaults(tinyConfig)
			if diff := cmp.Diff(tc.exp, got); diff != "" {
				t.Error(diff)
			}
			if err := got.Validate(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{PeftType: PrefixTuning, TaskType: CausalLMTask, NumVirtualTokens: 4}.withModelDefaults(tinyConfig)
	tests := map[string]struct {
		modify func(c *Config)
		err    error
	}{
		"peft type":        {modify: func(c *Config) { c.PeftType = "ADALORA" }, err: ErrUnsupportedPeftType},
		"task type":        {modify: func(c *Config) { c.TaskType = "SEQ_2_SEQ_LM" }, err: ErrUnsupportedTaskType},
		"virtual tokens":   {modify: func(c *Config) { c.NumVirtualTokens = 0 }},
		"submodules":       {modify: func(c *Config) { c.NumTransformerSubmodules = 3 }},
		"heads":            {modify: func(c *Config) { c.NumAttentionHeads = 3 }},
		"lora rank":        {modify: func(c *Config) { c.PeftType = LoRA; c.R = 0 }},
		"lora dropout":     {modify: func(c *Config) { c.PeftType = LoRA; c.R = 1; c.LoraDropout = 1 }},
		"reparameterize":   {modify: func(c *Config) { c.PeftType = PTuning; c.EncoderReparameterizationType = "LSTM" }},
		"empty init text":  {modify: func(c *Config) { c.PeftType = PromptTuning; c.PromptTuningInit = InitText }},
		"zero token dim":   {modify: func(c *Config) { c.TokenDim = 0 }},
		"negative layers":  {modify: func(c *Config) { c.NumLayers = -1 }},
		"zero heads count": {modify: func(c *Config) { c.NumAttentionHeads = 0 }},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid
			tc.modify(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Errorf("got %v, expected %v", err, tc.err)
			}
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	dir := t.TempDir()
	c := Config{
		PeftType:            LoRA,
		TaskType:            CausalLMTask,
		InferenceMode:       true,
		BaseModelNameOrPath: "out/model.bin",
		R:                   4,
		LoraAlpha:           16,
		LoraDropout:         0.1,
		TargetModules:       []llama2.Projection{llama2.ProjQ, llama2.ProjK},
	}
	if err := SaveConfig(dir, c); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Error(diff)
	}

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Error("expected error for missing config")
	}
}
