package peft

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nikolaydubina/lmft.go/llama2"
)

const (
	ConfigName  = "adapter_config.json"
	WeightsName = "adapter_model.bin"
)

type PeftType string

const (
	LoRA         PeftType = "LORA"
	PrefixTuning PeftType = "PREFIX_TUNING"
	PromptTuning PeftType = "PROMPT_TUNING"
	PTuning      PeftType = "P_TUNING"
)

type TaskType string

const (
	CausalLMTask TaskType = "CAUSAL_LM"
	SeqClsTask   TaskType = "SEQ_CLS"
)

type PromptTuningInit string

const (
	InitRandom PromptTuningInit = "RANDOM"
	InitText   PromptTuningInit = "TEXT"
)

// EncoderMLP is the only P-tuning reparameterization implemented.
const EncoderMLP = "MLP"

// Config describes the adapter. Field names follow adapter_config.json of the peft library.
type Config struct {
	PeftType            PeftType `json:"peft_type"`
	TaskType            TaskType `json:"task_type"`
	InferenceMode       bool     `json:"inference_mode"`
	BaseModelNameOrPath string   `json:"base_model_name_or_path,omitempty"`

	// prompt learning

	NumVirtualTokens              int              `json:"num_virtual_tokens,omitempty"`
	TokenDim                      int              `json:"token_dim,omitempty"`
	NumTransformerSubmodules      int              `json:"num_transformer_submodules,omitempty"`
	NumAttentionHeads             int              `json:"num_attention_heads,omitempty"`
	NumLayers                     int              `json:"num_layers,omitempty"`
	EncoderHiddenSize             int              `json:"encoder_hidden_size,omitempty"`
	EncoderReparameterizationType string           `json:"encoder_reparameterization_type,omitempty"`
	PrefixProjection              bool             `json:"prefix_projection,omitempty"`
	PromptTuningInit              PromptTuningInit `json:"prompt_tuning_init,omitempty"`
	PromptTuningInitText          string           `json:"prompt_tuning_init_text,omitempty"`

	// LoRA

	R             int                 `json:"r,omitempty"`
	LoraAlpha     int                 `json:"lora_alpha,omitempty"`
	LoraDropout   float32             `json:"lora_dropout,omitempty"`
	TargetModules []llama2.Projection `json:"target_modules,omitempty"`

	ModulesToSave []string `json:"modules_to_save,omitempty"`
}

// IsPromptLearning is true for adapters prepending virtual tokens.
func (c Config) IsPromptLearning() bool {
	switch c.PeftType {
	case PrefixTuning, PromptTuning, PTuning:
		return true
	}
	return false
}

// withModelDefaults fills dimensions left zero from the base model.
// Prefix tuning produces key and value states, so its token dim is the width of key/value projections.
func (c Config) withModelDefaults(m llama2.Config) Config {
	switch {
	case c.PeftType == LoRA:
		if c.R == 0 {
			c.R = 8
		}
		if c.LoraAlpha == 0 {
			c.LoraAlpha = 8
		}
		if len(c.TargetModules) == 0 {
			c.TargetModules = []llama2.Projection{llama2.ProjQ, llama2.ProjV}
		}
		return c
	case c.PeftType == PrefixTuning:
		if c.TokenDim == 0 {
			c.TokenDim = m.KVDim()
		}
		if c.NumAttentionHeads == 0 {
			c.NumAttentionHeads = m.NumKVHeads
		}
	default:
		if c.TokenDim == 0 {
			c.TokenDim = m.Dim
		}
		if c.NumAttentionHeads == 0 {
			c.NumAttentionHeads = m.NumHeads
		}
	}
	if c.NumLayers == 0 {
		c.NumLayers = m.NumLayers
	}
	if c.NumTransformerSubmodules == 0 {
		c.NumTransformerSubmodules = 1
	}
	if c.EncoderHiddenSize == 0 {
		c.EncoderHiddenSize = c.TokenDim
	}
	if c.PeftType == PTuning && c.EncoderReparameterizationType == "" {
		c.EncoderReparameterizationType = EncoderMLP
	}
	if c.PeftType == PromptTuning && c.PromptTuningInit == "" {
		c.PromptTuningInit = InitRandom
	}
	return c
}

func (c Config) Validate() error {
	switch c.TaskType {
	case CausalLMTask, SeqClsTask:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedTaskType, c.TaskType)
	}
	switch c.PeftType {
	case LoRA:
		if c.R <= 0 {
			return fmt.Errorf("peft: lora rank must be positive, got %d", c.R)
		}
		if c.LoraDropout < 0 || c.LoraDropout >= 1 {
			return fmt.Errorf("peft: lora dropout %v out of [0, 1)", c.LoraDropout)
		}
		return nil
	case PrefixTuning, PromptTuning, PTuning:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPeftType, c.PeftType)
	}
	switch {
	case c.NumVirtualTokens <= 0:
		return fmt.Errorf("peft: num virtual tokens must be positive, got %d", c.NumVirtualTokens)
	case c.TokenDim <= 0 || c.NumLayers <= 0 || c.NumAttentionHeads <= 0:
		return fmt.Errorf("peft: token dim, layers and attention heads must be positive")
	case c.NumTransformerSubmodules != 1 && c.NumTransformerSubmodules != 2:
		return fmt.Errorf("peft: num transformer submodules must be 1 or 2, got %d", c.NumTransformerSubmodules)
	case c.PeftType == PrefixTuning && c.TokenDim%c.NumAttentionHeads != 0:
		return fmt.Errorf("peft: token dim %d is not divisible by %d attention heads", c.TokenDim, c.NumAttentionHeads)
	case c.PeftType == PTuning && c.EncoderReparameterizationType != EncoderMLP:
		return fmt.Errorf("peft: encoder reparameterization %q is not supported", c.EncoderReparameterizationType)
	case c.PeftType == PromptTuning && c.PromptTuningInit == InitText && c.PromptTuningInitText == "":
		return fmt.Errorf("peft: prompt tuning init text is empty")
	}
	return nil
}

// SaveConfig writes adapter_config.json into dir.
func SaveConfig(dir string, c Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ConfigName), append(b, '\n'), 0o644)
}

// LoadConfig reads adapter_config.json from dir.
func LoadConfig(dir string) (Config, error) {
	var c Config
	b, err := os.ReadFile(filepath.Join(dir, ConfigName))
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("peft: %s: %w", ConfigName, err)
	}
	return c, nil
}
