package lmft

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/nikolaydubina/lmft.go/llama2"
	"github.com/nikolaydubina/lmft.go/peft"
)

// Args holds tuning and generation parameters.
type Args struct {
	UseLora           bool          `json:"use_lora" yaml:"use_lora" toml:"use_lora"`
	PeftType          peft.PeftType `json:"peft_type" yaml:"peft_type" toml:"peft_type"`
	LoraR             int           `json:"lora_r" yaml:"lora_r" toml:"lora_r"`
	LoraAlpha         int           `json:"lora_alpha" yaml:"lora_alpha" toml:"lora_alpha"`
	LoraDropout       float32       `json:"lora_dropout" yaml:"lora_dropout" toml:"lora_dropout"`
	TargetModules     []string      `json:"target_modules" yaml:"target_modules" toml:"target_modules"`
	NumVirtualTokens  int           `json:"num_virtual_tokens" yaml:"num_virtual_tokens" toml:"num_virtual_tokens"`
	PrefixProjection  bool          `json:"prefix_projection" yaml:"prefix_projection" toml:"prefix_projection"`
	EncoderHiddenSize int           `json:"encoder_hidden_size" yaml:"encoder_hidden_size" toml:"encoder_hidden_size"`

	MaxSeqLength            int     `json:"max_seq_length" yaml:"max_seq_length" toml:"max_seq_length"`
	MaxLength               int     `json:"max_length" yaml:"max_length" toml:"max_length"`
	PerDeviceTrainBatchSize int     `json:"per_device_train_batch_size" yaml:"per_device_train_batch_size" toml:"per_device_train_batch_size"`
	EvalBatchSize           int     `json:"eval_batch_size" yaml:"eval_batch_size" toml:"eval_batch_size"`
	NumTrainEpochs          int     `json:"num_train_epochs" yaml:"num_train_epochs" toml:"num_train_epochs"`
	LearningRate            float32 `json:"learning_rate" yaml:"learning_rate" toml:"learning_rate"`
	ZOEps                   float32 `json:"zo_eps" yaml:"zo_eps" toml:"zo_eps"`
	Seed                    int64   `json:"seed" yaml:"seed" toml:"seed"`
	LoggingSteps            int     `json:"logging_steps" yaml:"logging_steps" toml:"logging_steps"`
	Temperature             float32 `json:"temperature" yaml:"temperature" toml:"temperature"`

	OutputDir          string `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	OverwriteOutputDir bool   `json:"overwrite_output_dir" yaml:"overwrite_output_dir" toml:"overwrite_output_dir"`
}

func DefaultArgs() Args {
	return Args{
		UseLora:                 true,
		PeftType:                peft.LoRA,
		LoraR:                   8,
		LoraAlpha:               32,
		LoraDropout:             0.05,
		TargetModules:           []string{string(llama2.ProjQ), string(llama2.ProjV)},
		NumVirtualTokens:        20,
		MaxSeqLength:            256,
		MaxLength:               256,
		PerDeviceTrainBatchSize: 2,
		EvalBatchSize:           4,
		NumTrainEpochs:          1,
		LearningRate:            1e-3,
		ZOEps:                   1e-3,
		Seed:                    42,
		LoggingSteps:            50,
		OutputDir:               "outputs/",
	}
}

// LoadArgs reads arguments over defaults from a file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func LoadArgs(path string) (Args, error) {
	args := DefaultArgs()
	if path == "" {
		return args, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return args, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &args)
	case ".json":
		err = json.Unmarshal(b, &args)
	case ".toml":
		err = toml.Unmarshal(b, &args)
	default:
		return args, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return args, fmt.Errorf("%s: %w", path, err)
	}
	return args, nil
}

func (a Args) Validate() error {
	switch {
	case a.MaxSeqLength <= 0 || a.MaxLength <= 0:
		return fmt.Errorf("max_seq_length and max_length must be positive")
	case a.PerDeviceTrainBatchSize <= 0 || a.EvalBatchSize <= 0:
		return fmt.Errorf("batch sizes must be positive")
	case a.NumTrainEpochs < 0:
		return fmt.Errorf("num_train_epochs must not be negative")
	case a.ZOEps <= 0:
		return fmt.Errorf("zo_eps must be positive")
	case a.Temperature < 0:
		return fmt.Errorf("temperature must not be negative")
	}
	return nil
}

// peftConfig is adapter configuration described by args.
func (a Args) peftConfig(modelName string) peft.Config {
	c := peft.Config{PeftType: a.PeftType, TaskType: peft.CausalLMTask, BaseModelNameOrPath: modelName}
	if c.PeftType == "" {
		c.PeftType = peft.LoRA
	}
	if c.PeftType == peft.LoRA {
		c.R, c.LoraAlpha, c.LoraDropout = a.LoraR, a.LoraAlpha, a.LoraDropout
		for _, m := range a.TargetModules {
			c.TargetModules = append(c.TargetModules, llama2.Projection(m))
		}
		return c
	}
	c.NumVirtualTokens = a.NumVirtualTokens
	c.PrefixProjection = a.PrefixProjection
	c.EncoderHiddenSize = a.EncoderHiddenSize
	return c
}
