package peft

import "errors"

var (
	ErrMissingInputIDs          = errors.New("peft: input ids must be provided for generation with virtual tokens")
	ErrPastKeyValuesUnsupported = errors.New("peft: model does not support past key values which are required for prefix tuning")
	ErrLinearHookUnsupported    = errors.New("peft: model does not expose linear layers for lora")
	ErrUnsupportedPeftType      = errors.New("peft: unsupported peft type")
	ErrUnsupportedTaskType      = errors.New("peft: unsupported task type")
	ErrNotDirectory             = errors.New("peft: save path should be a directory, not a file")
)
