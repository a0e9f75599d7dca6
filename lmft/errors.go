package lmft

import "errors"

type unsupportedModelTypeError struct{ modelType string }

func (e unsupportedModelTypeError) Error() string { return "unsupported model type: " + e.modelType }

// IsUnsupportedModelType reports whether err names a model type missing from the registry.
func IsUnsupportedModelType(err error) bool {
	var e unsupportedModelTypeError
	return errors.As(err, &e)
}

type outputDirNotEmptyError struct{ dir string }

func (e outputDirNotEmptyError) Error() string {
	return "output directory (" + e.dir + ") already exists and is not empty, set overwrite_output_dir to overwrite"
}

// IsOutputDirNotEmpty reports whether training refused to overwrite an existing output directory.
func IsOutputDirNotEmpty(err error) bool {
	var e outputDirNotEmptyError
	return errors.As(err, &e)
}

// ErrNoAdapter is returned when training a tuner created without use_lora.
var ErrNoAdapter = errors.New("lmft: training needs an adapter, set use_lora")
