package lmft

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nikolaydubina/lmft.go/llama2"
)

// ModelLoader loads base model and its tokenizer by name or path.
type ModelLoader func(name string) (*llama2.Model, *llama2.Tokenizer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ModelLoader{"llama2": LoadLlama2}
)

// RegisterModel makes loader available under model type.
func RegisterModel(modelType string, loader ModelLoader) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[modelType] = loader
}

// ModelTypes lists registered model types.
func ModelTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func lookupModel(modelType string) (ModelLoader, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	loader, ok := registry[modelType]
	if !ok {
		return nil, unsupportedModelTypeError{modelType: modelType}
	}
	return loader, nil
}

// LoadLlama2 loads llama2.c checkpoint. Name is either a directory with model.bin and tokenizer.bin,
// or a checkpoint file with tokenizer.bin next to it.
func LoadLlama2(name string) (*llama2.Model, *llama2.Tokenizer, error) {
	checkpoint, tokenizer := name, filepath.Join(filepath.Dir(name), "tokenizer.bin")
	if info, err := os.Stat(name); err == nil && info.IsDir() {
		checkpoint, tokenizer = filepath.Join(name, "model.bin"), filepath.Join(name, "tokenizer.bin")
	}
	model, err := llama2.LoadModel(checkpoint)
	if err != nil {
		return nil, nil, err
	}
	model.Name = name
	t, err := llama2.LoadTokenizer(tokenizer, model.Config.VocabSize)
	if err != nil {
		return nil, nil, err
	}
	return model, t, nil
}
