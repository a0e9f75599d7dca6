package lmft

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nikolaydubina/lmft.go/llama2"
	"github.com/nikolaydubina/lmft.go/peft"
)

var tinyConfig = llama2.Config{
	Dim:        8,
	HiddenDim:  16,
	NumLayers:  2,
	NumHeads:   2,
	NumKVHeads: 1,
	VocabSize:  3 + 256,
	SeqLen:     96,
}

// newByteTokenizer has special tokens followed by one fallback token per byte.
func newByteTokenizer() *llama2.Tokenizer {
	words := []string{"<unk>", "<s>", "</s>"}
	for c := 0; c < 256; c++ {
		words = append(words, fmt.Sprintf("<0x%02X>", c))
	}
	return llama2.NewTokenizer(words, make([]float32, len(words)))
}

// writeTinyModel writes checkpoint and tokenizer into a directory loadable by LoadLlama2.
func writeTinyModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	f, err := os.Create(filepath.Join(dir, "model.bin"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := llama2.NewRandomWeights(tinyConfig, rand.New(rand.NewSource(42)))
	if err := llama2.WriteCheckpoint(f, tinyConfig, w); err != nil {
		t.Fatal(err)
	}

	ft, err := os.Create(filepath.Join(dir, "tokenizer.bin"))
	if err != nil {
		t.Fatal(err)
	}
	defer ft.Close()
	if err := llama2.WriteTokenizer(ft, newByteTokenizer()); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testArgs(t *testing.T, peftType peft.PeftType) Args {
	args := DefaultArgs()
	args.PeftType = peftType
	args.NumVirtualTokens = 4
	args.MaxSeqLength = 32
	args.MaxLength = 4
	args.NumTrainEpochs = 2
	args.LearningRate = 1e-2
	args.LoggingSteps = 1
	args.OutputDir = filepath.Join(t.TempDir(), "outputs")
	return args
}

// newStrictTokenizer has no byte fallback, so most text cannot be encoded.
func newStrictTokenizer() *llama2.Tokenizer {
	return llama2.NewTokenizer([]string{"<unk>", "<s>", "</s>", "a"}, make([]float32, 4))
}
