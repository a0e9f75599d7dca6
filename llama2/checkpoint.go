package llama2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
)

var Endian = binary.LittleEndian

// ReadCheckpoint reads config and weights in llama2.c layout.
// Negative vocab size in the header means classifier weights are not shared with embeddings.
func ReadCheckpoint(r io.Reader) (Config, TransformerWeights, error) {
	config, err := NewConfigFromCheckpoint(r)
	if err != nil {
		return Config{}, TransformerWeights{}, fmt.Errorf("cannot read config: %w", err)
	}
	isSharedWeights := config.VocabSize > 0
	if config.VocabSize < 0 {
		config.VocabSize = -config.VocabSize
	}
	if err := config.Validate(); err != nil {
		return Config{}, TransformerWeights{}, err
	}
	w, err := NewTransformerWeightsFromCheckpoint(config, r, isSharedWeights)
	if err != nil {
		return Config{}, TransformerWeights{}, fmt.Errorf("cannot read weights: %w", err)
	}
	return config, w, nil
}

func NewConfigFromCheckpoint(r io.Reader) (Config, error) {
	// binary reader expects exact binary size for int
	var config32 struct {
		Dim        int32
		HiddenDim  int32
		NumLayers  int32
		NumHeads   int32
		NumKVHeads int32
		VocabSize  int32
		SeqLen     int32
	}
	if err := binary.Read(r, Endian, &config32); err != nil {
		return Config{}, err
	}
	config := Config{
		Dim:        int(config32.Dim),
		HiddenDim:  int(config32.HiddenDim),
		NumLayers:  int(config32.NumLayers),
		NumHeads:   int(config32.NumHeads),
		NumKVHeads: int(config32.NumKVHeads),
		VocabSize:  int(config32.VocabSize),
		SeqLen:     int(config32.SeqLen),
	}
	return config, nil
}

func newTransformerWeights(config Config) TransformerWeights {
	kvDim := config.KVDim()
	return TransformerWeights{
		TokenEmbeddingTable: make([]float32, (config.VocabSize * config.Dim)),
		RMSAttentionWeight:  make([]float32, (config.NumLayers * config.Dim)),
		RMSFFNWeight:        make([]float32, (config.NumLayers * config.Dim)),
		RMSFinalWeight:      make([]float32, config.Dim),
		WQ:                  make([]float32, (config.NumLayers * config.Dim * config.Dim)),
		WK:                  make([]float32, (config.NumLayers * config.Dim * kvDim)),
		WV:                  make([]float32, (config.NumLayers * config.Dim * kvDim)),
		WO:                  make([]float32, (config.NumLayers * config.Dim * config.Dim)),
		W1:                  make([]float32, (config.NumLayers * config.Dim * config.HiddenDim)),
		W2:                  make([]float32, (config.NumLayers * config.HiddenDim * config.Dim)),
		W3:                  make([]float32, (config.NumLayers * config.Dim * config.HiddenDim)),
		FreqCISReal:         make([]float32, (config.SeqLen * config.HeadSize() / 2)),
		FreqCISImag:         make([]float32, (config.SeqLen * config.HeadSize() / 2)),
	}
}

func NewTransformerWeightsFromCheckpoint(config Config, r io.Reader, isSharedWeights bool) (TransformerWeights, error) {
	w := newTransformerWeights(config)
	for _, p := range w.ordered() {
		if err := binary.Read(r, Endian, p); err != nil {
			return w, err
		}
	}
	if isSharedWeights {
		w.WCLS = w.TokenEmbeddingTable
	} else {
		w.WCLS = make([]float32, (config.VocabSize * config.Dim))
		if err := binary.Read(r, Endian, w.WCLS); err != nil {
			return w, err
		}
	}
	return w, nil
}

// WriteCheckpoint writes config and weights in the layout ReadCheckpoint expects.
func WriteCheckpoint(out io.Writer, config Config, w TransformerWeights) error {
	isSharedWeights := &w.WCLS[0] == &w.TokenEmbeddingTable[0]
	vocabSize := config.VocabSize
	if !isSharedWeights {
		vocabSize = -vocabSize
	}
	header := []int32{
		int32(config.Dim),
		int32(config.HiddenDim),
		int32(config.NumLayers),
		int32(config.NumHeads),
		int32(config.NumKVHeads),
		int32(vocabSize),
		int32(config.SeqLen),
	}
	if err := binary.Write(out, Endian, header); err != nil {
		return err
	}
	for _, p := range w.ordered() {
		if err := binary.Write(out, Endian, p); err != nil {
			return err
		}
	}
	if !isSharedWeights {
		return binary.Write(out, Endian, w.WCLS)
	}
	return nil
}

// NewRandomWeights initializes weights with small uniform noise and shared classifier.
// Norm weights are ones.
func NewRandomWeights(config Config, rng *rand.Rand) TransformerWeights {
	w := newTransformerWeights(config)
	scale := float32(1 / math.Sqrt(float64(config.Dim)))
	for _, p := range [][]float32{w.TokenEmbeddingTable, w.WQ, w.WK, w.WV, w.WO, w.W1, w.W2, w.W3} {
		for i := range p {
			p[i] = (rng.Float32()*2 - 1) * scale
		}
	}
	for _, p := range [][]float32{w.RMSAttentionWeight, w.RMSFFNWeight, w.RMSFinalWeight} {
		for i := range p {
			p[i] = 1
		}
	}
	w.WCLS = w.TokenEmbeddingTable
	return w
}

// LoadModel reads checkpoint file at path.
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config, w, err := ReadCheckpoint(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m := NewModel(config, w)
	m.Name = path
	return m, nil
}

// LoadTokenizer reads tokenizer file at path.
func LoadTokenizer(path string, vocabSize int) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := NewTokenizerFromFile(vocabSize, bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
