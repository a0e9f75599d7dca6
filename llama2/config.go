package llama2

import "fmt"

type Config struct {
	Dim        int // transformer dimension
	HiddenDim  int // for FFN layers
	NumLayers  int
	NumHeads   int // number of query heads
	NumKVHeads int // number of key/value heads (can be < query heads because of multiquery)
	VocabSize  int // usually 256 (byte level)
	SeqLen     int // max sequence length
}

func (c Config) HeadSize() int { return c.Dim / c.NumHeads }

// KVDim is width of key and value vectors, smaller than Dim under multiquery attention.
func (c Config) KVDim() int { return (c.Dim * c.NumKVHeads) / c.NumHeads }

// KVMul is number of query heads sharing one key/value head.
func (c Config) KVMul() int { return c.NumHeads / c.NumKVHeads }

func (c Config) Validate() error {
	switch {
	case c.Dim <= 0 || c.HiddenDim <= 0 || c.NumLayers <= 0 || c.VocabSize <= 0 || c.SeqLen <= 0:
		return fmt.Errorf("llama2: non positive dimension in %+v", c)
	case c.NumHeads <= 0 || c.Dim%c.NumHeads != 0:
		return fmt.Errorf("llama2: dim %d is not divisible by %d heads", c.Dim, c.NumHeads)
	case c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("llama2: %d heads are not divisible by %d kv heads", c.NumHeads, c.NumKVHeads)
	case c.HeadSize()%2 != 0:
		return fmt.Errorf("llama2: head size %d must be even for rotary embeddings", c.HeadSize())
	}
	return nil
}
