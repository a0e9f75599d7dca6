package llama2

// RunState holds buffers of a single sequence while it is being forwarded.
type RunState struct {
	// current wave of activations

	X      []float32 // (dim,) activation at current time stamp
	XB     []float32 // (dim,) same, but inside a residual branch
	XB2    []float32 // (dim,) an additional buffer just for convenience
	HB     []float32 // (hidden_dim,) buffer for hidden dimension in the FFN
	HB2    []float32 // (hidden_dim,) buffer for hidden dimension in the FFN
	Q      []float32 // (dim,) query
	K      []float32 // (kv_dim,) key
	V      []float32 // (kv_dim,) value
	Att    []float32 // (n_heads, seq_len) buffer for scores/attention values
	Logits []float32 // (vocab_size) output logits

	// kv cache

	KCache []float32 // (layer, seq_len, kv_dim)
	VCache []float32 // (layer, seq_len, kv_dim)
}

func NewRunState(config Config) *RunState {
	return &RunState{
		X:      make([]float32, config.Dim),
		XB:     make([]float32, config.Dim),
		XB2:    make([]float32, config.Dim),
		HB:     make([]float32, config.HiddenDim),
		HB2:    make([]float32, config.HiddenDim),
		Q:      make([]float32, config.Dim),
		K:      make([]float32, config.KVDim()),
		V:      make([]float32, config.KVDim()),
		Att:    make([]float32, (config.NumHeads * config.SeqLen)),
		Logits: make([]float32, config.VocabSize),
		KCache: make([]float32, (config.NumLayers * config.SeqLen * config.KVDim())),
		VCache: make([]float32, (config.NumLayers * config.SeqLen * config.KVDim())),
	}
}

// loadPast copies row b of past key values into the cache positions [0, past seq len).
func (s *RunState) loadPast(config Config, past PastKeyValues, b int) {
	kvDim, headSize := config.KVDim(), config.HeadSize()
	for l, layer := range past {
		key, val := layer[0], layer[1]
		heads, seq := key.Shape[1], key.Shape[2]
		loff := l * config.SeqLen * kvDim
		for h := 0; h < heads; h++ {
			for t := 0; t < seq; t++ {
				src := ((b*heads+h)*seq + t) * headSize
				dst := loff + t*kvDim + h*headSize
				copy(s.KCache[dst:dst+headSize], key.Data[src:src+headSize])
				copy(s.VCache[dst:dst+headSize], val.Data[src:src+headSize])
			}
		}
	}
}

// storePast copies cache positions [0, seq) into row b of past.
func (s *RunState) storePast(config Config, past PastKeyValues, b int) {
	kvDim, headSize := config.KVDim(), config.HeadSize()
	for l, layer := range past {
		key, val := layer[0], layer[1]
		heads, seq := key.Shape[1], key.Shape[2]
		loff := l * config.SeqLen * kvDim
		for h := 0; h < heads; h++ {
			for t := 0; t < seq; t++ {
				dst := ((b*heads+h)*seq + t) * headSize
				src := loff + t*kvDim + h*headSize
				copy(key.Data[dst:dst+headSize], s.KCache[src:src+headSize])
				copy(val.Data[dst:dst+headSize], s.VCache[src:src+headSize])
			}
		}
	}
}
