package peft

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/nikolaydubina/lmft.go/llama2"
	"github.com/nikolaydubina/lmft.go/nn"
)

// Parameter is a named trainable weight. Data is shared with the module that owns it.
type Parameter struct {
	Name string
	Data []float32
}

type linear struct {
	Weight []float32 // (out, in)
	Bias   []float32 // (out,)
	In     int
	Out    int
}

// newLinear initializes weights and bias uniformly in ±1/sqrt(in).
func newLinear(in, out int, rng *rand.Rand) *linear {
	l := linear{Weight: make([]float32, in*out), Bias: make([]float32, out), In: in, Out: out}
	bound := float32(1 / math.Sqrt(float64(in)))
	for _, p := range [][]float32{l.Weight, l.Bias} {
		for i := range p {
			p[i] = (rng.Float32()*2 - 1) * bound
		}
	}
	return &l
}

func (l *linear) forward(x []float32) []float32 {
	out := make([]float32, l.Out)
	nn.Linear(out, x, l.Weight, l.Bias)
	return out
}

// PromptEncoder maps virtual token indices to prompt embeddings or to flattened prefix key/value states.
//
//	prompt tuning:           embedding (V, token_dim)
//	P-tuning:                embedding (V, token_dim) -> Linear, ReLU, Linear, ReLU, Linear
//	prefix tuning:           embedding (V, 2 * layers * token_dim)
//	prefix with projection:  embedding (V, token_dim) -> Linear, Tanh, Linear to 2 * layers * token_dim
//
// In inference mode the reparameterization is dropped and the embedding holds encoded rows directly.
type PromptEncoder struct {
	Embedding *nn.Tensor

	config Config
	layers []*linear
	act    func([]float32)
	prefix string
}

func NewPromptEncoder(c Config, rng *rand.Rand) *PromptEncoder {
	e := PromptEncoder{config: c}
	width := c.TokenDim
	switch {
	case c.InferenceMode:
		width = e.OutDim()
	case c.PeftType == PTuning:
		h := c.EncoderHiddenSize
		e.layers = []*linear{newLinear(c.TokenDim, h, rng), newLinear(h, h, rng), newLinear(h, c.TokenDim, rng)}
		e.act, e.prefix = nn.ReLU[float32], "mlp_head"
	case c.PeftType == PrefixTuning && c.PrefixProjection:
		h := c.EncoderHiddenSize
		e.layers = []*linear{newLinear(c.TokenDim, h, rng), newLinear(h, e.OutDim(), rng)}
		e.act, e.prefix = nn.Tanh[float32], "transform"
	case c.PeftType == PrefixTuning:
		width = e.OutDim()
	}
	e.Embedding = nn.NewTensor(c.NumVirtualTokens, width)
	for i := range e.Embedding.Data {
		e.Embedding.Data[i] = float32(rng.NormFloat64())
	}
	return &e
}

// OutDim is width of an encoded virtual token.
func (e *PromptEncoder) OutDim() int {
	if e.config.PeftType == PrefixTuning {
		return 2 * e.config.NumLayers * e.config.TokenDim
	}
	return e.config.TokenDim
}

// Encode returns encoded virtual tokens, (V, out_dim).
func (e *PromptEncoder) Encode() *nn.Tensor {
	v := e.config.NumVirtualTokens
	if len(e.layers) == 0 {
		return nn.TensorFrom(append([]float32(nil), e.Embedding.Data...), v, e.OutDim())
	}
	width := e.Embedding.Shape[1]
	out := nn.NewTensor(v, e.OutDim())
	for t := 0; t < v; t++ {
		x := e.Embedding.Data[t*width : (t+1)*width]
		for i, l := range e.layers {
			x = l.forward(x)
			if i < len(e.layers)-1 {
				e.act(x)
			}
		}
		copy(out.Data[t*e.OutDim():], x)
	}
	return out
}

// GetPrompt returns prompt embeddings repeated over the batch, (B, V, token_dim).
func (e *PromptEncoder) GetPrompt(batchSize int) *nn.Tensor { return e.Encode().Repeat(batchSize) }

// GetPastKeyValues returns encoded prefix as attention history of every layer.
// Each layer holds key and value (and their copies for a second submodule), shaped (B, heads, V, head_dim).
func (e *PromptEncoder) GetPastKeyValues(batchSize int) llama2.PastKeyValues {
	c := e.config
	s := c.NumTransformerSubmodules
	t := e.GetPrompt(batchSize).View(batchSize, c.NumVirtualTokens, c.NumLayers*2, c.NumAttentionHeads, c.TokenDim/c.NumAttentionHeads)
	if s == 2 {
		t = nn.Cat(2, t, t)
	}
	chunks := t.Permute(2, 0, 3, 1, 4).Split(s*2, 0)
	past := make(llama2.PastKeyValues, len(chunks))
	for l, chunk := range chunks {
		past[l] = make([]*nn.Tensor, chunk.Shape[0])
		for i := range past[l] {
			past[l][i] = chunk.Index(i)
		}
	}
	return past
}

// initFromText copies word embeddings of init text into the embedding, cycling ids to fill every virtual token.
func (e *PromptEncoder) initFromText(ids []int, model EmbeddingModel) error {
	if len(ids) == 0 {
		return fmt.Errorf("peft: prompt tuning init text encodes to no tokens")
	}
	v, width := e.config.NumVirtualTokens, e.Embedding.Shape[1]
	row := make([]int, v)
	for i := range row {
		row[i] = ids[i%len(ids)]
	}
	embeds := model.WordEmbeddings([][]int{row})[0]
	for t, x := range embeds {
		if len(x) != width {
			return fmt.Errorf("peft: word embedding of size %d does not fit prompt embedding of size %d", len(x), width)
		}
		copy(e.Embedding.Data[t*width:(t+1)*width], x)
	}
	return nil
}

// Parameters lists embedding and reparameterization weights.
func (e *PromptEncoder) Parameters() []Parameter {
	params := []Parameter{{Name: "prompt_encoder.embedding.weight", Data: e.Embedding.Data}}
	for i, l := range e.layers {
		params = append(params,
			Parameter{Name: fmt.Sprintf("prompt_encoder.%s.%d.weight", e.prefix, 2*i), Data: l.Weight},
			Parameter{Name: fmt.Sprintf("prompt_encoder.%s.%d.bias", e.prefix, 2*i), Data: l.Bias},
		)
	}
	return params
}
