package llama2

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nikolaydubina/lmft.go/nn"
)

type TransformerWeights struct {
	TokenEmbeddingTable []float32 // (vocab_size, dim)

	RMSAttentionWeight []float32 // (num_layers, dim)
	RMSFFNWeight       []float32 // (num_layers, dim)
	RMSFinalWeight     []float32 // (dim,)

	// weights for mat muls
	// dim == n_heads * head_size

	WQ []float32 // (num_layers, dim, n_heads * head_size)
	WK []float32 // (num_layers, dim, n_kv_heads * head_size)
	WV []float32 // (num_layers, dim, n_kv_heads * head_size)
	WO []float32 // (num_layers, n_heads * head_size, dim)

	// weights for FFN

	W1 []float32 // (num_layers, dim, hidden_dim)
	W2 []float32 // (num_layers, hidden_dim, dim)
	W3 []float32 // (num_layers, dim, hidden_dim)

	// Deprecated: frequency CIS for RoPE relative positional embeddings

	FreqCISReal []float32 // (seq_len, head_size / 2) Deprecated
	FreqCISImag []float32 // (seq_len, head_size / 2) Deprecated

	// (optional) classifier weights for the logits on the last layer

	WCLS []float32 // (vocab_size, dim)
}

// ordered lists weights in checkpoint order, without classifier.
func (w TransformerWeights) ordered() [][]float32 {
	return [][]float32{
		w.TokenEmbeddingTable,
		w.RMSAttentionWeight,
		w.WQ, w.WK, w.WV, w.WO,
		w.RMSFFNWeight,
		w.W1, w.W2, w.W3,
		w.RMSFinalWeight,
		w.FreqCISReal, w.FreqCISImag,
	}
}

// Projection names a linear layer inside a transformer block.
type Projection string

const (
	ProjQ  Projection = "wq"
	ProjK  Projection = "wk"
	ProjV  Projection = "wv"
	ProjO  Projection = "wo"
	ProjW1 Projection = "w1"
	ProjW2 Projection = "w2"
	ProjW3 Projection = "w3"
)

var Projections = []Projection{ProjQ, ProjK, ProjV, ProjO, ProjW1, ProjW2, ProjW3}

// LinearHook observes every projection after the base matmul and may add to its output.
// It is called concurrently for different sequences.
type LinearHook interface {
	AfterLinear(layer int, p Projection, out, in []float32)
}

// PrepareInputsFunc builds model inputs for the next generation step.
type PrepareInputsFunc func(s *GenerationState) (*Batch, error)

// Model is llama2 causal language model.
type Model struct {
	Config  Config
	Weights TransformerWeights
	Name    string

	hook    LinearHook
	prepare PrepareInputsFunc
}

func NewModel(config Config, w TransformerWeights) *Model {
	m := &Model{Config: config, Weights: w}
	m.prepare = m.defaultPrepareInputs
	return m
}

func (m *Model) ModelConfig() Config { return m.Config }

func (m *Model) NameOrPath() string { return m.Name }

// AcceptsPastKeyValues is true, Forward consumes Batch.PastKeyValues.
func (m *Model) AcceptsPastKeyValues() bool { return true }

// SetLinearHook installs h on every projection. Nil removes it.
func (m *Model) SetLinearHook(h LinearHook) { m.hook = h }

// LinearWeight returns weight of projection p in layer as (out, in) row major matrix.
func (m *Model) LinearWeight(layer int, p Projection) (w []float32, out, in int, err error) {
	c := m.Config
	if layer < 0 || layer >= c.NumLayers {
		return nil, 0, 0, fmt.Errorf("llama2: layer %d out of %d", layer, c.NumLayers)
	}
	dim, kvDim, hiddenDim := c.Dim, c.KVDim(), c.HiddenDim
	switch p {
	case ProjQ:
		return m.Weights.WQ[layer*dim*dim : (layer+1)*dim*dim], dim, dim, nil
	case ProjK:
		return m.Weights.WK[layer*dim*kvDim : (layer+1)*dim*kvDim], kvDim, dim, nil
	case ProjV:
		return m.Weights.WV[layer*dim*kvDim : (layer+1)*dim*kvDim], kvDim, dim, nil
	case ProjO:
		return m.Weights.WO[layer*dim*dim : (layer+1)*dim*dim], dim, dim, nil
	case ProjW1:
		return m.Weights.W1[layer*dim*hiddenDim : (layer+1)*dim*hiddenDim], hiddenDim, dim, nil
	case ProjW2:
		return m.Weights.W2[layer*dim*hiddenDim : (layer+1)*dim*hiddenDim], dim, hiddenDim, nil
	case ProjW3:
		return m.Weights.W3[layer*dim*hiddenDim : (layer+1)*dim*hiddenDim], hiddenDim, dim, nil
	}
	return nil, 0, 0, fmt.Errorf("llama2: unknown projection %q", p)
}

// NumParameters counts weights, shared classifier counted once.
func (m *Model) NumParameters() int {
	var n int
	for _, p := range m.Weights.ordered()[:11] {
		n += len(p)
	}
	if len(m.Weights.WCLS) > 0 && &m.Weights.WCLS[0] != &m.Weights.TokenEmbeddingTable[0] {
		n += len(m.Weights.WCLS)
	}
	return n
}

// WordEmbeddings looks up token embeddings, (batch, seq) -> (batch, seq, dim).
func (m *Model) WordEmbeddings(ids [][]int) [][][]float32 {
	dim := m.Config.Dim
	out := make([][][]float32, len(ids))
	for b, row := range ids {
		out[b] = make([][]float32, len(row))
		for i, token := range row {
			out[b][i] = append([]float32(nil), m.Weights.TokenEmbeddingTable[token*dim:(token+1)*dim]...)
		}
	}
	return out
}

func (m *Model) linear(layer int, p Projection, out, in, w []float32) {
	nn.MatMul(out, in, w)
	if m.hook != nil {
		m.hook.AfterLinear(layer, p, out, in)
	}
}

// Forward runs the batch and computes logits for every position.
// With labels, loss is mean cross entropy of position i predicting label i+1.
func (m *Model) Forward(ctx context.Context, b *Batch) (*Output, error) {
	hidden, past, err := m.forward(ctx, b)
	if err != nil {
		return nil, err
	}
	out := Output{HiddenStates: hidden, PastKeyValues: past, Logits: make([][][]float32, len(hidden))}
	for r, row := range hidden {
		out.Logits[r] = make([][]float32, len(row))
		for i, x := range row {
			out.Logits[r][i] = make([]float32, m.Config.VocabSize)
			nn.MatMul(out.Logits[r][i], x, m.Weights.WCLS)
		}
	}
	if b.Labels != nil {
		out.Loss, out.HasLoss = causalLMLoss(out.Logits, b.Labels)
	}
	return &out, nil
}

// ForwardBackbone runs the transformer without the language model head.
func (m *Model) ForwardBackbone(ctx context.Context, b *Batch) (*BackboneOutput, error) {
	hidden, past, err := m.forward(ctx, b)
	if err != nil {
		return nil, err
	}
	return &BackboneOutput{LastHiddenState: hidden, PastKeyValues: past}, nil
}

func causalLMLoss(logits [][][]float32, labels [][]int) (float32, bool) {
	var shiftedLogits [][]float32
	var shiftedLabels []int
	for r, row := range logits {
		for i := 0; i+1 < len(row) && i+1 < len(labels[r]); i++ {
			shiftedLogits = append(shiftedLogits, row[i])
			shiftedLabels = append(shiftedLabels, labels[r][i+1])
		}
	}
	return nn.MeanCrossEntropy(shiftedLogits, shiftedLabels)
}

func (m *Model) forward(ctx context.Context, b *Batch) (hidden [][][]float32, past PastKeyValues, err error) {
	if err := b.validate(m.Config); err != nil {
		return nil, nil, err
	}
	n, seq, pastLen := b.Size(), b.SeqLen(), b.PastKeyValues.SeqLen()
	dim := m.Config.Dim

	hidden = make([][][]float32, n)
	past = newPastKeyValues(m.Config, n, pastLen+seq)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for r := 0; r < n; r++ {
		r := r
		g.Go(func() error {
			s := NewRunState(m.Config)
			if pastLen > 0 {
				s.loadPast(m.Config, b.PastKeyValues, r)
			}
			var mask []int
			if b.AttentionMask != nil {
				mask = b.AttentionMask[r]
			}
			hidden[r] = make([][]float32, seq)
			for i := 0; i < seq; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if b.InputIDs != nil {
					token := b.InputIDs[r][i]
					copy(s.X, m.Weights.TokenEmbeddingTable[token*dim:(token+1)*dim])
				} else {
					copy(s.X, b.InputsEmbeds[r][i])
				}
				pos := pastLen + i
				ropePos := pos
				if b.PositionIDs != nil {
					ropePos = b.PositionIDs[r][i]
				}
				m.step(s, pos, ropePos, mask)
				hidden[r][i] = append([]float32(nil), s.X...)
			}
			s.storePast(m.Config, past, r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return hidden, past, nil
}

// step forwards s.X at position pos through all layers and the final norm.
// Cached position t is attended when it is pos itself or mask[t] is not zero.
func (m *Model) step(s *RunState, pos, ropePos int, mask []int) {
	var wg sync.WaitGroup

	// a few convenience variables
	config, w := m.Config, m.Weights
	x := s.X
	dim := config.Dim
	kvDim := config.KVDim()
	kvMul := config.KVMul()
	hiddenDim := config.HiddenDim
	headSize := config.HeadSize()
	negInf := float32(math.Inf(-1))

	// forward all layers
	for l := 0; l < config.NumLayers; l++ {
		// attention RMSNorm
		nn.RMSNorm(s.XB, x, w.RMSAttentionWeight[l*dim:((l+1)*dim)])

		// Q,K,V matmuls for this position
		wg.Add(3)
		go func() { m.linear(l, ProjQ, s.Q, s.XB, w.WQ[l*dim*dim:(l+1)*dim*dim]); wg.Done() }()
		go func() { m.linear(l, ProjK, s.K, s.XB, w.WK[l*dim*kvDim:(l+1)*dim*kvDim]); wg.Done() }()
		go func() { m.linear(l, ProjV, s.V, s.XB, w.WV[l*dim*kvDim:(l+1)*dim*kvDim]); wg.Done() }()
		wg.Wait()

		// RoPE relative positional encoding: complex-valued rotate q and k in each head
		for i := 0; i+1 < dim; i += 2 {
			headDim := i % headSize
			freq := 1.0 / math.Pow(10000, float64(headDim)/float64(headSize))
			val := float64(ropePos) * freq
			fcr := float32(math.Cos(val))
			fci := float32(math.Sin(val))

			// how many vectors? 2 = q & k, 1 = q only
			rotN := 1
			if i < kvDim {
				rotN = 2
			}

			for v := 0; v < rotN; v++ {
				vec := s.K
				if v == 0 {
					vec = s.Q
				}
				v0, v1 := vec[i], vec[i+1]
				vec[i] = v0*fcr - v1*fci
				vec[i+1] = v0*fci + v1*fcr
			}
		}

		// save key and val at this time step (pos) to cache
		loff := l * config.SeqLen * kvDim
		copy(s.KCache[(loff+pos*kvDim):(loff+(pos+1)*kvDim)], s.K)
		copy(s.VCache[(loff+pos*kvDim):(loff+(pos+1)*kvDim)], s.V)

		// multihead attention. iterate over all heads
		wg.Add(config.NumHeads)
		for h := 0; h < config.NumHeads; h++ {
			go func(h int) {
				defer wg.Done()

				// get the query vector for this head
				q := s.Q[(h * headSize):((h + 1) * headSize)]
				// attention scores for this head
				att := s.Att[(h * config.SeqLen):((h + 1) * config.SeqLen)]
				kvOff := (h / kvMul) * headSize
				// iterate over all timesteps, including the current one
				for t := 0; t <= pos; t++ {
					if t != pos && mask != nil && mask[t] == 0 {
						att[t] = negInf
						continue
					}
					// get the key vector for this head and at this timestamp
					k := s.KCache[(loff + t*kvDim + kvOff):(loff + t*kvDim + kvOff + headSize)]
					// calculate the attention score as the dot product of q and k
					var score float32
					for i := 0; i < headSize; i++ {
						score += q[i] * k[i]
					}
					score /= float32(math.Sqrt(float64(headSize)))
					// save the score to the attention buffer
					att[t] = score
				}

				// scores to get attention weights, from 0..pos inclusively
				nn.SoftMax(att[:pos+1])

				// weighted sum of the values, store back into xb
				xb := s.XB[(h * headSize):((h + 1) * headSize)]
				clear(xb)
				for t := 0; t <= pos; t++ {
					a := att[t]
					if a == 0 {
						continue
					}
					nn.AccScaled(xb, s.VCache[loff+t*kvDim+kvOff:loff+t*kvDim+kvOff+headSize], a)
				}
			}(h)
		}
		wg.Wait()

		// final matmul to get the output of the attention
		m.linear(l, ProjO, s.XB2, s.XB, w.WO[l*dim*dim:(l+1)*dim*dim])

		// residual connection back into x
		nn.Acc(x, s.XB2)

		// FFN RMSNorm
		nn.RMSNorm(s.XB, x, w.RMSFFNWeight[l*dim:(l+1)*dim])

		// Now for FFN in PyTorch we have: self.w2(F.silu(self.w1(x)) * self.w3(x))
		// first calculate self.w1(x) and self.w3(x)
		wg.Add(2)
		go func() { m.linear(l, ProjW1, s.HB, s.XB, w.W1[l*dim*hiddenDim:(l+1)*dim*hiddenDim]); wg.Done() }()
		go func() { m.linear(l, ProjW3, s.HB2, s.XB, w.W3[l*dim*hiddenDim:(l+1)*dim*hiddenDim]); wg.Done() }()
		wg.Wait()

		// F.silu; silu(x)=x*σ, where σ(x) is the logistic sigmoid
		nn.SiLU(s.HB)

		// elementwise multiply with w3(x)
		for i := 0; i < hiddenDim; i++ {
			s.HB[i] *= s.HB2[i]
		}

		// final matmul to get the output of the FFN
		m.linear(l, ProjW2, s.XB, s.HB, w.W2[l*dim*hiddenDim:(l+1)*dim*hiddenDim])

		// residual connection
		nn.Acc(x, s.XB)
	}

	// final RMSNorm
	nn.RMSNorm(x, x, w.RMSFinalWeight)
}
