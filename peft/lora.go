package peft

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/nikolaydubina/lmft.go/llama2"
	"github.com/nikolaydubina/lmft.go/nn"
)

// LinearInjectable is a model whose projections can be observed and whose weights can be merged into.
type LinearInjectable interface {
	SetLinearHook(h llama2.LinearHook)
	LinearWeight(layer int, p llama2.Projection) (w []float32, out, in int, err error)
}

// LoraLayer is low rank update W + scaling * B A of one projection.
type LoraLayer struct {
	Layer   int
	Target  llama2.Projection
	In      int
	Out     int
	R       int
	A       []float32 // (r, in)
	B       []float32 // (out, r)
	Scaling float32

	weight []float32
	merged bool
}

// delta adds scaling * B A x to out.
func (l *LoraLayer) delta(out, x []float32) {
	h := make([]float32, l.R)
	nn.MatMul(h, x, l.A)
	for i := range h {
		h[i] *= l.Scaling
	}
	d := make([]float32, l.Out)
	nn.MatMul(d, h, l.B)
	nn.Acc(out, d)
}

// mergeInto adds sign * scaling * B A to the base weight.
func (l *LoraLayer) mergeInto(sign float32) {
	for o := 0; o < l.Out; o++ {
		row := l.weight[o*l.In : (o+1)*l.In]
		for k := 0; k < l.R; k++ {
			b := sign * l.Scaling * l.B[o*l.R+k]
			if b == 0 {
				continue
			}
			nn.AccScaled(row, l.A[k*l.In:(k+1)*l.In], b)
		}
	}
}

type loraKey struct {
	layer int
	p     llama2.Projection
}

// LoraModel injects low rank updates into target projections of every layer.
// It is installed as the linear hook of the wrapped model.
type LoraModel struct {
	model    LinearInjectable
	layers   []*LoraLayer
	byKey    map[loraKey]*LoraLayer
	disabled atomic.Bool
}

// NewLoraModel injects adapters into model. A is uniform in ±1/sqrt(in), B is zero, so
// the adapted model starts equal to the base one.
func NewLoraModel(c Config, model LinearInjectable, numLayers int, rng *rand.Rand) (*LoraModel, error) {
	m := LoraModel{model: model, byKey: make(map[loraKey]*LoraLayer)}
	scaling := float32(c.LoraAlpha) / float32(c.R)
	for layer := 0; layer < numLayers; layer++ {
		for _, p := range c.TargetModules {
			w, out, in, err := model.LinearWeight(layer, p)
			if err != nil {
				return nil, fmt.Errorf("peft: target module %q: %w", p, err)
			}
			l := LoraLayer{
				Layer:   layer,
				Target:  p,
				In:      in,
				Out:     out,
				R:       c.R,
				A:       make([]float32, c.R*in),
				B:       make([]float32, out*c.R),
				Scaling: scaling,
				weight:  w,
			}
			bound := float32(1 / math.Sqrt(float64(in)))
			for i := range l.A {
				l.A[i] = (rng.Float32()*2 - 1) * bound
			}
			m.layers = append(m.layers, &l)
			m.byKey[loraKey{layer, p}] = &l
		}
	}
	model.SetLinearHook(&m)
	return &m, nil
}

// AfterLinear adds the low rank update unless adapters are disabled or merged.
func (m *LoraModel) AfterLinear(layer int, p llama2.Projection, out, in []float32) {
	if m.disabled.Load() {
		return
	}
	if l, ok := m.byKey[loraKey{layer, p}]; ok && !l.merged {
		l.delta(out, in)
	}
}

func (m *LoraModel) Layers() []*LoraLayer { return m.layers }

// DisableAdapterLayers makes the model compute as the base model. Merged layers are unmerged first.
func (m *LoraModel) DisableAdapterLayers() {
	if m.Merged() {
		zlog.Warn().Msg("unmerging lora layers before disabling adapter")
		m.Unmerge()
	}
	m.disabled.Store(true)
}

func (m *LoraModel) EnableAdapterLayers() { m.disabled.Store(false) }

func (m *LoraModel) Merged() bool {
	for _, l := range m.layers {
		if l.merged {
			return true
		}
	}
	return false
}

// Merge adds every update into base weights.
func (m *LoraModel) Merge() {
	for _, l := range m.layers {
		if !l.merged {
			l.mergeInto(1)
			l.merged = true
		}
	}
}

// Unmerge subtracts merged updates from base weights.
func (m *LoraModel) Unmerge() {
	for _, l := range m.layers {
		if l.merged {
			l.mergeInto(-1)
			l.merged = false
		}
	}
}

// MergeAndUnload merges updates and removes the hook, leaving a plain base model.
func (m *LoraModel) MergeAndUnload() {
	m.Merge()
	m.model.SetLinearHook(nil)
}

func (m *LoraModel) Parameters() []Parameter {
	params := make([]Parameter, 0, 2*len(m.layers))
	for _, l := range m.layers {
		name := fmt.Sprintf("base_model.model.layers.%d.%s", l.Layer, l.Target)
		params = append(params,
			Parameter{Name: name + ".lora_A.weight", Data: l.A},
			Parameter{Name: name + ".lora_B.weight", Data: l.B},
		)
	}
	return params
}
