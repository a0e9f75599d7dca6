package llama2

import (
	"fmt"

	"github.com/nikolaydubina/lmft.go/nn"
)

// Batch is the input of a forward pass. All per-row slices are rectangular.
type Batch struct {
	InputIDs      [][]int       // (batch, seq)
	InputsEmbeds  [][][]float32 // (batch, seq, dim), exclusive with InputIDs
	AttentionMask [][]int       // (batch, past + seq), 1 attends, 0 is padding
	PositionIDs   [][]int       // (batch, seq), rotary positions, defaults to past + index
	TokenTypeIDs  [][]int       // (batch, seq), accepted for interface parity, unused by llama2
	Labels        [][]int       // (batch, seq) next token targets, or (batch,) / (batch, 1) class ids
	FloatLabels   [][]float32   // (batch, num_labels) regression or multi label targets
	PastKeyValues PastKeyValues // attention history prepended before InputIDs
}

// Size is number of rows.
func (b *Batch) Size() int {
	if b.InputIDs != nil {
		return len(b.InputIDs)
	}
	return len(b.InputsEmbeds)
}

// SeqLen is number of new positions per row.
func (b *Batch) SeqLen() int {
	switch {
	case len(b.InputIDs) > 0:
		return len(b.InputIDs[0])
	case len(b.InputsEmbeds) > 0:
		return len(b.InputsEmbeds[0])
	}
	return 0
}

func (b *Batch) validate(config Config) error {
	if b.InputIDs != nil && b.InputsEmbeds != nil {
		return fmt.Errorf("llama2: cannot specify both input ids and inputs embeds")
	}
	if b.InputIDs == nil && b.InputsEmbeds == nil {
		return fmt.Errorf("llama2: either input ids or inputs embeds must be specified")
	}
	n, seq, past := b.Size(), b.SeqLen(), b.PastKeyValues.SeqLen()
	if n == 0 || seq == 0 {
		return fmt.Errorf("llama2: empty batch")
	}
	if past+seq > config.SeqLen {
		return fmt.Errorf("llama2: sequence of %d positions exceeds max %d", past+seq, config.SeqLen)
	}
	for i := 0; i < n; i++ {
		if b.InputIDs != nil {
			if len(b.InputIDs[i]) != seq {
				return fmt.Errorf("llama2: input ids row %d has %d tokens, expected %d", i, len(b.InputIDs[i]), seq)
			}
			for _, id := range b.InputIDs[i] {
				if id < 0 || id >= config.VocabSize {
					return fmt.Errorf("llama2: token %d out of vocab of size %d", id, config.VocabSize)
				}
			}
		} else {
			if len(b.InputsEmbeds[i]) != seq {
				return fmt.Errorf("llama2: inputs embeds row %d has %d positions, expected %d", i, len(b.InputsEmbeds[i]), seq)
			}
			for _, e := range b.InputsEmbeds[i] {
				if len(e) != config.Dim {
					return fmt.Errorf("llama2: embedding of size %d, expected %d", len(e), config.Dim)
				}
			}
		}
	}
	if b.AttentionMask != nil {
		if len(b.AttentionMask) != n {
			return fmt.Errorf("llama2: attention mask has %d rows, expected %d", len(b.AttentionMask), n)
		}
		for i, m := range b.AttentionMask {
			if len(m) != past+seq {
				return fmt.Errorf("llama2: attention mask row %d has %d positions, expected %d", i, len(m), past+seq)
			}
		}
	}
	if b.PositionIDs != nil {
		for i, p := range b.PositionIDs {
			if len(p) != seq {
				return fmt.Errorf("llama2: position ids row %d has %d positions, expected %d", i, len(p), seq)
			}
		}
	}
	if b.PastKeyValues != nil {
		if len(b.PastKeyValues) != config.NumLayers {
			return fmt.Errorf("llama2: past key values for %d layers, expected %d", len(b.PastKeyValues), config.NumLayers)
		}
		for l, layer := range b.PastKeyValues {
			if len(layer) < 2 {
				return fmt.Errorf("llama2: past key values of layer %d has %d tensors, expected key and value", l, len(layer))
			}
			for _, t := range layer[:2] {
				exp := []int{n, config.NumKVHeads, past, config.HeadSize()}
				if fmt.Sprint(t.Shape) != fmt.Sprint(exp) {
					return fmt.Errorf("llama2: past key values of layer %d has shape %v, expected %v", l, t.Shape, exp)
				}
			}
		}
	}
	return nil
}

// PastKeyValues is attention history per layer.
// Each layer holds key and value tensors shaped (batch, kv_heads, seq, head_size);
// encoder-decoder layouts append cross attention key and value.
type PastKeyValues [][]*nn.Tensor

// SeqLen is number of cached positions.
func (p PastKeyValues) SeqLen() int {
	if len(p) == 0 || len(p[0]) == 0 {
		return 0
	}
	return p[0][0].Shape[2]
}

func newPastKeyValues(config Config, batch, seq int) PastKeyValues {
	p := make(PastKeyValues, config.NumLayers)
	for l := range p {
		p[l] = []*nn.Tensor{
			nn.NewTensor(batch, config.NumKVHeads, seq, config.HeadSize()),
			nn.NewTensor(batch, config.NumKVHeads, seq, config.HeadSize()),
		}
	}
	return p
}

// Output of a causal language model forward pass.
type Output struct {
	Loss          float32
	HasLoss       bool
	Logits        [][][]float32 // (batch, seq, vocab)
	HiddenStates  [][][]float32 // (batch, seq, dim) after final norm
	PastKeyValues PastKeyValues // (batch, kv_heads, past + seq, head_size) per layer
}

// BackboneOutput is the output of the transformer without a head.
type BackboneOutput struct {
	LastHiddenState [][][]float32 // (batch, seq, dim)
	PooledOutput    [][]float32   // (batch, dim), nil when the backbone has no pooler
	PastKeyValues   PastKeyValues
}

// SequenceClassifierOutput of a classification forward pass.
type SequenceClassifierOutput struct {
	Loss         float32
	HasLoss      bool
	Logits       [][]float32 // (batch, num_labels)
	HiddenStates [][][]float32
}
