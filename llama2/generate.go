package llama2

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/nikolaydubina/lmft.go/nn"
)

// GenerateInput configures Generate.
type GenerateInput struct {
	InputIDs      [][]int
	AttentionMask [][]int // may be longer than InputIDs when callers prepend virtual tokens
	PositionIDs   [][]int // first step only
	TokenTypeIDs  [][]int // first step only
	MaxNewTokens  int
	Temperature   float32 // 0 is greedy argmax
	EOSTokenID    int     // negative disables early stop
	PadTokenID    int     // written after a row emitted EOS
	Rand          *rand.Rand
	OnStep        func(next []int) // called with the token appended to every row, in step order
}

// GenerationState is what PrepareInputsFunc sees before each step.
type GenerationState struct {
	InputIDs      [][]int // prompt and tokens generated so far
	AttentionMask [][]int
	PositionIDs   [][]int
	TokenTypeIDs  [][]int
	PastKeyValues PastKeyValues // nil on the first step
}

// PrepareInputsForGeneration returns the function building inputs of each generation step.
func (m *Model) PrepareInputsForGeneration() PrepareInputsFunc { return m.prepare }

// SetPrepareInputsForGeneration replaces the function building inputs of each generation step.
func (m *Model) SetPrepareInputsForGeneration(f PrepareInputsFunc) { m.prepare = f }

// defaultPrepareInputs feeds the whole prompt first and only the last token once history is cached.
func (m *Model) defaultPrepareInputs(s *GenerationState) (*Batch, error) {
	b := Batch{
		InputIDs:      s.InputIDs,
		AttentionMask: s.AttentionMask,
		PastKeyValues: s.PastKeyValues,
	}
	if s.PastKeyValues != nil {
		b.InputIDs = make([][]int, len(s.InputIDs))
		for r, row := range s.InputIDs {
			b.InputIDs[r] = row[len(row)-1:]
		}
		return &b, nil
	}
	b.PositionIDs = s.PositionIDs
	b.TokenTypeIDs = s.TokenTypeIDs
	return &b, nil
}

// Generate extends every row of InputIDs by up to MaxNewTokens tokens.
// Generation stops early when every row emitted EOS or the context is full.
// Returned rows hold the prompt followed by generated tokens.
func (m *Model) Generate(ctx context.Context, in *GenerateInput) ([][]int, error) {
	if len(in.InputIDs) == 0 {
		return nil, fmt.Errorf("llama2: generate without input ids")
	}
	rng := in.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	ids := make([][]int, len(in.InputIDs))
	for r, row := range in.InputIDs {
		ids[r] = append([]int(nil), row...)
	}
	var mask [][]int
	if in.AttentionMask != nil {
		mask = make([][]int, len(in.AttentionMask))
		for r, row := range in.AttentionMask {
			mask[r] = append([]int(nil), row...)
		}
	}

	state := GenerationState{
		InputIDs:      ids,
		AttentionMask: mask,
		PositionIDs:   in.PositionIDs,
		TokenTypeIDs:  in.TokenTypeIDs,
	}
	done := make([]bool, len(ids))
	for step := 0; step < in.MaxNewTokens; step++ {
		b, err := m.prepare(&state)
		if err != nil {
			return nil, fmt.Errorf("llama2: prepare inputs: %w", err)
		}
		if b.PastKeyValues.SeqLen()+b.SeqLen() > m.Config.SeqLen {
			break
		}
		out, err := m.Forward(ctx, b)
		if err != nil {
			return nil, err
		}

		finished := true
		for r := range state.InputIDs {
			next := in.PadTokenID
			if !done[r] {
				logits := out.Logits[r][len(out.Logits[r])-1]
				next = sampleNext(rng, logits, in.Temperature)
				done[r] = in.EOSTokenID >= 0 && next == in.EOSTokenID
			}
			state.InputIDs[r] = append(state.InputIDs[r], next)
			if state.AttentionMask != nil {
				state.AttentionMask[r] = append(state.AttentionMask[r], 1)
			}
			finished = finished && done[r]
		}
		if in.OnStep != nil {
			next := make([]int, len(state.InputIDs))
			for r, row := range state.InputIDs {
				next[r] = row[len(row)-1]
			}
			in.OnStep(next)
		}
		state.PastKeyValues = out.PastKeyValues
		if finished {
			break
		}
	}
	return state.InputIDs, nil
}

func sampleNext(rng *rand.Rand, logits []float32, temperature float32) int {
	if temperature == 0 {
		// greedy argmax sampling
		return nn.ArgMax(logits)
	}
	probs := make([]float32, len(logits))
	// apply the temperature to the logits
	for q, v := range logits {
		probs[q] = v / temperature
	}
	// apply softmax to the logits to the probabilities for next token
	nn.SoftMax(probs)
	// we now want to sample from this distribution to get the next token
	return nn.Sample(rng, probs)
}
