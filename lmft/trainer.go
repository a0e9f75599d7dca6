package lmft

import (
	"context"
	"math/rand"

	"github.com/nikolaydubina/lmft.go/peft"
)

// mezo is zeroth order SGD. Gradient along a random direction is estimated from two forward passes,
// the direction is regenerated from its seed and never stored.
type mezo struct {
	params []peft.Parameter
	lr     float32
	eps    float32
}

func (o *mezo) perturb(seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for _, p := range o.params {
		for i := range p.Data {
			p.Data[i] += scale * float32(rng.NormFloat64())
		}
	}
}

// step updates parameters in place and returns mean of the two probed losses.
// Parameters are left unchanged when loss fails.
func (o *mezo) step(ctx context.Context, seed int64, loss func(ctx context.Context) (float32, error)) (float32, error) {
	o.perturb(seed, o.eps)
	lossPos, err := loss(ctx)
	if err != nil {
		o.perturb(seed, -o.eps)
		return 0, err
	}
	o.perturb(seed, -2*o.eps)
	lossNeg, err := loss(ctx)
	o.perturb(seed, o.eps)
	if err != nil {
		return 0, err
	}
	grad := (lossPos - lossNeg) / (2 * o.eps)
	o.perturb(seed, -o.lr*grad)
	return (lossPos + lossNeg) / 2, nil
}
