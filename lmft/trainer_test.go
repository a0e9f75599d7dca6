package lmft

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nikolaydubina/lmft.go/peft"
)

func TestMezoMinimizesQuadratic(t *testing.T) {
	p := peft.Parameter{Name: "x", Data: []float32{3, -2}}
	quadratic := func(context.Context) (float32, error) {
		var s float32
		for _, v := range p.Data {
			s += v * v
		}
		return s, nil
	}
	opt := mezo{params: []peft.Parameter{p}, lr: 0.05, eps: 1e-3}

	first, _ := quadratic(context.Background())
	var last float32
	for i := 0; i < 300; i++ {
		loss, err := opt.step(context.Background(), int64(i), quadratic)
		if err != nil {
			t.Fatal(err)
		}
		last = loss
	}
	if last > first/10 {
		t.Errorf("loss %v did not decrease from %v", last, first)
	}
}

func TestMezoRestoresOnError(t *testing.T) {
	errLoss := errors.New("loss")
	tests := map[string]int{
		"first probe":  0,
		"second probe": 1,
	}
	for name, failAt := range tests {
		t.Run(name, func(t *testing.T) {
			p := peft.Parameter{Name: "x", Data: []float32{1, 2, 3}}
			calls := 0
			opt := mezo{params: []peft.Parameter{p}, lr: 1, eps: 0.1}
			_, err := opt.step(context.Background(), 7, func(context.Context) (float32, error) {
				defer func() { calls++ }()
				if calls == failAt {
					return 0, errLoss
				}
				return 1, nil
			})
			if !errors.Is(err, errLoss) {
				t.Error(err)
			}
			if diff := cmp.Diff([]float32{1, 2, 3}, p.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
				t.Error(diff)
			}
		})
	}
}
