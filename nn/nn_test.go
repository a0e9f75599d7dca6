package nn_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nikolaydubina/lmft.go/nn"
)

func TestAcc(t *testing.T) {
	a := []float32{1, 2, 3, 0, -1}
	b := []float32{4, 5, 6, 0, 1}
	nn.Acc(a, b)
	if a[0] != 5 || a[1] != 7 || a[2] != 9 || a[3] != 0 || a[4] != 0 {
		t.Errorf("Acc failed")
	}
}

func TestAccScaled(t *testing.T) {
	a := []float32{1, 2}
	nn.AccScaled(a, []float32{2, 4}, 0.5)
	if diff := cmp.Diff([]float32{2, 4}, a); diff != "" {
		t.Error(diff)
	}
}

func TestSoftMax(t *testing.T) {
	tests := []struct {
		x   []float32
		exp []float32
	}{
		{
			x:   []float32{1, 1, 2},
			exp: []float32{0.21194156, 0.21194156, 0.57611686},
		},
		{
			x:   []float32{0.5, -1, 12},
			exp: []float32{1.0129968e-05, 2.2603015e-06, 0.9999876},
		},
		{
			x:   []float32{0.2, 7, 13},
			exp: []float32{2.7539384e-06, 0.0024726165, 0.9975247},
		},
	}
	for i, tc := range tests {
		t.Run(fmt.Sprintf("%d: %#v", i, tc), func(t *testing.T) {
			nn.SoftMax(tc.x)
			if diff := cmp.Diff(tc.exp, tc.x); diff != "" {
				t.Errorf("%s", diff)
			}
		})
	}
}

func TestArgMax(t *testing.T) {
	tests := []struct {
		x   []float32
		exp int
	}{
		{
			x:   []float32{1, 1, 2},
			exp: 2,
		},
		{
			x:   []float32{0.5, -1, 12, 0},
			exp: 2,
		},
		{
			x:   []float32{15, 7, 13},
			exp: 0,
		},
	}
	for i, tc := range tests {
		t.Run(fmt.Sprintf("%d: %#v", i, tc), func(t *testing.T) {
			if got := nn.ArgMax(tc.x); got != tc.exp {
				t.Errorf("got %d, exp %d", got, tc.exp)
			}
		})
	}
}

func TestSample(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		if got := nn.Sample(rng, []float32{0, 1, 0}); got != 1 {
			t.Fatalf("got %d, exp 1", got)
		}
	}
}

func TestMatMul(t *testing.T) {
	w := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	x := []float32{1, 0, -1}
	out := make([]float32, 2)
	nn.MatMul(out, x, w)
	if diff := cmp.Diff([]float32{-2, -2}, out); diff != "" {
		t.Error(diff)
	}
}

func TestMatMulParallelMatchesUnroll(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n, m := 1024, 17
	w := make([]float32, n*m)
	x := make([]float32, m)
	for i := range w {
		w[i] = rng.Float32()
	}
	for i := range x {
		x[i] = rng.Float32()
	}
	a, b := make([]float32, n), make([]float32, n)
	nn.MatMulUnroll(a, x, w)
	nn.MatMulParallel(b, x, w)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Error(diff)
	}
}
