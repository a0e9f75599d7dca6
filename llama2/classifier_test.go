package llama2

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInferProblemType(t *testing.T) {
	tests := []struct {
		name      string
		numLabels int
		b         Batch
		exp       ProblemType
	}{
		{name: "one label", numLabels: 1, b: Batch{FloatLabels: [][]float32{{0.5}}}, exp: Regression},
		{name: "one integer label", numLabels: 1, b: Batch{Labels: [][]int{{3}}}, exp: Regression},
		{name: "class ids", numLabels: 3, b: Batch{Labels: [][]int{{2}}}, exp: SingleLabelClassification},
		{name: "float targets", numLabels: 3, b: Batch{FloatLabels: [][]float32{{0, 1, 1}}}, exp: MultiLabelClassification},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := InferProblemType(tc.numLabels, &tc.b); got != tc.exp {
				t.Errorf("got %s exp %s", got, tc.exp)
			}
		})
	}
}

func TestClassificationLoss(t *testing.T) {
	tests := []struct {
		name      string
		pt        ProblemType
		numLabels int
		logits    [][]float32
		b         Batch
		exp       float32
	}{
		{name: "regression", pt: Regression, numLabels: 1, logits: [][]float32{{1}, {3}}, b: Batch{FloatLabels: [][]float32{{0}, {1}}}, exp: 2.5},
		{name: "single label", pt: SingleLabelClassification, numLabels: 2, logits: [][]float32{{0, 0}}, b: Batch{Labels: [][]int{{1}}}, exp: 0.6931472},
		{name: "multi label", pt: MultiLabelClassification, numLabels: 2, logits: [][]float32{{0, 0}}, b: Batch{FloatLabels: [][]float32{{1, 0}}}, exp: 0.6931472},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ClassificationLoss(tc.pt, tc.numLabels, tc.logits, &tc.b)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, got, approx); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestClassificationLossErrors(t *testing.T) {
	logits := [][]float32{{0, 0}}
	tests := map[string]struct {
		pt ProblemType
		b  Batch
	}{
		"label out of range":     {pt: SingleLabelClassification, b: Batch{Labels: [][]int{{5}}}},
		"label count":            {pt: SingleLabelClassification, b: Batch{Labels: [][]int{{0}, {1}}}},
		"missing float labels":   {pt: MultiLabelClassification, b: Batch{Labels: [][]int{{0}}}},
		"wrong target width":     {pt: MultiLabelClassification, b: Batch{FloatLabels: [][]float32{{1}}}},
		"regression target size": {pt: Regression, b: Batch{FloatLabels: [][]float32{{1}}}},
		"unknown":                {pt: "ranking", b: Batch{Labels: [][]int{{0}}}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ClassificationLoss(tc.pt, 2, logits, &tc.b); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPoolLastToken(t *testing.T) {
	hidden := [][][]float32{
		{{1}, {2}, {3}},
		{{4}, {5}, {6}},
	}
	tests := []struct {
		name    string
		mask    [][]int
		pastLen int
		exp     [][]float32
	}{
		{name: "no mask", exp: [][]float32{{3}, {6}}},
		{name: "right padding", mask: [][]int{{1, 1, 0}, {1, 0, 0}}, exp: [][]float32{{2}, {4}}},
		{name: "with past", mask: [][]int{{1, 1, 1, 1, 0}, {1, 1, 1, 1, 1}}, pastLen: 2, exp: [][]float32{{2}, {6}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.exp, PoolLastToken(hidden, tc.mask, tc.pastLen)); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestSequenceClassifier(t *testing.T) {
	ctx := context.Background()
	c := NewSequenceClassifier(newTinyModel(t), 3, rand.New(rand.NewSource(1)))

	out, err := c.Forward(ctx, &Batch{InputIDs: [][]int{{1, 5, 7}, {1, 9, 3}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Logits) != 2 || len(out.Logits[0]) != 3 {
		t.Errorf("bad logits shape")
	}
	if out.HasLoss || c.ProblemType() != "" {
		t.Errorf("problem type inferred without labels")
	}

	out, err = c.Forward(ctx, &Batch{InputIDs: [][]int{{1, 5, 7}, {1, 9, 3}}, Labels: [][]int{{0}, {2}}})
	if err != nil {
		t.Fatal(err)
	}
	if !out.HasLoss || out.Loss <= 0 {
		t.Errorf("expected loss")
	}
	if c.ProblemType() != SingleLabelClassification {
		t.Errorf("got %s", c.ProblemType())
	}

	if _, err := c.Forward(ctx, &Batch{InputIDs: [][]int{{1}}, PastKeyValues: newPastKeyValues(tinyConfig, 1, 1)}); err == nil {
		t.Error("expected error for past key values")
	}
	if c.AcceptsPastKeyValues() {
		t.Error("classifier must not accept past key values")
	}
	if got, exp := c.NumParameters(), c.Backbone().(*Model).NumParameters()+3*tinyConfig.Dim; got != exp {
		t.Errorf("got %d exp %d", got, exp)
	}
}
