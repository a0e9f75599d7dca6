package llama2

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/nikolaydubina/lmft.go/nn"
)

type ProblemType string

const (
	Regression                ProblemType = "regression"
	SingleLabelClassification ProblemType = "single_label_classification"
	MultiLabelClassification  ProblemType = "multi_label_classification"
)

// InferProblemType picks loss from number of labels and label kind.
// One label is regression, integer labels over many classes are single label, anything else is multi label.
func InferProblemType(numLabels int, b *Batch) ProblemType {
	switch {
	case numLabels == 1:
		return Regression
	case numLabels > 1 && b.Labels != nil:
		return SingleLabelClassification
	default:
		return MultiLabelClassification
	}
}

// ClassificationLoss computes loss of logits (batch, num_labels) against batch labels.
func ClassificationLoss(problemType ProblemType, numLabels int, logits [][]float32, b *Batch) (float32, error) {
	switch problemType {
	case Regression:
		targets, err := regressionTargets(numLabels, len(logits), b)
		if err != nil {
			return 0, err
		}
		var pred []float32
		for _, row := range logits {
			pred = append(pred, row...)
		}
		return nn.MSE(pred, targets), nil
	case SingleLabelClassification:
		var labels []int
		for _, row := range b.Labels {
			labels = append(labels, row...)
		}
		if len(labels) != len(logits) {
			return 0, fmt.Errorf("llama2: %d class labels for %d rows", len(labels), len(logits))
		}
		for _, label := range labels {
			if label != nn.IgnoreIndex && (label < 0 || label >= numLabels) {
				return 0, fmt.Errorf("llama2: class label %d out of %d labels", label, numLabels)
			}
		}
		loss, _ := nn.MeanCrossEntropy(logits, labels)
		return loss, nil
	case MultiLabelClassification:
		if len(b.FloatLabels) != len(logits) {
			return 0, fmt.Errorf("llama2: multi label classification needs float labels for %d rows", len(logits))
		}
		var pred, targets []float32
		for r, row := range logits {
			if len(b.FloatLabels[r]) != numLabels {
				return 0, fmt.Errorf("llama2: row %d has %d targets, expected %d", r, len(b.FloatLabels[r]), numLabels)
			}
			pred = append(pred, row...)
			targets = append(targets, b.FloatLabels[r]...)
		}
		return nn.BCEWithLogits(pred, targets), nil
	}
	return 0, fmt.Errorf("llama2: unknown problem type %q", problemType)
}

func regressionTargets(numLabels, rows int, b *Batch) ([]float32, error) {
	var targets []float32
	switch {
	case b.FloatLabels != nil:
		for _, row := range b.FloatLabels {
			targets = append(targets, row...)
		}
	case b.Labels != nil:
		for _, row := range b.Labels {
			for _, v := range row {
				targets = append(targets, float32(v))
			}
		}
	}
	if len(targets) != rows*numLabels {
		return nil, fmt.Errorf("llama2: %d regression targets for %d rows of %d labels", len(targets), rows, numLabels)
	}
	return targets, nil
}

// PoolLastToken takes hidden state of the last attended position in each row.
// Mask covers past and current positions, pastLen of them are skipped.
func PoolLastToken(hidden [][][]float32, mask [][]int, pastLen int) [][]float32 {
	pooled := make([][]float32, len(hidden))
	for r, row := range hidden {
		last := len(row) - 1
		if mask != nil {
			for last > 0 && mask[r][pastLen+last] == 0 {
				last--
			}
		}
		pooled[r] = row[last]
	}
	return pooled
}

// Backbone is a transformer without a head.
type Backbone interface {
	ForwardBackbone(ctx context.Context, b *Batch) (*BackboneOutput, error)
	AcceptsPastKeyValues() bool
}

// ClassificationHead maps pooled hidden states to label logits.
type ClassificationHead interface {
	Classify(pooled [][]float32) [][]float32
	Parameters() []float32
}

// ScoreHead is linear classification head without bias.
type ScoreHead struct {
	Weight    []float32 // (num_labels, dim)
	NumLabels int
}

func (h *ScoreHead) Classify(pooled [][]float32) [][]float32 {
	logits := make([][]float32, len(pooled))
	for r, x := range pooled {
		logits[r] = make([]float32, h.NumLabels)
		nn.MatMul(logits[r], x, h.Weight)
	}
	return logits
}

func (h *ScoreHead) Parameters() []float32 { return h.Weight }

// SequenceClassifier is llama2 backbone with a score head over the last attended token.
type SequenceClassifier struct {
	backbone    *Model
	head        *ScoreHead
	problemType ProblemType
}

func NewSequenceClassifier(backbone *Model, numLabels int, rng *rand.Rand) *SequenceClassifier {
	head := &ScoreHead{Weight: make([]float32, numLabels*backbone.Config.Dim), NumLabels: numLabels}
	for i := range head.Weight {
		head.Weight[i] = (rng.Float32()*2 - 1) * 0.02
	}
	return &SequenceClassifier{backbone: backbone, head: head}
}

func (c *SequenceClassifier) ModelConfig() Config { return c.backbone.Config }

func (c *SequenceClassifier) NameOrPath() string { return c.backbone.Name }

func (c *SequenceClassifier) NumParameters() int {
	return c.backbone.NumParameters() + len(c.head.Weight)
}

// AcceptsPastKeyValues is false, attention history goes through Backbone.
func (c *SequenceClassifier) AcceptsPastKeyValues() bool { return false }

func (c *SequenceClassifier) Backbone() Backbone { return c.backbone }

func (c *SequenceClassifier) Head() ClassificationHead { return c.head }

func (c *SequenceClassifier) NumLabels() int { return c.head.NumLabels }

func (c *SequenceClassifier) ProblemType() ProblemType { return c.problemType }

func (c *SequenceClassifier) SetProblemType(p ProblemType) { c.problemType = p }

func (c *SequenceClassifier) WordEmbeddings(ids [][]int) [][][]float32 {
	return c.backbone.WordEmbeddings(ids)
}

func (c *SequenceClassifier) SetLinearHook(h LinearHook) { c.backbone.SetLinearHook(h) }

func (c *SequenceClassifier) LinearWeight(layer int, p Projection) ([]float32, int, int, error) {
	return c.backbone.LinearWeight(layer, p)
}

// Forward classifies each row. Problem type is inferred and kept on first call with labels.
func (c *SequenceClassifier) Forward(ctx context.Context, b *Batch) (*SequenceClassifierOutput, error) {
	if b.PastKeyValues != nil {
		return nil, fmt.Errorf("llama2: sequence classifier does not accept past key values")
	}
	out, err := c.backbone.ForwardBackbone(ctx, b)
	if err != nil {
		return nil, err
	}
	logits := c.head.Classify(PoolLastToken(out.LastHiddenState, b.AttentionMask, 0))
	res := SequenceClassifierOutput{Logits: logits, HiddenStates: out.LastHiddenState}
	if b.Labels != nil || b.FloatLabels != nil {
		if c.problemType == "" {
			c.problemType = InferProblemType(c.head.NumLabels, b)
		}
		if res.Loss, err = ClassificationLoss(c.problemType, c.head.NumLabels, logits, b); err != nil {
			return nil, err
		}
		res.HasLoss = true
	}
	return &res, nil
}
