package nn

import "math"

// IgnoreIndex marks label positions excluded from the loss.
const IgnoreIndex = -100

// CrossEntropy is the negative log-likelihood of label under softmax(logits).
func CrossEntropy[T float32 | float64](logits []T, label int) T {
	return LogSumExp(logits) - logits[label]
}

// MeanCrossEntropy averages CrossEntropy over rows, skipping IgnoreIndex labels.
// Returns false when every label is ignored.
func MeanCrossEntropy[T float32 | float64](logits [][]T, labels []int) (T, bool) {
	var sum T
	var n int
	for i, label := range labels {
		if label == IgnoreIndex {
			continue
		}
		sum += CrossEntropy(logits[i], label)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / T(n), true
}

// MSE is mean squared error between pred and target.
func MSE[T float32 | float64](pred, target []T) T {
	var sum T
	for i := range pred {
		d := pred[i] - target[i]
		sum += d * d
	}
	return sum / T(len(pred))
}

// BCEWithLogits is mean binary cross entropy of sigmoid(logits) against targets.
func BCEWithLogits[T float32 | float64](logits, targets []T) T {
	var sum float64
	for i, x := range logits {
		x, y := float64(x), float64(targets[i])
		// max(x,0) - x*y + log(1 + exp(-|x|))
		sum += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	return T(sum / float64(len(logits)))
}
