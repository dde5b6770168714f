package model

import (
	"fmt"
	"math"
)

// Criterion scores logits against labels.
type Criterion interface {
	// Loss returns the mean loss over the batch.
	Loss(logits [][]float32, labels []int) (float64, error)
	// LossGrad returns the mean loss and dLoss/dlogits.
	LossGrad(logits [][]float32, labels []int) (float64, [][]float32, error)
}

// CrossEntropy is softmax cross-entropy averaged over the batch.
type CrossEntropy struct{}

func (CrossEntropy) Loss(logits [][]float32, labels []int) (float64, error) {
	loss, _, err := crossEntropy(logits, labels, false)
	return loss, err
}

func (CrossEntropy) LossGrad(logits [][]float32, labels []int) (float64, [][]float32, error) {
	return crossEntropy(logits, labels, true)
}

func crossEntropy(logits [][]float32, labels []int, withGrad bool) (float64, [][]float32, error) {
	if len(logits) != len(labels) {
		return 0, nil, fmt.Errorf("cross entropy: %d logit rows for %d labels", len(logits), len(labels))
	}
	if len(logits) == 0 {
		return 0, nil, nil
	}
	var grad [][]float32
	if withGrad {
		grad = make([][]float32, len(logits))
	}
	inv := 1 / float64(len(logits))
	total := 0.0
	for i, row := range logits {
		label := labels[i]
		if label < 0 || label >= len(row) {
			return 0, nil, fmt.Errorf("cross entropy: label %d outside [0,%d)", label, len(row))
		}
		probs := Softmax(row)
		total += -math.Log(math.Max(probs[label], 1e-12))
		if withGrad {
			g := make([]float32, len(row))
			for c, p := range probs {
				g[c] = float32(p * inv)
			}
			g[label] -= float32(inv)
			grad[i] = g
		}
	}
	return total * inv, grad, nil
}

// Softmax returns the normalized exponentials of logits.
func Softmax(logits []float32) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(float64(v - maxLogit))
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}
