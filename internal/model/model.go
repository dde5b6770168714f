package model

import "errors"

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float32
	Labels []int
}

// Len reports the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Labels)
}

var (
	// ErrConverted is returned by a network whose weights were handed off to a quantized model.
	ErrConverted = errors.New("model: network was converted and no longer holds float weights")
	// ErrShapeMismatch indicates a state dict tensor does not fit the receiving network.
	ErrShapeMismatch = errors.New("model: tensor shape mismatch")
)

// Classifier is anything that maps a batch of inputs to logits and can be serialized.
// Float, fake-quantized and converted models all satisfy it.
type Classifier interface {
	Forward(inputs [][]float32) ([][]float32, error)
	StateDict() StateDict
}

// Network is a trainable Classifier.
type Network interface {
	Classifier
	// ForwardTrain runs the forward pass and returns a backward closure that
	// accumulates parameter gradients from dL/dlogits.
	ForwardTrain(inputs [][]float32) ([][]float32, func(gradLogits [][]float32), error)
	Params() []*Param
	LoadStateDict(sd StateDict) error
}

// Param is a named trainable tensor with its gradient buffer.
type Param struct {
	Name string
	Data []float32
	Grad []float32
}

func newParam(name string, n int) *Param {
	return &Param{Name: name, Data: make([]float32, n), Grad: make([]float32, n)}
}

// ZeroGrad clears the gradient buffer.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Argmax returns the index of the largest logit.
func Argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}
