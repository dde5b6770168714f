package model

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer updates a fixed set of parameters from their gradients.
type Optimizer interface {
	ZeroGrad()
	Step()
}

// NewOptimizer builds the optimizer named by kind ("sgd" or "adam").
func NewOptimizer(kind string, params []*Param, lr float64) (Optimizer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "adam":
		return NewAdam(params, lr), nil
	case "sgd":
		return NewSGD(params, lr, 0.9), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", kind)
	}
}

// SGD is stochastic gradient descent with momentum.
type SGD struct {
	params   []*Param
	lr       float32
	momentum float32
	velocity [][]float32
}

func NewSGD(params []*Param, lr, momentum float64) *SGD {
	v := make([][]float32, len(params))
	for i, p := range params {
		v[i] = make([]float32, len(p.Data))
	}
	return &SGD{params: params, lr: float32(lr), momentum: float32(momentum), velocity: v}
}

func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *SGD) Step() {
	for i, p := range o.params {
		v := o.velocity[i]
		for j, g := range p.Grad {
			v[j] = o.momentum*v[j] + g
			p.Data[j] -= o.lr * v[j]
		}
	}
}

// Adam implements Kingma & Ba with the usual defaults.
type Adam struct {
	params []*Param
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int
	m      [][]float32
	v      [][]float32
}

func NewAdam(params []*Param, lr float64) *Adam {
	o := &Adam{params: params, lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	o.m = make([][]float32, len(params))
	o.v = make([][]float32, len(params))
	for i, p := range params {
		o.m[i] = make([]float32, len(p.Data))
		o.v[i] = make([]float32, len(p.Data))
	}
	return o
}

func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *Adam) Step() {
	o.step++
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))
	b1, b2 := float32(o.beta1), float32(o.beta2)
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			mHat := float64(m[j]) / c1
			vHat := float64(v[j]) / c2
			p.Data[j] -= float32(o.lr * mHat / (math.Sqrt(vHat) + o.eps))
		}
	}
}
