package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

type optimizer interface {
	step(params, grads []float64)
}

type sgd struct {
	lr float64
}

func (o sgd) step(params, grads []float64) {
	floats.AddScaled(params, -o.lr, grads)
}

// adam uses the defaults from Kingma and Ba.
type adam struct {
	lr, beta1, beta2, eps float64

	m, v []float64
	t    int
}

func newAdam(lr float64, n int) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-7,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

func (o *adam) step(params, grads []float64) {
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, g := range grads {
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g*g
		mHat := o.m[i] / c1
		vHat := o.v[i] / c2
		params[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
	}
}
