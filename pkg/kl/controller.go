// Package kl adjusts the coefficient of the KL penalty that keeps the
// fine-tuned policy near the frozen reference model.
package kl

// Controller exposes the current penalty coefficient and folds in the
// mean KL observed over a training step. n is the number of examples
// that produced the observation.
type Controller interface {
	Value() float64
	Update(kl float64, n int)
}

// Fixed keeps the coefficient constant for the whole run.
type Fixed struct {
	coef float64
}

// NewFixed returns a controller pinned at coef.
func NewFixed(coef float64) *Fixed {
	return &Fixed{coef: coef}
}

func (f *Fixed) Value() float64      { return f.coef }
func (f *Fixed) Update(float64, int) {}

// Adaptive scales the coefficient toward a target KL. The proportional
// error is clamped to ±20% and damped by the fraction of the horizon
// accumulated so far, so the coefficient barely moves early in training
// and corrects divergence once enough samples have been seen.
type Adaptive struct {
	coef    float64
	target  float64
	horizon float64
	seen    int
}

// NewAdaptive returns a controller starting at initCoef, steering the
// observed KL toward target over horizon samples.
func NewAdaptive(initCoef, target, horizon float64) *Adaptive {
	return &Adaptive{coef: initCoef, target: target, horizon: horizon}
}

func (a *Adaptive) Value() float64 { return a.coef }

func (a *Adaptive) Update(kl float64, n int) {
	a.seen += n
	err := kl/a.target - 1
	if err > 0.2 {
		err = 0.2
	} else if err < -0.2 {
		err = -0.2
	}
	mult := 1 + err*float64(a.seen)/a.horizon
	a.coef *= mult
	if a.coef < 0 {
		a.coef = 0
	}
}
