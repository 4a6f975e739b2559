package ppo

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// estimateAdvantages runs generalized advantage estimation backward over
// one sequence's shaped rewards and value predictions. The episode ends
// at the final response token, so the bootstrap value past it is zero.
// Returns are advantages plus values and serve as value-function
// regression targets.
func estimateAdvantages(rewards, values []float64, gamma, lambda float64) (advantages, returns []float64) {
	n := len(rewards)
	advantages = make([]float64, n)
	returns = make([]float64, n)
	var lastGAE float64
	for t := n - 1; t >= 0; t-- {
		var nextValue float64
		if t < n-1 {
			nextValue = values[t+1]
		}
		delta := rewards[t] + gamma*nextValue - values[t]
		lastGAE = delta + gamma*lambda*lastGAE
		advantages[t] = lastGAE
		returns[t] = lastGAE + values[t]
	}
	return advantages, returns
}

// whiten normalizes every element across all rows to zero mean and unit
// variance in place. The epsilon keeps a constant batch from dividing
// by zero.
func whiten(rows [][]float64) {
	flat := make([]float64, 0, 64)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	if len(flat) == 0 {
		return
	}
	mean, std := stat.MeanStdDev(flat, nil)
	if len(flat) < 2 {
		std = 0
	}
	for _, row := range rows {
		floats.AddConst(-mean, row)
		floats.Scale(1/(std+1e-8), row)
	}
}
