// Package stats tracks streaming moments of a scalar stream, used to
// whiten rewards across training steps.
package stats

import "math"

// Running accumulates count, mean and variance of every scalar it has
// seen. Batches are folded in with the parallel-combine update rather
// than recomputing from scratch, so precision does not degrade as the
// count grows. The count never decreases.
type Running struct {
	count float64
	mean  float64
	m2    float64 // sum of squared deviations from the mean
}

// NewRunning returns an empty tracker.
func NewRunning() *Running {
	return &Running{}
}

// Update folds a batch of scalars into the tracker. An empty batch is a
// no-op.
func (r *Running) Update(batch []float64) {
	n := float64(len(batch))
	if n == 0 {
		return
	}
	var batchMean float64
	for _, v := range batch {
		batchMean += v
	}
	batchMean /= n
	var batchM2 float64
	for _, v := range batch {
		d := v - batchMean
		batchM2 += d * d
	}

	delta := batchMean - r.mean
	total := r.count + n
	r.mean += delta * n / total
	r.m2 += batchM2 + delta*delta*r.count*n/total
	r.count = total
}

// Count returns the number of scalars seen.
func (r *Running) Count() float64 { return r.count }

// Mean returns the mean of all scalars seen, zero before any update.
func (r *Running) Mean() float64 { return r.mean }

// Var returns the population variance of all scalars seen.
func (r *Running) Var() float64 {
	if r.count == 0 {
		return 0
	}
	return r.m2 / r.count
}

// Std returns the population standard deviation of all scalars seen.
func (r *Running) Std() float64 {
	return math.Sqrt(r.Var())
}
