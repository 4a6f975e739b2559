package torch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmaxForwardRowsSumToOne(t *testing.T) {
	B, T, V := 2, 3, 4
	logits := make([]float32, B*T*V)
	for i := range logits {
		logits[i] = float32(i%7) - 3
	}
	probs := make([]float32, B*T*V)
	SoftmaxForward(probs, logits, B, T, V)

	for p := 0; p < B*T; p++ {
		var sum float32
		for v := 0; v < V; v++ {
			sum += probs[p*V+v]
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestLogProbsBackwardMatchesFiniteDifference(t *testing.T) {
	B, T, V := 1, 1, 5
	logits := []float32{0.3, -1.2, 2.0, 0.0, 0.7}
	target := int32(2)

	logp := func(logits []float32) float32 {
		probs := make([]float32, V)
		SoftmaxForward(probs, logits, B, T, V)
		return Log(probs[target])
	}

	probs := make([]float32, V)
	SoftmaxForward(probs, logits, B, T, V)
	dlogits := make([]float32, V)
	LogProbsBackward(dlogits, []float32{1}, probs, []int32{target}, B, T, V)

	const h = 1e-3
	for i := 0; i < V; i++ {
		bumped := append([]float32(nil), logits...)
		bumped[i] += h
		dipped := append([]float32(nil), logits...)
		dipped[i] -= h
		numeric := (logp(bumped) - logp(dipped)) / (2 * h)
		assert.InDelta(t, numeric, dlogits[i], 1e-3)
	}
}

func TestLogProbsBackwardSkipsMaskedPositions(t *testing.T) {
	B, T, V := 1, 2, 3
	probs := make([]float32, B*T*V)
	logits := []float32{1, 0, -1, 0.5, 0.5, 0.5}
	SoftmaxForward(probs, logits, B, T, V)

	dlogits := make([]float32, B*T*V)
	LogProbsBackward(dlogits, []float32{0, 1}, probs, []int32{0, 1}, B, T, V)

	for v := 0; v < V; v++ {
		assert.Zero(t, dlogits[v])
	}
	var second float32
	for v := 0; v < V; v++ {
		second += Abs(dlogits[V+v])
	}
	assert.Positive(t, second)
}

func TestGeluBackwardMatchesFiniteDifference(t *testing.T) {
	inputs := []float32{-2, -0.5, 0, 0.5, 2}
	dinp := make([]float32, len(inputs))
	dout := make([]float32, len(inputs))
	for i := range dout {
		dout[i] = 1
	}
	GeluBackward(dinp, inputs, dout, len(inputs))

	const h = 1e-3
	for i, x := range inputs {
		lo, hi := make([]float32, 1), make([]float32, 1)
		GeluForward(lo, []float32{x - h}, 1)
		GeluForward(hi, []float32{x + h}, 1)
		numeric := (hi[0] - lo[0]) / (2 * h)
		assert.InDelta(t, numeric, dinp[i], 1e-2)
	}
}

func TestDropoutZeroRateIsCopy(t *testing.T) {
	inp := []float32{1, 2, 3}
	out := make([]float32, 3)
	mask := make([]float32, 3)
	DropoutForward(out, inp, mask, []float32{0, 0, 0}, 0, 3)
	assert.Equal(t, inp, out)
	assert.Equal(t, []float32{1, 1, 1}, mask)
}

func TestDropoutMaskScalesSurvivors(t *testing.T) {
	inp := []float32{1, 1, 1, 1}
	out := make([]float32, 4)
	mask := make([]float32, 4)
	coins := []float32{0.1, 0.9, 0.4, 0.6}
	DropoutForward(out, inp, mask, coins, 0.5, 4)

	require.Equal(t, []float32{0, 2, 0, 2}, out)

	dinp := make([]float32, 4)
	DropoutBackward(dinp, []float32{1, 1, 1, 1}, mask, 4)
	assert.Equal(t, []float32{0, 2, 0, 2}, dinp)
}
