package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	return Config{
		MaxSeqLen: 16,
		VocabSize: 11,
		NumLayers: 2,
		NumHeads:  2,
		Channels:  8,
		EOT:       10,
		ValueHead: ValueHeadConfig{Projection: false, Dropout: 0},
	}
}

func TestForwardShapes(t *testing.T) {
	m := New(tinyConfig(), 1)
	B, T := 2, 5
	inputs := make([]int32, B*T)
	for i := range inputs {
		inputs[i] = int32(i % m.Config.VocabSize)
	}

	logits, values, err := m.Forward(inputs, B, T)
	require.NoError(t, err)
	assert.Len(t, logits, B*T*m.Config.VocabSize)
	assert.Len(t, values, B*T)

	// freshly initialized value head predicts exactly zero everywhere
	for _, v := range values {
		assert.Zero(t, v)
	}
}

func TestForwardRejectsOversizedSequence(t *testing.T) {
	m := New(tinyConfig(), 1)
	inputs := make([]int32, m.Config.MaxSeqLen+1)
	_, _, err := m.Forward(inputs, 1, m.Config.MaxSeqLen+1)
	assert.Error(t, err)
}

func TestCloneSharesWeightsNotState(t *testing.T) {
	m := New(tinyConfig(), 3)
	c := m.Clone()
	assert.Equal(t, m.Params.Memory, c.Params.Memory)

	// mutating the clone must not touch the original
	c.Params.Memory[0] += 1
	assert.NotEqual(t, m.Params.Memory[0], c.Params.Memory[0])
}

func TestFrozenModelRejectsGradients(t *testing.T) {
	m := New(tinyConfig(), 3)
	ref := m.Clone()
	ref.Freeze()
	assert.True(t, ref.Frozen())

	B, T, V := 1, 3, m.Config.VocabSize
	_, _, err := ref.Forward([]int32{1, 2, 3}, B, T)
	require.NoError(t, err)

	err = ref.Backward(make([]float32, B*T*V), make([]float32, B*T))
	assert.ErrorIs(t, err, ErrFrozen)
	err = ref.Update(1e-4, 0.9, 0.999, 1e-8, 0, 1)
	assert.ErrorIs(t, err, ErrFrozen)

	// SetTraining is a no-op on a frozen model
	ref.SetTraining(true)
	assert.False(t, ref.training)
}

func TestBackwardBeforeForwardFails(t *testing.T) {
	m := New(tinyConfig(), 3)
	err := m.Backward(nil, nil)
	assert.Error(t, err)
}

func TestDetachValueHeadStopsBodyGradients(t *testing.T) {
	cfg := tinyConfig()
	run := func(detach bool) *Transformer {
		m := New(cfg, 9)
		// the value output starts at zero, which would hide the head's
		// gradient path into the body
		for i := range m.Params.ValueOutW.data {
			m.Params.ValueOutW.data[i] = 0.1
		}
		m.SetDetachValueHead(detach)

		B, T, V := 1, 4, cfg.VocabSize
		_, _, err := m.Forward([]int32{1, 2, 3, 4}, B, T)
		require.NoError(t, err)

		dvalues := make([]float32, B*T)
		for i := range dvalues {
			dvalues[i] = 1.0
		}
		require.NoError(t, m.Backward(make([]float32, B*T*V), dvalues))
		return m
	}

	detached := run(true)
	var bodyGrad float32
	for _, g := range detached.Grads.WordTokEmbed.data {
		bodyGrad += g * g
	}
	assert.Zero(t, bodyGrad)
	var headGrad float32
	for _, g := range detached.Grads.ValueOutW.data {
		headGrad += g * g
	}
	assert.Positive(t, headGrad)

	attached := run(false)
	bodyGrad = 0
	for _, g := range attached.Grads.WordTokEmbed.data {
		bodyGrad += g * g
	}
	assert.Positive(t, bodyGrad)
}

func TestGradientsAccumulateUntilZeroGrad(t *testing.T) {
	m := New(tinyConfig(), 5)
	B, T, V := 1, 3, m.Config.VocabSize
	dlogits := make([]float32, B*T*V)
	for i := range dlogits {
		dlogits[i] = 0.01
	}
	dvalues := make([]float32, B*T)

	_, _, err := m.Forward([]int32{1, 2, 3}, B, T)
	require.NoError(t, err)
	require.NoError(t, m.Backward(dlogits, dvalues))
	once := append([]float32(nil), m.Grads.WordTokEmbed.data...)

	_, _, err = m.Forward([]int32{1, 2, 3}, B, T)
	require.NoError(t, err)
	require.NoError(t, m.Backward(dlogits, dvalues))
	for i, g := range m.Grads.WordTokEmbed.data {
		assert.InDelta(t, 2*once[i], g, 1e-5)
	}

	m.ZeroGrad()
	for _, g := range m.Grads.Memory {
		assert.Zero(t, g)
	}
}

func TestUpdateMovesParameters(t *testing.T) {
	m := New(tinyConfig(), 5)
	B, T, V := 1, 3, m.Config.VocabSize
	_, _, err := m.Forward([]int32{1, 2, 3}, B, T)
	require.NoError(t, err)
	dlogits := make([]float32, B*T*V)
	for i := range dlogits {
		dlogits[i] = 0.1
	}
	require.NoError(t, m.Backward(dlogits, make([]float32, B*T)))

	before := append([]float32(nil), m.Params.Memory...)
	require.NoError(t, m.Update(1e-3, 0.9, 0.999, 1e-8, 0, 1))
	changed := false
	for i := range before {
		if before[i] != m.Params.Memory[i] {
			changed = true
			break
		}
	}
	assert.True(t, changed)
}

func TestGenerateReturnsOnlyNewTokens(t *testing.T) {
	m := New(tinyConfig(), 7)
	query := []int32{1, 2, 3}
	out, err := m.Generate(query, 5, 1.0)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	for _, tok := range out {
		assert.GreaterOrEqual(t, tok, int32(0))
		assert.Less(t, tok, int32(m.Config.VocabSize))
	}

	_, err = m.Generate(nil, 3, 1.0)
	assert.Error(t, err)
}
