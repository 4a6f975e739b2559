package ppo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadBatchRepeatsLastToken(t *testing.T) {
	queries := [][]int32{{1, 2}, {3}}
	responses := [][]int32{{4}, {5, 6, 7}}

	flat, maxLen := padBatch(queries, responses)

	require.Equal(t, 4, maxLen)
	assert.Equal(t, []int32{1, 2, 4, 4, 3, 5, 6, 7}, flat)
}

func TestBatchedForwardGathersResponseRegion(t *testing.T) {
	m := &stubModel{vocab: 5}
	queries := [][]int32{{1, 2, 3}}
	responses := [][]int32{{4, 0}}

	ev, err := batchedForward(m, queries, responses, 8)
	require.NoError(t, err)
	require.Len(t, ev.LogProbs[0], 2)

	// response token j is scored by the logits of the token before it
	logits, values, err := m.Forward([]int32{1, 2, 3, 4, 0}, 1, 5)
	require.NoError(t, err)
	for j, tok := range responses[0] {
		pos := 2 + j
		wantLogp, wantEnt := logProbOf(logits[pos*5:(pos+1)*5], tok)
		assert.InDelta(t, wantLogp, ev.LogProbs[0][j], 1e-9)
		assert.InDelta(t, wantEnt, ev.Entropy[0][j], 1e-9)
		assert.InDelta(t, float64(values[pos]), ev.Values[0][j], 1e-9)
	}
}

func TestBatchedForwardSubBatchingIsTransparent(t *testing.T) {
	m := &stubModel{vocab: 6}
	queries := [][]int32{{1, 2}, {3, 4, 5}, {0}, {2, 2, 2, 2}}
	responses := [][]int32{{1}, {0, 1}, {5, 4, 3}, {1, 0}}

	full, err := batchedForward(m, queries, responses, len(queries))
	require.NoError(t, err)
	split, err := batchedForward(m, queries, responses, 1)
	require.NoError(t, err)

	for i := range queries {
		for j := range responses[i] {
			assert.InDelta(t, full.LogProbs[i][j], split.LogProbs[i][j], 1e-6)
			assert.InDelta(t, full.Values[i][j], split.Values[i][j], 1e-6)
			assert.InDelta(t, full.Entropy[i][j], split.Entropy[i][j], 1e-6)
		}
	}
}

func TestLogProbOfNormalizes(t *testing.T) {
	row := []float32{0.5, -1.25, 3.0, 0.0}

	var total float64
	for tok := range row {
		logp, _ := logProbOf(row, int32(tok))
		total += math.Exp(logp)
	}
	assert.InDelta(t, 1.0, total, 1e-9)

	// uniform logits give maximal entropy log(V)
	_, ent := logProbOf([]float32{2, 2, 2, 2}, 0)
	assert.InDelta(t, math.Log(4), ent, 1e-9)
}
