package ppo

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freshBatch evaluates the stub policy so the old trajectories match the
// current one exactly, which pins every probability ratio at one.
func freshBatch(t *testing.T, p *stubPolicy, queries, responses [][]int32) *batch {
	t.Helper()
	ev, err := batchedForward(p, queries, responses, len(queries))
	require.NoError(t, err)
	data := &batch{
		queries:   queries,
		responses: responses,
		oldLogps:  ev.LogProbs,
		oldValues: ev.Values,
	}
	data.advantages = make([][]float64, len(queries))
	data.returns = make([][]float64, len(queries))
	for i := range queries {
		advs := make([]float64, len(responses[i]))
		for j := range advs {
			advs[j] = float64(i+1) * 0.5
		}
		data.advantages[i] = advs
		// returns equal to old values zero out the value loss
		data.returns[i] = append([]float64(nil), ev.Values[i]...)
	}
	return data
}

func TestOptimizeRatioOneIsIdentitySurrogate(t *testing.T) {
	p := &stubPolicy{stubModel: stubModel{vocab: 5}}
	queries := [][]int32{{1, 2}, {3}}
	responses := [][]int32{{4, 0}, {2, 1, 3}}
	data := freshBatch(t, p, queries, responses)

	cfg := DefaultConfig()
	cfg.Epochs = 2
	cfg.MinibatchSize = 1

	updates := 0
	stats, err := optimize(p, &cfg, data, rand.New(rand.NewSource(7)), &updates)
	require.NoError(t, err)

	// with ratio pinned at one the surrogate is exactly -mean(advantage)
	// and nothing is clipped
	var advSum float64
	var n int
	for _, row := range data.advantages {
		for _, a := range row {
			advSum += a
			n++
		}
	}
	assert.InDelta(t, -advSum/float64(n), stats.policyLoss, 1e-6)
	assert.Zero(t, stats.clipFrac)
	assert.InDelta(t, 0.0, stats.valueLoss, 1e-9)
	assert.Positive(t, stats.entropy)
}

func TestOptimizeUpdateCadence(t *testing.T) {
	p := &stubPolicy{stubModel: stubModel{vocab: 4}}
	queries := [][]int32{{1}, {2}, {3}, {0}}
	responses := [][]int32{{1}, {2}, {3}, {0}}
	data := freshBatch(t, p, queries, responses)

	cfg := DefaultConfig()
	cfg.Epochs = 3
	cfg.MinibatchSize = 1
	cfg.GradAccumSteps = 2

	updates := 0
	_, err := optimize(p, &cfg, data, rand.New(rand.NewSource(1)), &updates)
	require.NoError(t, err)

	// 3 epochs x 4 minibatches folded pairwise into optimizer steps
	assert.Equal(t, 12, p.backwardCalls)
	assert.Equal(t, 6, p.updateCalls)
	assert.Equal(t, 6, updates)
	assert.Equal(t, p.updateCalls, p.zeroCalls)
}

func TestMinibatchStepMasksQueryAndPadding(t *testing.T) {
	p := &stubPolicy{stubModel: stubModel{vocab: 5}}
	// identical shapes keep the valid positions stable under shuffling
	queries := [][]int32{{1, 2, 3}, {4, 0, 2}}
	responses := [][]int32{{0, 1}, {1, 2}}
	data := freshBatch(t, p, queries, responses)

	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.MinibatchSize = 2

	updates := 0
	_, err := optimize(p, &cfg, data, rand.New(rand.NewSource(3)), &updates)
	require.NoError(t, err)
	require.NotEmpty(t, p.lastDvalues)

	maxLen := 5
	valid := map[int]bool{}
	for b, q := range queries {
		for j := range responses[b] {
			valid[b*maxLen+len(q)-1+j] = true
		}
	}
	for pos, d := range p.lastDvalues {
		if !valid[pos] {
			assert.Zerof(t, d, "value gradient leaked into position %d", pos)
			for v := 0; v < 5; v++ {
				assert.Zerof(t, p.lastDlogits[pos*5+v], "logit gradient leaked into position %d", pos)
			}
		}
	}
}
