package ppo

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/conneroisu/ppo/pkg/torch"
)

// batch bundles one outer step's trajectories for the optimization
// phase. All per-token fields are indexed [sequence][response token].
type batch struct {
	queries    [][]int32
	responses  [][]int32
	oldLogps   [][]float64
	oldValues  [][]float64
	advantages [][]float64
	returns    [][]float64
}

// optimStats aggregates per-token diagnostics across every minibatch of
// an optimization phase.
type optimStats struct {
	policyLoss float64
	valueLoss  float64
	entropy    float64
	clipFrac   float64
	tokens     int
	clipped    int
}

func (s *optimStats) finish() {
	if s.tokens == 0 {
		return
	}
	n := float64(s.tokens)
	s.policyLoss /= n
	s.valueLoss /= n
	s.entropy /= n
	s.clipFrac = float64(s.clipped) / n
}

// optimize runs Epochs passes of shuffled minibatch updates over the
// batch. updates is the global optimizer step counter shared across
// outer steps so AdamW bias correction stays monotone.
func optimize(policy Policy, cfg *Config, data *batch, rng *rand.Rand, updates *int) (*optimStats, error) {
	n := len(data.queries)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	stats := &optimStats{}
	pending := 0
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		for start := 0; start < n; start += cfg.MinibatchSize {
			end := start + cfg.MinibatchSize
			if end > n {
				end = n
			}
			if err := minibatchStep(policy, cfg, data, order[start:end], stats); err != nil {
				return nil, err
			}
			pending++
			if pending == cfg.GradAccumSteps {
				*updates++
				if err := policy.Update(cfg.LearningRate, 0.9, 0.999, 1e-8, 0.0, *updates); err != nil {
					return nil, err
				}
				policy.ZeroGrad()
				pending = 0
			}
		}
	}
	// a trailing partial accumulation window still becomes an update
	if pending > 0 {
		*updates++
		if err := policy.Update(cfg.LearningRate, 0.9, 0.999, 1e-8, 0.0, *updates); err != nil {
			return nil, err
		}
		policy.ZeroGrad()
	}
	stats.finish()
	return stats, nil
}

// minibatchStep forwards the minibatch through the current policy,
// evaluates the clipped surrogate and clipped value losses, and pushes
// their gradients back through the model. Parameter gradients
// accumulate in the policy; the caller decides when to apply them.
func minibatchStep(policy Policy, cfg *Config, data *batch, idx []int, stats *optimStats) error {
	queries := make([][]int32, len(idx))
	responses := make([][]int32, len(idx))
	for i, k := range idx {
		queries[i] = data.queries[k]
		responses[i] = data.responses[k]
	}
	flat, maxLen := padBatch(queries, responses)
	B := len(idx)
	logits, values, err := policy.Forward(flat, B, maxLen)
	if err != nil {
		return err
	}
	V := len(logits) / (B * maxLen)

	probs := make([]float32, B*maxLen*V)
	torch.SoftmaxForward(probs, logits, B, maxLen, V)

	nTok := 0
	for _, k := range idx {
		nTok += len(data.responses[k])
	}
	// each accumulation window averages over its minibatches
	gradScale := 1.0 / (float64(nTok) * float64(cfg.GradAccumSteps))

	dlogp := make([]float32, B*maxLen)
	dvalues := make([]float32, B*maxLen)
	targets := make([]int32, B*maxLen)
	var totalLoss float64
	for b, k := range idx {
		qlen := len(data.queries[k])
		for j, token := range data.responses[k] {
			pos := b*maxLen + qlen - 1 + j
			row := logits[pos*V : (pos+1)*V]
			newLogp, entropy := logProbOf(row, token)
			targets[pos] = token

			adv := data.advantages[k][j]
			ratio := math.Exp(newLogp - data.oldLogps[k][j])
			clippedRatio := clamp(ratio, 1-cfg.ClipRange, 1+cfg.ClipRange)
			s1 := -adv * ratio
			s2 := -adv * clippedRatio
			policyLoss := math.Max(s1, s2)
			if s1 >= s2 {
				dlogp[pos] = float32(-adv * ratio * gradScale)
			}
			if s2 > s1 {
				stats.clipped++
			}

			v := float64(values[pos])
			oldV := data.oldValues[k][j]
			ret := data.returns[k][j]
			vClipped := oldV + clamp(v-oldV, -cfg.ValueClipRange, cfg.ValueClipRange)
			l1 := (v - ret) * (v - ret)
			l2 := (vClipped - ret) * (vClipped - ret)
			valueLoss := math.Max(l1, l2)
			if l1 >= l2 {
				dvalues[pos] = float32(cfg.ValueCoef * 2 * (v - ret) * gradScale)
			}

			totalLoss += policyLoss + cfg.ValueCoef*valueLoss
			stats.policyLoss += policyLoss
			stats.valueLoss += valueLoss
			stats.entropy += entropy
			stats.tokens++
		}
	}
	if math.IsNaN(totalLoss) || math.IsInf(totalLoss, 0) {
		return fmt.Errorf("optimize: non-finite loss in minibatch")
	}

	dlogits := make([]float32, B*maxLen*V)
	torch.LogProbsBackward(dlogits, dlogp, probs, targets, B, maxLen, V)
	return policy.Backward(dlogits, dvalues)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
