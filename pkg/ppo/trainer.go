// Package ppo implements proximal policy optimization for fine-tuning
// an autoregressive language model against scalar rewards, with a KL
// penalty keeping the tuned policy near a frozen reference model.
package ppo

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/conneroisu/ppo/pkg/kl"
	"github.com/conneroisu/ppo/pkg/stats"
)

// Stats summarizes one outer training step.
type Stats struct {
	// MeanReward is the mean of the raw scalar rewards handed to Step.
	MeanReward float64
	// MeanKL is the mean per-sequence divergence from the reference.
	MeanKL float64
	// KLCoef is the penalty coefficient used during this step.
	KLCoef float64
	// PolicyLoss is the mean per-token clipped surrogate loss.
	PolicyLoss float64
	// ValueLoss is the mean per-token clipped value loss.
	ValueLoss float64
	// Entropy is the mean per-token policy entropy.
	Entropy float64
	// ClipFraction is the fraction of tokens whose ratio was clipped.
	ClipFraction float64
}

// Trainer drives the PPO loop: the caller generates responses and
// scores them however it likes, and Step turns each scored batch into
// policy and value-function updates.
type Trainer struct {
	cfg    Config
	policy Policy
	ref    Reference
	ctrl   kl.Controller

	rewardStats stats.Running
	rng         *rand.Rand
	updates     int
}

// New builds a trainer over a trainable policy and a frozen reference.
func New(cfg Config, policy Policy, ref Reference) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if policy == nil || ref == nil {
		return nil, fmt.Errorf("trainer needs both a policy and a reference model")
	}
	var ctrl kl.Controller
	if cfg.AdaptiveKL {
		ctrl = kl.NewAdaptive(cfg.InitKLCoef, cfg.TargetKL, cfg.Horizon)
	} else {
		ctrl = kl.NewFixed(cfg.InitKLCoef)
	}
	return &Trainer{
		cfg:    cfg,
		policy: policy,
		ref:    ref,
		ctrl:   ctrl,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// KLCoef reports the current KL penalty coefficient.
func (tr *Trainer) KLCoef() float64 { return tr.ctrl.Value() }

// Step runs one full PPO update on a batch of (query, response, reward)
// triplets: evaluate old-policy and reference trajectories, shape the
// rewards with the KL penalty, estimate advantages, and optimize the
// policy for several epochs of shuffled minibatches.
func (tr *Trainer) Step(queries, responses [][]int32, rewards []float64) (*Stats, error) {
	if err := validateBatch(queries, responses, rewards); err != nil {
		return nil, err
	}

	scaled := append([]float64(nil), rewards...)
	if tr.cfg.WhitenRewards {
		tr.rewardStats.Update(scaled)
		mean, std := tr.rewardStats.Mean(), tr.rewardStats.Std()
		for i := range scaled {
			scaled[i] = (scaled[i] - mean) / (std + 1e-8)
		}
	}

	// old-policy and reference measurements run without dropout so the
	// ratios start from exactly one
	tr.policy.SetTraining(false)
	policyEval, err := batchedForward(tr.policy, queries, responses, tr.cfg.ForwardBatchSize)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation: %w", err)
	}
	refEval, err := batchedForward(tr.ref, queries, responses, tr.cfg.ForwardBatchSize)
	if err != nil {
		return nil, fmt.Errorf("reference evaluation: %w", err)
	}

	coef := tr.ctrl.Value()
	shaped, meanKL := shapeRewards(scaled, policyEval.LogProbs, refEval.LogProbs, coef)

	advantages := make([][]float64, len(queries))
	returns := make([][]float64, len(queries))
	for i := range shaped {
		advantages[i], returns[i] = estimateAdvantages(shaped[i], policyEval.Values[i], tr.cfg.Gamma, tr.cfg.Lambda)
	}
	if tr.cfg.WhitenAdvantages {
		whiten(advantages)
	}

	data := &batch{
		queries:    queries,
		responses:  responses,
		oldLogps:   policyEval.LogProbs,
		oldValues:  policyEval.Values,
		advantages: advantages,
		returns:    returns,
	}
	tr.policy.SetTraining(true)
	optStats, err := optimize(tr.policy, &tr.cfg, data, tr.rng, &tr.updates)
	tr.policy.SetTraining(false)
	if err != nil {
		return nil, err
	}

	tr.ctrl.Update(meanKL, len(queries))

	return &Stats{
		MeanReward:   stat.Mean(rewards, nil),
		MeanKL:       meanKL,
		KLCoef:       coef,
		PolicyLoss:   optStats.policyLoss,
		ValueLoss:    optStats.valueLoss,
		Entropy:      optStats.entropy,
		ClipFraction: optStats.clipFrac,
	}, nil
}

func validateBatch(queries, responses [][]int32, rewards []float64) error {
	if len(queries) == 0 {
		return fmt.Errorf("step: empty batch")
	}
	if len(responses) != len(queries) || len(rewards) != len(queries) {
		return fmt.Errorf("step: got %d queries, %d responses, %d rewards",
			len(queries), len(responses), len(rewards))
	}
	for i := range queries {
		if len(queries[i]) == 0 {
			return fmt.Errorf("step: query %d is empty", i)
		}
		if len(responses[i]) == 0 {
			return fmt.Errorf("step: response %d is empty", i)
		}
	}
	return nil
}
