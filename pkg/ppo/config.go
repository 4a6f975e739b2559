package ppo

import "fmt"

// Config holds every knob of the PPO trainer. Construct with
// DefaultConfig and override; Validate is called by New.
type Config struct {
	// BatchSize is the number of (query, response, reward) triplets per
	// outer step.
	BatchSize int
	// ForwardBatchSize bounds the sub-batch size of evaluation forward
	// passes. It is a memory knob only and never changes results.
	ForwardBatchSize int
	// MinibatchSize is the number of examples per optimizer update.
	MinibatchSize int
	// Epochs is the number of optimization passes over each batch.
	Epochs int
	// GradAccumSteps folds the gradients of this many minibatches into
	// one optimizer update.
	GradAccumSteps int
	// LearningRate is the AdamW step size.
	LearningRate float32
	// Gamma is the discount factor.
	Gamma float64
	// Lambda is the GAE parameter.
	Lambda float64
	// ClipRange is the PPO probability-ratio clip epsilon.
	ClipRange float64
	// ValueClipRange is the value-function clip epsilon.
	ValueClipRange float64
	// ValueCoef scales the value loss against the policy loss.
	ValueCoef float64
	// InitKLCoef is the starting KL penalty coefficient.
	InitKLCoef float64
	// AdaptiveKL selects the adaptive controller over the fixed one.
	AdaptiveKL bool
	// TargetKL is the per-sequence KL the adaptive controller steers
	// toward.
	TargetKL float64
	// Horizon is the adaptation horizon in samples.
	Horizon float64
	// WhitenRewards normalizes scalar rewards with running statistics
	// before shaping.
	WhitenRewards bool
	// WhitenAdvantages normalizes advantages across the whole batch
	// after GAE.
	WhitenAdvantages bool
	// Seed feeds the minibatch shuffle.
	Seed int64
}

// DefaultConfig mirrors the hyperparameters of the original
// "fine-tuning language models from human preferences" setup.
func DefaultConfig() Config {
	return Config{
		BatchSize:        256,
		ForwardBatchSize: 16,
		MinibatchSize:    1,
		Epochs:           4,
		GradAccumSteps:   1,
		LearningRate:     1.41e-5,
		Gamma:            1.0,
		Lambda:           0.95,
		ClipRange:        0.2,
		ValueClipRange:   0.2,
		ValueCoef:        0.1,
		InitKLCoef:       0.2,
		AdaptiveKL:       true,
		TargetKL:         6.0,
		Horizon:          10000,
		WhitenRewards:    false,
		WhitenAdvantages: true,
		Seed:             1,
	}
}

// Validate rejects configurations that would corrupt training rather
// than merely perform badly.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.ForwardBatchSize <= 0 {
		return fmt.Errorf("forward batch size must be positive, got %d", c.ForwardBatchSize)
	}
	if c.MinibatchSize <= 0 {
		return fmt.Errorf("minibatch size must be positive, got %d", c.MinibatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.GradAccumSteps <= 0 {
		return fmt.Errorf("gradient accumulation steps must be positive, got %d", c.GradAccumSteps)
	}
	if c.LearningRate < 0 {
		return fmt.Errorf("learning rate must be non-negative, got %v", c.LearningRate)
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("gamma must be in [0,1], got %v", c.Gamma)
	}
	if c.Lambda < 0 || c.Lambda > 1 {
		return fmt.Errorf("lambda must be in [0,1], got %v", c.Lambda)
	}
	if c.ClipRange <= 0 {
		return fmt.Errorf("clip range must be positive, got %v", c.ClipRange)
	}
	if c.ValueClipRange <= 0 {
		return fmt.Errorf("value clip range must be positive, got %v", c.ValueClipRange)
	}
	if c.ValueCoef < 0 {
		return fmt.Errorf("value coefficient must be non-negative, got %v", c.ValueCoef)
	}
	if c.InitKLCoef < 0 {
		return fmt.Errorf("initial KL coefficient must be non-negative, got %v", c.InitKLCoef)
	}
	if c.AdaptiveKL {
		if c.TargetKL <= 0 {
			return fmt.Errorf("target KL must be positive, got %v", c.TargetKL)
		}
		if c.Horizon <= 0 {
			return fmt.Errorf("horizon must be positive, got %v", c.Horizon)
		}
	}
	return nil
}
