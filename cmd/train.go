package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conneroisu/ppo/pkg/data"
	"github.com/conneroisu/ppo/pkg/model"
	"github.com/conneroisu/ppo/pkg/ppo"
	"github.com/conneroisu/ppo/pkg/reward"
)

// NewTrainCommand returns a new train command.
func NewTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune a checkpoint with PPO",
		Long: `
Fine-tune a GPT-2 checkpoint with proximal policy optimization.

Each step draws a batch of prompts from the dataset, samples responses
from the policy, scores them with the rule-based reward, and runs one
PPO update.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := model.LoadCheckpoint(RootArgs.modelPath, model.DefaultValueHeadConfig())
			if err != nil {
				return fmt.Errorf("failed to load model: %w", err)
			}
			tokenizer, err := model.NewTokenizer(RootArgs.tokenizerPath)
			if err != nil {
				return fmt.Errorf("failed to load tokenizer: %w", err)
			}
			ref := policy.Clone()
			ref.Freeze()

			loader, err := data.NewPromptLoader(
				RootArgs.datasetPath,
				RootArgs.batchSize,
				RootArgs.queryLength,
			)
			if err != nil {
				return fmt.Errorf("failed to load prompt loader: %w", err)
			}
			scorer, err := reward.DefaultScorer()
			if err != nil {
				return err
			}

			cfg := ppo.DefaultConfig()
			cfg.BatchSize = RootArgs.batchSize
			cfg.ForwardBatchSize = RootArgs.forwardBatchSize
			cfg.MinibatchSize = RootArgs.minibatchSize
			cfg.Epochs = RootArgs.epochs
			cfg.GradAccumSteps = RootArgs.gradAccumSteps
			cfg.LearningRate = RootArgs.learningRate
			cfg.Gamma = RootArgs.gamma
			cfg.Lambda = RootArgs.lambda
			cfg.ClipRange = RootArgs.clipRange
			cfg.ValueClipRange = RootArgs.valueClipRange
			cfg.ValueCoef = RootArgs.valueCoef
			cfg.InitKLCoef = RootArgs.klCoef
			cfg.AdaptiveKL = RootArgs.adaptiveKL
			cfg.TargetKL = RootArgs.targetKL
			cfg.Horizon = RootArgs.horizon
			cfg.WhitenRewards = RootArgs.whitenRewards
			cfg.Seed = RootArgs.seed

			trainer, err := ppo.New(cfg, policy, ref)
			if err != nil {
				return err
			}

			for step := 0; step < RootArgs.steps; step++ {
				start := time.Now()
				queries := loader.NextBatch()
				responses := make([][]int32, len(queries))
				rewards := make([]float64, len(queries))
				for i, query := range queries {
					resp, err := policy.Generate(query, RootArgs.responseLength, float32(RootArgs.temperature))
					if err != nil {
						return fmt.Errorf("rollout failed: %w", err)
					}
					text, err := tokenizer.Decode(resp)
					if err != nil {
						return fmt.Errorf("decoding response: %w", err)
					}
					score, err := scorer.Score(text)
					if err != nil {
						return fmt.Errorf("scoring response: %w", err)
					}
					responses[i] = resp
					rewards[i] = score
				}

				stats, err := trainer.Step(queries, responses, rewards)
				if err != nil {
					return fmt.Errorf("ppo step %d: %w", step, err)
				}
				log.Info("step",
					"n", step,
					"reward", stats.MeanReward,
					"kl", stats.MeanKL,
					"kl_coef", stats.KLCoef,
					"policy_loss", stats.PolicyLoss,
					"value_loss", stats.ValueLoss,
					"entropy", stats.Entropy,
					"clip_frac", stats.ClipFraction,
					"took", time.Since(start),
				)
			}
			return nil
		},
	}

	cmd.Flags().
		StringVarP(&RootArgs.datasetPath, "dataset-path", "d", "dataset.bin", "Path to the prompt token file")
	cmd.Flags().
		IntVarP(&RootArgs.steps, "steps", "n", 100, "Number of PPO steps")
	cmd.Flags().
		IntVarP(&RootArgs.batchSize, "batch-size", "b", 8, "Prompts per PPO step")
	cmd.Flags().
		IntVarP(&RootArgs.queryLength, "query-length", "q", 16, "Prompt length in tokens")
	cmd.Flags().
		IntVarP(&RootArgs.responseLength, "response-length", "l", 24, "Response length in tokens")
	cmd.Flags().
		IntVar(&RootArgs.forwardBatchSize, "forward-batch-size", 4, "Evaluation sub-batch size")
	cmd.Flags().
		IntVar(&RootArgs.minibatchSize, "minibatch-size", 1, "Examples per optimizer update")
	cmd.Flags().
		IntVar(&RootArgs.epochs, "epochs", 4, "Optimization epochs per batch")
	cmd.Flags().
		IntVar(&RootArgs.gradAccumSteps, "grad-accum-steps", 1, "Minibatches folded into one update")
	cmd.Flags().
		Float32VarP(&RootArgs.learningRate, "learning-rate", "r", 1.41e-5, "Learning rate")
	cmd.Flags().
		Float64VarP(&RootArgs.temperature, "temperature", "T", 1.0, "Sampling temperature")
	cmd.Flags().
		Float64Var(&RootArgs.gamma, "gamma", 1.0, "Discount factor")
	cmd.Flags().
		Float64Var(&RootArgs.lambda, "lambda", 0.95, "GAE lambda")
	cmd.Flags().
		Float64Var(&RootArgs.clipRange, "clip-range", 0.2, "PPO ratio clip range")
	cmd.Flags().
		Float64Var(&RootArgs.valueClipRange, "value-clip-range", 0.2, "Value clip range")
	cmd.Flags().
		Float64Var(&RootArgs.valueCoef, "value-coef", 0.1, "Value loss coefficient")
	cmd.Flags().
		Float64Var(&RootArgs.klCoef, "kl-coef", 0.2, "Initial KL penalty coefficient")
	cmd.Flags().
		Float64Var(&RootArgs.targetKL, "target-kl", 6.0, "Adaptive KL target")
	cmd.Flags().
		Float64Var(&RootArgs.horizon, "horizon", 10000, "Adaptive KL horizon in samples")
	cmd.Flags().
		BoolVar(&RootArgs.adaptiveKL, "adaptive-kl", true, "Adapt the KL coefficient")
	cmd.Flags().
		BoolVar(&RootArgs.whitenRewards, "whiten-rewards", false, "Whiten rewards with running statistics")
	return cmd
}
