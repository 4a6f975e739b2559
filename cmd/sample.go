package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/ppo/pkg/model"
)

// NewSampleCommand returns a new sample command.
func NewSampleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample completions from a checkpoint",
		Long: `
Sample completions from a GPT-2 checkpoint.

Useful for eyeballing a policy before and after fine-tuning.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.LoadCheckpoint(RootArgs.modelPath, model.DefaultValueHeadConfig())
			if err != nil {
				return fmt.Errorf("failed to load model: %w", err)
			}
			tokenizer, err := model.NewTokenizer(RootArgs.tokenizerPath)
			if err != nil {
				return fmt.Errorf("failed to load tokenizer: %w", err)
			}

			query := []int32{model.EOT}
			if RootArgs.text != "" {
				query, err = tokenizer.Encode(RootArgs.text)
				if err != nil {
					return fmt.Errorf("encoding prompt: %w", err)
				}
			}
			tokens, err := m.Generate(query, RootArgs.length, float32(RootArgs.temperature))
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}
			text, err := tokenizer.Decode(tokens)
			if err != nil {
				return fmt.Errorf("decoding sample: %w", err)
			}
			fmt.Println(RootArgs.text + text)
			return nil
		},
	}

	cmd.Flags().
		StringVarP(&RootArgs.text, "text", "t", "", "Prompt text, EOT-conditioned when empty")
	cmd.Flags().
		IntVarP(&RootArgs.length, "length", "l", 64, "Number of tokens to sample")
	cmd.Flags().
		Float64VarP(&RootArgs.temperature, "temperature", "T", 1.0, "Sampling temperature")
	return cmd
}
