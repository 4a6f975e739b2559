// Package cmd contains the root command for the PPO fine-tuning CLI.
package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	verbose       bool
	modelPath     string
	tokenizerPath string
	datasetPath   string

	text        string
	length      int
	temperature float64
	seed        int64

	steps            int
	batchSize        int
	queryLength      int
	responseLength   int
	forwardBatchSize int
	minibatchSize    int
	epochs           int
	gradAccumSteps   int
	learningRate     float32

	gamma          float64
	lambda         float64
	clipRange      float64
	valueClipRange float64
	valueCoef      float64
	klCoef         float64
	targetKL       float64
	horizon        float64
	adaptiveKL     bool
	whitenRewards  bool
}

// RootArgs is the root command arguments.
var RootArgs rootArgs

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ppo",
	Short: "PPO fine-tuning for GPT-2",
	Long: `
Fine-tune a GPT-2 checkpoint with proximal policy optimization.

Generates responses to prompts from a token dataset, scores them, and
updates the model toward higher-reward generations while a KL penalty
keeps it close to the starting checkpoint.
	`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if RootArgs.verbose {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		BoolVarP(&RootArgs.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().
		StringVarP(&RootArgs.modelPath, "model-path", "m", "gpt2_124M.bin", "Path to the model checkpoint")
	rootCmd.PersistentFlags().
		StringVarP(&RootArgs.tokenizerPath, "tokenizer-path", "p", "gpt2_tokenizer.bin", "Path to the tokenizer file")
	rootCmd.PersistentFlags().
		Int64VarP(&RootArgs.seed, "seed", "s", 1, "Seed for random number generators")
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewSampleCommand())
}
