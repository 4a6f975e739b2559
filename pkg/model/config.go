package model

// EOT is the GPT-2 end-of-text token.
const EOT int32 = 50256

// Config describes the transformer architecture.
type Config struct {
	// MaxSeqLen is the maximum sequence length.
	MaxSeqLen int
	// VocabSize is the size of the vocabulary.
	VocabSize int
	// NumLayers is the number of transformer blocks.
	NumLayers int
	// NumHeads is the number of attention heads per block.
	NumHeads int
	// Channels is the embedding dimension.
	Channels int
	// EOT is the end-of-text token ID.
	EOT int32
	// ValueHead configures the scalar value head.
	ValueHead ValueHeadConfig
}

// ValueHeadConfig holds the value-head knobs. All fields are resolved
// once at construction; the forward pass never falls back to implicit
// defaults.
type ValueHeadConfig struct {
	// Projection inserts a Channels x Channels linear layer with a GELU
	// before the scalar output.
	Projection bool
	// Dropout is the rate applied to the head input while training.
	Dropout float32
}

// DefaultValueHeadConfig returns the value-head settings used when a
// checkpoint does not carry its own: no projection, 10% dropout.
func DefaultValueHeadConfig() ValueHeadConfig {
	return ValueHeadConfig{
		Projection: false,
		Dropout:    0.1,
	}
}
