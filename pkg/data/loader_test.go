package data

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokens(t *testing.T, tokens []int32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, tokens))
	require.NoError(t, f.Close())
	return path
}

func TestPromptLoaderBatches(t *testing.T) {
	path := writeTokens(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})

	loader, err := NewPromptLoader(path, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.NumBatches)

	first := loader.NextBatch()
	require.Len(t, first, 2)
	assert.Equal(t, []int32{0, 1, 2}, first[0])
	assert.Equal(t, []int32{3, 4, 5}, first[1])

	second := loader.NextBatch()
	assert.Equal(t, []int32{6, 7, 8}, second[0])
	assert.Equal(t, []int32{9, 10, 11}, second[1])

	// wraps back to the start
	third := loader.NextBatch()
	assert.Equal(t, first, third)
}

func TestPromptLoaderReset(t *testing.T) {
	path := writeTokens(t, []int32{1, 2, 3, 4})

	loader, err := NewPromptLoader(path, 1, 2)
	require.NoError(t, err)

	first := loader.NextBatch()
	loader.Reset()
	assert.Equal(t, first, loader.NextBatch())
}

func TestPromptLoaderTooSmall(t *testing.T) {
	path := writeTokens(t, []int32{1})
	_, err := NewPromptLoader(path, 2, 3)
	assert.Error(t, err)
}
