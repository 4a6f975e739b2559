package reward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleScorerCountsWeightedMatches(t *testing.T) {
	vowels, err := NewRule(`[aeiou]`, 0.1)
	require.NoError(t, err)
	s := NewRuleScorer(1.0, vowels)

	got, err := s.Score("aea")
	require.NoError(t, err)
	assert.InDelta(t, 1.3, got, 1e-12)
}

func TestRuleBackreferenceCatchesRepetition(t *testing.T) {
	repetition, err := NewRule(`(?i)\b(\w+)\s+\1\b`, -0.5)
	require.NoError(t, err)
	s := NewRuleScorer(0, repetition)

	got, err := s.Score("the the cat sat sat")
	require.NoError(t, err)
	assert.InDelta(t, -1.0, got, 1e-12)

	got, err = s.Score("the cat sat")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-12)
}

func TestNewRuleRejectsBadPattern(t *testing.T) {
	_, err := NewRule(`(`, 1)
	assert.Error(t, err)
}

func TestDefaultScorer(t *testing.T) {
	s, err := DefaultScorer()
	require.NoError(t, err)

	fluent, err := s.Score("A tidy sentence.")
	require.NoError(t, err)
	clunky, err2 := s.Score("word word word word")
	require.NoError(t, err2)
	assert.Greater(t, fluent, clunky)
}
