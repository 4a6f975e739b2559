package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrieLongestMatch(t *testing.T) {
	tr := newTrie()
	require.NoError(t, tr.Insert([]byte("a"), 1))
	require.NoError(t, tr.Insert([]byte("ab"), 2))
	require.NoError(t, tr.Insert([]byte("abc"), 3))
	require.NoError(t, tr.Insert([]byte("b"), 4))

	split, tokens := tr.Tokenize([]byte("abcaabb"))
	assert.Equal(t, [][]byte{[]byte("abc"), []byte("a"), []byte("ab"), []byte("b")}, split)
	assert.Equal(t, []int32{3, 1, 2, 4}, tokens)
}

func TestTrieUnknownBytesEmitEOT(t *testing.T) {
	tr := newTrie()
	require.NoError(t, tr.Insert([]byte("hi"), 9))

	_, tokens := tr.Tokenize([]byte("xhi"))
	assert.Equal(t, []int32{EOT, 9}, tokens)
}

func TestTrieRejectsEmptyWord(t *testing.T) {
	tr := newTrie()
	assert.Error(t, tr.Insert(nil, 0))
}
