package model

import "fmt"

// trie stores token byte strings for longest-match encoding.
type trie struct {
	children map[byte]*trie
	data     int32
	end      bool
}

func newTrie() trie {
	return trie{children: map[byte]*trie{}}
}

// Insert adds a token's byte string with its ID.
func (t *trie) Insert(word []byte, data int32) error {
	if len(word) == 0 {
		return fmt.Errorf("zero length word not supported")
	}
	cur := t
	for i := 0; i < len(word); i++ {
		index := word[i]
		if cur.children[index] == nil {
			cur.children[index] = &trie{children: map[byte]*trie{}}
		}
		cur = cur.children[index]
	}
	cur.end = true
	cur.data = data
	return nil
}

// Tokenize splits input into the longest matching tokens, emitting EOT
// for byte runs with no match.
func (t *trie) Tokenize(input []byte) ([][]byte, []int32) {
	cur := t
	token := EOT
	endIdx, next := 1, 0
	split, tokens := make([][]byte, 0), make([]int32, 0)
	for len(input) != 0 {
		switch {
		case next == len(input), cur.children[input[next]] == nil:
			split = append(split, input[:endIdx])
			tokens = append(tokens, token)
			input = input[endIdx:]
			token = EOT
			cur = t
			next = 0
			endIdx = 1
		default:
			cur = cur.children[input[next]]
			next++
			if cur.end {
				endIdx = next
				token = cur.data
			}
		}
	}
	return split, tokens
}
