package model

import (
	"encoding/binary"
	"fmt"
	"os"
)

const tokenizerMagic uint32 = 20240328

// Tokenizer maps between text and token IDs.
type Tokenizer interface {
	Decode(tokens []int32) (string, error)
	Encode(text string) ([]int32, error)
}

// BPETokenizer reads the GPT-2 token table from its binary dump and
// serves lookups both ways, using a byte trie for encoding.
type BPETokenizer struct {
	vocabSize  uint32
	tokenTable []string
	trie       trie
}

// NewTokenizer loads a tokenizer table from disk.
func NewTokenizer(filename string) (*BPETokenizer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header := make([]uint32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != tokenizerMagic || header[1] != 1 {
		return nil, fmt.Errorf("incorrect header for tokenizer")
	}
	tok := &BPETokenizer{
		vocabSize:  header[2],
		tokenTable: make([]string, header[2]),
		trie:       newTrie(),
	}
	var length byte
	for i := range tok.tokenTable {
		if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, fmt.Errorf("tokenizer table holds an empty token")
		}
		tokenBytes := make([]byte, length)
		if err := binary.Read(f, binary.LittleEndian, tokenBytes); err != nil {
			return nil, err
		}
		tok.tokenTable[i] = string(tokenBytes)
		if err := tok.trie.Insert(tokenBytes, int32(i)); err != nil {
			return nil, err
		}
	}
	return tok, nil
}

// Decode concatenates the byte strings of tokens, skipping EOT.
func (t *BPETokenizer) Decode(tokens []int32) (string, error) {
	var s string
	for _, token := range tokens {
		if token >= int32(len(t.tokenTable)) {
			return "", fmt.Errorf("token %d out of range", token)
		}
		if token != EOT {
			s += t.tokenTable[token]
		}
	}
	return s, nil
}

// Encode greedily matches the longest known token at each position.
func (t *BPETokenizer) Encode(text string) ([]int32, error) {
	_, tokens := t.trie.Tokenize([]byte(text))
	return tokens, nil
}
