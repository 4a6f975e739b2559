// Package data serves prompt batches for PPO rollouts from the llm.c
// style binary token dumps.
package data

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const Int32ByteLen = 4

// Loader is an interface for prompt loaders.
type Loader interface {
	NextBatch() [][]int32
	Reset()
}

// PromptLoader slices a flat token stream into fixed-length queries and
// hands them out batch by batch, wrapping around at the end of the
// stream.
type PromptLoader struct {
	batchSize  int
	queryLen   int
	curPos     int64
	streamLen  int64
	NumBatches int
	data       []int32
}

// NewPromptLoader reads the token file and prepares batches of
// batchSize queries of queryLen tokens each.
func NewPromptLoader(filename string, batchSize, queryLen int) (*PromptLoader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	size := len(raw)
	if size < batchSize*queryLen*Int32ByteLen {
		return nil, fmt.Errorf("file size is too small for the batch size and query length")
	}
	loader := &PromptLoader{
		batchSize:  batchSize,
		queryLen:   queryLen,
		NumBatches: size / (batchSize * queryLen * Int32ByteLen),
		data:       make([]int32, size/Int32ByteLen),
		streamLen:  int64(size / Int32ByteLen),
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, loader.data); err != nil {
		return nil, err
	}
	return loader, nil
}

// Reset rewinds the loader to the beginning of the stream.
func (loader *PromptLoader) Reset() {
	loader.curPos = 0
}

// NextBatch returns the next batchSize queries. The returned slices
// alias the loader's token buffer.
func (loader *PromptLoader) NextBatch() [][]int32 {
	nextPos := loader.curPos + int64(loader.batchSize*loader.queryLen)
	if nextPos > loader.streamLen {
		loader.Reset()
		nextPos = int64(loader.batchSize * loader.queryLen)
	}
	queries := make([][]int32, loader.batchSize)
	for i := range queries {
		start := loader.curPos + int64(i*loader.queryLen)
		queries[i] = loader.data[start : start+int64(loader.queryLen)]
	}
	loader.curPos = nextPos
	return queries
}
