package ppo

import (
	"fmt"
	"math"
)

// Evaluation holds per-sequence, per-response-token trajectories. The
// inner slice of every field has exactly the response's length;
// sequences are never cross-padded, so every element is a valid
// position.
type Evaluation struct {
	LogProbs [][]float64
	Values   [][]float64
	Entropy  [][]float64
}

// batchedForward runs m over every query+response concatenation in
// sub-batches of at most forwardBatchSize sequences and gathers the
// response-region log-probabilities, values and entropies. Splitting is
// purely a memory bound; results match a single large batch up to
// floating-point noise.
func batchedForward(m Forwarder, queries, responses [][]int32, forwardBatchSize int) (*Evaluation, error) {
	n := len(queries)
	ev := &Evaluation{
		LogProbs: make([][]float64, n),
		Values:   make([][]float64, n),
		Entropy:  make([][]float64, n),
	}
	for start := 0; start < n; start += forwardBatchSize {
		end := start + forwardBatchSize
		if end > n {
			end = n
		}
		if err := forwardInto(ev, m, queries, responses, start, end); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// forwardInto evaluates sequences [start,end) in one forward pass and
// writes their trajectories into ev.
func forwardInto(ev *Evaluation, m Forwarder, queries, responses [][]int32, start, end int) error {
	flat, maxLen := padBatch(queries[start:end], responses[start:end])
	B := end - start
	logits, values, err := m.Forward(flat, B, maxLen)
	if err != nil {
		return err
	}
	if len(logits)%(B*maxLen) != 0 {
		return fmt.Errorf("evaluate: logits length %d does not divide batch shape (%d,%d)", len(logits), B, maxLen)
	}
	V := len(logits) / (B * maxLen)
	for b := 0; b < B; b++ {
		qlen, rlen := len(queries[start+b]), len(responses[start+b])
		logps := make([]float64, rlen)
		vals := make([]float64, rlen)
		ents := make([]float64, rlen)
		for j := 0; j < rlen; j++ {
			// logits at position i predict token i+1, so response token
			// j (absolute position qlen+j) is scored at qlen-1+j
			pos := qlen - 1 + j
			row := logits[(b*maxLen+pos)*V : (b*maxLen+pos+1)*V]
			logp, entropy := logProbOf(row, responses[start+b][j])
			logps[j] = logp
			ents[j] = entropy
			vals[j] = float64(values[b*maxLen+pos])
		}
		ev.LogProbs[start+b] = logps
		ev.Values[start+b] = vals
		ev.Entropy[start+b] = ents
	}
	return nil
}

// logProbOf computes the log-probability of token under the logits row
// along with the row's entropy, in float64 via logsumexp.
func logProbOf(row []float32, token int32) (logp, entropy float64) {
	maxv := float64(row[0])
	for _, l := range row {
		if float64(l) > maxv {
			maxv = float64(l)
		}
	}
	var sumExp float64
	for _, l := range row {
		sumExp += math.Exp(float64(l) - maxv)
	}
	lse := maxv + math.Log(sumExp)
	var weighted float64
	for _, l := range row {
		weighted += math.Exp(float64(l)-lse) * float64(l)
	}
	return float64(row[token]) - lse, lse - weighted
}

// padBatch concatenates each query with its response and right-pads
// every row to the batch's maximum length by repeating the row's final
// token. Under causal attention the padding cannot influence any valid
// position, and padded positions are never gathered.
func padBatch(queries, responses [][]int32) ([]int32, int) {
	maxLen := 0
	for i := range queries {
		if l := len(queries[i]) + len(responses[i]); l > maxLen {
			maxLen = l
		}
	}
	flat := make([]int32, len(queries)*maxLen)
	for i := range queries {
		row := flat[i*maxLen : (i+1)*maxLen]
		n := copy(row, queries[i])
		n += copy(row[n:], responses[i])
		for j := n; j < maxLen; j++ {
			row[j] = row[n-1]
		}
	}
	return flat, maxLen
}
