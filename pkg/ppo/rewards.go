package ppo

// shapeRewards spreads the KL penalty over every response token and adds
// the scalar reward at the final one. The returned meanKL is the mean
// over sequences of each sequence's summed per-token divergence from
// the reference, measured before any penalty scaling.
func shapeRewards(rewards []float64, logps, refLogps [][]float64, coef float64) (shaped [][]float64, meanKL float64) {
	shaped = make([][]float64, len(rewards))
	var total float64
	for i, r := range rewards {
		row := make([]float64, len(logps[i]))
		var seqKL float64
		for j := range row {
			kl := logps[i][j] - refLogps[i][j]
			seqKL += kl
			row[j] = -coef * kl
		}
		row[len(row)-1] += r
		shaped[i] = row
		total += seqKL
	}
	if len(rewards) > 0 {
		meanKL = total / float64(len(rewards))
	}
	return shaped, meanKL
}
