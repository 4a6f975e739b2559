// Package torch holds the float32 kernels the transformer is built
// from. Tensors are flat slices indexed by hand; B is the batch size,
// T the sequence length, C the channel count, V the vocabulary size.
package torch

import (
	"math"
	"sync"
)

var geluScale = Sqrt(2.0 / math.Pi)

// Abs returns the absolute value of x.
func Abs(x float32) float32 {
	if x > 0 {
		return x
	}
	return -x
}

// Tanh returns the hyperbolic tangent of x.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Cosh returns the hyperbolic cosine of x.
func Cosh(x float32) float32 {
	return float32(math.Cosh(float64(x)))
}

// Exp returns e**x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Log returns the natural logarithm of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// Pow returns x**y.
func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

// Sqrt returns the square root of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// IsNaN reports whether f is not a number.
func IsNaN(f float32) bool {
	return math.IsNaN(float64(f))
}

// IsFinite reports whether f is neither NaN nor an infinity.
func IsFinite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

// EncoderForward sums token embeddings and position embeddings into
// out (B,T,C).
func EncoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			tok := wte[int(inp[b*T+t])*C:]
			pos := wpe[t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = tok[i] + pos[i]
			}
		}
	}
}

// EncoderBackward accumulates dout into the token and position
// embedding gradients.
func EncoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			dtok := dwte[int(inp[b*T+t])*C:]
			dpos := dwpe[t*C:]
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dtok[i] += d
				dpos[i] += d
			}
		}
	}
}

// LayernormForward normalizes each (b,t) vector to zero mean and unit
// variance, then scales and shifts by weight and bias. The per-position
// mean and reciprocal std are stored for the backward pass.
func LayernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps float32 = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float32
			for i := 0; i < C; i++ {
				m += x[i]
			}
			m /= float32(C)
			var v float32
			for i := 0; i < C; i++ {
				d := x[i] - m
				v += d * d
			}
			v /= float32(C)
			s := 1.0 / Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = s*(x[i]-m)*weight[i] + bias[i]
			}
			mean[b*T+t] = m
			rstd[b*T+t] = s
		}
	}
}

// LayernormBackward accumulates gradients for input, weight and bias.
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*C + t*C
			doutBT := dout[base : base+C]
			inpBT := inp[base : base+C]
			dinpBT := dinp[base : base+C]
			m := mean[b*T+t]
			s := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				norm := (inpBT[i] - m) * s
				dnorm := weight[i] * doutBT[i]
				dnormMean += dnorm
				dnormNormMean += dnorm * norm
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				norm := (inpBT[i] - m) * s
				dnorm := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += norm * doutBT[i]
				dinpBT[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
			}
		}
	}
}

// MatmulForward computes out = inp @ weight^T + bias for every (b,t)
// position. weight is (OC,C); bias may be nil.
func MatmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float32
					if bias != nil {
						val = bias[o]
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += inpBT[i] * wrow[i]
					}
					outBT[o] = val
				}
			}(b, t)
		}
	}
	wg.Wait()
}

// MatmulBackward accumulates gradients for input, weight and bias.
// dbias may be nil when the forward pass had no bias.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				doutBT := dout[b*T*OC+t*OC:]
				dinpBT := dinp[b*T*C+t*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := doutBT[o]
					for i := 0; i < C; i++ {
						dinpBT[i] += wrow[i] * d
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					d := dout[b*T*OC+t*OC+o]
					inpBT := inp[b*T*C+t*C:]
					dwrow := dweight[o*C:]
					if dbias != nil {
						dbias[o] += d
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inpBT[i] * d
					}
				}
			}
		}(o)
	}
	wg.Wait()
}

// AttentionForward runs causal multi-head attention. inp is (B,T,3C)
// holding the packed query/key/value projections; preatt and att are
// (B,NH,T,T) scratch written for the backward pass; out is (B,T,C).
func AttentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	var wg sync.WaitGroup
	for batch := 0; batch < B; batch++ {
		for pos := 0; pos < T; pos++ {
			for head := 0; head < NH; head++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					query := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					maxval := float32(-10000.0)
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float32
						for i := 0; i < hs; i++ {
							val += query[i] * key[i]
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = val
					}
					var expsum float32
					for t2 := 0; t2 <= t; t2++ {
						e := Exp(preattBTH[t2] - maxval)
						expsum += e
						attBTH[t2] = e
					}
					var inv float32
					if expsum != 0.0 {
						inv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attBTH[t2] *= inv
						} else {
							attBTH[t2] = 0.0
						}
					}

					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0.0
					}
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+C*2:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * value[i]
						}
					}
				}(batch, pos, head)
			}
		}
	}
	wg.Wait()
}

// AttentionBackward accumulates gradients through causal multi-head
// attention, mirroring AttentionForward.
func AttentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				dquery := dinp[b*T*C3+t*C3+h*hs:]
				query := inp[b*T*C3+t*C3+h*hs:]

				doutBTH := dout[b*T*C+t*C+h*hs:]
				for t2 := 0; t2 <= t; t2++ {
					value := inp[b*T*C3+t2*C3+h*hs+C*2:]
					dvalue := dinp[b*T*C3+t2*C3+h*hs+C*2:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += value[i] * doutBTH[i]
						dvalue[i] += attBTH[t2] * doutBTH[i]
					}
				}
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						var indicator float32
						if t2 == t3 {
							indicator = 1.0
						}
						local := attBTH[t2] * (indicator - attBTH[t3])
						dpreattBTH[t3] += local * dattBTH[t2]
					}
				}
				for t2 := 0; t2 <= t; t2++ {
					key := inp[b*T*C3+t2*C3+h*hs+C:]
					dkey := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dquery[i] += key[i] * dpreattBTH[t2] * scale
						dkey[i] += query[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

// GeluForward applies the tanh-approximated GELU elementwise.
func GeluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1.0 + Tanh(geluScale*(x+cube)))
	}
}

// GeluBackward accumulates the GELU gradient.
func GeluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		arg := geluScale * (x + cube)
		tanhOut := Tanh(arg)
		coshOut := Cosh(arg)
		sech2 := 1.0 / (coshOut * coshOut)
		local := 0.5*(1.0+tanhOut) + x*0.5*sech2*geluScale*(1.0+3.0*0.044715*x*x)
		dinp[i] += local * dout[i]
	}
}

// ResidualForward computes out = inp1 + inp2 elementwise.
func ResidualForward(out, inp1, inp2 []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

// ResidualBackward routes dout to both inputs.
func ResidualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// SoftmaxForward turns logits (B,T,V) into probabilities, subtracting
// the row max for stability.
func SoftmaxForward(probs, logits []float32, B, T, V int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				base := b*T*V + t*V
				logitsBT := logits[base : base+V]
				probsBT := probs[base : base+V]
				maxval := float32(-10000.0)
				for i := 0; i < V; i++ {
					if logitsBT[i] > maxval {
						maxval = logitsBT[i]
					}
				}
				var sum float32
				for i := 0; i < V; i++ {
					probsBT[i] = Exp(logitsBT[i] - maxval)
					sum += probsBT[i]
				}
				for i := 0; i < V; i++ {
					probsBT[i] /= sum
				}
			}(b, t)
		}
	}
	wg.Wait()
}

// LogProbsBackward scatters per-position gradients of realized-token
// log-probabilities into logits gradients. dlogp[b*T+t] is the gradient
// flowing into log p(targets[b*T+t]); through the softmax Jacobian,
// dlogits[i] += (1{i==target} - p_i) * dlogp. Positions with a zero
// dlogp entry contribute nothing, which is how padded and query
// positions are masked.
func LogProbsBackward(dlogits, dlogp, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			d := dlogp[b*T+t]
			if d == 0 {
				continue
			}
			base := b*T*V + t*V
			dlogitsBT := dlogits[base : base+V]
			probsBT := probs[base : base+V]
			target := targets[b*T+t]
			for i := 0; i < V; i++ {
				var indicator float32
				if int32(i) == target {
					indicator = 1.0
				}
				dlogitsBT[i] += (indicator - probsBT[i]) * d
			}
		}
	}
}

// DropoutForward zeroes inputs with probability rate, scaling the
// survivors by 1/(1-rate), and records the mask for the backward pass.
// coins must hold one uniform [0,1) draw per element. A zero rate is a
// copy.
func DropoutForward(out, inp, mask []float32, coins []float32, rate float32, n int) {
	if rate == 0 {
		copy(out[:n], inp[:n])
		for i := 0; i < n; i++ {
			mask[i] = 1
		}
		return
	}
	keep := 1.0 / (1.0 - rate)
	for i := 0; i < n; i++ {
		if coins[i] < rate {
			mask[i] = 0
			out[i] = 0
		} else {
			mask[i] = keep
			out[i] = inp[i] * keep
		}
	}
}

// DropoutBackward accumulates dout through the recorded mask.
func DropoutBackward(dinp, dout, mask []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += dout[i] * mask[i]
	}
}
