package ppo

import "math"

// stubModel is a deterministic stand-in language model whose logits and
// values at a position depend only on the token there, which makes
// batching and padding choices observable without a real transformer.
type stubModel struct {
	vocab int
}

func (s *stubModel) Forward(inputs []int32, B, T int) ([]float32, []float32, error) {
	logits := make([]float32, B*T*s.vocab)
	values := make([]float32, B*T)
	for p := 0; p < B*T; p++ {
		tok := int(inputs[p])
		for v := 0; v < s.vocab; v++ {
			logits[p*s.vocab+v] = float32(math.Sin(float64(tok*7 + v*3)))
		}
		values[p] = float32(math.Cos(float64(tok)))
	}
	return logits, values, nil
}

// stubPolicy adds no-op gradient plumbing and call counters on top of
// stubModel.
type stubPolicy struct {
	stubModel
	backwardCalls int
	updateCalls   int
	zeroCalls     int
	training      bool

	lastDlogits []float32
	lastDvalues []float32
}

func (s *stubPolicy) Backward(dlogits, dvalues []float32) error {
	s.backwardCalls++
	s.lastDlogits = append([]float32(nil), dlogits...)
	s.lastDvalues = append([]float32(nil), dvalues...)
	return nil
}

func (s *stubPolicy) ZeroGrad() { s.zeroCalls++ }

func (s *stubPolicy) Update(learningRate, beta1, beta2, eps, weightDecay float32, step int) error {
	s.updateCalls++
	return nil
}

func (s *stubPolicy) SetTraining(on bool) { s.training = on }
