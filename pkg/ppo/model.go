package ppo

// Forwarder is a language model read as a black box: token sequences in
// (B rows of T tokens, flattened), next-token logits (B,T,V) and
// per-position scalar values (B,T) out.
type Forwarder interface {
	Forward(inputs []int32, B, T int) (logits, values []float32, err error)
}

// Policy is the trainable model. Backward injects externally computed
// gradients at the logits and values of the most recent Forward;
// parameter gradients accumulate until ZeroGrad, and Update applies one
// optimizer step. SetTraining toggles stochastic layers such as
// dropout, which must be off while measuring old-policy
// log-probabilities and on during optimization.
type Policy interface {
	Forwarder
	Backward(dlogits, dvalues []float32) error
	ZeroGrad()
	Update(learningRate, beta1, beta2, eps, weightDecay float32, step int) error
	SetTraining(on bool)
}

// Reference is the frozen model used only to measure divergence. The
// trainer never constructs a gradient path against it: it only ever
// calls Forward, and implementations are expected to reject Backward
// (model.Transformer.Freeze does exactly that).
type Reference interface {
	Forwarder
}
