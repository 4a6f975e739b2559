package model

// tensor is a view over a slice of float32 values with a shape.
type tensor struct {
	data []float32
	dims []int
}

// newTensor carves a tensor of the given dimensions off the front of
// data and returns it with the number of elements consumed.
func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s],
		dims: dims,
	}, s
}

// sampleMult walks the CDF of probabilities and returns the index where
// coin falls.
func sampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1
}

// ParameterTensors holds the weights of the transformer body followed
// by the value head, all in one arena. The body region matches the
// GPT-2 checkpoint layout exactly so checkpoints load with a single
// read; the value head lives past bodyLen and is initialized locally.
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C)
	WordPosEmbed  tensor // (maxT, C)
	LayerNorm1W   tensor // (L, C)
	LayerNorm1B   tensor // (L, C)
	QueryKeyValW  tensor // (L, 3*C, C)
	QueryKeyValB  tensor // (L, 3*C)
	AttProjW      tensor // (L, C, C)
	AttProjB      tensor // (L, C)
	Layer2NormW   tensor // (L, C)
	Layer2NormB   tensor // (L, C)
	FeedFwdW      tensor // (L, 4*C, C)
	FeedFwdB      tensor // (L, 4*C)
	FeedFwdProjW  tensor // (L, C, 4*C)
	FeedFwdProjB  tensor // (L, C)
	LayerFinNormW tensor // (C)
	LayerFinNormB tensor // (C)
	ValueProjW    tensor // (C, C) - optional projection before the scalar head
	ValueProjB    tensor // (C)
	ValueOutW     tensor // (1, C) - scalar value output
	ValueOutB     tensor // (1)
	bodyLen       int
}

// Init allocates the arena for a model with vocabulary V, channels C,
// maximum sequence length maxT and L layers.
func (p *ParameterTensors) Init(V, C, maxT, L int) {
	body := V*C +
		maxT*C +
		L*C +
		L*C +
		L*3*C*C +
		L*3*C +
		L*C*C +
		L*C +
		L*C +
		L*C +
		L*4*C*C +
		L*4*C +
		L*C*4*C +
		L*C +
		C +
		C
	head := C*C + C + C + 1
	p.Memory = make([]float32, body+head)
	p.bodyLen = body

	var ptr int
	mem := p.Memory
	p.WordTokEmbed, ptr = newTensor(mem, V, C)
	mem = mem[ptr:]
	p.WordPosEmbed, ptr = newTensor(mem, maxT, C)
	mem = mem[ptr:]
	p.LayerNorm1W, ptr = newTensor(mem, L, C)
	mem = mem[ptr:]
	p.LayerNorm1B, ptr = newTensor(mem, L, C)
	mem = mem[ptr:]
	p.QueryKeyValW, ptr = newTensor(mem, L, 3*C, C)
	mem = mem[ptr:]
	p.QueryKeyValB, ptr = newTensor(mem, L, 3*C)
	mem = mem[ptr:]
	p.AttProjW, ptr = newTensor(mem, L, C, C)
	mem = mem[ptr:]
	p.AttProjB, ptr = newTensor(mem, L, C)
	mem = mem[ptr:]
	p.Layer2NormW, ptr = newTensor(mem, L, C)
	mem = mem[ptr:]
	p.Layer2NormB, ptr = newTensor(mem, L, C)
	mem = mem[ptr:]
	p.FeedFwdW, ptr = newTensor(mem, L, 4*C, C)
	mem = mem[ptr:]
	p.FeedFwdB, ptr = newTensor(mem, L, 4*C)
	mem = mem[ptr:]
	p.FeedFwdProjW, ptr = newTensor(mem, L, C, 4*C)
	mem = mem[ptr:]
	p.FeedFwdProjB, ptr = newTensor(mem, L, C)
	mem = mem[ptr:]
	p.LayerFinNormW, ptr = newTensor(mem, C)
	mem = mem[ptr:]
	p.LayerFinNormB, ptr = newTensor(mem, C)
	mem = mem[ptr:]
	p.ValueProjW, ptr = newTensor(mem, C, C)
	mem = mem[ptr:]
	p.ValueProjB, ptr = newTensor(mem, C)
	mem = mem[ptr:]
	p.ValueOutW, ptr = newTensor(mem, 1, C)
	mem = mem[ptr:]
	p.ValueOutB, ptr = newTensor(mem, 1)
	mem = mem[ptr:]
	if len(mem) != 0 {
		panic("parameter arena miscounted")
	}
}

// Body returns the checkpoint-shaped region of the arena.
func (p *ParameterTensors) Body() []float32 {
	return p.Memory[:p.bodyLen]
}

// Len returns the total number of parameters.
func (p *ParameterTensors) Len() int {
	return len(p.Memory)
}

// ActivationTensors holds every intermediate activation for one batch,
// in one arena, so a backward pass can reuse the forward's buffers.
type ActivationTensors struct {
	Memory             []float32
	Encoded            tensor // (B, T, C)
	Layer1Act          tensor // (L, B, T, C)
	LayerNorm1Mean     tensor // (L, B, T)
	LayerNorm1Rstd     tensor // (L, B, T)
	QueryKeyVal        tensor // (L, B, T, 3*C)
	AttentionInter     tensor // (L, B, T, C)
	PreAttention       tensor // (L, B, NH, T, T)
	Attention          tensor // (L, B, NH, T, T)
	AttentionProj      tensor // (L, B, T, C)
	Residual2          tensor // (L, B, T, C)
	LayerNorm2Act      tensor // (L, B, T, C)
	LayerNorm2Mean     tensor // (L, B, T)
	LayerNorm2Rstd     tensor // (L, B, T)
	FeedForward        tensor // (L, B, T, 4*C)
	FeedForwardGelu    tensor // (L, B, T, 4*C)
	FeedForwardProj    tensor // (L, B, T, C)
	Residual3          tensor // (L, B, T, C)
	LayerNormFinal     tensor // (B, T, C)
	LayerNormFinalMean tensor // (B, T)
	LayerNormFinalStd  tensor // (B, T)
	Logits             tensor // (B, T, V)
	Probabilities      tensor // (B, T, V)
	ValueDrop          tensor // (B, T, C) - value-head input after dropout
	ValueDropMask      tensor // (B, T, C)
	ValueProj          tensor // (B, T, C) - optional projection output
	ValueProjGelu      tensor // (B, T, C)
	Values             tensor // (B, T)
}

// Init allocates the arena for batch size B, channels C, sequence
// length T, L layers, NH heads and vocabulary V.
func (a *ActivationTensors) Init(B, C, T, L, NH, V int) {
	a.Memory = make([]float32,
		B*T*C+
			L*B*T*C+
			L*B*T+
			L*B*T+
			L*B*T*C*3+
			L*B*T*C+
			L*B*NH*T*T+
			L*B*NH*T*T+
			L*B*T*C+
			L*B*T*C+
			L*B*T*C+
			L*B*T+
			L*B*T+
			L*B*T*C*4+
			L*B*T*C*4+
			L*B*T*C+
			L*B*T*C+
			B*T*C+
			B*T+
			B*T+
			B*T*V+
			B*T*V+
			B*T*C+
			B*T*C+
			B*T*C+
			B*T*C+
			B*T)
	var ptr int
	mem := a.Memory
	a.Encoded, ptr = newTensor(mem, B, T, C)
	mem = mem[ptr:]
	a.Layer1Act, ptr = newTensor(mem, L, B, T, C)
	mem = mem[ptr:]
	a.LayerNorm1Mean, ptr = newTensor(mem, L, B, T)
	mem = mem[ptr:]
	a.LayerNorm1Rstd, ptr = newTensor(mem, L, B, T)
	mem = mem[ptr:]
	a.QueryKeyVal, ptr = newTensor(mem, L, B, T, C*3)
	mem = mem[ptr:]
	a.AttentionInter, ptr = newTensor(mem, L, B, T, C)
	mem = mem[ptr:]
	a.PreAttention, ptr = newTensor(mem, L, B, NH, T, T)
	mem = mem[ptr:]
	a.Attention, ptr = newTensor(mem, L, B, NH, T, T)
	mem = mem[ptr:]
	a.AttentionProj, ptr = newTensor(mem, L, B, T, C)
	mem = mem[ptr:]
	a.Residual2, ptr = newTensor(mem, L, B, T, C)
	mem = mem[ptr:]
	a.LayerNorm2Act, ptr = newTensor(mem, L, B, T, C)
	mem = mem[ptr:]
	a.LayerNorm2Mean, ptr = newTensor(mem, L, B, T)
	mem = mem[ptr:]
	a.LayerNorm2Rstd, ptr = newTensor(mem, L, B, T)
	mem = mem[ptr:]
	a.FeedForward, ptr = newTensor(mem, L, B, T, C*4)
	mem = mem[ptr:]
	a.FeedForwardGelu, ptr = newTensor(mem, L, B, T, C*4)
	mem = mem[ptr:]
	a.FeedForwardProj, ptr = newTensor(mem, L, B, T, C)
	mem = mem[ptr:]
	a.Residual3, ptr = newTensor(mem, L, B, T, C)
	mem = mem[ptr:]
	a.LayerNormFinal, ptr = newTensor(mem, B, T, C)
	mem = mem[ptr:]
	a.LayerNormFinalMean, ptr = newTensor(mem, B, T)
	mem = mem[ptr:]
	a.LayerNormFinalStd, ptr = newTensor(mem, B, T)
	mem = mem[ptr:]
	a.Logits, ptr = newTensor(mem, B, T, V)
	mem = mem[ptr:]
	a.Probabilities, ptr = newTensor(mem, B, T, V)
	mem = mem[ptr:]
	a.ValueDrop, ptr = newTensor(mem, B, T, C)
	mem = mem[ptr:]
	a.ValueDropMask, ptr = newTensor(mem, B, T, C)
	mem = mem[ptr:]
	a.ValueProj, ptr = newTensor(mem, B, T, C)
	mem = mem[ptr:]
	a.ValueProjGelu, ptr = newTensor(mem, B, T, C)
	mem = mem[ptr:]
	a.Values, ptr = newTensor(mem, B, T)
	mem = mem[ptr:]
	if len(mem) != 0 {
		panic("activation arena miscounted")
	}
}
