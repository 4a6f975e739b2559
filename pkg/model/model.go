// Package model implements a GPT-2 style transformer with a scalar
// value head, the trainable half of the PPO fine-tuning loop. The
// policy being tuned and the frozen reference are both instances of
// Transformer; the reference is a frozen Clone.
package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/conneroisu/ppo/pkg/torch"
)

const checkpointMagic int32 = 20240326

// ErrFrozen is returned when a gradient or update operation is invoked
// on a frozen model.
var ErrFrozen = errors.New("model is frozen")

// Transformer is a GPT-2 model with a per-position scalar value head.
type Transformer struct {
	// Config is the architecture configuration.
	Config Config
	// Params are the model weights.
	Params ParameterTensors
	// Grads accumulate parameter gradients between ZeroGrad calls.
	Grads ParameterTensors
	// Acts hold the activations of the most recent forward pass.
	Acts ActivationTensors
	// GradActs hold activation gradients during a backward pass.
	GradActs ActivationTensors

	adamM []float32
	adamV []float32

	batchSize int
	seqLen    int
	inputs    []int32
	coins     []float32

	detachValueHead bool
	frozen          bool
	training        bool
	rng             *rand.Rand
}

// New builds a randomly initialized transformer. The value-head fields
// of cfg must already be populated; use DefaultValueHeadConfig when in
// doubt.
func New(cfg Config, seed int64) *Transformer {
	m := &Transformer{
		Config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
	m.Params.Init(cfg.VocabSize, cfg.Channels, cfg.MaxSeqLen, cfg.NumLayers)
	scale := float32(0.02)
	for i := range m.Params.Memory {
		m.Params.Memory[i] = float32(m.rng.NormFloat64()) * scale
	}
	// layernorm gains start at one, the scalar output at zero so early
	// value estimates are flat
	for i := range m.Params.LayerNorm1W.data {
		m.Params.LayerNorm1W.data[i] = 1.0
	}
	for i := range m.Params.Layer2NormW.data {
		m.Params.Layer2NormW.data[i] = 1.0
	}
	for i := range m.Params.LayerFinNormW.data {
		m.Params.LayerFinNormW.data[i] = 1.0
	}
	for i := range m.Params.ValueOutW.data {
		m.Params.ValueOutW.data[i] = 0.0
	}
	m.Params.ValueOutB.data[0] = 0.0
	return m
}

// NewFromReader reads a GPT-2 checkpoint (the llm.c binary layout) and
// attaches a freshly initialized value head configured by vh.
func NewFromReader(r io.Reader, vh ValueHeadConfig) (*Transformer, error) {
	header := make([]int32, 256)
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header[0] != checkpointMagic || header[1] != 1 {
		return nil, fmt.Errorf("invalid checkpoint header")
	}
	cfg := Config{
		MaxSeqLen: int(header[2]),
		VocabSize: int(header[3]),
		NumLayers: int(header[4]),
		NumHeads:  int(header[5]),
		Channels:  int(header[6]),
		EOT:       EOT,
		ValueHead: vh,
	}
	m := New(cfg, 1337)
	if err := binary.Read(r, binary.LittleEndian, m.Params.Body()); err != nil {
		return nil, fmt.Errorf("error reading model: %v", err)
	}
	return m, nil
}

// LoadCheckpoint opens a checkpoint file and builds the model.
func LoadCheckpoint(path string, vh ValueHeadConfig) (*Transformer, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening model file: %v", err)
	}
	defer f.Close()
	return NewFromReader(f, vh)
}

// Clone returns a deep copy of the model weights with fresh optimizer
// and activation state.
func (m *Transformer) Clone() *Transformer {
	c := &Transformer{
		Config: m.Config,
		rng:    rand.New(rand.NewSource(m.rng.Int63())),
	}
	c.Params.Init(m.Config.VocabSize, m.Config.Channels, m.Config.MaxSeqLen, m.Config.NumLayers)
	copy(c.Params.Memory, m.Params.Memory)
	return c
}

// Freeze marks the model immutable. Backward and Update fail on a
// frozen model, and forward passes run with dropout disabled, which is
// what the reference model in a PPO loop needs.
func (m *Transformer) Freeze() {
	m.frozen = true
	m.training = false
}

// Frozen reports whether the model is frozen.
func (m *Transformer) Frozen() bool { return m.frozen }

// SetTraining toggles dropout in the value head.
func (m *Transformer) SetTraining(on bool) {
	if !m.frozen {
		m.training = on
	}
}

// SetDetachValueHead controls whether value-head gradients flow into
// the transformer body. When detached, Backward stops the value
// gradient at the head input.
func (m *Transformer) SetDetachValueHead(detach bool) {
	m.detachValueHead = detach
}

// Forward runs the model over inputs of shape (B,T) and returns the
// logits (B,T,V) and per-position values (B,T). The returned slices
// alias internal activation buffers and are valid until the next
// Forward call.
func (m *Transformer) Forward(inputs []int32, B, T int) ([]float32, []float32, error) {
	if len(inputs) < B*T {
		return nil, nil, fmt.Errorf("forward: have %d tokens, need %d", len(inputs), B*T)
	}
	if T > m.Config.MaxSeqLen {
		return nil, nil, fmt.Errorf("forward: sequence length %d exceeds maximum %d", T, m.Config.MaxSeqLen)
	}
	cfg := &m.Config
	C, L, NH, V := cfg.Channels, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize
	if m.Acts.Memory == nil || m.batchSize != B || m.seqLen != T {
		m.batchSize, m.seqLen = B, T
		m.Acts.Init(B, C, T, L, NH, V)
		m.GradActs = ActivationTensors{}
		m.inputs = make([]int32, B*T)
		m.coins = make([]float32, B*T*C)
	}
	copy(m.inputs, inputs[:B*T])

	torch.EncoderForward(
		m.Acts.Encoded.data,
		m.inputs,
		m.Params.WordTokEmbed.data,
		m.Params.WordPosEmbed.data,
		B, T, C,
	)
	var residual []float32
	for layer := 0; layer < L; layer++ {
		if layer == 0 {
			residual = m.Acts.Encoded.data
		} else {
			residual = m.Acts.Residual3.data[(layer-1)*B*T*C:]
		}
		lnW := m.Params.LayerNorm1W.data[layer*C:]
		lnB := m.Params.LayerNorm1B.data[layer*C:]
		qkvW := m.Params.QueryKeyValW.data[layer*3*C*C:]
		qkvB := m.Params.QueryKeyValB.data[layer*3*C:]
		attW := m.Params.AttProjW.data[layer*C*C:]
		attB := m.Params.AttProjB.data[layer*C:]
		ln2W := m.Params.Layer2NormW.data[layer*C:]
		ln2B := m.Params.Layer2NormB.data[layer*C:]
		fcW := m.Params.FeedFwdW.data[layer*4*C*C:]
		fcB := m.Params.FeedFwdB.data[layer*4*C:]
		fcProjW := m.Params.FeedFwdProjW.data[layer*C*4*C:]
		fcProjB := m.Params.FeedFwdProjB.data[layer*C:]

		ln1 := m.Acts.Layer1Act.data[layer*B*T*C:]
		ln1Mean := m.Acts.LayerNorm1Mean.data[layer*B*T:]
		ln1Rstd := m.Acts.LayerNorm1Rstd.data[layer*B*T:]
		qkv := m.Acts.QueryKeyVal.data[layer*B*T*3*C:]
		atty := m.Acts.AttentionInter.data[layer*B*T*C:]
		preatt := m.Acts.PreAttention.data[layer*B*NH*T*T:]
		att := m.Acts.Attention.data[layer*B*NH*T*T:]
		attProj := m.Acts.AttentionProj.data[layer*B*T*C:]
		residual2 := m.Acts.Residual2.data[layer*B*T*C:]
		ln2 := m.Acts.LayerNorm2Act.data[layer*B*T*C:]
		ln2Mean := m.Acts.LayerNorm2Mean.data[layer*B*T:]
		ln2Rstd := m.Acts.LayerNorm2Rstd.data[layer*B*T:]
		fch := m.Acts.FeedForward.data[layer*B*T*4*C:]
		fchGelu := m.Acts.FeedForwardGelu.data[layer*B*T*4*C:]
		fcProj := m.Acts.FeedForwardProj.data[layer*B*T*C:]
		residual3 := m.Acts.Residual3.data[layer*B*T*C:]

		torch.LayernormForward(ln1, ln1Mean, ln1Rstd, residual, lnW, lnB, B, T, C)
		torch.MatmulForward(qkv, ln1, qkvW, qkvB, B, T, C, 3*C)
		torch.AttentionForward(atty, preatt, att, qkv, B, T, C, NH)
		torch.MatmulForward(attProj, atty, attW, attB, B, T, C, C)
		torch.ResidualForward(residual2, residual, attProj, B*T*C)
		torch.LayernormForward(ln2, ln2Mean, ln2Rstd, residual2, ln2W, ln2B, B, T, C)
		torch.MatmulForward(fch, ln2, fcW, fcB, B, T, C, 4*C)
		torch.GeluForward(fchGelu, fch, B*T*4*C)
		torch.MatmulForward(fcProj, fchGelu, fcProjW, fcProjB, B, T, 4*C, C)
		torch.ResidualForward(residual3, residual2, fcProj, B*T*C)
	}
	residual = m.Acts.Residual3.data[(L-1)*B*T*C:]
	torch.LayernormForward(
		m.Acts.LayerNormFinal.data,
		m.Acts.LayerNormFinalMean.data,
		m.Acts.LayerNormFinalStd.data,
		residual,
		m.Params.LayerFinNormW.data,
		m.Params.LayerFinNormB.data,
		B, T, C,
	)
	torch.MatmulForward(
		m.Acts.Logits.data,
		m.Acts.LayerNormFinal.data,
		m.Params.WordTokEmbed.data,
		nil,
		B, T, C, V,
	)
	torch.SoftmaxForward(m.Acts.Probabilities.data, m.Acts.Logits.data, B, T, V)
	m.forwardValueHead(B, T, C)
	return m.Acts.Logits.data, m.Acts.Values.data, nil
}

func (m *Transformer) forwardValueHead(B, T, C int) {
	rate := m.Config.ValueHead.Dropout
	if !m.training {
		rate = 0
	}
	if rate > 0 {
		for i := 0; i < B*T*C; i++ {
			m.coins[i] = m.rng.Float32()
		}
	}
	torch.DropoutForward(
		m.Acts.ValueDrop.data,
		m.Acts.LayerNormFinal.data,
		m.Acts.ValueDropMask.data,
		m.coins,
		rate,
		B*T*C,
	)
	headIn := m.Acts.ValueDrop.data
	if m.Config.ValueHead.Projection {
		torch.MatmulForward(m.Acts.ValueProj.data, m.Acts.ValueDrop.data, m.Params.ValueProjW.data, m.Params.ValueProjB.data, B, T, C, C)
		torch.GeluForward(m.Acts.ValueProjGelu.data, m.Acts.ValueProj.data, B*T*C)
		headIn = m.Acts.ValueProjGelu.data
	}
	torch.MatmulForward(m.Acts.Values.data, headIn, m.Params.ValueOutW.data, m.Params.ValueOutB.data, B, T, C, 1)
}

// Backward propagates externally supplied gradients at the logits
// (B,T,V) and values (B,T) down to the parameter gradients, which
// accumulate until ZeroGrad. Forward must have been called first.
func (m *Transformer) Backward(dlogits, dvalues []float32) error {
	if m.frozen {
		return ErrFrozen
	}
	if m.Acts.Memory == nil {
		return fmt.Errorf("backward: must forward before backward")
	}
	cfg := &m.Config
	B, T := m.batchSize, m.seqLen
	C, L, NH, V := cfg.Channels, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize
	if len(dlogits) < B*T*V || len(dvalues) < B*T {
		return fmt.Errorf("backward: gradient shapes do not match last forward")
	}
	if len(m.Grads.Memory) == 0 {
		m.Grads.Init(cfg.VocabSize, C, cfg.MaxSeqLen, L)
	}
	if len(m.GradActs.Memory) == 0 {
		m.GradActs.Init(B, C, T, L, NH, V)
	} else {
		// activation gradients are scratch per backward call; parameter
		// gradients keep accumulating
		for i := range m.GradActs.Memory {
			m.GradActs.Memory[i] = 0.0
		}
	}

	m.backwardValueHead(dvalues, B, T, C)
	torch.MatmulBackward(
		m.GradActs.LayerNormFinal.data,
		m.Grads.WordTokEmbed.data,
		nil,
		dlogits,
		m.Acts.LayerNormFinal.data,
		m.Params.WordTokEmbed.data,
		B, T, C, V,
	)
	residual := m.Acts.Residual3.data[(L-1)*B*T*C:]
	dresidual := m.GradActs.Residual3.data[(L-1)*B*T*C:]
	torch.LayernormBackward(
		dresidual,
		m.Grads.LayerFinNormW.data,
		m.Grads.LayerFinNormB.data,
		m.GradActs.LayerNormFinal.data,
		residual,
		m.Params.LayerFinNormW.data,
		m.Acts.LayerNormFinalMean.data,
		m.Acts.LayerNormFinalStd.data,
		B, T, C,
	)
	for layer := L - 1; layer >= 0; layer-- {
		if layer == 0 {
			residual = m.Acts.Encoded.data
			dresidual = m.GradActs.Encoded.data
		} else {
			residual = m.Acts.Residual3.data[(layer-1)*B*T*C:]
			dresidual = m.GradActs.Residual3.data[(layer-1)*B*T*C:]
		}
		lnW := m.Params.LayerNorm1W.data[layer*C:]
		qkvW := m.Params.QueryKeyValW.data[layer*3*C*C:]
		attW := m.Params.AttProjW.data[layer*C*C:]
		ln2W := m.Params.Layer2NormW.data[layer*C:]
		fcW := m.Params.FeedFwdW.data[layer*4*C*C:]
		fcProjW := m.Params.FeedFwdProjW.data[layer*C*4*C:]

		dlnW := m.Grads.LayerNorm1W.data[layer*C:]
		dlnB := m.Grads.LayerNorm1B.data[layer*C:]
		dqkvW := m.Grads.QueryKeyValW.data[layer*3*C*C:]
		dqkvB := m.Grads.QueryKeyValB.data[layer*3*C:]
		dattW := m.Grads.AttProjW.data[layer*C*C:]
		dattB := m.Grads.AttProjB.data[layer*C:]
		dln2W := m.Grads.Layer2NormW.data[layer*C:]
		dln2B := m.Grads.Layer2NormB.data[layer*C:]
		dfcW := m.Grads.FeedFwdW.data[layer*4*C*C:]
		dfcB := m.Grads.FeedFwdB.data[layer*4*C:]
		dfcProjW := m.Grads.FeedFwdProjW.data[layer*C*4*C:]
		dfcProjB := m.Grads.FeedFwdProjB.data[layer*C:]

		ln1 := m.Acts.Layer1Act.data[layer*B*T*C:]
		ln1Mean := m.Acts.LayerNorm1Mean.data[layer*B*T:]
		ln1Rstd := m.Acts.LayerNorm1Rstd.data[layer*B*T:]
		qkv := m.Acts.QueryKeyVal.data[layer*B*T*3*C:]
		atty := m.Acts.AttentionInter.data[layer*B*T*C:]
		att := m.Acts.Attention.data[layer*B*NH*T*T:]
		residual2 := m.Acts.Residual2.data[layer*B*T*C:]
		ln2 := m.Acts.LayerNorm2Act.data[layer*B*T*C:]
		ln2Mean := m.Acts.LayerNorm2Mean.data[layer*B*T:]
		ln2Rstd := m.Acts.LayerNorm2Rstd.data[layer*B*T:]
		fch := m.Acts.FeedForward.data[layer*B*T*4*C:]
		fchGelu := m.Acts.FeedForwardGelu.data[layer*B*T*4*C:]

		dln1 := m.GradActs.Layer1Act.data[layer*B*T*C:]
		dqkv := m.GradActs.QueryKeyVal.data[layer*B*T*3*C:]
		datty := m.GradActs.AttentionInter.data[layer*B*T*C:]
		dpreatt := m.GradActs.PreAttention.data[layer*B*NH*T*T:]
		datt := m.GradActs.Attention.data[layer*B*NH*T*T:]
		dattProj := m.GradActs.AttentionProj.data[layer*B*T*C:]
		dresidual2 := m.GradActs.Residual2.data[layer*B*T*C:]
		dln2 := m.GradActs.LayerNorm2Act.data[layer*B*T*C:]
		dfch := m.GradActs.FeedForward.data[layer*B*T*4*C:]
		dfchGelu := m.GradActs.FeedForwardGelu.data[layer*B*T*4*C:]
		dfcProj := m.GradActs.FeedForwardProj.data[layer*B*T*C:]
		dresidual3 := m.GradActs.Residual3.data[layer*B*T*C:]

		torch.ResidualBackward(dresidual2, dfcProj, dresidual3, B*T*C)
		torch.MatmulBackward(dfchGelu, dfcProjW, dfcProjB, dfcProj, fchGelu, fcProjW, B, T, 4*C, C)
		torch.GeluBackward(dfch, fch, dfchGelu, B*T*4*C)
		torch.MatmulBackward(dln2, dfcW, dfcB, dfch, ln2, fcW, B, T, C, 4*C)
		torch.LayernormBackward(dresidual2, dln2W, dln2B, dln2, residual2, ln2W, ln2Mean, ln2Rstd, B, T, C)
		torch.ResidualBackward(dresidual, dattProj, dresidual2, B*T*C)
		torch.MatmulBackward(datty, dattW, dattB, dattProj, atty, attW, B, T, C, C)
		torch.AttentionBackward(dqkv, dpreatt, datt, datty, qkv, att, B, T, C, NH)
		torch.MatmulBackward(dln1, dqkvW, dqkvB, dqkv, ln1, qkvW, B, T, C, 3*C)
		torch.LayernormBackward(dresidual, dlnW, dlnB, dln1, residual, lnW, ln1Mean, ln1Rstd, B, T, C)
	}
	torch.EncoderBackward(
		m.Grads.WordTokEmbed.data,
		m.Grads.WordPosEmbed.data,
		m.GradActs.Encoded.data,
		m.inputs,
		B, T, C,
	)
	return nil
}

func (m *Transformer) backwardValueHead(dvalues []float32, B, T, C int) {
	if m.Config.ValueHead.Projection {
		torch.MatmulBackward(
			m.GradActs.ValueProjGelu.data,
			m.Grads.ValueOutW.data,
			m.Grads.ValueOutB.data,
			dvalues,
			m.Acts.ValueProjGelu.data,
			m.Params.ValueOutW.data,
			B, T, C, 1,
		)
		torch.GeluBackward(m.GradActs.ValueProj.data, m.Acts.ValueProj.data, m.GradActs.ValueProjGelu.data, B*T*C)
		torch.MatmulBackward(
			m.GradActs.ValueDrop.data,
			m.Grads.ValueProjW.data,
			m.Grads.ValueProjB.data,
			m.GradActs.ValueProj.data,
			m.Acts.ValueDrop.data,
			m.Params.ValueProjW.data,
			B, T, C, C,
		)
	} else {
		torch.MatmulBackward(
			m.GradActs.ValueDrop.data,
			m.Grads.ValueOutW.data,
			m.Grads.ValueOutB.data,
			dvalues,
			m.Acts.ValueDrop.data,
			m.Params.ValueOutW.data,
			B, T, C, 1,
		)
	}
	if m.detachValueHead {
		return
	}
	torch.DropoutBackward(m.GradActs.LayerNormFinal.data, m.GradActs.ValueDrop.data, m.Acts.ValueDropMask.data, B*T*C)
}

// ZeroGrad resets the accumulated parameter gradients.
func (m *Transformer) ZeroGrad() {
	for i := range m.Grads.Memory {
		m.Grads.Memory[i] = 0.0
	}
}

// Update applies one AdamW step to the parameters. step counts from 1
// for bias correction.
func (m *Transformer) Update(learningRate, beta1, beta2, eps, weightDecay float32, step int) error {
	if m.frozen {
		return ErrFrozen
	}
	if len(m.Grads.Memory) == 0 {
		return fmt.Errorf("update: no gradients accumulated")
	}
	if m.adamM == nil {
		m.adamM = make([]float32, m.Params.Len())
		m.adamV = make([]float32, m.Params.Len())
	}
	for i := 0; i < m.Params.Len(); i++ {
		param := m.Params.Memory[i]
		grad := m.Grads.Memory[i]
		mom := beta1*m.adamM[i] + (1.0-beta1)*grad
		vel := beta2*m.adamV[i] + (1.0-beta2)*grad*grad
		mHat := mom / (1.0 - torch.Pow(beta1, float32(step)))
		vHat := vel / (1.0 - torch.Pow(beta2, float32(step)))
		m.adamM[i] = mom
		m.adamV[i] = vel
		m.Params.Memory[i] -= learningRate * (mHat/(torch.Sqrt(vHat)+eps) + weightDecay*param)
	}
	return nil
}

// Generate samples a continuation of query of exactly maxNewTokens
// tokens from the model, with temperature scaling. It is the rollout
// operation of the PPO loop; the query is returned untouched and only
// the new tokens are handed back.
func (m *Transformer) Generate(query []int32, maxNewTokens int, temperature float32) ([]int32, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("generate: empty query")
	}
	if temperature <= 0 {
		temperature = 1.0
	}
	wasTraining := m.training
	m.training = false
	defer func() { m.training = wasTraining }()

	tokens := make([]int32, len(query), len(query)+maxNewTokens)
	copy(tokens, query)
	V := m.Config.VocabSize
	probs := make([]float32, V)
	for i := 0; i < maxNewTokens; i++ {
		T := len(tokens)
		if T > m.Config.MaxSeqLen {
			return nil, fmt.Errorf("generate: context grew past maximum sequence length %d", m.Config.MaxSeqLen)
		}
		logits, _, err := m.Forward(tokens, 1, T)
		if err != nil {
			return nil, err
		}
		row := logits[(T-1)*V : T*V]
		maxval := row[0] / temperature
		for _, l := range row {
			if l/temperature > maxval {
				maxval = l / temperature
			}
		}
		var sum float32
		for j := 0; j < V; j++ {
			probs[j] = torch.Exp(row[j]/temperature - maxval)
			sum += probs[j]
		}
		for j := 0; j < V; j++ {
			probs[j] /= sum
		}
		next := sampleMult(probs, m.rng.Float32())
		tokens = append(tokens, int32(next))
	}
	return tokens[len(query):], nil
}
