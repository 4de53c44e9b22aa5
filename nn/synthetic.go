package nn

import (
	"math"
	"math/rand"
)

// NewSyntheticTransformer builds a model with deterministic random weights.
// The same config and seed always produce bit-identical weights.
func NewSyntheticTransformer(config TransformerConfig, seed int64) (*Transformer, error) {
	if config.ModelType == "" {
		config.ModelType = "llama"
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	hidden := config.HiddenSize
	inter := config.IntermediateSize
	kvDim := config.KVDim()

	// Weights are drawn in [in, out] layout directly.
	dense := func(in, out int) []float32 {
		w := make([]float32, in*out)
		scale := 1.0 / math.Sqrt(float64(in))
		for i := range w {
			w[i] = float32(rng.NormFloat64() * scale)
		}
		return w
	}
	ones := func(n int) []float32 {
		g := make([]float32, n)
		for i := range g {
			g[i] = 1
		}
		return g
	}

	t := &Transformer{
		Config:     config,
		Embeddings: dense(config.VocabSize, hidden),
		Blocks:     make([]Block, config.NumLayers),
	}

	for i := range t.Blocks {
		t.Blocks[i] = Block{
			InputNorm: normLayer(ones(hidden), config),
			Attention: LayerConfig{
				Type:         LayerMultiHeadAttention,
				DModel:       hidden,
				NumHeads:     config.NumHeads,
				NumKVHeads:   config.NumKVHeads,
				HeadDim:      config.HeadDim(),
				QWeights:     dense(hidden, hidden),
				KWeights:     dense(hidden, kvDim),
				VWeights:     dense(hidden, kvDim),
				OutputWeight: dense(hidden, hidden),
				QBias:        make([]float32, hidden),
				KBias:        make([]float32, kvDim),
				VBias:        make([]float32, kvDim),
				OutputBias:   make([]float32, hidden),
				RoPEFreqBase: float32(config.RoPETheta),
			},
			PostAttentionNorm: normLayer(ones(hidden), config),
			MLP: LayerConfig{
				Type:         LayerSwiGLU,
				InputHeight:  hidden,
				OutputHeight: inter,
				GateWeights:  dense(hidden, inter),
				UpWeights:    dense(hidden, inter),
				DownWeights:  dense(inter, hidden),
			},
		}
	}
	t.FinalNorm = normLayer(ones(hidden), config)

	head, err := NewCPUProjector(t.Embeddings, config.VocabSize, hidden)
	if err != nil {
		return nil, err
	}
	t.LMHead = head
	return t, nil
}
