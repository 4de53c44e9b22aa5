package nn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// TransformerConfig represents configuration for Llama-based transformer models
// Supports: Llama, TinyLlama, Qwen2, Mistral, etc.
type TransformerConfig struct {
	ModelType         string   `json:"model_type"`    // "llama", "qwen2", "mistral", etc.
	Architectures     []string `json:"architectures"` // Model architecture names
	HiddenSize        int      `json:"hidden_size"`
	IntermediateSize  int      `json:"intermediate_size"`
	NumLayers         int      `json:"num_hidden_layers"`
	NumHeads          int      `json:"num_attention_heads"`
	NumKVHeads        int      `json:"num_key_value_heads"`
	RMSNormEps        float64  `json:"rms_norm_eps"`
	VocabSize         int      `json:"vocab_size"`
	RoPETheta         float64  `json:"rope_theta"` // RoPE base frequency (default 10000.0)
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`
}

// Validate checks the fields the forward engine depends on.
func (c *TransformerConfig) Validate() error {
	if err := validateArchitecture(*c); err != nil {
		return err
	}
	switch {
	case c.NumHeads <= 0:
		return fmt.Errorf("unsupported model: num_attention_heads is %d", c.NumHeads)
	case c.HiddenSize <= 0:
		return fmt.Errorf("unsupported model: hidden_size is %d", c.HiddenSize)
	case c.NumLayers <= 0:
		return fmt.Errorf("unsupported model: num_hidden_layers is %d", c.NumLayers)
	case c.VocabSize <= 0:
		return fmt.Errorf("unsupported model: vocab_size is %d", c.VocabSize)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("unsupported model: intermediate_size is %d", c.IntermediateSize)
	case c.HiddenSize%c.NumHeads != 0:
		return fmt.Errorf("unsupported model: hidden_size %d not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumHeads
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("unsupported model: %d heads not divisible by %d kv heads", c.NumHeads, c.NumKVHeads)
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-6
	}
	if c.RoPETheta == 0 {
		c.RoPETheta = 10000.0
	}
	return nil
}

// HeadDim returns the per-head width.
func (c *TransformerConfig) HeadDim() int {
	return c.HiddenSize / c.NumHeads
}

// KVDim returns the key/value projection width.
func (c *TransformerConfig) KVDim() int {
	return c.NumKVHeads * c.HeadDim()
}

// LoadTransformerFromSafetensors loads a Llama-based transformer model directly from
// a HuggingFace model directory containing config.json and model.safetensors.
func LoadTransformerFromSafetensors(modelDir string, logger *zap.Logger) (*Transformer, error) {
	configData, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	weightsData, err := os.ReadFile(filepath.Join(modelDir, "model.safetensors"))
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	return LoadTransformerFromBytes(configData, weightsData, logger)
}

// LoadTransformerFromBytes loads a Llama-based transformer model from byte slices
// configData: JSON config file contents
// weightsData: safetensors file contents
func LoadTransformerFromBytes(configData []byte, weightsData []byte, logger *zap.Logger) (*Transformer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var config TransformerConfig
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger.Info("loading transformer",
		zap.String("model_type", config.ModelType),
		zap.Strings("architectures", config.Architectures),
		zap.Int("hidden_size", config.HiddenSize),
		zap.Int("layers", config.NumLayers),
		zap.Int("heads", config.NumHeads),
		zap.Int("kv_heads", config.NumKVHeads),
		zap.Int("intermediate_size", config.IntermediateSize),
	)

	st, err := LoadSafetensorsFromBytes(weightsData)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	if len(st.Skipped) > 0 {
		logger.Debug("skipped non-float tensors", zap.Strings("tensors", st.Skipped))
	}
	logger.Info("loaded tensors", zap.Int("count", len(st.Tensors)))

	w := &weightSet{tensors: st.Tensors}
	hidden := config.HiddenSize
	inter := config.IntermediateSize
	kvDim := config.KVDim()

	t := &Transformer{
		Config: config,
		Blocks: make([]Block, 0, config.NumLayers),
	}
	t.Embeddings = w.require("model.embed_tokens.weight", config.VocabSize*hidden)

	for i := 0; i < config.NumLayers; i++ {
		prefix := fmt.Sprintf("model.layers.%d", i)

		// Weights are transposed from PyTorch [out, in] to [in, out].
		block := Block{
			InputNorm: normLayer(w.require(prefix+".input_layernorm.weight", hidden), config),
			Attention: LayerConfig{
				Type:         LayerMultiHeadAttention,
				DModel:       hidden,
				NumHeads:     config.NumHeads,
				NumKVHeads:   config.NumKVHeads,
				HeadDim:      config.HeadDim(),
				QWeights:     transposeWeights(w.require(prefix+".self_attn.q_proj.weight", hidden*hidden), hidden, hidden),
				KWeights:     transposeWeights(w.require(prefix+".self_attn.k_proj.weight", kvDim*hidden), kvDim, hidden),
				VWeights:     transposeWeights(w.require(prefix+".self_attn.v_proj.weight", kvDim*hidden), kvDim, hidden),
				OutputWeight: transposeWeights(w.require(prefix+".self_attn.o_proj.weight", hidden*hidden), hidden, hidden),
				// Qwen2.5 carries q/k/v biases, Llama does not.
				QBias:        w.optional(prefix+".self_attn.q_proj.bias", hidden),
				KBias:        w.optional(prefix+".self_attn.k_proj.bias", kvDim),
				VBias:        w.optional(prefix+".self_attn.v_proj.bias", kvDim),
				OutputBias:   w.optional(prefix+".self_attn.o_proj.bias", hidden),
				RoPEFreqBase: float32(config.RoPETheta),
			},
			PostAttentionNorm: normLayer(w.require(prefix+".post_attention_layernorm.weight", hidden), config),
			MLP: LayerConfig{
				Type:         LayerSwiGLU,
				InputHeight:  hidden,
				OutputHeight: inter,
				GateWeights:  transposeWeights(w.require(prefix+".mlp.gate_proj.weight", inter*hidden), inter, hidden),
				UpWeights:    transposeWeights(w.require(prefix+".mlp.up_proj.weight", inter*hidden), inter, hidden),
				DownWeights:  transposeWeights(w.require(prefix+".mlp.down_proj.weight", hidden*inter), hidden, inter),
			},
		}
		t.Blocks = append(t.Blocks, block)
		logger.Debug("added block", zap.Int("layer", i+1), zap.Int("of", config.NumLayers))
	}

	t.FinalNorm = normLayer(w.require("model.norm.weight", hidden), config)

	// lm_head.weight is already [vocab, hidden]; tied models reuse the embeddings.
	head := w.optional("lm_head.weight", 0)
	if len(head) == 0 {
		if !config.TieWordEmbeddings {
			logger.Warn("lm_head.weight missing, using tied embeddings")
		}
		head = t.Embeddings
	}

	if w.err != nil {
		return nil, w.err
	}

	t.LMHead, err = NewCPUProjector(head, config.VocabSize, hidden)
	if err != nil {
		return nil, err
	}

	logger.Info("loaded transformer", zap.Int("blocks", len(t.Blocks)))
	return t, nil
}

// weightSet looks up tensors by name and remembers the first failure.
type weightSet struct {
	tensors map[string][]float32
	err     error
}

func (w *weightSet) lookup(name string) ([]float32, bool) {
	if t, ok := w.tensors[name]; ok {
		return t, true
	}
	lowerName := strings.ToLower(name)
	for k, v := range w.tensors {
		if strings.ToLower(k) == lowerName {
			return v, true
		}
	}
	return nil, false
}

func (w *weightSet) require(name string, size int) []float32 {
	t, ok := w.lookup(name)
	if !ok {
		if w.err == nil {
			w.err = fmt.Errorf("tensor %q not found", name)
		}
		return make([]float32, size)
	}
	if len(t) != size {
		if w.err == nil {
			w.err = fmt.Errorf("tensor %q has %d values, want %d", name, len(t), size)
		}
		return make([]float32, size)
	}
	return t
}

// optional returns zeros of the given size when the tensor is absent.
func (w *weightSet) optional(name string, size int) []float32 {
	if t, ok := w.lookup(name); ok {
		return t
	}
	return make([]float32, size)
}

func normLayer(gamma []float32, config TransformerConfig) LayerConfig {
	return LayerConfig{
		Type:     LayerRMSNorm,
		NormSize: config.HiddenSize,
		Gamma:    gamma,
		Epsilon:  float32(config.RMSNormEps),
	}
}

// transposeWeights transposes a weight matrix from [rows, cols] to [cols, rows]
func transposeWeights(weights []float32, rows, cols int) []float32 {
	transposed := make([]float32, len(weights))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			transposed[c*rows+r] = weights[r*cols+c]
		}
	}
	return transposed
}

// validateArchitecture checks if the model architecture is supported
func validateArchitecture(config TransformerConfig) error {
	// Encoder-decoder, BERT-style and vision models use incompatible attention patterns
	unsupportedTypes := []string{
		"t5", "mt5", "bart", "bert", "roberta", "encoder-decoder", "marian",
		"detr", "yolos", "rt_detr", "yolo",
		"vit", "deit", "swin", "beit",
	}
	modelType := strings.ToLower(config.ModelType)

	for _, unsup := range unsupportedTypes {
		if strings.Contains(modelType, unsup) {
			return fmt.Errorf("unsupported model type '%s': only decoder-only models (Llama, Qwen, Mistral) are supported", config.ModelType)
		}
	}

	for _, arch := range config.Architectures {
		archLower := strings.ToLower(arch)
		if strings.Contains(archLower, "conditionalgeneration") || strings.Contains(archLower, "encoderdecoder") {
			return fmt.Errorf("unsupported architecture '%s': only CausalLM models are supported", arch)
		}
	}

	return nil
}
