package nn

import "fmt"

// LayerType defines the type of a computation unit inside a decoder block
type LayerType int

const (
	LayerRMSNorm            LayerType = 0 // Root-mean-square normalization (gamma only)
	LayerMultiHeadAttention LayerType = 1 // Causal grouped-query attention with RoPE
	LayerSwiGLU             LayerType = 2 // Gated feed-forward: down(silu(gate(x)) * up(x))
)

// Site identifies an interception point inside one decoder block.
type Site int

const (
	SiteAttention Site = iota // output of the attention sub-block, before the residual add
	SiteMLP                   // output of the feed-forward sub-block, before the residual add
	SiteBlock                 // residual stream leaving the block
)

func (s Site) String() string {
	switch s {
	case SiteAttention:
		return "attn"
	case SiteMLP:
		return "mlp"
	case SiteBlock:
		return "blocks"
	default:
		return "unknown"
	}
}

// ParseSite accepts exactly "attn", "mlp" and "blocks".
func ParseSite(name string) (Site, error) {
	switch name {
	case "attn":
		return SiteAttention, nil
	case "mlp":
		return SiteMLP, nil
	case "blocks":
		return SiteBlock, nil
	default:
		return 0, fmt.Errorf("unknown site %q", name)
	}
}

func (s Site) MarshalText() ([]byte, error) {
	if s < SiteAttention || s > SiteBlock {
		return nil, fmt.Errorf("invalid site %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Site) UnmarshalText(text []byte) error {
	parsed, err := ParseSite(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// LayerConfig holds the weights and shape of one computation unit
type LayerConfig struct {
	Type LayerType

	// RMSNorm specific parameters
	NormSize int       // Feature width being normalized
	Gamma    []float32 // Scale [NormSize]
	Epsilon  float32   // Added under the square root

	// Multi-Head Attention specific parameters
	NumHeads     int       // Number of query heads
	NumKVHeads   int       // Number of key/value heads (GQA); 0 means NumHeads
	HeadDim      int       // Dimension per head (dModel / numHeads)
	DModel       int       // Model dimension (embedding size)
	QWeights     []float32 // Query projection [dModel][dModel], stored [in, out]
	KWeights     []float32 // Key projection [dModel][kvDim], stored [in, out]
	VWeights     []float32 // Value projection [dModel][kvDim], stored [in, out]
	OutputWeight []float32 // Output projection [dModel][dModel], stored [in, out]
	QBias        []float32 // [dModel]
	KBias        []float32 // [kvDim]
	VBias        []float32 // [kvDim]
	OutputBias   []float32 // [dModel]
	RoPEFreqBase float32   // RoPE theta

	// SwiGLU specific parameters
	InputHeight  int       // Hidden size
	OutputHeight int       // Intermediate size
	GateWeights  []float32 // [hidden][intermediate], stored [in, out]
	UpWeights    []float32 // [hidden][intermediate], stored [in, out]
	DownWeights  []float32 // [intermediate][hidden], stored [in, out]
	GateBias     []float32
	UpBias       []float32
	DownBias     []float32
}

// Block is one pre-norm decoder layer:
//
//	h = h + Attention(InputNorm(h))
//	h = h + MLP(PostAttentionNorm(h))
type Block struct {
	InputNorm         LayerConfig
	Attention         LayerConfig
	PostAttentionNorm LayerConfig
	MLP               LayerConfig
}

// Transformer is a decoder-only language model ready for inference.
// It is never mutated by Forward, so one instance can serve concurrent
// read-only passes.
type Transformer struct {
	Config     TransformerConfig
	Embeddings []float32 // [vocab][hidden]
	Blocks     []Block
	FinalNorm  LayerConfig
	LMHead     Projector
	Observer   LayerObserver
}

// NumLayers returns the number of decoder blocks.
func (t *Transformer) NumLayers() int {
	return len(t.Blocks)
}

// HiddenSize returns the residual stream width.
func (t *Transformer) HiddenSize() int {
	return t.Config.HiddenSize
}

// VocabSize returns the number of output logits.
func (t *Transformer) VocabSize() int {
	return t.Config.VocabSize
}
