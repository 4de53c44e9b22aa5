package nn

// ModelBlueprint represents a loaded transformer's structure
type ModelBlueprint struct {
	ID           string           `json:"id"`
	ModelType    string           `json:"model_type"`
	NumLayers    int              `json:"num_layers"`
	HiddenSize   int              `json:"hidden_size"`
	VocabSize    int              `json:"vocab_size"`
	NumHeads     int              `json:"num_heads"`
	NumKVHeads   int              `json:"num_kv_heads"`
	Intermediate int              `json:"intermediate_size"`
	TotalParams  int              `json:"total_parameters"`
	Layers       []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about one decoder block
type LayerTelemetry struct {
	Index      int      `json:"index"`
	Sites      []string `json:"sites"`
	Parameters int      `json:"parameters"`
}

// ExtractBlueprint extracts structural telemetry from a loaded transformer.
func ExtractBlueprint(t *Transformer, modelID string) ModelBlueprint {
	bp := ModelBlueprint{
		ID:           modelID,
		ModelType:    t.Config.ModelType,
		NumLayers:    t.NumLayers(),
		HiddenSize:   t.HiddenSize(),
		VocabSize:    t.VocabSize(),
		NumHeads:     t.Config.NumHeads,
		NumKVHeads:   t.Config.NumKVHeads,
		Intermediate: t.Config.IntermediateSize,
		Layers:       make([]LayerTelemetry, 0, t.NumLayers()),
	}

	totalParams := len(t.Embeddings) + countLayerParams(&t.FinalNorm)
	// Tied heads share the embedding matrix and are not counted twice.
	if p, ok := t.LMHead.(*CPUProjector); ok && len(p.Weights) > 0 && len(t.Embeddings) > 0 && &p.Weights[0] != &t.Embeddings[0] {
		totalParams += len(p.Weights)
	}

	for i := range t.Blocks {
		b := &t.Blocks[i]
		params := countLayerParams(&b.InputNorm) + countLayerParams(&b.Attention) +
			countLayerParams(&b.PostAttentionNorm) + countLayerParams(&b.MLP)
		bp.Layers = append(bp.Layers, LayerTelemetry{
			Index:      i,
			Sites:      []string{SiteAttention.String(), SiteMLP.String(), SiteBlock.String()},
			Parameters: params,
		})
		totalParams += params
	}

	bp.TotalParams = totalParams
	return bp
}

func countLayerParams(cfg *LayerConfig) int {
	switch cfg.Type {
	case LayerRMSNorm:
		return len(cfg.Gamma)
	case LayerMultiHeadAttention:
		return len(cfg.QWeights) + len(cfg.KWeights) + len(cfg.VWeights) + len(cfg.OutputWeight) +
			len(cfg.QBias) + len(cfg.KBias) + len(cfg.VBias) + len(cfg.OutputBias)
	case LayerSwiGLU:
		return len(cfg.GateWeights) + len(cfg.UpWeights) + len(cfg.DownWeights) +
			len(cfg.GateBias) + len(cfg.UpBias) + len(cfg.DownBias)
	default:
		return 0
	}
}
