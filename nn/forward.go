package nn

import (
	"fmt"
	"time"
)

// SiteOutput is the value an interception site produces. Hidden always has
// shape [1, seqLen, hidden]. Cache is only set at SiteBlock when the pass runs
// with UseCache.
type SiteOutput struct {
	Hidden *Tensor[float32]
	Cache  *KVCache
}

// Hook is called once per (layer, site) during a forward pass. It may modify
// out.Hidden in place or replace it with a tensor of the same shape; whatever
// it leaves behind is what the rest of the pass consumes. Returning an error
// aborts the pass.
type Hook func(layer int, site Site, out *SiteOutput) error

// ForwardOptions controls a single forward pass.
type ForwardOptions struct {
	Hook     Hook
	UseCache bool // attach each block's KV cache to its SiteBlock output
}

// ForwardResult holds what a completed pass exposes.
type ForwardResult struct {
	Logits   []float32  // final sequence position, [vocab]
	Cache    []*KVCache // per layer, nil unless UseCache
	SeqLen   int
	Duration time.Duration
}

// Forward runs the decoder over tokens. It never mutates the model.
func (t *Transformer) Forward(tokens []int, opts ForwardOptions) (*ForwardResult, error) {
	start := time.Now()

	if len(tokens) == 0 {
		return nil, fmt.Errorf("forward: empty token sequence")
	}
	if t.LMHead == nil {
		return nil, fmt.Errorf("forward: model has no lm head")
	}

	hidden := t.HiddenSize()
	seqLen := len(tokens)

	embedded, err := EmbeddingForward(tokens, NewTensorFromSlice(t.Embeddings), t.VocabSize(), hidden)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	h := embedded.Data

	result := &ForwardResult{SeqLen: seqLen}
	if opts.UseCache {
		result.Cache = make([]*KVCache, len(t.Blocks))
	}

	for l := range t.Blocks {
		b := &t.Blocks[l]

		// 1. Attention sub-block
		normed := RmsNormForwardCPU(h, nil, &b.InputNorm)
		attnOut, cache := MultiHeadAttentionForwardCPU(normed, &b.Attention)
		attnOut, _, err = t.visit(opts.Hook, l, SiteAttention, attnOut, nil, seqLen)
		if err != nil {
			return nil, err
		}
		addInPlace(h, attnOut)

		// 2. Feed-forward sub-block
		normed = RmsNormForwardCPU(h, nil, &b.PostAttentionNorm)
		mlpOut := SwiGLUForwardCPU(normed, &b.MLP)
		mlpOut, _, err = t.visit(opts.Hook, l, SiteMLP, mlpOut, nil, seqLen)
		if err != nil {
			return nil, err
		}
		addInPlace(h, mlpOut)

		// 3. Whole block
		if !opts.UseCache {
			cache = nil
		}
		h, cache, err = t.visit(opts.Hook, l, SiteBlock, h, cache, seqLen)
		if err != nil {
			return nil, err
		}
		if opts.UseCache {
			result.Cache[l] = cache
		}
	}

	final := RmsNormForwardCPU(h, nil, &t.FinalNorm)
	logits, err := t.LMHead.Project(final[(seqLen-1)*hidden:])
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	result.Logits = logits
	result.Duration = time.Since(start)

	return result, nil
}

// visit exposes one site's output to the hook and returns what the hook left.
func (t *Transformer) visit(hook Hook, layer int, site Site, data []float32, cache *KVCache, seqLen int) ([]float32, *KVCache, error) {
	if hook != nil {
		hidden := t.HiddenSize()
		out := &SiteOutput{
			Hidden: NewTensorFromSlice(data, 1, seqLen, hidden),
			Cache:  cache,
		}
		if err := hook(layer, site, out); err != nil {
			return nil, nil, fmt.Errorf("layer %d %s: %w", layer, site, err)
		}
		if out.Hidden == nil || out.Hidden.Dim(1) != seqLen || out.Hidden.Dim(2) != hidden || len(out.Hidden.Data) != seqLen*hidden {
			return nil, nil, fmt.Errorf("layer %d %s: hook changed output shape", layer, site)
		}
		data, cache = out.Hidden.Data, out.Cache
	}

	t.notifyObserver(layer, site, seqLen, data)
	return data, cache, nil
}

func addInPlace(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
