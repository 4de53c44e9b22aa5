package nn

import (
	"math"
)

// KVCache is the incremental-decoding state produced by one attention
// sub-block: the rotated keys and the values for every position seen so far.
type KVCache struct {
	Keys   []float32 // [seqLen][kvDim], after RoPE
	Values []float32 // [seqLen][kvDim]
	SeqLen int
	KVDim  int
}

// Clone returns a deep copy of the cache.
func (c *KVCache) Clone() *KVCache {
	if c == nil {
		return nil
	}
	return &KVCache{
		Keys:   append([]float32(nil), c.Keys...),
		Values: append([]float32(nil), c.Values...),
		SeqLen: c.SeqLen,
		KVDim:  c.KVDim,
	}
}

// MultiHeadAttentionForwardCPU performs causal grouped-query attention over a
// flat [seqLen, dModel] input and returns the projected output together with
// the keys and values it computed.
func MultiHeadAttentionForwardCPU(input []float32, config *LayerConfig) ([]float32, *KVCache) {
	dModel := config.DModel
	numHeads := config.NumHeads
	numKVHeads := config.NumKVHeads
	if numKVHeads == 0 {
		numKVHeads = numHeads // Standard MHA
	}
	headDim := config.HeadDim
	kvDim := numKVHeads * headDim
	seqLen := len(input) / dModel

	// === STEP 1: Q, K, V projections ===
	Q := linearCPU(input, config.QWeights, config.QBias, seqLen, dModel, dModel)
	K := linearCPU(input, config.KWeights, config.KBias, seqLen, dModel, kvDim)
	V := linearCPU(input, config.VWeights, config.VBias, seqLen, dModel, kvDim)

	// === STEP 2: Reshape [seqLen, heads*headDim] -> [heads, seqLen, headDim] ===
	qHeads := splitHeads(Q, seqLen, numHeads, headDim)
	kHeads := splitHeads(K, seqLen, numKVHeads, headDim)
	vHeads := splitHeads(V, seqLen, numKVHeads, headDim)

	// === STEP 3: RoPE ===
	theta := float64(config.RoPEFreqBase)
	if theta == 0 {
		theta = 10000.0
	}
	applyRoPE(qHeads, seqLen, numHeads, headDim, theta)
	applyRoPE(kHeads, seqLen, numKVHeads, headDim, theta)

	cache := &KVCache{
		Keys:   mergeHeads(kHeads, seqLen, numKVHeads, headDim),
		Values: append([]float32(nil), V...),
		SeqLen: seqLen,
		KVDim:  kvDim,
	}

	// === STEP 4: Scaled dot-product with causal mask ===
	// Each KV head is shared by (numHeads / numKVHeads) query heads.
	headsPerKV := numHeads / numKVHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	attnOutput := make([]float32, numHeads*seqLen*headDim)
	scores := make([]float32, seqLen)

	for h := 0; h < numHeads; h++ {
		kvHead := h / headsPerKV
		qBase := h * seqLen * headDim
		kvBase := kvHead * seqLen * headDim

		for qPos := 0; qPos < seqLen; qPos++ {
			// Only positions <= qPos are visible.
			maxVal := float32(math.Inf(-1))
			for kPos := 0; kPos <= qPos; kPos++ {
				var sum float32
				for d := 0; d < headDim; d++ {
					sum += qHeads[qBase+qPos*headDim+d] * kHeads[kvBase+kPos*headDim+d]
				}
				scores[kPos] = sum * scale
				if scores[kPos] > maxVal {
					maxVal = scores[kPos]
				}
			}

			var sumExp float32
			for kPos := 0; kPos <= qPos; kPos++ {
				scores[kPos] = float32(math.Exp(float64(scores[kPos] - maxVal)))
				sumExp += scores[kPos]
			}

			outBase := qBase + qPos*headDim
			for kPos := 0; kPos <= qPos; kPos++ {
				w := scores[kPos] / sumExp
				for d := 0; d < headDim; d++ {
					attnOutput[outBase+d] += w * vHeads[kvBase+kPos*headDim+d]
				}
			}
		}
	}

	// === STEP 5: Concatenate heads and project ===
	concatenated := mergeHeads(attnOutput, seqLen, numHeads, headDim)
	output := linearCPU(concatenated, config.OutputWeight, config.OutputBias, seqLen, dModel, dModel)

	return output, cache
}

// linearCPU computes x @ W + b for a flat [rows, in] input with W stored [in, out].
func linearCPU(x, weights, bias []float32, rows, in, out int) []float32 {
	result := make([]float32, rows*out)
	for r := 0; r < rows; r++ {
		for o := 0; o < out; o++ {
			var sum float32
			if o < len(bias) {
				sum = bias[o]
			}
			for i := 0; i < in; i++ {
				sum += x[r*in+i] * weights[i*out+o]
			}
			result[r*out+o] = sum
		}
	}
	return result
}

// splitHeads converts [seqLen, heads*headDim] into [heads, seqLen, headDim].
func splitHeads(x []float32, seqLen, heads, headDim int) []float32 {
	width := heads * headDim
	out := make([]float32, len(x))
	for s := 0; s < seqLen; s++ {
		for h := 0; h < heads; h++ {
			copy(out[h*seqLen*headDim+s*headDim:h*seqLen*headDim+(s+1)*headDim],
				x[s*width+h*headDim:s*width+(h+1)*headDim])
		}
	}
	return out
}

// mergeHeads converts [heads, seqLen, headDim] back into [seqLen, heads*headDim].
func mergeHeads(x []float32, seqLen, heads, headDim int) []float32 {
	width := heads * headDim
	out := make([]float32, len(x))
	for s := 0; s < seqLen; s++ {
		for h := 0; h < heads; h++ {
			copy(out[s*width+h*headDim:s*width+(h+1)*headDim],
				x[h*seqLen*headDim+s*headDim:h*seqLen*headDim+(s+1)*headDim])
		}
	}
	return out
}
