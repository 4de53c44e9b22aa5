package nn

import (
	"math"
)

// SwiGLUForward performs SwiGLU gated activation for any numeric type.
// SwiGLU: down_proj(silu(gate_proj(x)) * up_proj(x))
// where silu(x) = x * sigmoid(x) = x / (1 + exp(-x))
func SwiGLUForward[T Numeric](
	input, gateWeights, upWeights, downWeights, gateBias, upBias, downBias *Tensor[T],
	inputSize, intermediateSize, seqLen int,
) (output *Tensor[T]) {
	output = NewTensor[T](seqLen * inputSize)
	gateOut := make([]float64, seqLen*intermediateSize)
	upOut := make([]float64, seqLen*intermediateSize)

	// 1. Gate and up projections
	for s := 0; s < seqLen; s++ {
		for i := 0; i < intermediateSize; i++ {
			gate := biasAt(gateBias, i)
			up := biasAt(upBias, i)
			for j := 0; j < inputSize; j++ {
				x := float64(input.Data[s*inputSize+j])
				gate += x * float64(gateWeights.Data[j*intermediateSize+i])
				up += x * float64(upWeights.Data[j*intermediateSize+i])
			}
			gateOut[s*intermediateSize+i] = gate
			upOut[s*intermediateSize+i] = up
		}
	}

	// 2. silu(gate) * up
	for i := range gateOut {
		x := gateOut[i]
		gateOut[i] = x / (1.0 + math.Exp(-x)) * upOut[i]
	}

	// 3. Down projection
	for s := 0; s < seqLen; s++ {
		for i := 0; i < inputSize; i++ {
			sum := biasAt(downBias, i)
			for j := 0; j < intermediateSize; j++ {
				sum += gateOut[s*intermediateSize+j] * float64(downWeights.Data[j*inputSize+i])
			}
			output.Data[s*inputSize+i] = T(sum)
		}
	}

	return output
}

func biasAt[T Numeric](bias *Tensor[T], i int) float64 {
	if bias == nil || i >= len(bias.Data) {
		return 0
	}
	return float64(bias.Data[i])
}

// SwiGLUForwardCPU runs the feed-forward sub-block over a flat [seqLen, hidden] slice.
func SwiGLUForwardCPU(input []float32, config *LayerConfig) []float32 {
	inputSize := config.InputHeight
	intermediateSize := config.OutputHeight
	seqLen := len(input) / inputSize

	wrap := func(s []float32) *Tensor[float32] {
		if len(s) == 0 {
			return nil
		}
		return NewTensorFromSlice(s, len(s))
	}

	result := SwiGLUForward(
		wrap(input),
		wrap(config.GateWeights), wrap(config.UpWeights), wrap(config.DownWeights),
		wrap(config.GateBias), wrap(config.UpBias), wrap(config.DownBias),
		inputSize, intermediateSize, seqLen,
	)
	return result.Data
}
