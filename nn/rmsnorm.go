package nn

import (
	"math"
)

// =============================================================================
// Generic RMSNorm Implementation
// =============================================================================

// RMSNormForward performs RMS normalization for any numeric type.
// RMSNorm only uses gamma (no beta).
// Formula: output = input * gamma / sqrt(mean(input^2) + epsilon)
func RMSNormForward[T Numeric](input, residual, gamma *Tensor[T], normSize int, epsilon float64) *Tensor[T] {
	if epsilon == 0 {
		epsilon = 1e-6
	}

	// Add residual if provided
	inputWithResidual := input.Clone()
	if residual != nil && len(residual.Data) == len(input.Data) {
		for i := range inputWithResidual.Data {
			inputWithResidual.Data[i] += residual.Data[i]
		}
	}

	output := NewTensor[T](len(inputWithResidual.Data))
	numRows := len(inputWithResidual.Data) / normSize

	for r := 0; r < numRows; r++ {
		start := r * normSize
		end := start + normSize

		var sumSquares float64
		for i := start; i < end; i++ {
			val := float64(inputWithResidual.Data[i])
			sumSquares += val * val
		}
		rms := math.Sqrt(sumSquares/float64(normSize) + epsilon)

		for i := start; i < end; i++ {
			normalized := float64(inputWithResidual.Data[i]) / rms

			gammaIdx := i - start
			if gamma != nil && gammaIdx < len(gamma.Data) {
				output.Data[i] = T(normalized * float64(gamma.Data[gammaIdx]))
			} else {
				output.Data[i] = T(normalized)
			}
		}
	}

	return output
}

// RmsNormForwardCPU normalizes every row of a flat [rows, NormSize] slice.
func RmsNormForwardCPU(input []float32, residual []float32, config *LayerConfig) []float32 {
	inputT := NewTensorFromSlice(input, len(input))
	var residualT *Tensor[float32]
	if len(residual) > 0 {
		residualT = NewTensorFromSlice(residual, len(residual))
	}
	var gammaT *Tensor[float32]
	if len(config.Gamma) > 0 {
		gammaT = NewTensorFromSlice(config.Gamma, len(config.Gamma))
	}

	result := RMSNormForward(inputT, residualT, gammaT, config.NormSize, float64(config.Epsilon))
	return result.Data
}
