package nn

import "math"

// applyRoPE rotates a [heads, seqLen, headDim] tensor in place using the
// rotate_half convention: out = x*cos + rotate_half(x)*sin,
// rotate_half(x) = concat(-x[half:], x[:half]).
func applyRoPE(tensor []float32, seqLen, numHeads, headDim int, theta float64) {
	half := headDim / 2
	freqs := make([]float64, half)
	for i := 0; i < half; i++ {
		freqs[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}

	cosVals := make([]float32, seqLen*half)
	sinVals := make([]float32, seqLen*half)
	for pos := 0; pos < seqLen; pos++ {
		for i := 0; i < half; i++ {
			angle := freqs[i] * float64(pos)
			cosVals[pos*half+i] = float32(math.Cos(angle))
			sinVals[pos*half+i] = float32(math.Sin(angle))
		}
	}

	for head := 0; head < numHeads; head++ {
		for pos := 0; pos < seqLen; pos++ {
			base := head*seqLen*headDim + pos*headDim
			for i := 0; i < half; i++ {
				x1 := tensor[base+i]
				x2 := tensor[base+i+half]
				c := cosVals[pos*half+i]
				s := sinVals[pos*half+i]
				tensor[base+i] = x1*c - x2*s
				tensor[base+i+half] = x2*c + x1*s
			}
		}
	}
}
