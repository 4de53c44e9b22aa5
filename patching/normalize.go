package patching

// Epsilon keeps the denominator non-zero when the two baselines coincide.
const Epsilon = 1e-6

// RecoveryMatrix holds one score per (layer, destination position), rows in
// resolver order and positions increasing.
type RecoveryMatrix [][]float64

// Len is the total number of scores.
func (m RecoveryMatrix) Len() int {
	n := 0
	for _, row := range m {
		n += len(row)
	}
	return n
}

// Score is 0 when a patch changes nothing relative to the destination and
// 1 when it fully reproduces the source.
func Score(restored, source, destination float64) float64 {
	return (restored - destination) / ((source - destination) + Epsilon)
}

// Normalize converts raw restored signals into recovery scores.
func Normalize(restored [][]float64, source, destination float64) RecoveryMatrix {
	m := make(RecoveryMatrix, len(restored))
	for r, row := range restored {
		m[r] = make([]float64, len(row))
		for p, v := range row {
			m[r][p] = Score(v, source, destination)
		}
	}
	return m
}
