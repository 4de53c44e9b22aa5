package nn

import "fmt"

// Projector maps the final normalized hidden state onto vocabulary logits.
// The GPU implementation lives in package gpu.
type Projector interface {
	Project(hidden []float32) ([]float32, error)
}

// CPUProjector multiplies by a [Rows, Cols] matrix (rows = vocab, cols = hidden).
type CPUProjector struct {
	Weights []float32
	Rows    int
	Cols    int
}

// NewCPUProjector validates the matrix dimensions.
func NewCPUProjector(weights []float32, rows, cols int) (*CPUProjector, error) {
	if rows <= 0 || cols <= 0 || len(weights) != rows*cols {
		return nil, fmt.Errorf("lm head: have %d weights, want %d x %d", len(weights), rows, cols)
	}
	return &CPUProjector{Weights: weights, Rows: rows, Cols: cols}, nil
}

func (p *CPUProjector) Project(hidden []float32) ([]float32, error) {
	if len(hidden) != p.Cols {
		return nil, fmt.Errorf("lm head: hidden width %d, want %d", len(hidden), p.Cols)
	}
	logits := make([]float32, p.Rows)
	for v := 0; v < p.Rows; v++ {
		row := p.Weights[v*p.Cols : (v+1)*p.Cols]
		var sum float32
		for d, h := range hidden {
			sum += h * row[d]
		}
		logits[v] = sum
	}
	return logits, nil
}
