package patching

import (
	"context"
	"fmt"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/nn"
)

// Activation is one target's output from the source pass. It is never
// modified after capture.
type Activation struct {
	Target backend.Target
	Tensor *nn.Tensor[float32] // [1, seq, hidden]
}

// SeqLen is the number of source positions the activation covers.
func (a Activation) SeqLen() int { return a.Tensor.Dim(1) }

// Width is the feature width.
func (a Activation) Width() int { return a.Tensor.Dim(2) }

// Slice returns a copy of the feature vector at pos.
func (a Activation) Slice(pos int) []float32 {
	w := a.Width()
	out := make([]float32, w)
	copy(out, a.Tensor.Data[pos*w:(pos+1)*w])
	return out
}

// Baselines is everything the unpatched passes produce.
type Baselines struct {
	SourceTokens      []int
	DestinationTokens []int
	SourceDiff        float64
	DestinationDiff   float64
	Activations       []Activation // aligned with the resolved targets
}

// Capture runs the two unpatched passes. Pass A runs the source prompt and
// captures every target; pass B runs the destination prompt and only reads
// the final-position signal. Token sequences are supplied by the caller so
// that empty prompts are rejected before any pass runs.
func Capture(ctx context.Context, be backend.ExecutionBackend, targets []backend.Target, src, dst []int, readout []int) (*Baselines, error) {
	if err := ctx.Err(); err != nil {
		return nil, backendErr("forward", err)
	}
	a, err := be.Forward(ctx, backend.Pass{Tokens: src, Capture: targets, Readout: readout})
	if err != nil {
		return nil, backendErr("forward", err)
	}
	if len(a.Captured) != len(targets) {
		return nil, backendErr("forward", fmt.Errorf("source pass returned %d activations, want %d", len(a.Captured), len(targets)))
	}
	sourceDiff, err := signal(a)
	if err != nil {
		return nil, err
	}

	acts := make([]Activation, len(targets))
	for i, t := range targets {
		tensor := a.Captured[i]
		if tensor == nil || len(tensor.Shape) != 3 {
			return nil, backendErr("forward", fmt.Errorf("layer %d activation is not [1, seq, hidden]", t.Layer))
		}
		acts[i] = Activation{Target: t, Tensor: tensor}
	}

	if err := ctx.Err(); err != nil {
		return nil, backendErr("forward", err)
	}
	b, err := be.Forward(ctx, backend.Pass{Tokens: dst, Readout: readout})
	if err != nil {
		return nil, backendErr("forward", err)
	}
	destinationDiff, err := signal(b)
	if err != nil {
		return nil, err
	}

	return &Baselines{
		SourceTokens:      src,
		DestinationTokens: dst,
		SourceDiff:        sourceDiff,
		DestinationDiff:   destinationDiff,
		Activations:       acts,
	}, nil
}

// signal is logit(correct) - logit(incorrect) for a [correct, incorrect] readout.
func signal(r *backend.Result) (float64, error) {
	if len(r.Logits) != 2 {
		return 0, backendErr("forward", fmt.Errorf("readout returned %d logits, want 2", len(r.Logits)))
	}
	return float64(r.Logits[0]) - float64(r.Logits[1]), nil
}
