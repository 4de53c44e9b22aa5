package backend

import (
	"errors"
	"fmt"

	"github.com/openfluke/loompatch/nn"
)

// ErrInvalidPass is matched by every error caused by a Pass that does not
// fit the model: a target outside the model, an override of the wrong
// width or position, or a readout id outside the vocabulary.
var ErrInvalidPass = errors.New("invalid pass")

func invalidPass(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidPass}, args...)...)
}

// Instrument turns a Pass's capture and override lists into an nn.Hook.
// Overrides touch only the primary hidden state; a block's KV cache is
// left exactly as the current pass computed it.
type Instrument struct {
	captures  map[Target][]int
	overrides map[Target][]Override
	captured  []*nn.Tensor[float32]
}

// NewInstrument validates pass against the model shape.
func NewInstrument(pass Pass, layers, hidden int) (*Instrument, error) {
	in := &Instrument{
		captures:  make(map[Target][]int, len(pass.Capture)),
		overrides: make(map[Target][]Override, len(pass.Overrides)),
		captured:  make([]*nn.Tensor[float32], len(pass.Capture)),
	}

	checkTarget := func(t Target) error {
		if t.Layer < 0 || t.Layer >= layers {
			return fmt.Errorf("layer %d out of range [0, %d)", t.Layer, layers)
		}
		if t.Kind < nn.SiteAttention || t.Kind > nn.SiteBlock {
			return fmt.Errorf("layer %d: invalid site %d", t.Layer, int(t.Kind))
		}
		return nil
	}

	for i, t := range pass.Capture {
		if err := checkTarget(t); err != nil {
			return nil, invalidPass("capture: %v", err)
		}
		in.captures[t] = append(in.captures[t], i)
	}
	for _, o := range pass.Overrides {
		if err := checkTarget(o.Target); err != nil {
			return nil, invalidPass("override: %v", err)
		}
		if o.Position < 0 || o.Position >= len(pass.Tokens) {
			return nil, invalidPass("override: position %d out of range [0, %d)", o.Position, len(pass.Tokens))
		}
		if len(o.Values) != hidden {
			return nil, invalidPass("override: %d values, want %d", len(o.Values), hidden)
		}
		in.overrides[o.Target] = append(in.overrides[o.Target], o)
	}
	return in, nil
}

// Hook captures first, then applies overrides, so a capture always sees the
// target's output exactly as produced.
func (in *Instrument) Hook(layer int, site nn.Site, out *nn.SiteOutput) error {
	t := Target{Layer: layer, Kind: site}

	for _, idx := range in.captures[t] {
		in.captured[idx] = out.Hidden.Clone()
	}

	hidden := out.Hidden.Dim(2)
	for _, o := range in.overrides[t] {
		copy(out.Hidden.Data[o.Position*hidden:(o.Position+1)*hidden], o.Values)
	}
	return nil
}

// Captured returns the captured tensors in Pass.Capture order.
func (in *Instrument) Captured() ([]*nn.Tensor[float32], error) {
	for i, c := range in.captured {
		if c == nil {
			return nil, fmt.Errorf("capture %d was never reached", i)
		}
	}
	return in.captured, nil
}

// Execute runs pass on model. useCache makes whole-block sites carry the
// pass's own KV cache, which overrides never modify.
func Execute(model *nn.Transformer, pass Pass, useCache bool) (*Result, error) {
	if len(pass.Tokens) == 0 {
		return nil, invalidPass("empty token sequence")
	}
	vocab := model.VocabSize()
	for i, id := range pass.Tokens {
		if id < 0 || id >= vocab {
			return nil, invalidPass("token %d at position %d out of vocabulary range [0, %d)", id, i, vocab)
		}
	}

	in, err := NewInstrument(pass, model.NumLayers(), model.HiddenSize())
	if err != nil {
		return nil, err
	}

	res, err := model.Forward(pass.Tokens, nn.ForwardOptions{Hook: in.Hook, UseCache: useCache})
	if err != nil {
		return nil, err
	}

	logits, err := Readout(res.Logits, pass.Readout)
	if err != nil {
		return nil, err
	}

	captured, err := in.Captured()
	if err != nil {
		return nil, err
	}
	if len(captured) == 0 {
		captured = nil
	}
	return &Result{Logits: logits, Captured: captured}, nil
}

// Readout picks ids out of a full vocabulary logit vector.
func Readout(logits []float32, ids []int) ([]float32, error) {
	out := make([]float32, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(logits) {
			return nil, invalidPass("readout id %d out of vocabulary range [0, %d)", id, len(logits))
		}
		out[i] = logits[id]
	}
	return out, nil
}
