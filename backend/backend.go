// Package backend defines the execution contract the patching core drives,
// and the pass instrumentation shared by the local and remote executors.
package backend

import (
	"context"

	"github.com/openfluke/loompatch/nn"
)

// ExecutionBackend runs forward passes over one model. Implementations must
// give identical results for identical passes; the patching core relies on
// every pass of a request seeing the same weights, precision and projector.
type ExecutionBackend interface {
	Describe(ctx context.Context) (Description, error)
	Encode(ctx context.Context, prompt string) ([]int, error)
	// Decode returns one display label per token.
	Decode(ctx context.Context, tokens []int) ([]string, error)
	Forward(ctx context.Context, pass Pass) (*Result, error)
}

// Mode reports where passes execute.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Description is the static shape of the model behind a backend.
type Description struct {
	Model  string `json:"model"`
	Layers int    `json:"layers"`
	Hidden int    `json:"hidden"`
	Vocab  int    `json:"vocab"`
	Mode   Mode   `json:"mode"`
}

// Target names one interception site.
type Target struct {
	Layer int     `json:"layer"`
	Kind  nn.Site `json:"kind"`
}

// Override replaces one sequence position of a target's output.
type Override struct {
	Target
	Position int       `json:"position"`
	Values   []float32 `json:"values"`
}

// Pass is one forward pass request.
type Pass struct {
	Tokens    []int      `json:"tokens"`
	Capture   []Target   `json:"capture,omitempty"`
	Overrides []Override `json:"overrides,omitempty"`
	Readout   []int      `json:"readout"` // vocabulary ids read at the final position
}

// Result holds what a pass exposes. Logits is aligned with Pass.Readout and
// Captured with Pass.Capture; every captured tensor is [1, seq, hidden].
type Result struct {
	Logits   []float32             `json:"logits"`
	Captured []*nn.Tensor[float32] `json:"captured,omitempty"`
}
