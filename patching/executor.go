package patching

import (
	"context"
	"fmt"

	"github.com/openfluke/loompatch/backend"
)

// Schedule is the order patched passes run in. Results do not depend on it.
type Schedule int

const (
	LayerMajor    Schedule = iota // layers outer, positions inner
	PositionMajor                 // positions outer, layers inner
)

func (s Schedule) String() string {
	if s == PositionMajor {
		return "position-major"
	}
	return "layer-major"
}

// ParseSchedule accepts "layer-major" and "position-major"; empty means
// layer-major.
func ParseSchedule(name string) (Schedule, error) {
	switch name {
	case "", "layer-major":
		return LayerMajor, nil
	case "position-major":
		return PositionMajor, nil
	}
	return 0, &ConfigurationError{Field: "schedule", Reason: fmt.Sprintf("unknown schedule %q", name)}
}

type cell struct{ row, pos int }

func (s Schedule) cells(rows, positions int) []cell {
	cells := make([]cell, 0, rows*positions)
	if s == PositionMajor {
		for p := 0; p < positions; p++ {
			for r := 0; r < rows; r++ {
				cells = append(cells, cell{r, p})
			}
		}
		return cells
	}
	for r := 0; r < rows; r++ {
		for p := 0; p < positions; p++ {
			cells = append(cells, cell{r, p})
		}
	}
	return cells
}

// CheckShapes verifies every activation can supply every destination
// position. It reports the first offending (layer, position) in resolver
// order.
func CheckShapes(base *Baselines, hidden int) error {
	positions := len(base.DestinationTokens)
	want := []int{1, positions, hidden}
	for _, a := range base.Activations {
		if a.Width() != hidden {
			return &ShapeMismatchError{Layer: a.Target.Layer, Position: 0, Want: want, Got: a.Tensor.Shape}
		}
		if a.SeqLen() < positions || len(a.Tensor.Data) < positions*hidden {
			return &ShapeMismatchError{Layer: a.Target.Layer, Position: a.SeqLen(), Want: want, Got: a.Tensor.Shape}
		}
	}
	return nil
}

// Patch runs one fresh destination pass per (target, position), each with
// only that target's output at that position replaced by the source slice,
// and returns the raw restored signals as [target][position]. Every pass is
// independent of the others; progress, when set, is called after each one.
func Patch(ctx context.Context, be backend.ExecutionBackend, base *Baselines, readout []int, schedule Schedule, progress func(done, total int)) ([][]float64, error) {
	rows := len(base.Activations)
	positions := len(base.DestinationTokens)

	restored := make([][]float64, rows)
	for r := range restored {
		restored[r] = make([]float64, positions)
	}

	cells := schedule.cells(rows, positions)
	for done, c := range cells {
		if err := ctx.Err(); err != nil {
			return nil, backendErr("forward", err)
		}

		act := base.Activations[c.row]
		res, err := be.Forward(ctx, backend.Pass{
			Tokens: base.DestinationTokens,
			Overrides: []backend.Override{{
				Target:   act.Target,
				Position: c.pos,
				Values:   act.Slice(c.pos),
			}},
			Readout: readout,
		})
		if err != nil {
			return nil, backendErr("forward", err)
		}

		diff, err := signal(res)
		if err != nil {
			return nil, err
		}
		restored[c.row][c.pos] = diff

		if progress != nil {
			progress(done+1, len(cells))
		}
	}
	return restored, nil
}
