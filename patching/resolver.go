package patching

import (
	"fmt"

	"github.com/openfluke/loompatch/backend"
)

// Resolve returns one target per layer, in layer order.
func Resolve(kind Kind, numLayers int) ([]backend.Target, error) {
	switch kind {
	case KindAttention, KindMLP, KindBlock:
	default:
		return nil, &ConfigurationError{Field: "submodule", Reason: fmt.Sprintf("unknown kind %d", int(kind))}
	}
	if numLayers <= 0 {
		return nil, &ConfigurationError{Field: "model", Reason: fmt.Sprintf("model has %d layers", numLayers)}
	}

	targets := make([]backend.Target, numLayers)
	for l := range targets {
		targets[l] = backend.Target{Layer: l, Kind: kind}
	}
	return targets, nil
}
