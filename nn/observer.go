package nn

import (
	"go.uber.org/zap"
)

// LayerStats summarizes one activation tensor.
type LayerStats struct {
	AvgActivation float32 `json:"avg"`
	MaxActivation float32 `json:"max"`
	MinActivation float32 `json:"min"`
	ActiveNeurons int     `json:"active"`
	TotalNeurons  int     `json:"total"`
}

// LayerEvent is emitted after every interception site has run.
type LayerEvent struct {
	LayerIdx int        `json:"layer"`
	Site     Site       `json:"site"`
	SeqLen   int        `json:"seq_len"`
	Stats    LayerStats `json:"stats"`
	Output   []float32  `json:"-"`
}

// LayerObserver receives forward events. Implementations must not retain or
// modify Output.
type LayerObserver interface {
	OnForward(event LayerEvent)
}

// ObserverFunc adapts a function to LayerObserver.
type ObserverFunc func(event LayerEvent)

func (f ObserverFunc) OnForward(event LayerEvent) { f(event) }

// computeLayerStats calculates summary statistics for an activation slice
func computeLayerStats(data []float32, threshold float32) LayerStats {
	if len(data) == 0 {
		return LayerStats{}
	}

	var sum float32
	max := data[0]
	min := data[0]
	activeCount := 0

	for _, v := range data {
		sum += v
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
		if v > threshold {
			activeCount++
		}
	}

	return LayerStats{
		AvgActivation: sum / float32(len(data)),
		MaxActivation: max,
		MinActivation: min,
		ActiveNeurons: activeCount,
		TotalNeurons:  len(data),
	}
}

// notifyObserver sends an event to the transformer's observer if one exists
func (t *Transformer) notifyObserver(layerIdx int, site Site, seqLen int, output []float32) {
	if t.Observer == nil {
		return
	}
	t.Observer.OnForward(LayerEvent{
		LayerIdx: layerIdx,
		Site:     site,
		SeqLen:   seqLen,
		Stats:    computeLayerStats(output, 0.0),
		Output:   output,
	})
}

// ZapObserver logs per-site activation statistics at debug level.
type ZapObserver struct {
	Logger *zap.Logger
}

func (o *ZapObserver) OnForward(event LayerEvent) {
	o.Logger.Debug("forward",
		zap.Int("layer", event.LayerIdx),
		zap.Stringer("site", event.Site),
		zap.Int("seq_len", event.SeqLen),
		zap.Float32("avg", event.Stats.AvgActivation),
		zap.Float32("max", event.Stats.MaxActivation),
		zap.Float32("min", event.Stats.MinActivation),
		zap.Int("active", event.Stats.ActiveNeurons),
		zap.Int("total", event.Stats.TotalNeurons),
	)
}
