package patching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfluke/loompatch/backend"
)

// Report is the result of one patching request.
type Report struct {
	ID                string
	Model             string
	Kind              Kind
	Mode              backend.Mode
	Layers            []int // row labels, resolver order
	DestinationTokens []int // column labels
	Scores            RecoveryMatrix
	SourceDiff        float64
	DestinationDiff   float64
	Passes            int
	Duration          time.Duration
}

type options struct {
	logger    *zap.Logger
	schedule  Schedule
	progress  func(done, total int)
	requestID string
}

// Option configures Run.
type Option func(*options)

// WithLogger logs request start, finish and failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSchedule sets the order patched passes run in.
func WithSchedule(s Schedule) Option {
	return func(o *options) { o.schedule = s }
}

// WithProgress is called after every patched pass.
func WithProgress(fn func(done, total int)) Option {
	return func(o *options) { o.progress = fn }
}

// WithRequestID overrides the generated request id.
func WithRequestID(id string) Option {
	return func(o *options) { o.requestID = id }
}

// Run computes the recovery matrix for spec on be. All passes go through
// the same backend. Either a complete report or an error is returned,
// never both.
func Run(ctx context.Context, be backend.ExecutionBackend, spec PatchSpec, opts ...Option) (*Report, error) {
	o := options{logger: zap.NewNop(), schedule: LayerMajor}
	for _, opt := range opts {
		opt(&o)
	}
	if o.requestID == "" {
		o.requestID = uuid.NewString()
	}
	log := o.logger.With(zap.String("request_id", o.requestID), zap.String("model", spec.ModelID))

	start := time.Now()
	report, err := run(ctx, be, spec, o, log)
	if err != nil {
		log.Warn("patching failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	report.Duration = time.Since(start)

	log.Info("patching finished",
		zap.Stringer("kind", report.Kind),
		zap.String("mode", string(report.Mode)),
		zap.Int("layers", len(report.Layers)),
		zap.Int("positions", len(report.DestinationTokens)),
		zap.Int("passes", report.Passes),
		zap.Float64("source_diff", report.SourceDiff),
		zap.Float64("destination_diff", report.DestinationDiff),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func run(ctx context.Context, be backend.ExecutionBackend, spec PatchSpec, o options, log *zap.Logger) (*Report, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	kind, _ := ParseKind(spec.Submodule)

	desc, err := be.Describe(ctx)
	if err != nil {
		return nil, backendErr("describe", err)
	}
	if err := spec.validateVocab(desc.Vocab); err != nil {
		return nil, err
	}

	targets, err := Resolve(kind, desc.Layers)
	if err != nil {
		return nil, err
	}

	src, err := be.Encode(ctx, spec.SourcePrompt)
	if err != nil {
		return nil, backendErr("encode", err)
	}
	if len(src) == 0 {
		return nil, &ConfigurationError{Field: "source", Reason: "prompt tokenizes to 0 tokens"}
	}
	dst, err := be.Encode(ctx, spec.DestinationPrompt)
	if err != nil {
		return nil, backendErr("encode", err)
	}
	if len(dst) == 0 {
		return nil, &ConfigurationError{Field: "destination", Reason: "prompt tokenizes to 0 tokens"}
	}

	log.Info("patching started",
		zap.Stringer("kind", kind),
		zap.String("mode", string(desc.Mode)),
		zap.Int("layers", len(targets)),
		zap.Int("source_tokens", len(src)),
		zap.Int("destination_tokens", len(dst)),
		zap.Stringer("schedule", o.schedule),
	)

	readout := []int{spec.CorrectID, spec.IncorrectID}
	base, err := Capture(ctx, be, targets, src, dst, readout)
	if err != nil {
		return nil, err
	}
	if err := CheckShapes(base, desc.Hidden); err != nil {
		return nil, err
	}

	restored, err := Patch(ctx, be, base, readout, o.schedule, o.progress)
	if err != nil {
		return nil, err
	}

	layers := make([]int, len(targets))
	for i, t := range targets {
		layers[i] = t.Layer
	}

	return &Report{
		ID:                o.requestID,
		Model:             spec.ModelID,
		Kind:              kind,
		Mode:              desc.Mode,
		Layers:            layers,
		DestinationTokens: dst,
		Scores:            Normalize(restored, base.SourceDiff, base.DestinationDiff),
		SourceDiff:        base.SourceDiff,
		DestinationDiff:   base.DestinationDiff,
		Passes:            2 + len(targets)*len(dst),
	}, nil
}
