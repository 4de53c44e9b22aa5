// Package local executes passes in-process on an nn.Transformer.
package local

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/nn"
)

// Tokenizer is the part of tokenizer.Tokenizer the backend needs.
type Tokenizer interface {
	Encode(text string) []int
	DecodeToken(id int) string
}

// Backend runs every pass synchronously on the calling goroutine. The model
// is only read, so one Backend may serve concurrent requests.
type Backend struct {
	name     string
	model    *nn.Transformer
	tok      Tokenizer
	useCache bool
	logger   *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger logs every pass at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithKVCache runs the engine with caching on, so whole-block sites carry
// the pass's KV cache.
func WithKVCache(on bool) Option {
	return func(b *Backend) { b.useCache = on }
}

// New wraps a loaded model and its tokenizer.
func New(name string, model *nn.Transformer, tok Tokenizer, opts ...Option) *Backend {
	b := &Backend{name: name, model: model, tok: tok, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Describe(ctx context.Context) (backend.Description, error) {
	return backend.Description{
		Model:  b.name,
		Layers: b.model.NumLayers(),
		Hidden: b.model.HiddenSize(),
		Vocab:  b.model.VocabSize(),
		Mode:   backend.ModeLocal,
	}, nil
}

func (b *Backend) Encode(ctx context.Context, prompt string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.tok.Encode(prompt), nil
}

func (b *Backend) Decode(ctx context.Context, tokens []int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	labels := make([]string, len(tokens))
	for i, id := range tokens {
		labels[i] = b.tok.DecodeToken(id)
	}
	return labels, nil
}

func (b *Backend) Forward(ctx context.Context, pass backend.Pass) (*backend.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := backend.Execute(b.model, pass, b.useCache)
	if err != nil {
		return nil, err
	}

	if ce := b.logger.Check(zap.DebugLevel, "forward"); ce != nil {
		ce.Write(
			zap.String("model", b.name),
			zap.Int("tokens", len(pass.Tokens)),
			zap.Int("captures", len(pass.Capture)),
			zap.Int("overrides", len(pass.Overrides)),
			zap.Bool("kv_cache", b.useCache),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return res, nil
}

var _ backend.ExecutionBackend = (*Backend)(nil)
