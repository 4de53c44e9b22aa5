// Package registry loads the models declared in config on first use and
// hands out read-only handles to them.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openfluke/loompatch/backend/local"
	"github.com/openfluke/loompatch/config"
	"github.com/openfluke/loompatch/gpu"
	"github.com/openfluke/loompatch/nn"
	"github.com/openfluke/loompatch/patching"
	"github.com/openfluke/loompatch/tokenizer"
)

// Model is a loaded transformer with its tokenizer. It is never mutated
// after Get returns it.
type Model struct {
	Name        string
	Transformer *nn.Transformer
	Tokenizer   *tokenizer.Tokenizer
	Blueprint   nn.ModelBlueprint
	Device      string

	logger  *zap.Logger
	release func()
}

// Backend returns a local execution backend over the model.
func (m *Model) Backend(opts ...local.Option) *local.Backend {
	opts = append([]local.Option{local.WithLogger(m.logger)}, opts...)
	return local.New(m.Name, m.Transformer, m.Tokenizer, opts...)
}

// Registry resolves model names to loaded models.
type Registry struct {
	configs map[string]config.ModelConfig
	logger  *zap.Logger

	mu     sync.RWMutex
	loaded map[string]*Model
	group  singleflight.Group
}

// New builds a registry over the declared models. Nothing is loaded yet.
func New(models []config.ModelConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		configs: make(map[string]config.ModelConfig, len(models)),
		logger:  logger,
		loaded:  make(map[string]*Model),
	}
	for _, m := range models {
		r.configs[m.Name] = m
		if m.Device == config.DeviceGPU {
			gpu.SetLogger(logger)
		}
	}
	return r
}

// Names lists the declared models, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is declared.
func (r *Registry) Has(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// Get returns the named model, loading it on first use. Concurrent callers
// asking for the same model share one load. An undeclared name is a
// patching.ConfigurationError.
func (r *Registry) Get(ctx context.Context, name string) (*Model, error) {
	r.mu.RLock()
	m, ok := r.loaded[name]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, &patching.ConfigurationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", name)}
	}

	ch := r.group.DoChan(name, func() (any, error) {
		r.mu.RLock()
		m, ok := r.loaded[name]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}

		m, err := r.load(cfg)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.loaded[name] = m
		r.mu.Unlock()
		return m, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Model), nil
	}
}

// Close releases device resources held by loaded models.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, m := range r.loaded {
		if m.release != nil {
			m.release()
		}
		delete(r.loaded, name)
	}
}

func (r *Registry) load(cfg config.ModelConfig) (*Model, error) {
	start := time.Now()
	log := r.logger.With(zap.String("model", cfg.Name), zap.String("kind", cfg.Kind))

	var (
		model *nn.Transformer
		tok   *tokenizer.Tokenizer
		err   error
	)
	switch cfg.Kind {
	case config.KindSynthetic:
		model, tok, err = loadSynthetic(cfg)
	case config.KindSafetensors:
		model, tok, err = loadSafetensors(cfg, log)
	default:
		err = fmt.Errorf("unsupported model kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", cfg.Name, err)
	}

	if cfg.TraceActivations {
		model.Observer = &nn.ZapObserver{Logger: log}
	}

	m := &Model{
		Name:        cfg.Name,
		Transformer: model,
		Tokenizer:   tok,
		Device:      config.DeviceCPU,
		logger:      log,
	}
	if cfg.Device == config.DeviceGPU {
		if err := attachGPU(m); err != nil {
			return nil, fmt.Errorf("loading model %s: %w", cfg.Name, err)
		}
	}
	m.Blueprint = nn.ExtractBlueprint(model, cfg.Name)

	log.Info("model loaded",
		zap.Int("layers", model.NumLayers()),
		zap.Int("hidden", model.Config.HiddenSize),
		zap.Int("vocab", model.Config.VocabSize),
		zap.String("device", m.Device),
		zap.Duration("elapsed", time.Since(start)),
	)
	return m, nil
}

func loadSynthetic(cfg config.ModelConfig) (*nn.Transformer, *tokenizer.Tokenizer, error) {
	s := cfg.Synthetic
	if s == nil {
		return nil, nil, fmt.Errorf("missing synthetic block")
	}
	if s.Vocab < 256 {
		return nil, nil, fmt.Errorf("synthetic vocab %d is smaller than the byte tokenizer", s.Vocab)
	}
	model, err := nn.NewSyntheticTransformer(nn.TransformerConfig{
		HiddenSize:       s.Hidden,
		IntermediateSize: s.Intermediate,
		NumLayers:        s.Layers,
		NumHeads:         s.Heads,
		NumKVHeads:       s.KVHeads,
		VocabSize:        s.Vocab,
	}, s.Seed)
	if err != nil {
		return nil, nil, err
	}
	return model, tokenizer.NewByteLevel(), nil
}

func loadSafetensors(cfg config.ModelConfig, log *zap.Logger) (*nn.Transformer, *tokenizer.Tokenizer, error) {
	model, err := nn.LoadTransformerFromSafetensors(cfg.Path, log)
	if err != nil {
		return nil, nil, err
	}

	tokPath := filepath.Join(cfg.Path, "tokenizer.json")
	if _, err := os.Stat(tokPath); err != nil {
		log.Warn("no tokenizer.json, falling back to byte tokenizer", zap.String("path", tokPath))
		if model.Config.VocabSize < 256 {
			return nil, nil, fmt.Errorf("no tokenizer.json and vocab %d is too small for bytes", model.Config.VocabSize)
		}
		return model, tokenizer.NewByteLevel(), nil
	}
	tok, err := tokenizer.LoadFromFile(tokPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	if tok.VocabSize() > model.Config.VocabSize {
		log.Warn("tokenizer vocabulary exceeds model vocabulary",
			zap.Int("tokenizer", tok.VocabSize()),
			zap.Int("model", model.Config.VocabSize))
	}
	return model, tok, nil
}

// attachGPU moves the LM head onto the GPU. A model configured for the GPU
// never runs on the CPU instead: without an adapter the load fails.
func attachGPU(m *Model) error {
	cpu, ok := m.Transformer.LMHead.(*nn.CPUProjector)
	if !ok {
		return fmt.Errorf("lm head %T cannot move to the gpu", m.Transformer.LMHead)
	}
	p, err := gpu.NewProjector(cpu.Weights, cpu.Rows, cpu.Cols)
	if err != nil {
		return fmt.Errorf("device gpu: %w", err)
	}
	m.Transformer.LMHead = p
	m.Device = config.DeviceGPU
	m.release = p.Release
	return nil
}
