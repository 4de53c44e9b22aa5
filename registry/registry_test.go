package registry

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openfluke/loompatch/config"
	"github.com/openfluke/loompatch/gpu"
	"github.com/openfluke/loompatch/nn"
	"github.com/openfluke/loompatch/patching"
)

func tinyConfig() config.ModelConfig {
	return config.ModelConfig{
		Name:   "tiny",
		Kind:   config.KindSynthetic,
		Device: config.DeviceCPU,
		Synthetic: &config.SyntheticConfig{
			Layers: 2, Hidden: 16, Heads: 4, KVHeads: 2, Intermediate: 32, Vocab: 256, Seed: 42,
		},
	}
}

func TestGetSynthetic(t *testing.T) {
	r := New([]config.ModelConfig{tinyConfig()}, zaptest.NewLogger(t))
	defer r.Close()

	m, err := r.Get(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, "tiny", m.Name)
	assert.Equal(t, 2, m.Transformer.NumLayers())
	assert.Equal(t, config.DeviceCPU, m.Device)
	assert.Equal(t, 2, m.Blueprint.NumLayers)
	assert.Equal(t, []int{'h', 'i'}, m.Tokenizer.Encode("hi"))

	desc, err := m.Backend().Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 256, desc.Vocab)
	assert.Equal(t, 16, desc.Hidden)
}

func TestGetCachesModel(t *testing.T) {
	r := New([]config.ModelConfig{tinyConfig()}, nil)

	first, err := r.Get(context.Background(), "tiny")
	require.NoError(t, err)
	second, err := r.Get(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestGetConcurrentSharesLoad(t *testing.T) {
	r := New([]config.ModelConfig{tinyConfig()}, nil)

	const n = 8
	models := make([]*Model, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.Get(context.Background(), "tiny")
			assert.NoError(t, err)
			models[i] = m
		}(i)
	}
	wg.Wait()

	for _, m := range models[1:] {
		assert.Same(t, models[0], m)
	}
}

func TestGetUnknownModel(t *testing.T) {
	r := New([]config.ModelConfig{tinyConfig()}, nil)

	_, err := r.Get(context.Background(), "gpt-7")
	require.ErrorIs(t, err, patching.ErrConfiguration)
	var ce *patching.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "model", ce.Field)
}

func TestGetSafetensors(t *testing.T) {
	src, err := nn.NewSyntheticTransformer(nn.TransformerConfig{
		HiddenSize: 8, IntermediateSize: 16, NumLayers: 1, NumHeads: 2, NumKVHeads: 1, VocabSize: 256,
	}, 3)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, nn.ExportHuggingFace(src, dir, "F32"))

	r := New([]config.ModelConfig{{
		Name: "exported", Kind: config.KindSafetensors, Path: dir, Device: config.DeviceCPU,
	}}, zaptest.NewLogger(t))

	m, err := r.Get(context.Background(), "exported")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Transformer.NumLayers())
	// No tokenizer.json in the export: bytes.
	assert.Equal(t, []int{'o', 'k'}, m.Tokenizer.Encode("ok"))

	want, err := src.Forward([]int{1, 2, 3}, nn.ForwardOptions{})
	require.NoError(t, err)
	got, err := m.Transformer.Forward([]int{1, 2, 3}, nn.ForwardOptions{})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Logits, got.Logits, 1e-5)
}

func TestGetLoadErrorNotCached(t *testing.T) {
	r := New([]config.ModelConfig{{
		Name: "broken", Kind: config.KindSafetensors, Path: t.TempDir(), Device: config.DeviceCPU,
	}}, nil)

	_, err := r.Get(context.Background(), "broken")
	assert.ErrorContains(t, err, "loading model broken")
	_, err = r.Get(context.Background(), "broken")
	assert.Error(t, err)
}

func TestGetMalformedSafetensors(t *testing.T) {
	src, err := nn.NewSyntheticTransformer(nn.TransformerConfig{
		HiddenSize: 8, IntermediateSize: 16, NumLayers: 1, NumHeads: 2, NumKVHeads: 1, VocabSize: 256,
	}, 3)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, nn.ExportHuggingFace(src, dir, "F32"))

	header := `{"w":{"dtype":"F32","shape":[-1],"data_offsets":[4,0]}}`
	data := make([]byte, 8+len(header)+4)
	binary.LittleEndian.PutUint64(data, uint64(len(header)))
	copy(data[8:], header)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), data, 0o644))

	r := New([]config.ModelConfig{{
		Name: "corrupt", Kind: config.KindSafetensors, Path: dir, Device: config.DeviceCPU,
	}}, zaptest.NewLogger(t))

	_, err = r.Get(context.Background(), "corrupt")
	assert.ErrorContains(t, err, "out of bounds")
}

func TestGetGPUModel(t *testing.T) {
	cfg := tinyConfig()
	cfg.Device = config.DeviceGPU
	r := New([]config.ModelConfig{cfg}, zaptest.NewLogger(t))
	defer r.Close()

	m, err := r.Get(context.Background(), "tiny")
	if _, adapterErr := gpu.Probe(); adapterErr != nil {
		// No adapter: the load fails rather than running on the cpu.
		require.Error(t, err)
		assert.Nil(t, m)
		assert.ErrorContains(t, err, "device gpu")
		return
	}
	require.NoError(t, err)
	assert.Equal(t, config.DeviceGPU, m.Device)
}

func TestTraceActivationsSetsObserver(t *testing.T) {
	cfg := tinyConfig()
	cfg.TraceActivations = true
	r := New([]config.ModelConfig{cfg}, zaptest.NewLogger(t))

	m, err := r.Get(context.Background(), "tiny")
	require.NoError(t, err)
	assert.IsType(t, &nn.ZapObserver{}, m.Transformer.Observer)
}

func TestNames(t *testing.T) {
	b := tinyConfig()
	b.Name = "b"
	a := tinyConfig()
	a.Name = "a"
	r := New([]config.ModelConfig{b, a}, nil)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}
