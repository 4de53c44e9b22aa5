package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/nn"
	"github.com/openfluke/loompatch/tokenizer"
)

func newTestBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	model, err := nn.NewSyntheticTransformer(nn.TransformerConfig{
		HiddenSize:       8,
		IntermediateSize: 16,
		NumLayers:        2,
		NumHeads:         2,
		VocabSize:        256,
	}, 1)
	require.NoError(t, err)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New("tiny", model, tokenizer.NewByteLevel(), opts...)
}

func TestDescribe(t *testing.T) {
	b := newTestBackend(t)
	desc, err := b.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.Description{Model: "tiny", Layers: 2, Hidden: 8, Vocab: 256, Mode: backend.ModeLocal}, desc)
}

func TestEncodeDecode(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ids, err := b.Encode(ctx, "hi there")
	require.NoError(t, err)
	assert.Len(t, ids, 8)

	labels, err := b.Decode(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"h", "i", " ", "t", "h", "e", "r", "e"}, labels)
}

func TestForwardHonoursCancellation(t *testing.T) {
	b := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Forward(ctx, backend.Pass{Tokens: []int{1}, Readout: []int{0}})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = b.Encode(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForwardWithAndWithoutCacheAgree(t *testing.T) {
	ctx := context.Background()
	pass := backend.Pass{
		Tokens:  []int{'a', 'b', 'c'},
		Capture: []backend.Target{{Layer: 1, Kind: nn.SiteBlock}},
		Readout: []int{'x', 'y'},
	}

	plain, err := newTestBackend(t).Forward(ctx, pass)
	require.NoError(t, err)
	cached, err := newTestBackend(t, WithKVCache(true)).Forward(ctx, pass)
	require.NoError(t, err)

	assert.Equal(t, plain.Logits, cached.Logits)
	assert.Equal(t, plain.Captured[0].Data, cached.Captured[0].Data)
}
