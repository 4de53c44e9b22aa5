package nn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() TransformerConfig {
	return TransformerConfig{
		ModelType:        "llama",
		HiddenSize:       8,
		IntermediateSize: 16,
		NumLayers:        2,
		NumHeads:         2,
		NumKVHeads:       1,
		VocabSize:        32,
		RMSNormEps:       1e-6,
		RoPETheta:        10000,
	}
}

func tinyModel(t *testing.T) *Transformer {
	t.Helper()
	model, err := NewSyntheticTransformer(tinyConfig(), 7)
	require.NoError(t, err)
	return model
}

func TestForwardDeterministic(t *testing.T) {
	model := tinyModel(t)
	tokens := []int{3, 1, 4, 1, 5}

	a, err := model.Forward(tokens, ForwardOptions{})
	require.NoError(t, err)
	b, err := model.Forward(tokens, ForwardOptions{})
	require.NoError(t, err)

	require.Len(t, a.Logits, 32)
	assert.Equal(t, a.Logits, b.Logits)
	assert.Equal(t, 5, a.SeqLen)
	assert.Nil(t, a.Cache)
}

func TestForwardSyntheticWeightsReproducible(t *testing.T) {
	a, err := NewSyntheticTransformer(tinyConfig(), 11)
	require.NoError(t, err)
	b, err := NewSyntheticTransformer(tinyConfig(), 11)
	require.NoError(t, err)
	c, err := NewSyntheticTransformer(tinyConfig(), 12)
	require.NoError(t, err)

	assert.Equal(t, a.Embeddings, b.Embeddings)
	assert.Equal(t, a.Blocks[1].MLP.DownWeights, b.Blocks[1].MLP.DownWeights)
	assert.NotEqual(t, a.Embeddings, c.Embeddings)
}

func TestForwardHookVisitsSitesInOrder(t *testing.T) {
	model := tinyModel(t)

	type visit struct {
		layer int
		site  Site
	}
	var visits []visit
	_, err := model.Forward([]int{1, 2, 3}, ForwardOptions{
		Hook: func(layer int, site Site, out *SiteOutput) error {
			visits = append(visits, visit{layer, site})
			assert.Equal(t, []int{1, 3, 8}, out.Hidden.Shape)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []visit{
		{0, SiteAttention}, {0, SiteMLP}, {0, SiteBlock},
		{1, SiteAttention}, {1, SiteMLP}, {1, SiteBlock},
	}, visits)
}

func TestForwardHookOverwriteChangesLogits(t *testing.T) {
	model := tinyModel(t)
	tokens := []int{5, 6, 7}

	base, err := model.Forward(tokens, ForwardOptions{})
	require.NoError(t, err)

	patched, err := model.Forward(tokens, ForwardOptions{
		Hook: func(layer int, site Site, out *SiteOutput) error {
			if layer == 0 && site == SiteMLP {
				for d := 0; d < 8; d++ {
					out.Hidden.Data[0*8+d] = 3
				}
			}
			return nil
		},
	})
	require.NoError(t, err)

	assert.NotEqual(t, base.Logits, patched.Logits)
}

func TestForwardLastBlockEarlierPositionDoesNotReachLogits(t *testing.T) {
	model := tinyModel(t)
	tokens := []int{5, 6, 7}

	base, err := model.Forward(tokens, ForwardOptions{})
	require.NoError(t, err)

	// After the final block positions no longer mix, so only the last row
	// can influence the read-out.
	patched, err := model.Forward(tokens, ForwardOptions{
		Hook: func(layer int, site Site, out *SiteOutput) error {
			if layer == 1 && site == SiteBlock {
				for d := 0; d < 8; d++ {
					out.Hidden.Data[0*8+d] = -5
				}
			}
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, base.Logits, patched.Logits)
}

func TestForwardHookShapeChangeRejected(t *testing.T) {
	model := tinyModel(t)

	_, err := model.Forward([]int{1, 2}, ForwardOptions{
		Hook: func(layer int, site Site, out *SiteOutput) error {
			out.Hidden = NewTensor[float32](1, 1, 8)
			return nil
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape")
}

func TestForwardHookErrorAborts(t *testing.T) {
	model := tinyModel(t)
	boom := errors.New("boom")

	calls := 0
	_, err := model.Forward([]int{1, 2}, ForwardOptions{
		Hook: func(layer int, site Site, out *SiteOutput) error {
			calls++
			if layer == 0 && site == SiteMLP {
				return boom
			}
			return nil
		},
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestForwardCacheOnlyAtBlockSite(t *testing.T) {
	model := tinyModel(t)
	tokens := []int{9, 8, 7, 6}

	sawCache := map[Site]bool{}
	res, err := model.Forward(tokens, ForwardOptions{
		UseCache: true,
		Hook: func(layer int, site Site, out *SiteOutput) error {
			if out.Cache != nil {
				sawCache[site] = true
			}
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[Site]bool{SiteBlock: true}, sawCache)
	require.Len(t, res.Cache, 2)
	for _, c := range res.Cache {
		require.NotNil(t, c)
		assert.Equal(t, 4, c.SeqLen)
		assert.Equal(t, 4, c.KVDim)
		assert.Len(t, c.Keys, 16)
		assert.Len(t, c.Values, 16)
	}

	// Caching does not change the numbers.
	plain, err := model.Forward(tokens, ForwardOptions{})
	require.NoError(t, err)
	assert.Equal(t, plain.Logits, res.Logits)
}

func TestForwardRejectsBadTokens(t *testing.T) {
	model := tinyModel(t)

	_, err := model.Forward(nil, ForwardOptions{})
	assert.Error(t, err)

	_, err = model.Forward([]int{1, 32}, ForwardOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of vocabulary")

	_, err = model.Forward([]int{-1}, ForwardOptions{})
	assert.Error(t, err)
}

func TestForwardNotifiesObserver(t *testing.T) {
	model := tinyModel(t)

	var events []LayerEvent
	model.Observer = ObserverFunc(func(e LayerEvent) { events = append(events, e) })

	_, err := model.Forward([]int{1, 2, 3}, ForwardOptions{})
	require.NoError(t, err)

	require.Len(t, events, 6)
	assert.Equal(t, SiteBlock, events[5].Site)
	assert.Equal(t, 1, events[5].LayerIdx)
	assert.Equal(t, 24, events[5].Stats.TotalNeurons)
}

func TestExtractBlueprint(t *testing.T) {
	model := tinyModel(t)
	bp := ExtractBlueprint(model, "tiny")

	assert.Equal(t, "tiny", bp.ID)
	assert.Equal(t, 2, bp.NumLayers)
	assert.Equal(t, 32, bp.VocabSize)
	require.Len(t, bp.Layers, 2)
	assert.Equal(t, []string{"attn", "mlp", "blocks"}, bp.Layers[0].Sites)

	// attn: q 64 + k 32 + v 32 + o 64 + biases 8+4+4+8; mlp: 3*128; norms: 16
	assert.Equal(t, 216+384+16, bp.Layers[0].Parameters)
	assert.Equal(t, 32*8+8+2*(216+384+16), bp.TotalParams)
}
