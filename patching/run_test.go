package patching

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/backend/local"
	"github.com/openfluke/loompatch/nn"
	"github.com/openfluke/loompatch/tokenizer"
)

// spyBackend counts passes and can fail or rewrite them.
type spyBackend struct {
	backend.ExecutionBackend
	forwards int
	failAt   int // 1-based pass number, 0 never
	err      error
	rewrite  func(*backend.Result)
}

func (s *spyBackend) Forward(ctx context.Context, p backend.Pass) (*backend.Result, error) {
	s.forwards++
	if s.failAt == s.forwards {
		return nil, s.err
	}
	res, err := s.ExecutionBackend.Forward(ctx, p)
	if err == nil && s.rewrite != nil {
		s.rewrite(res)
	}
	return res, err
}

func newLocal(t *testing.T, opts ...local.Option) *local.Backend {
	t.Helper()
	model, err := nn.NewSyntheticTransformer(nn.TransformerConfig{
		HiddenSize:       16,
		IntermediateSize: 32,
		NumLayers:        2,
		NumHeads:         4,
		NumKVHeads:       2,
		VocabSize:        256,
	}, 42)
	require.NoError(t, err)
	return local.New("tiny", model, tokenizer.NewByteLevel(), opts...)
}

func spec(kind, src, dst string) PatchSpec {
	return PatchSpec{
		ModelID:           "tiny",
		Submodule:         kind,
		SourcePrompt:      src,
		DestinationPrompt: dst,
		CorrectID:         'x',
		IncorrectID:       'y',
		PatchTokens:       true,
	}
}

func TestRunMatrixShape(t *testing.T) {
	for _, kind := range []string{"attn", "mlp", "blocks"} {
		t.Run(kind, func(t *testing.T) {
			report, err := Run(context.Background(), newLocal(t), spec(kind, "the cat", "a dog"),
				WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)

			assert.Equal(t, []int{0, 1}, report.Layers)
			assert.Equal(t, []int{'a', ' ', 'd', 'o', 'g'}, report.DestinationTokens)
			require.Len(t, report.Scores, 2)
			for _, row := range report.Scores {
				assert.Len(t, row, 5)
			}
			assert.Equal(t, 10, report.Scores.Len())
			assert.Equal(t, 12, report.Passes)
			assert.Equal(t, backend.ModeLocal, report.Mode)
			assert.NotEmpty(t, report.ID)
		})
	}
}

func TestRunIdenticalPromptsScoreZero(t *testing.T) {
	// Two layers, mlp, three destination tokens.
	report, err := Run(context.Background(), newLocal(t), spec("mlp", "abc", "abc"))
	require.NoError(t, err)

	assert.Equal(t, report.SourceDiff, report.DestinationDiff)
	require.Equal(t, 6, report.Scores.Len())
	for l, row := range report.Scores {
		for p, s := range row {
			assert.InDelta(t, 0, s, 1e-9, "layer %d position %d", l, p)
		}
	}
}

func TestRunIdempotent(t *testing.T) {
	be := newLocal(t)
	s := spec("attn", "hello", "world")

	first, err := Run(context.Background(), be, s)
	require.NoError(t, err)
	second, err := Run(context.Background(), be, s)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	if diff := cmp.Diff(first.Scores, second.Scores); diff != "" {
		t.Errorf("scores changed between identical runs (-first +second):\n%s", diff)
	}
}

func TestRunOrderIndependent(t *testing.T) {
	be := newLocal(t)
	s := spec("blocks", "Paris is", "Rome is")

	layerMajor, err := Run(context.Background(), be, s, WithSchedule(LayerMajor))
	require.NoError(t, err)
	positionMajor, err := Run(context.Background(), be, s, WithSchedule(PositionMajor))
	require.NoError(t, err)

	if diff := cmp.Diff(layerMajor.Scores, positionMajor.Scores); diff != "" {
		t.Errorf("schedule changed results (-layer +position):\n%s", diff)
	}
}

func TestRunSingleTokenDestination(t *testing.T) {
	report, err := Run(context.Background(), newLocal(t), spec("mlp", "q", "z"))
	require.NoError(t, err)
	assert.Equal(t, RecoveryMatrix{{report.Scores[0][0]}, {report.Scores[1][0]}}, report.Scores)
	assert.Equal(t, 2, report.Scores.Len())
}

func TestRunLastBlockLastPositionFullyRecovers(t *testing.T) {
	report, err := Run(context.Background(), newLocal(t), spec("blocks", "abcd", "wxyz"))
	require.NoError(t, err)

	require.Greater(t, math.Abs(report.SourceDiff-report.DestinationDiff), 1e-3)
	last := report.Scores[1]
	assert.InDelta(t, 1, last[3], 1e-3)
	// After the last block positions no longer mix.
	for p := 0; p < 3; p++ {
		assert.Equal(t, 0.0, last[p], "position %d", p)
	}
}

func TestRunKVCacheDoesNotChangeScores(t *testing.T) {
	s := spec("blocks", "one two", "three")

	plain, err := Run(context.Background(), newLocal(t), s)
	require.NoError(t, err)
	cached, err := Run(context.Background(), newLocal(t, local.WithKVCache(true)), s)
	require.NoError(t, err)

	assert.True(t, cmp.Equal(plain.Scores, cached.Scores))
}

func TestRunConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*PatchSpec)
		field string
	}{
		{"unknown kind", func(s *PatchSpec) { s.Submodule = "heads" }, "submodule"},
		{"equal ids", func(s *PatchSpec) { s.IncorrectID = s.CorrectID }, "correct_id"},
		{"correct out of vocab", func(s *PatchSpec) { s.CorrectID = 256 }, "correct_id"},
		{"incorrect negative", func(s *PatchSpec) { s.IncorrectID = -1 }, "incorrect_id"},
		{"patch_tokens off", func(s *PatchSpec) { s.PatchTokens = false }, "patch_tokens"},
		{"empty destination", func(s *PatchSpec) { s.DestinationPrompt = "" }, "destination"},
		{"empty source", func(s *PatchSpec) { s.SourcePrompt = "" }, "source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := spec("mlp", "abc", "abd")
			tt.mod(&s)
			spy := &spyBackend{ExecutionBackend: newLocal(t)}

			report, err := Run(context.Background(), spy, s)
			assert.Nil(t, report)
			require.ErrorIs(t, err, ErrConfiguration)

			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.Zero(t, spy.forwards, "no pass may run")
		})
	}
}

func TestRunShapeMismatchShorterSource(t *testing.T) {
	spy := &spyBackend{ExecutionBackend: newLocal(t)}

	report, err := Run(context.Background(), spy, spec("attn", "ab", "abcd"))
	assert.Nil(t, report)
	require.ErrorIs(t, err, ErrShapeMismatch)

	var se *ShapeMismatchError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 0, se.Layer)
	assert.Equal(t, 2, se.Position)
	assert.Equal(t, []int{1, 2, 16}, se.Got)
	assert.Equal(t, []int{1, 4, 16}, se.Want)
	assert.Equal(t, 2, spy.forwards, "only the baseline passes run")
}

func TestRunShapeMismatchWidth(t *testing.T) {
	spy := &spyBackend{ExecutionBackend: newLocal(t)}
	spy.rewrite = func(r *backend.Result) {
		if len(r.Captured) > 1 {
			r.Captured[1] = nn.NewTensor[float32](1, 3, 8)
		}
	}

	_, err := Run(context.Background(), spy, spec("mlp", "abc", "abc"))
	var se *ShapeMismatchError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Layer)
	assert.Equal(t, 0, se.Position)
}

func TestRunBackendFailureIsFatal(t *testing.T) {
	boom := errors.New("device lost")
	for _, failAt := range []int{1, 2, 5} {
		spy := &spyBackend{ExecutionBackend: newLocal(t), failAt: failAt, err: boom}

		report, err := Run(context.Background(), spy, spec("mlp", "abc", "abd"))
		assert.Nil(t, report)
		require.ErrorIs(t, err, ErrBackend)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, failAt, spy.forwards, "no retry after failure at pass %d", failAt)
	}
}

func TestRunKeepsClassifiedBackendErrors(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want error
	}{
		{&ConfigurationError{Field: "model", Reason: "unknown model"}, ErrConfiguration},
		{&ShapeMismatchError{Layer: 0, Position: 1}, ErrShapeMismatch},
	} {
		spy := &spyBackend{ExecutionBackend: newLocal(t), failAt: 1, err: tc.err}

		_, err := Run(context.Background(), spy, spec("mlp", "abc", "abd"))
		require.ErrorIs(t, err, tc.want)
		assert.NotErrorIs(t, err, ErrBackend)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, newLocal(t), spec("mlp", "abc", "abd"))
	require.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunProgress(t *testing.T) {
	var calls []int
	total := 0
	_, err := Run(context.Background(), newLocal(t), spec("attn", "ab", "cd"),
		WithProgress(func(done, n int) {
			calls = append(calls, done)
			total = n
		}),
		WithRequestID("req-1"),
	)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, calls)
	assert.Equal(t, 4, total)
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 1, Score(3, 3, 1), 1e-6)
	assert.Equal(t, 0.0, Score(1, 3, 1))
	assert.InDelta(t, 0.5, Score(2, 3, 1), 1e-6)
	assert.InDelta(t, -1, Score(-1, 3, 1), 1e-6)
	assert.InDelta(t, 2, Score(5, 3, 1), 1e-5)
	// Equal baselines: the epsilon alone is the denominator.
	assert.InDelta(t, 0.5/Epsilon, Score(1.5, 1, 1), 1e-3)
}

func TestNormalizeKeepsLayout(t *testing.T) {
	m := Normalize([][]float64{{1, 2}, {3, 4}}, 3, 1)
	require.Len(t, m, 2)
	assert.Equal(t, 0.0, m[0][0])
	assert.InDelta(t, 1, m[1][0], 1e-6)
	assert.Equal(t, 4, m.Len())
}

func TestResolve(t *testing.T) {
	targets, err := Resolve(KindMLP, 3)
	require.NoError(t, err)
	assert.Equal(t, []backend.Target{
		{Layer: 0, Kind: nn.SiteMLP},
		{Layer: 1, Kind: nn.SiteMLP},
		{Layer: 2, Kind: nn.SiteMLP},
	}, targets)

	_, err = Resolve(Kind(7), 3)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = ParseKind("Attn")
	assert.ErrorIs(t, err, ErrConfiguration)
}
