package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/backend/remote"
	"github.com/openfluke/loompatch/config"
	"github.com/openfluke/loompatch/nn"
	"github.com/openfluke/loompatch/patching"
	"github.com/openfluke/loompatch/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New([]config.ModelConfig{{
		Name:   "tiny",
		Kind:   config.KindSynthetic,
		Device: config.DeviceCPU,
		Synthetic: &config.SyntheticConfig{
			Layers: 2, Hidden: 16, Heads: 4, KVHeads: 2, Intermediate: 32, Vocab: 256, Seed: 42,
		},
	}}, zaptest.NewLogger(t))
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{Addr: "127.0.0.1:0", RateLimit: 100, Burst: 100}
}

func startServer(t *testing.T, cfg config.ServerConfig, reg *registry.Registry, opts ...Option) *httptest.Server {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	ts := httptest.NewServer(New(cfg, reg, opts...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := ts.Client().Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func patchRequest(submodule, src, dst string) PatchRequest {
	return PatchRequest{
		Model:       "tiny",
		Source:      Prompt{Prompt: src},
		Destination: Prompt{Prompt: dst},
		Submodule:   submodule,
		CorrectID:   'x',
		IncorrectID: 'y',
	}
}

func TestHealthz(t *testing.T) {
	ts := startServer(t, testConfig(), testRegistry(t))

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"tiny"}, body["models"])
}

func TestPatchLocal(t *testing.T) {
	ts := startServer(t, testConfig(), testRegistry(t))

	resp := postJSON(t, ts, "/patch", patchRequest("mlp", "abc", "abd"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[PatchResponse](t, resp)

	assert.NotEmpty(t, out.ID)
	assert.Equal(t, "mlp", out.Submodule)
	assert.Equal(t, backend.ModeLocal, out.Mode)
	assert.Equal(t, []string{"0", "1"}, out.RowLabels)
	assert.Equal(t, []string{"a", "b", "d"}, out.ColLabels)
	require.Len(t, out.Results, 2)
	for _, row := range out.Results {
		assert.Len(t, row, 3)
	}
	assert.Equal(t, 8, out.Passes)
}

func TestPatchRequestIDHeader(t *testing.T) {
	ts := startServer(t, testConfig(), testRegistry(t))

	data, err := json.Marshal(patchRequest("attn", "a", "b"))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/patch", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := decodeBody[PatchResponse](t, resp)
	assert.Equal(t, "req-42", out.ID)
}

func TestPatchRemoteMatchesLocal(t *testing.T) {
	reg := testRegistry(t)
	exec := startServer(t, testConfig(), reg)

	cfg := testConfig()
	cfg.RemoteURL = exec.URL
	ts := startServer(t, cfg, reg, WithHTTPClient(exec.Client()))

	for _, kind := range []string{"attn", "mlp", "blocks"} {
		t.Run(kind, func(t *testing.T) {
			req := patchRequest(kind, "Paris is", "Rome is")

			resp := postJSON(t, ts, "/patch", req)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			localOut := decodeBody[PatchResponse](t, resp)

			req.Remote = true
			resp = postJSON(t, ts, "/patch", req)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			remoteOut := decodeBody[PatchResponse](t, resp)

			assert.Equal(t, backend.ModeRemote, remoteOut.Mode)
			assert.Equal(t, localOut.ColLabels, remoteOut.ColLabels)
			if diff := cmp.Diff(localOut.Results, remoteOut.Results, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("remote results differ from local (-local +remote):\n%s", diff)
			}
		})
	}
}

func TestPatchErrors(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.RemoteURL = deadURL
	ts := startServer(t, cfg, testRegistry(t))
	noRemote := startServer(t, testConfig(), testRegistry(t))

	off := false
	tests := []struct {
		name     string
		server   *httptest.Server
		req      PatchRequest
		wantCode int
		wantKind string
	}{
		{"unknown model", ts, func() PatchRequest { r := patchRequest("mlp", "a", "b"); r.Model = "huge"; return r }(), 400, KindConfiguration},
		{"unknown submodule", ts, patchRequest("heads", "a", "b"), 400, KindConfiguration},
		{"patch tokens off", ts, func() PatchRequest { r := patchRequest("mlp", "a", "b"); r.PatchTokens = &off; return r }(), 400, KindConfiguration},
		{"empty destination", ts, patchRequest("mlp", "a", ""), 400, KindConfiguration},
		{"bad schedule", ts, func() PatchRequest { r := patchRequest("mlp", "a", "b"); r.Schedule = "random"; return r }(), 400, KindConfiguration},
		{"short source", ts, patchRequest("blocks", "ab", "abcd"), 422, KindShapeMismatch},
		{"remote unreachable", ts, func() PatchRequest { r := patchRequest("mlp", "a", "b"); r.Remote = true; return r }(), 502, KindBackend},
		{"remote not configured", noRemote, func() PatchRequest { r := patchRequest("mlp", "a", "b"); r.Remote = true; return r }(), 400, KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, tt.server, "/patch", tt.req)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			body := decodeBody[remote.ErrorResponse](t, resp)
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestPatchRemoteKeepsErrorKinds(t *testing.T) {
	reg := testRegistry(t)
	exec := startServer(t, testConfig(), reg)

	cfg := testConfig()
	cfg.RemoteURL = exec.URL
	ts := startServer(t, cfg, reg, WithHTTPClient(exec.Client()))

	unknown := patchRequest("mlp", "a", "b")
	unknown.Model = "nope"
	unknown.Remote = true
	resp := postJSON(t, ts, "/patch", unknown)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, KindConfiguration, decodeBody[remote.ErrorResponse](t, resp).Kind)

	short := patchRequest("blocks", "ab", "abcd")
	short.Remote = true
	resp = postJSON(t, ts, "/patch", short)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, KindShapeMismatch, decodeBody[remote.ErrorResponse](t, resp).Kind)
}

func TestPatchInvalidBody(t *testing.T) {
	ts := startServer(t, testConfig(), testRegistry(t))

	resp, err := ts.Client().Post(ts.URL+"/patch", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, KindBadRequest, decodeBody[remote.ErrorResponse](t, resp).Kind)
}

func TestPatchRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.Burst = 1
	ts := startServer(t, cfg, testRegistry(t))

	resp := postJSON(t, ts, "/patch", patchRequest("mlp", "a", "b"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts, "/patch", patchRequest("mlp", "a", "b"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, KindRateLimited, decodeBody[remote.ErrorResponse](t, resp).Kind)
}

func TestLimiterSharesBucketForUndeclaredModels(t *testing.T) {
	s := New(testConfig(), testRegistry(t))

	first := s.limiter("nope-0")
	for i := 1; i < 100; i++ {
		assert.Same(t, first, s.limiter("nope-"+strconv.Itoa(i)))
	}
	assert.Empty(t, s.limiters)

	tiny := s.limiter("tiny")
	assert.NotSame(t, first, tiny)
	assert.Same(t, tiny, s.limiter("tiny"))
	assert.Len(t, s.limiters, 1)
}

func TestForwardRejectsInvalidPass(t *testing.T) {
	ts := startServer(t, testConfig(), testRegistry(t))

	tests := []struct {
		name string
		pass backend.Pass
	}{
		{"position out of range", backend.Pass{
			Tokens:    []int{'a'},
			Overrides: []backend.Override{{Target: backend.Target{Layer: 0, Kind: nn.SiteBlock}, Position: 3, Values: make([]float32, 16)}},
			Readout:   []int{'x'},
		}},
		{"wrong width", backend.Pass{
			Tokens:    []int{'a'},
			Overrides: []backend.Override{{Target: backend.Target{Layer: 0, Kind: nn.SiteMLP}, Position: 0, Values: make([]float32, 4)}},
			Readout:   []int{'x'},
		}},
		{"layer out of range", backend.Pass{
			Tokens:  []int{'a'},
			Capture: []backend.Target{{Layer: 7, Kind: nn.SiteAttention}},
			Readout: []int{'x'},
		}},
		{"token out of vocab", backend.Pass{Tokens: []int{9999}, Readout: []int{'x'}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts, "/v1/forward", remote.ForwardRequest{Model: "tiny", Pass: tt.pass})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, KindBadRequest, decodeBody[remote.ErrorResponse](t, resp).Kind)
		})
	}
}

func TestExecutionRoutes(t *testing.T) {
	ts := startServer(t, testConfig(), testRegistry(t))
	ctx := context.Background()

	c, err := remote.New(ts.URL, "tiny", remote.WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	desc, err := c.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, backend.Description{Model: "tiny", Layers: 2, Hidden: 16, Vocab: 256, Mode: backend.ModeRemote}, desc)

	ids, err := c.Encode(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, []int{'h', 'i'}, ids)

	labels, err := c.Decode(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"h", "i"}, labels)

	res, err := c.Forward(ctx, backend.Pass{
		Tokens:  ids,
		Capture: []backend.Target{{Layer: 1, Kind: nn.SiteBlock}},
		Readout: []int{'x'},
	})
	require.NoError(t, err)
	assert.Len(t, res.Logits, 1)
	require.Len(t, res.Captured, 1)
	assert.Equal(t, []int{1, 2, 16}, res.Captured[0].Shape)

	missing, err := remote.New(ts.URL, "huge", remote.WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	_, err = missing.Describe(ctx)
	var se *remote.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, remote.KindConfiguration, se.Kind)
	assert.ErrorIs(t, err, patching.ErrConfiguration)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(testConfig(), testRegistry(t), WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ln.Addr().String(), s.Addr())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeRejectsBadShutdownTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ShutdownTimeout = "soon"
	err = New(cfg, testRegistry(t)).Serve(context.Background(), ln)
	assert.ErrorContains(t, err, "shutdown_timeout")
}
