// Package remote executes passes on a remote execution service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/patching"
)

// Service routes, relative to the base URL.
const (
	PathModels  = "/v1/models/"
	PathEncode  = "/v1/encode"
	PathDecode  = "/v1/decode"
	PathForward = "/v1/forward"
)

// EncodeRequest is the body of POST /v1/encode.
type EncodeRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// EncodeResponse is returned by POST /v1/encode.
type EncodeResponse struct {
	Tokens []int `json:"tokens"`
}

// DecodeRequest is the body of POST /v1/decode.
type DecodeRequest struct {
	Model  string `json:"model"`
	Tokens []int  `json:"tokens"`
}

// DecodeResponse is returned by POST /v1/decode.
type DecodeResponse struct {
	Labels []string `json:"labels"`
}

// ForwardRequest is the body of POST /v1/forward.
type ForwardRequest struct {
	Model string       `json:"model"`
	Pass  backend.Pass `json:"pass"`
}

// Error kinds carried in ErrorResponse.Kind.
const (
	KindConfiguration = "configuration"
	KindShapeMismatch = "shape_mismatch"
	KindBackend       = "backend"
	KindBadRequest    = "bad_request"
	KindRateLimited   = "rate_limited"
	KindInternal      = "internal"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusError is a non-2xx reply from the service. A configuration or
// shape_mismatch reply matches the corresponding patching sentinel, so a
// remote run classifies those failures the same way a local run does.
type StatusError struct {
	Code    int
	Kind    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch e.Kind {
	case KindConfiguration:
		return target == patching.ErrConfiguration
	case KindShapeMismatch:
		return target == patching.ErrShapeMismatch
	}
	return false
}

// Client is a backend.ExecutionBackend talking to a remote service. The
// service runs its engine with KV caching on.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithLogger logs every call at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New returns a client for model on the service at baseURL.
func New(baseURL, model string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}
	if model == "" {
		return nil, fmt.Errorf("remote model name is empty")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Describe(ctx context.Context) (backend.Description, error) {
	var desc backend.Description
	if err := c.do(ctx, http.MethodGet, PathModels+url.PathEscape(c.model), nil, &desc); err != nil {
		return backend.Description{}, err
	}
	desc.Mode = backend.ModeRemote
	return desc, nil
}

func (c *Client) Encode(ctx context.Context, prompt string) ([]int, error) {
	var resp EncodeResponse
	if err := c.do(ctx, http.MethodPost, PathEncode, EncodeRequest{Model: c.model, Prompt: prompt}, &resp); err != nil {
		return nil, err
	}
	if resp.Tokens == nil {
		resp.Tokens = []int{}
	}
	return resp.Tokens, nil
}

func (c *Client) Decode(ctx context.Context, tokens []int) ([]string, error) {
	var resp DecodeResponse
	if err := c.do(ctx, http.MethodPost, PathDecode, DecodeRequest{Model: c.model, Tokens: tokens}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Labels) != len(tokens) {
		return nil, fmt.Errorf("remote decode returned %d labels for %d tokens", len(resp.Labels), len(tokens))
	}
	return resp.Labels, nil
}

func (c *Client) Forward(ctx context.Context, pass backend.Pass) (*backend.Result, error) {
	var res backend.Result
	if err := c.do(ctx, http.MethodPost, PathForward, ForwardRequest{Model: c.model, Pass: pass}, &res); err != nil {
		return nil, err
	}
	if len(res.Logits) != len(pass.Readout) {
		return nil, fmt.Errorf("remote forward returned %d logits for %d readout ids", len(res.Logits), len(pass.Readout))
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	start := time.Now()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		se := &StatusError{Code: resp.StatusCode, Message: msg}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			se.Message = er.Error
			se.Kind = er.Kind
		}
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("remote call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

var _ backend.ExecutionBackend = (*Client)(nil)
