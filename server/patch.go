package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/backend/remote"
	"github.com/openfluke/loompatch/patching"
)

// Prompt is one side of a patching request.
type Prompt struct {
	Prompt string `json:"prompt"`
}

// PatchRequest is the body of POST /patch.
type PatchRequest struct {
	Model       string `json:"model"`
	Source      Prompt `json:"source"`
	Destination Prompt `json:"destination"`
	Submodule   string `json:"submodule"`
	CorrectID   int    `json:"correct_id"`
	IncorrectID int    `json:"incorrect_id"`
	// PatchTokens defaults to true when omitted.
	PatchTokens *bool `json:"patch_tokens,omitempty"`
	// Remote runs every pass on the configured remote execution service.
	Remote   bool   `json:"remote,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// Spec converts the request into a patching spec.
func (r PatchRequest) Spec() patching.PatchSpec {
	patchTokens := true
	if r.PatchTokens != nil {
		patchTokens = *r.PatchTokens
	}
	return patching.PatchSpec{
		ModelID:           r.Model,
		Submodule:         r.Submodule,
		SourcePrompt:      r.Source.Prompt,
		DestinationPrompt: r.Destination.Prompt,
		CorrectID:         r.CorrectID,
		IncorrectID:       r.IncorrectID,
		PatchTokens:       patchTokens,
	}
}

// PatchResponse is returned by POST /patch. Results[i][j] is the score for
// RowLabels[i] (a layer) at ColLabels[j] (a destination token).
type PatchResponse struct {
	ID              string       `json:"id"`
	Model           string       `json:"model"`
	Submodule       string       `json:"submodule"`
	Mode            backend.Mode `json:"mode"`
	Results         [][]float64  `json:"results"`
	RowLabels       []string     `json:"row_labels"`
	ColLabels       []string     `json:"col_labels"`
	SourceDiff      float64      `json:"source_diff"`
	DestinationDiff float64      `json:"destination_diff"`
	Passes          int          `json:"passes"`
	DurationMS      int64        `json:"duration_ms"`
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req PatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if !s.limiter(req.Model).Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, KindRateLimited, "too many patching requests for model "+strconv.Quote(req.Model))
		return
	}

	schedule, err := patching.ParseSchedule(req.Schedule)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	be, err := s.backendFor(r, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp, err := Patch(r.Context(), be, req.Spec(),
		patching.WithLogger(s.logger),
		patching.WithSchedule(schedule),
		patching.WithRequestID(r.Header.Get("X-Request-ID")),
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// backendFor picks the execution backend once per request.
func (s *Server) backendFor(r *http.Request, req PatchRequest) (backend.ExecutionBackend, error) {
	if req.Remote {
		if s.cfg.RemoteURL == "" {
			return nil, &patching.ConfigurationError{Field: "remote", Reason: "no remote_url configured"}
		}
		c, err := remote.New(s.cfg.RemoteURL, req.Model,
			remote.WithHTTPClient(s.httpClient),
			remote.WithLogger(s.logger))
		if err != nil {
			return nil, &patching.ConfigurationError{Field: "remote", Reason: err.Error()}
		}
		return c, nil
	}

	m, err := s.models.Get(r.Context(), req.Model)
	if err != nil {
		return nil, err
	}
	return m.Backend(), nil
}

// Patch runs spec on be and labels the matrix for display.
func Patch(ctx context.Context, be backend.ExecutionBackend, spec patching.PatchSpec, opts ...patching.Option) (*PatchResponse, error) {
	report, err := patching.Run(ctx, be, spec, opts...)
	if err != nil {
		return nil, err
	}

	cols, err := be.Decode(ctx, report.DestinationTokens)
	if err != nil {
		return nil, &patching.BackendExecutionError{Op: "decode", Err: err}
	}
	rows := make([]string, len(report.Layers))
	for i, l := range report.Layers {
		rows[i] = strconv.Itoa(l)
	}

	return &PatchResponse{
		ID:              report.ID,
		Model:           report.Model,
		Submodule:       report.Kind.String(),
		Mode:            report.Mode,
		Results:         report.Scores,
		RowLabels:       rows,
		ColLabels:       cols,
		SourceDiff:      report.SourceDiff,
		DestinationDiff: report.DestinationDiff,
		Passes:          report.Passes,
		DurationMS:      report.Duration.Milliseconds(),
	}, nil
}
