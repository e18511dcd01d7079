// Package server exposes the pipeline over HTTP.
//
// Routes:
//
//	POST /v1/repack  {"source": KEY, "destination": KEY}
//	POST /v1/batch   {"jobs": [{"source": KEY, "destination": KEY}, ...]}
//	GET  /healthz
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/meigma/apkpack"
	"github.com/meigma/apkpack/storage"
)

// maxRequestBody bounds request bodies. Requests carry keys, not archives.
const maxRequestBody = 1 << 20

// Response statuses.
const (
	StatusOK                 = "ok"
	StatusInvalidRequest     = "invalid_request"
	StatusNotFound           = "not_found"
	StatusInvalidArchive     = "invalid_archive"
	StatusVerificationFailed = "verification_failed"
	StatusSignFailed         = "sign_failed"
	StatusTimeout            = "timeout"
	StatusError              = "error"
)

// Runner runs one archive through the pipeline.
type Runner interface {
	Run(ctx context.Context, srcKey, dstKey string) (*apkpack.Result, error)
}

// Batcher runs many archives. When the Runner also implements Batcher,
// /v1/batch is served.
type Batcher interface {
	Batch(ctx context.Context, jobs []apkpack.Job) []apkpack.JobResult
}

// Server serves the pipeline over HTTP.
type Server struct {
	runner         Runner
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout bounds each request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server around runner.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{runner: runner}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/repack", s.handleRepack)
	if _, ok := s.runner.(Batcher); ok {
		mux.HandleFunc("POST /v1/batch", s.handleBatch)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": StatusOK})
	})
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down,
// waiting up to shutdownTimeout for in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.log().Info("serving", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	s.log().Info("server stopped")
	return nil
}

// JobRequest names one archive.
type JobRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (j JobRequest) validate() error {
	if j.Source == "" || j.Destination == "" {
		return errors.New("source and destination are required")
	}
	return nil
}

// JobResponse reports the outcome of one archive.
type JobResponse struct {
	Status       string `json:"status"`
	ExitCode     int    `json:"exit_code"`
	Source       string `json:"source,omitempty"`
	Destination  string `json:"destination,omitempty"`
	Digest       string `json:"digest,omitempty"`
	SignedDigest string `json:"signed_digest,omitempty"`
	Entries      int    `json:"entries,omitempty"`
	Padded       int    `json:"padded,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BatchRequest names many archives.
type BatchRequest struct {
	Jobs []JobRequest `json:"jobs"`
}

// BatchResponse reports every job in request order.
type BatchResponse struct {
	Status string        `json:"status"`
	Failed int           `json:"failed"`
	Jobs   []JobResponse `json:"jobs"`
}

func (s *Server) context(r *http.Request) (context.Context, context.CancelFunc) {
	if s.requestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.requestTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) handleRepack(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, JobResponse{Status: StatusInvalidRequest, ExitCode: apkpack.ExitFailure, Error: err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, JobResponse{Status: StatusInvalidRequest, ExitCode: apkpack.ExitFailure, Error: err.Error()})
		return
	}

	ctx, cancel := s.context(r)
	defer cancel()
	start := time.Now()
	res, err := s.runner.Run(ctx, req.Source, req.Destination)
	code, resp := jobResponse(req, res, err)
	s.log().Info("repack request",
		"source", req.Source,
		"destination", req.Destination,
		"status", resp.Status,
		"elapsed", time.Since(start))
	writeJSON(w, code, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, BatchResponse{Status: StatusInvalidRequest})
		return
	}
	jobs := make([]apkpack.Job, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		if err := j.validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, BatchResponse{Status: StatusInvalidRequest})
			return
		}
		jobs = append(jobs, apkpack.Job{Source: j.Source, Destination: j.Destination})
	}

	ctx, cancel := s.context(r)
	defer cancel()
	results := s.runner.(Batcher).Batch(ctx, jobs) //nolint:forcetypeassert // route registered only for Batchers

	resp := BatchResponse{Status: StatusOK, Jobs: make([]JobResponse, len(results))}
	for i, jr := range results {
		_, resp.Jobs[i] = jobResponse(req.Jobs[i], jr.Result, jr.Err)
		if jr.Err != nil {
			resp.Failed++
		}
	}
	code := http.StatusOK
	if resp.Failed > 0 {
		resp.Status = StatusError
		code = http.StatusMultiStatus
	}
	s.log().Info("batch request", "jobs", len(jobs), "failed", resp.Failed)
	writeJSON(w, code, resp)
}

// jobResponse maps a run outcome to an HTTP status and body.
func jobResponse(req JobRequest, res *apkpack.Result, err error) (int, JobResponse) {
	resp := JobResponse{
		Source:      req.Source,
		Destination: req.Destination,
		ExitCode:    apkpack.ExitCode(err),
	}
	if err == nil {
		resp.Status = StatusOK
		if res != nil {
			resp.Digest = res.Digest.String()
			resp.SignedDigest = res.SignedDigest.String()
			resp.Entries = res.Entries
			if res.Plan != nil {
				resp.Padded = len(res.Plan.Padded())
			}
		}
		return http.StatusOK, resp
	}

	resp.Error = err.Error()
	var code int
	code, resp.Status = classify(err)
	return code, resp
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, StatusNotFound
	case errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest, StatusInvalidRequest
	case errors.Is(err, apkpack.ErrSignFailed):
		return http.StatusBadGateway, StatusSignFailed
	case errors.Is(err, apkpack.ErrVerificationFailure):
		return http.StatusUnprocessableEntity, StatusVerificationFailed
	case errors.Is(err, apkpack.ErrCorruptArchive),
		errors.Is(err, apkpack.ErrTruncatedArchive),
		errors.Is(err, apkpack.ErrUnsupportedFeature),
		errors.Is(err, apkpack.ErrAlignmentOverflow):
		return http.StatusUnprocessableEntity, StatusInvalidArchive
	case errors.Is(err, apkpack.ErrDuplicateDestination):
		return http.StatusConflict, StatusInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, StatusTimeout
	default:
		return http.StatusInternalServerError, StatusError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}
