package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tanpawarit/advisor-council/agent/continuation"
	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	logx "github.com/tanpawarit/advisor-council/pkg/logger"
	qstashx "github.com/tanpawarit/advisor-council/pkg/qstash"
)

// Config is read with prefix API.
type Config struct {
	Addr            string        `default:":8080"`
	InvocationLimit time.Duration `split_words:"true" default:"5m"`
	CallbackURL     string        `split_words:"true"`
	MaxBodyBytes    int64         `split_words:"true" default:"1048576"`
}

func (c Config) Validate() error {
	if c.InvocationLimit <= 0 {
		return fmt.Errorf("%w: invocation limit must be > 0", contractx.ErrValidation)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max body bytes must be > 0", contractx.ErrValidation)
	}
	return nil
}

type Deliberator interface {
	Deliberate(ctx context.Context, req contractx.Request, budget contractx.Budget) (contractx.Response, error)
}

// Verifier authenticates continuation callbacks.
type Verifier interface {
	CanVerify() bool
	Verify(signature string, body []byte, url string) error
}

type Handler struct {
	deliberator Deliberator
	verifier    Verifier
	cfg         Config
	gatherer    prometheus.Gatherer
	logger      zerolog.Logger
	now         func() time.Time
}

type Option func(*Handler)

func WithVerifier(v Verifier) Option {
	return func(h *Handler) { h.verifier = v }
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(d Deliberator, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		deliberator: d,
		cfg:         cfg,
		gatherer:    prometheus.DefaultGatherer,
		logger:      logx.Component("api"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router wires every endpoint of the service.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1/deliberations", func(r chi.Router) {
		r.Post("/", h.Deliberate)
		r.Post("/continue", h.Continue)
	})
	return r
}

// Deliberate starts a session, or resumes one when the body carries a
// continuationToken.
func (h *Handler) Deliberate(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req contractx.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid json: %v", contractx.ErrValidation, err))
		return
	}
	h.run(w, r, req)
}

// Continue is the callback target of scheduled continuations.
func (h *Handler) Continue(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.verifier != nil && h.verifier.CanVerify() {
		if err := h.verifier.Verify(r.Header.Get(qstashx.SignatureHeader), body, h.cfg.CallbackURL); err != nil {
			h.logger.Warn().Err(err).Msg("rejected continuation callback")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid signature"})
			return
		}
	}

	var payload continuation.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid json: %v", contractx.ErrValidation, err))
		return
	}
	if strings.TrimSpace(payload.ContinuationToken) == "" {
		h.writeError(w, r, fmt.Errorf("%w: continuationToken is required", contractx.ErrValidation))
		return
	}
	h.run(w, r, contractx.Request{ContinuationToken: payload.ContinuationToken})
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, req contractx.Request) {
	budget := contractx.Budget{Deadline: h.now().Add(h.cfg.InvocationLimit)}
	resp, err := h.deliberator.Deliberate(r.Context(), req, budget)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", contractx.ErrValidation, err)
	}
	return body, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, contractx.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, contractx.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, contractx.ErrCheckpointConflict):
		return http.StatusConflict
	case errors.Is(err, contractx.ErrCheckpointUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	ev := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.logger.Error()
	}
	ev.Err(err).Int("status", status).Str("request_id", chiMiddleware.GetReqID(r.Context())).Msg("request failed")
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
