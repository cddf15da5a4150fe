// Package httpapi binds the gateway operations to HTTP with chi.
//
// Routes:
//
//	GET    /health
//	GET    /v1/capabilities[?version=<constraint>]
//	POST   /v1/execute/{capabilityId}
//	GET    /v1/jobs/{jobId}
//	POST   /v1/batch
//	POST   /v1/subscribe
//	GET    /v1/subscriptions
//	DELETE /v1/subscriptions/{subscriptionId}
//
// The Authorization header is passed to the gateway as the credential.
// Errors are written as {"status":"error","error":{...}} with the status
// code from StatusCode.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/capgate/internal/protocol"
)

// DefaultMaxBodyBytes limits request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Service is the protocol surface served over HTTP. Implemented by
// gateway.Gateway.
type Service interface {
	Discover(ctx context.Context, constraint string) (protocol.DiscoverResponse, error)
	Execute(ctx context.Context, credential, capabilityID string, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error)
	JobStatus(ctx context.Context, credential, jobID string) (protocol.JobStatusResponse, error)
	Batch(ctx context.Context, credential string, req protocol.BatchRequest) (protocol.BatchResponse, error)
	Subscribe(ctx context.Context, credential string, req protocol.SubscribeRequest) (protocol.SubscribeResponse, error)
	Subscriptions(ctx context.Context, credential string) ([]protocol.Subscription, error)
	Unsubscribe(ctx context.Context, credential, id string) error
}

// StatusCode maps an error code to its HTTP status.
func StatusCode(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeUnauthenticated:
		return http.StatusUnauthorized
	case protocol.CodeInvalidCredential, protocol.CodePermissionDenied:
		return http.StatusForbidden
	case protocol.CodeCapabilityNotFound, protocol.CodeJobNotFound, protocol.CodeSubscriptionMissing:
		return http.StatusNotFound
	case protocol.CodeInvalidParameters, protocol.CodeBatchFailed,
		protocol.CodeInvalidSubscription, protocol.CodeInvalidRequest:
		return http.StatusBadRequest
	case protocol.CodeJobTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type server struct {
	svc          Service
	logger       *slog.Logger
	maxBodyBytes int64
}

// Option configures the handler.
type Option func(*server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *server) { s.logger = l }
}

// WithMaxBodyBytes limits request bodies.
//
// Default: 1 MiB (DefaultMaxBodyBytes).
func WithMaxBodyBytes(n int64) Option {
	return func(s *server) { s.maxBodyBytes = n }
}

// NewHandler returns the HTTP handler for svc.
func NewHandler(svc Service, opts ...Option) http.Handler {
	s := &server{svc: svc, logger: slog.Default(), maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.limitBody)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, protocol.NewInvalidRequest(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)), http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, protocol.NewInvalidRequest(fmt.Sprintf("method %s not allowed", r.Method)), http.StatusMethodNotAllowed)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(api chi.Router) {
		api.Get("/capabilities", s.discover)
		api.Post("/execute/{capabilityId}", s.execute)
		api.Get("/jobs/{jobId}", s.jobStatus)
		api.Post("/batch", s.batch)
		api.Post("/subscribe", s.subscribe)
		api.Get("/subscriptions", s.subscriptions)
		api.Delete("/subscriptions/{subscriptionId}", s.unsubscribe)
	})
	return r
}

func (s *server) discover(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Discover(r.Context(), r.URL.Query().Get("version"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) execute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.Execute(r.Context(), credential(r), chi.URLParam(r, "capabilityId"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Status == protocol.StatusAccepted {
		w.Header().Set("Location", resp.StatusLocation)
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *server) jobStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.JobStatus(r.Context(), credential(r), chi.URLParam(r, "jobId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) batch(w http.ResponseWriter, r *http.Request) {
	var req protocol.BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.Batch(r.Context(), credential(r), req)
	if err != nil {
		// A stopped all_or_nothing batch still reports what ran.
		if protocol.IsCode(err, protocol.CodeBatchFailed) {
			writeJSON(w, StatusCode(protocol.CodeBatchFailed), resp)
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.Subscribe(r.Context(), credential(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) subscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.svc.Subscriptions(r.Context(), credential(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unsubscribe(r.Context(), credential(r), chi.URLParam(r, "subscriptionId")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v and writes invalid_request on failure.
// An empty body decodes as the zero value.
func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, protocol.NewInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)), http.StatusRequestEntityTooLarge)
		return false
	}
	s.fail(w, r, protocol.NewInvalidRequest(fmt.Sprintf("malformed JSON body: %v", err)))
	return false
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	perr := protocol.AsError(err)
	status := StatusCode(perr.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", perr.Code, "error", err)
	}
	writeError(w, perr, status)
}

func (s *server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func credential(r *http.Request) string {
	return r.Header.Get("Authorization")
}

func writeError(w http.ResponseWriter, err *protocol.Error, status int) {
	writeJSON(w, status, protocol.ErrorEnvelope{Status: protocol.StatusError, Error: err})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
