// Package service exposes an executor over HTTP.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sharding-experiment/parallel-executor/internal/executor"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
)

const (
	metricsNamespace = "executor"
	requestIDHeader  = "X-Request-Id"
)

type requestIDKey struct{}

// StatsProvider is implemented by executors that report pool state.
type StatsProvider interface {
	Stats() executor.Stats
}

// SubmitRequest is the body of POST /transactions.
type SubmitRequest struct {
	Transaction *ledger.Transaction `json:"transaction"`
	// Signatures are appended after the executor's own signature, for
	// sponsored or multi-signer transactions.
	Signatures []string        `json:"signatures,omitempty"`
	Include    *ledger.Include `json:"include,omitempty"`
}

// SubmitResponse is the reply to POST /transactions.
type SubmitResponse struct {
	RequestID string                    `json:"requestId"`
	Digest    ledger.Digest             `json:"digest"`
	Status    string                    `json:"status"`
	Error     string                    `json:"error,omitempty"`
	Result    *ledger.TransactionResult `json:"result"`
}

// Service serves one executor.
type Service struct {
	router  *mux.Router
	exec    executor.Executor
	stats   StatsProvider
	metrics *Metrics
	log     log.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewService creates the HTTP front end of exec. Pool routes and gauges are
// only available when exec reports Stats.
func NewService(exec executor.Executor) *Service {
	s := &Service{
		router:  mux.NewRouter(),
		exec:    exec,
		metrics: NewMetrics(metricsNamespace),
		log:     log.New("component", "service"),
	}
	if sp, ok := exec.(StatsProvider); ok {
		s.stats = sp
		s.metrics.WatchPool(metricsNamespace, sp.Stats)
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Service) Router() *mux.Router {
	return s.router
}

// Metrics returns the service's collectors.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

func (s *Service) setupRoutes() {
	s.router.Use(s.withRequestID)
	s.router.HandleFunc("/transactions", s.handleSubmit).Methods("POST")
	s.router.HandleFunc("/cache/reset", s.handleResetCache).Methods("POST")
	s.router.HandleFunc("/cache/wait", s.handleWait).Methods("POST")
	s.router.HandleFunc("/pool", s.handlePool).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Start listens on port until Shutdown is called.
func (s *Service) Start(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.log.Info("Executor service starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestID tags every request with an id, echoed in the response
// header and the log.
func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.RequestsTotal.WithLabelValues(route, fmt.Sprint(rec.code)).Inc()
		s.log.Debug("Handled request", "id", id, "method", r.Method, "route", route, "code", rec.code, "elapsed", time.Since(start))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	writeJSON(w, code, map[string]string{
		"requestId": requestID(r),
		"error":     err.Error(),
	})
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Transaction == nil {
		writeError(w, r, http.StatusBadRequest, errors.New("missing transaction"))
		return
	}
	if err := req.Transaction.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	include := ledger.Include{Effects: true}
	if req.Include != nil {
		include = *req.Include
	}

	id := requestID(r)
	start := time.Now()
	res, err := s.exec.ExecuteTransaction(r.Context(), req.Transaction, include, req.Signatures...)
	if err != nil {
		s.metrics.RecordTransaction(err, false, time.Since(start))
		s.log.Warn("Transaction submission failed", "id", id, "err", err)
		writeError(w, r, http.StatusBadGateway, err)
		return
	}

	resp := SubmitResponse{RequestID: id, Digest: res.Digest, Status: "success", Result: res}
	success := true
	if res.Effects != nil && !res.Effects.Status.Success {
		success = false
		resp.Status = "failure"
		resp.Error = res.Effects.Status.Error
	}
	s.metrics.RecordTransaction(nil, success, time.Since(start))
	s.log.Debug("Transaction executed", "id", id, "digest", res.Digest, "status", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleResetCache(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.ResetCache(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.metrics.CacheResets.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleWait(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.WaitForLastTransaction(r.Context()); err != nil {
		writeError(w, r, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, r, http.StatusNotFound, errors.New("executor has no coin pool"))
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
