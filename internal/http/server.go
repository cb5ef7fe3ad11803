// Package http exposes the store over a small REST surface: single-key
// put/get/delete, range scan, health and prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/kverrors"
	"lsmkv/pkg/metrics"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

// iStoreAPI is the engine surface the server needs.
type iStoreAPI interface {
	Insert(key, value []byte) ([]byte, bool, error)
	Delete(key []byte) ([]byte, bool, error)
	Get(key []byte) ([]byte, bool, error)
	Scan(lo, hi []byte) (iterator.Iterator, error)
	Metrics() *metrics.Metrics
}

// Server serves the REST API over one store.
type Server struct {
	store      iStoreAPI
	httpServer *http.Server
	URL        string
	addr       string

	// The engine is single-writer; concurrent HTTP handlers serialize all
	// store calls here.
	storeMu sync.Mutex
}

func NewServer(store iStoreAPI, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		store: store,
		URL:   "http://localhost:" + port,
		addr:  ":" + port,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.store.Metrics().Registry(), promhttp.HandlerOpts{}))
	r.Put("/api/kv", s.handlePut)
	r.Get("/api/kv", s.handleGet)
	r.Delete("/api/kv", s.handleDelete)
	r.Get("/api/scan", s.handleScan)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("error encoding response", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kverrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, kverrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("failed to parse form"))
		return
	}
	key := r.FormValue("key")
	value := r.FormValue("value")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	s.storeMu.Lock()
	_, _, err := s.store.Insert([]byte(key), []byte(value))
	s.storeMu.Unlock()
	if err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	s.storeMu.Lock()
	value, found, err := s.store.Get([]byte(key))
	s.storeMu.Unlock()
	if err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	s.storeMu.Lock()
	_, _, err := s.store.Delete([]byte(key))
	s.storeMu.Unlock()
	if err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing from"))
		return
	}
	var hi []byte
	if to != "" {
		hi = []byte(to)
	}

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	it, err := s.store.Scan([]byte(from), hi)
	if err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	defer it.Close()

	resp := ScanResponse{Status: StatusSuccess, Pairs: []Pair{}}
	for it.Next() {
		resp.Pairs = append(resp.Pairs, Pair{Key: string(it.Key()), Value: string(it.Value())})
	}
	if err := it.Err(); err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
