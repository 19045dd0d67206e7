// Package server is the HTTP surface of callbridge: the WebSocket media
// route of the provider adapter plus the operator routes for health,
// metrics, live sessions and recent calls.
//
// Routes may share one listener or be split across two. WebSocket providers
// normally serve everything on the provider port; the AudioSocket provider
// owns a raw TCP port and gets a separate admin listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/callstore"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
)

const readHeaderTimeout = 5 * time.Second

// SessionLister lists live calls. [*bridge.Bridge] implements it.
type SessionLister interface {
	Sessions() []bridge.Info
}

// CallLister lists stored calls. [callstore.Store] implements it.
type CallLister interface {
	Recent(ctx context.Context, limit int) ([]callstore.Call, error)
}

// Routes selects what a router serves. Nil fields leave their routes out.
type Routes struct {
	// Media is mounted at MediaPath for every method.
	Media     http.Handler
	MediaPath string

	Health   *health.Handler
	Sessions SessionLister

	// Calls backs /calls. Without it /calls answers 404.
	Calls CallLister

	// Metrics serves /metrics. Defaults to [promhttp.Handler] when Admin is
	// set.
	Metrics http.Handler

	// Admin enables /metrics, /sessions and /calls.
	Admin bool
}

// NewRouter builds a router for r. Every request passes through
// [observe.Middleware].
func NewRouter(r Routes, m *observe.Metrics) *mux.Router {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	router := mux.NewRouter()
	router.Use(observe.Middleware(m))

	if r.Media != nil {
		path := r.MediaPath
		if path == "" {
			path = "/"
		}
		router.Handle(path, r.Media)
	}
	if r.Health != nil {
		r.Health.Register(router)
	}
	if !r.Admin {
		return router
	}

	metrics := r.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.Handle("/metrics", metrics).Methods(http.MethodGet)

	if r.Sessions != nil {
		router.HandleFunc("/sessions", sessionsHandler(r.Sessions)).Methods(http.MethodGet)
	}
	router.HandleFunc("/calls", callsHandler(r.Calls)).Methods(http.MethodGet)
	return router
}

type sessionsResponse struct {
	Count    int           `json:"count"`
	Sessions []bridge.Info `json:"sessions"`
}

func sessionsHandler(l SessionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		infos := l.Sessions()
		writeJSON(w, http.StatusOK, sessionsResponse{Count: len(infos), Sessions: infos})
	}
}

type callsResponse struct {
	Calls []callstore.Call `json:"calls"`
}

func callsHandler(l CallLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if l == nil {
			http.Error(w, "call log not configured", http.StatusNotFound)
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		calls, err := l.Recent(r.Context(), limit)
		if err != nil {
			slog.ErrorContext(r.Context(), "server: list calls", "err", err)
			http.Error(w, "failed to list calls", http.StatusInternalServerError)
			return
		}
		if calls == nil {
			calls = []callstore.Call{}
		}
		writeJSON(w, http.StatusOK, callsResponse{Calls: calls})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Listeners ───────────────────────────────────────────────────────────────

type listener struct {
	name string
	ln   net.Listener
	srv  *http.Server
}

// Server runs one or more HTTP listeners.
type Server struct {
	listeners []listener
}

// Listen binds addr immediately and serves h on it once [Server.Serve] runs.
// name is used in logs.
func (s *Server) Listen(name, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s on %s: %w", name, addr, err)
	}
	s.listeners = append(s.listeners, listener{
		name: name,
		ln:   ln,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	})
	return nil
}

// Addr returns the bound address of the named listener, or "".
func (s *Server) Addr(name string) string {
	for _, l := range s.listeners {
		if l.name == name {
			return l.ln.Addr().String()
		}
	}
	return ""
}

// Serve blocks until every listener has stopped. It returns the first
// serve error other than [http.ErrServerClosed].
func (s *Server) Serve() error {
	var g errgroup.Group
	for _, l := range s.listeners {
		slog.Info("server: listening", "listener", l.name, "addr", l.ln.Addr().String())
		g.Go(func() error {
			if err := l.srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: %s: %w", l.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown gracefully stops every listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for _, l := range s.listeners {
		if err := l.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: shutdown %s: %w", l.name, err))
		}
		// Shutdown only closes listeners Serve has seen.
		_ = l.ln.Close()
	}
	return errors.Join(errs...)
}
