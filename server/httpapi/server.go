// Package httpapi exposes the pool manager's status surface over HTTP:
// Prometheus metrics, a liveness endpoint and JSON snapshots of pool
// state and recent query activity.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ernijsansons/pgrouter/logger"
	"github.com/ernijsansons/pgrouter/manager"
)

// Server represents the HTTP status API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	manager      *manager.Manager
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP status server
type ServerOptions struct {
	Addr         string
	APIKey       string   // Empty disables bearer auth on /api/v1
	AllowedHosts []string // Client IPs or CIDR blocks; empty allows all
}

// New creates a new HTTP status server over a running manager.
func New(m *manager.Manager, options ServerOptions) (*Server, error) {
	if m == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if options.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		manager:      m,
	}, nil
}

// Start runs the server until ctx is cancelled, reporting a fatal
// serve error on errChan.
func Start(ctx context.Context, m *manager.Manager, options ServerOptions, errChan chan error) {
	server, err := New(m, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP status server: %w", err)
		return
	}

	logger.Info("starting HTTP status server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP status server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.setupRoutes(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down HTTP status server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.allowedHostsMiddleware)

	// Unauthenticated: scrape and liveness endpoints.
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/pools", s.handlePools).Methods("GET")
	v1.HandleFunc("/queries/recent", s.handleRecentQueries).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Handler functions

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.manager.Healthy() {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.GetMetrics())
}

const defaultRecentLimit = 100

func (s *Server) handleRecentQueries(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records := s.manager.RecentQueries(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"queries": records,
	})
}
