// Package api serves the read-only query surface over the record store.
//
// Routes, parameter names and response shapes follow the public contract:
// contests, contest-records and questions under /api/v1, plus /healthz and
// Prometheus metrics under /metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/store"
)

// Server is the query API over a store gateway.
type Server struct {
	gw  store.Gateway
	log *zap.Logger
	now func() time.Time
}

// New builds a Server. origins configures CORS; nil allows any origin.
func New(gw store.Gateway, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		gw:  gw,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Handler builds the route tree.
func (s *Server) Handler(corsOrigins []string) http.Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))
	r.Use(s.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/contests", func(r chi.Router) {
			r.Get("/", s.listContests)
			r.Get("/count", s.countContests)
			r.Get("/last-ten-stats", s.lastTenStats)
		})
		r.Route("/contest-records", func(r chi.Router) {
			r.Get("/", s.listRecords)
			r.Get("/count", s.countRecords)
			r.Get("/user", s.userRecords)
			r.Post("/predicted-rating", s.predictedRating)
			r.Post("/real-time-rank", s.realTimeRank)
		})
		r.Get("/questions/", s.questions)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// logRequests logs method, path, status and duration of every request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("request",
			zap.String("remote", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the {"detail": ...} error envelope.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
