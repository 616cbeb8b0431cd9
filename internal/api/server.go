// Package api provides the node's admin HTTP server: health, metrics,
// read-only views of the event store and local threat reporting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/health"
	"github.com/cyphermesh/cyphermesh/internal/infra/logutil"
)

// Version is reported by /api/status.
const Version = "0.1.0"

// DefaultEventLimit caps /api/events when no limit is given.
const DefaultEventLimit = 100

const maxEventLimit = 10000

// Node is the part of the mesh node the API drives.
type Node interface {
	Identity() domain.NodeIdentity
	LivePeers() []string
	Report(sourceIP, threatType, severity string) (*domain.ThreatEvent, int, error)
	Connect(ctx context.Context, host string, port int) error
}

// Store is the read side of the event store.
type Store interface {
	RecentEvents(limit int) ([]domain.StoredEvent, error)
	GetEvent(id string) (*domain.StoredEvent, error)
	EventCount() (int, error)
	Reputations() ([]domain.ReputationScore, error)
	ListPeers() ([]domain.KnownPeer, error)
}

// HealthReporter exposes the latest health check results.
type HealthReporter interface {
	IsHealthy() bool
	Statuses() []health.Status
}

// Server is the CypherMesh admin API server.
type Server struct {
	node           Node
	store          Store
	health         HealthReporter
	hub            *Hub
	metricsEnabled bool
	logger         logrus.FieldLogger
}

// NewServer creates a new API server.
func NewServer(node Node, store Store, logger logrus.FieldLogger) *Server {
	logger = logutil.OrDiscard(logger)
	return &Server{node: node, store: store, logger: logger}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth sets the checker behind /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetHub sets the live event hub behind /api/stream.
func (s *Server) SetHub(h *Hub) { s.hub = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Websocket connections outlive the request timeout.
	if s.hub != nil {
		r.Get("/api/stream", s.hub.HandleStream)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", s.handleHealth)

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/events", s.handleListEvents)
			r.Post("/events", s.handleReportEvent)
			r.Get("/events/{id}", s.handleGetEvent)
			r.Get("/reputation", s.handleReputation)
			r.Get("/peers", s.handleListPeers)
			r.Post("/peers", s.handleConnectPeer)
		})

		if s.metricsEnabled {
			r.Handle("/metrics", promhttp.Handler())
		}
	})

	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.EventCount()
	if err != nil {
		s.internalError(w, "count events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node":       s.node.Identity(),
		"live_peers": len(s.node.LivePeers()),
		"events":     count,
		"version":    Version,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := DefaultEventLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.store.RecentEvents(limit)
	if err != nil {
		s.internalError(w, "list events", err)
		return
	}
	if events == nil {
		events = []domain.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEvent(chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrEventNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type reportRequest struct {
	SourceIP   string `json:"source_ip"`
	ThreatType string `json:"threat_type"`
	Severity   string `json:"severity"`
}

func (s *Server) handleReportEvent(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e, sent, err := s.node.Report(req.SourceIP, req.ThreatType, req.Severity)
	switch {
	case errors.Is(err, domain.ErrInvalidSourceIP),
		errors.Is(err, domain.ErrEmptyThreatType),
		errors.Is(err, domain.ErrInvalidSeverity):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, domain.ErrKeysMissing):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.internalError(w, "report event", err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"source_ip": e.SourceIP,
		"type":      e.ThreatType,
		"sent":      sent,
	}).Info("reported event via api")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event": domain.StoredEvent{ThreatEvent: *e, Valid: e.ValidSignature},
		"sent":  sent,
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	scores, err := s.store.Reputations()
	if err != nil {
		s.internalError(w, "list reputation", err)
		return
	}
	if scores == nil {
		scores = []domain.ReputationScore{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reputation": scores})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	known, err := s.store.ListPeers()
	if err != nil {
		s.internalError(w, "list peers", err)
		return
	}
	if known == nil {
		known = []domain.KnownPeer{}
	}
	live := s.node.LivePeers()
	if live == nil {
		live = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"live":  live,
		"known": known,
	})
}

type connectRequest struct {
	Addr string `json:"addr"`
}

func (s *Server) handleConnectPeer(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	host, port, err := domain.ParsePeerAddr(req.Addr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.node.Connect(r.Context(), host, port)
	switch {
	case errors.Is(err, domain.ErrSelfConnect):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNodeStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "addr": req.Addr})
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.WithError(err).Error(op)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"code":    status,
		},
	})
}

// corsMiddleware adds CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
