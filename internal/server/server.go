// Package server wires the HTTP surface named in spec.md §6 onto the
// request controller (C8): /v1/messages, the token-counting stub,
// provider/health introspection, and the operator-facing reload/cleanup
// endpoints. Grounded on the teacher's internal/server/server.go for the
// gorilla/mux wiring, logging middleware, and graceful Start/Stop
// lifecycle; the route table and handlers themselves are new, since the
// teacher's OpenAI-compatible surface has no counterpart in this proxy.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/zkytech/claude-code-provider-balancer/internal/apierr"
	"github.com/zkytech/claude-code-provider-balancer/internal/config"
	"github.com/zkytech/claude-code-provider-balancer/internal/controller"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/providers"
	"github.com/zkytech/claude-code-provider-balancer/internal/routing"
	"github.com/zkytech/claude-code-provider-balancer/internal/security"
	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// Metrics are the Prometheus series this server exposes at GET /metrics,
// grounded on the teacher's handleMetrics but backed by the real
// client_golang registry instead of hand-formatted text.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ProviderHealth  *prometheus.GaugeVec
}

// NewMetrics registers the balancer's series against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balancer_requests_total",
			Help: "Total /v1/messages requests by outcome.",
		}, []string{"provider", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "balancer_request_duration_seconds",
			Help: "Latency of /v1/messages requests.",
		}, []string{"provider"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "balancer_provider_health",
			Help: "1 if a provider is currently eligible, 0 if unhealthy.",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.ProviderHealth)
	return m
}

// Config holds the HTTP listener's own knobs, filled in from
// config.Config.Server.
type Config struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
}

// Server is the HTTP front door onto the request controller.
type Server struct {
	httpServer *http.Server
	log        *logrus.Logger
	cfg        Config

	controller *controller.Controller
	router     *routing.Router
	registry   *providers.Registry
	health     *health.Store
	dedup      *dedup.Coordinator

	managementAuth config.ManagementAuthConfig
	authenticator  *security.Authenticator
	metrics        *Metrics
	promRegistry   *prometheus.Registry

	reload func() (*routing.Router, *providers.Registry, error)
}

// New constructs the server. reload is invoked by POST /providers/reload
// to rebuild the router/registry from the current config file; it may be
// nil if reload-from-disk isn't wired (tests, embedding).
func New(
	ctl *controller.Controller,
	cfg Config,
	managementAuth config.ManagementAuthConfig,
	log *logrus.Logger,
	reload func() (*routing.Router, *providers.Registry, error),
) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		log:        log,
		cfg:        cfg,
		controller: ctl,
		router:     ctl.Router,
		registry:   ctl.Registry,
		health:     ctl.Health,
		dedup:      ctl.Dedup,
		managementAuth: managementAuth,
		authenticator: security.NewAuthenticator(security.Config{
			APIKeys:   managementAuth.APIKeys,
			JWTSecret: managementAuth.JWTSecret,
		}, log),
		metrics:      NewMetrics(reg),
		promRegistry: reg,
		reload:       reload,
	}
}

// Start builds the route table and blocks serving HTTP until the
// listener is closed (normally via Stop).
func (s *Server) Start() error {
	r := s.routes()

	s.httpServer = &http.Server{
		Addr:           s.cfg.Host + ":" + s.cfg.Port,
		Handler:        r,
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
	}

	s.log.WithField("addr", s.httpServer.Addr).Info("starting provider balancer")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping provider balancer")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/v1/messages", s.handleMessages).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/count_tokens", s.handleCountTokens).Methods(http.MethodPost)

	r.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	r.HandleFunc("/providers/{name}", s.handleGetProvider).Methods(http.MethodGet)
	r.Handle("/providers/reload", s.requireManagementAuth(http.HandlerFunc(s.handleReload))).Methods(http.MethodPost)
	r.Handle("/cleanup", s.requireManagementAuth(http.HandlerFunc(s.handleCleanup))).Methods(http.MethodPost)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("http request")
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requireManagementAuth gates the operator-facing endpoints behind a
// bearer token, per spec.md §6's settings.management_auth — never
// applied to /v1/messages.
func (s *Server) requireManagementAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.managementAuth.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if _, err := s.authenticator.Authenticate(token); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, &apierr.UpstreamAuthError{Provider: "management", Message: "missing or invalid management credentials"})
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	providerList := s.registry.All()

	snapshots := make([]health.Snapshot, 0, len(providerList))
	overallHealthy := true
	for _, p := range providerList {
		snap := s.health.Snapshot(p.Name, now)
		snapshots = append(snapshots, snap)
		s.metrics.ProviderHealth.WithLabelValues(p.Name).Set(boolToFloat(snap.Eligible))
		if !snap.Eligible {
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"providers": snapshots,
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req types.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &apierr.ClientError{Message: "invalid JSON body: " + err.Error()})
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, &apierr.ClientError{Message: "model and messages are required"})
		return
	}

	start := time.Now()
	result, err := s.controller.Handle(r.Context(), r.Header, &req)
	if err != nil {
		s.recordOutcome("", "error", start)
		writeError(w, err)
		return
	}

	s.recordOutcome(result.Provider, "ok", start)
	if result.Provider != "" {
		w.Header().Set("x-provider-used", result.Provider)
	}

	if result.Stream != nil {
		s.writeSSE(w, r, result)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result.JSON)
}

func (s *Server) recordOutcome(provider, status string, start time.Time) {
	if provider == "" {
		provider = "none"
	}
	s.metrics.RequestsTotal.WithLabelValues(provider, status).Inc()
	s.metrics.RequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// writeSSE streams result.Stream to w, reporting disconnect back to the
// broadcaster the moment a write fails or the client goes away — the
// primary disconnect-detection signal per spec.md §4.6. No other part of
// the stack observes a client hanging up; this is the only place that
// can.
func (s *Server) writeSSE(w http.ResponseWriter, r *http.Request, result *controller.Result) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	markDead := func() {
		if result.Disconnect != nil {
			result.Disconnect()
		}
	}

	for {
		select {
		case <-r.Context().Done():
			markDead()
			return
		case chunk, ok := <-result.Stream:
			if !ok {
				return
			}
			if _, err := fmt.Fprint(w, chunk); err != nil {
				markDead()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// handleCountTokens is a deliberately approximate token-counting
// endpoint; spec.md's Non-goals put real tokenization out of core scope
// and delegate it to an external collaborator. This returns a rough
// length-based estimate (len/4 + 1 per text or JSON-encoded part) so callers get a response shape to build
// against without the balancer carrying a full tokenizer dependency.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req types.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &apierr.ClientError{Message: "invalid JSON body: " + err.Error()})
		return
	}

	count := 0
	for _, m := range req.Messages {
		count += estimateTokens(m.Content)
	}
	count += estimateTokens(req.System)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"input_tokens": count})
}

func estimateTokens(content any) int {
	switch v := content.(type) {
	case string:
		return len(v)/4 + 1
	case []any:
		total := 0
		for _, item := range v {
			b, _ := json.Marshal(item)
			total += len(b)/4 + 1
		}
		return total
	case nil:
		return 0
	default:
		b, _ := json.Marshal(v)
		return len(b)/4 + 1
	}
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	providerList := s.registry.All()
	out := make([]map[string]any, 0, len(providerList))
	for _, p := range providerList {
		out = append(out, map[string]any{
			"name":    p.Name,
			"kind":    p.Kind,
			"enabled": p.Enabled,
			"health":  s.health.Snapshot(p.Name, now),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"providers": out})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	p, ok := s.registry.Get(name)
	if !ok {
		writeError(w, &apierr.NoProviderError{RequestedModel: name})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"name":    p.Name,
		"kind":    p.Kind,
		"enabled": p.Enabled,
		"health":  s.health.Snapshot(p.Name, time.Now()),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, &apierr.ClientError{Message: "reload is not configured for this instance"})
		return
	}
	newRouter, newRegistry, err := s.reload()
	if err != nil {
		writeError(w, &apierr.ClientError{Message: "reload failed: " + err.Error()})
		return
	}
	s.router = newRouter
	s.registry = newRegistry
	s.controller.Router = newRouter
	s.controller.Registry = newRegistry

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "reloaded"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if force {
		s.dedup.CancelAll()
	} else {
		s.dedup.Sweep(time.Now())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "force": force})
}

// writeError renders any error into the uniform envelope from spec.md
// §6. Non-taxonomy errors (shouldn't happen past the controller boundary)
// degrade to a generic 500 api_error rather than leaking internals.
func writeError(w http.ResponseWriter, err error) {
	var status int
	var kind, message string
	var provider *string

	if ae, ok := err.(apierr.Error); ok {
		status = ae.HTTPStatus()
		kind = ae.Kind()
		message = ae.Error()
		switch e := err.(type) {
		case *apierr.UpstreamAuthError:
			provider = &e.Provider
		case *apierr.UpstreamClientError:
			provider = &e.Provider
		case *apierr.UpstreamPartialStreamError:
			provider = &e.Provider
		}
	} else {
		status = http.StatusInternalServerError
		kind = types.ErrKindAPIError
		message = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorEnvelope{
		Type: "error",
		Error: types.ErrorBody{
			Type:     kind,
			Message:  message,
			Provider: provider,
		},
	})
}
