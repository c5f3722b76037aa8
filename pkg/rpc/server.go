// Package rpc serves the read-only HTTP JSON projection of node state plus
// transaction submission, behind per-IP and global rate limiting.
package rpc

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/dmrl789/ippan/pkg/consensus"
	"github.com/dmrl789/ippan/pkg/emission"
	"github.com/dmrl789/ippan/pkg/mempool"
	"github.com/dmrl789/ippan/pkg/storage"
	"github.com/dmrl789/ippan/pkg/types"
	"github.com/dmrl789/ippan/pkg/validator"
)

// TxBroadcaster publishes an admitted transaction to gossip.
type TxBroadcaster interface {
	BroadcastTx(tx *types.Transaction)
}

// Config shapes the HTTP server.
type Config struct {
	ListenAddr  string
	CORSOrigins []string
	Timeout     time.Duration
	RateLimit   RateLimitConfig
}

// DefaultConfig returns the default RPC surface.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  "127.0.0.1:8080",
		CORSOrigins: []string{"*"},
		Timeout:     30 * time.Second,
		RateLimit:   DefaultRateLimitConfig(),
	}
}

// Backend bundles the state the RPC view projects.
type Backend struct {
	NodeID    string
	Version   string
	Store     storage.Store
	Pool      *mempool.Pool
	Registry  *validator.Registry
	Tracker   *emission.Tracker
	Consensus *consensus.Manager
	Broadcast TxBroadcaster
}

// Server is the HTTP JSON API server.
type Server struct {
	cfg     Config
	backend *Backend
	limiter *RateLimiter
	log     *zap.Logger

	requests    *prometheus.CounterVec
	rateLimited *prometheus.CounterVec

	srv *http.Server
	ln  net.Listener
}

// NewServer wires routes, middleware and metrics. The prometheus registry may
// be nil to skip the /metrics endpoint.
func NewServer(cfg Config, backend *Backend, reg *prometheus.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		backend: backend,
		limiter: NewRateLimiter(cfg.RateLimit),
		log:     log.Named("rpc"),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ippan", Subsystem: "rpc", Name: "requests_total",
			Help: "RPC requests by endpoint.",
		}, []string{"endpoint"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ippan", Subsystem: "rpc", Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter, by endpoint.",
		}, []string{"endpoint"}),
	}
	if reg != nil {
		reg.MustRegister(s.requests, s.rateLimited)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/network", s.handleNetwork).Methods(http.MethodGet)
	r.HandleFunc("/mempool", s.handleMempool).Methods(http.MethodGet)
	r.HandleFunc("/consensus", s.handleConsensus).Methods(http.MethodGet)
	r.HandleFunc("/validators", s.handleValidators).Methods(http.MethodGet)
	r.HandleFunc("/blocks/recent", s.handleRecentBlocks).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{height}", s.handleBlockByHeight).Methods(http.MethodGet)
	r.HandleFunc("/balance", s.handleBalanceQuery).Methods(http.MethodGet)
	r.HandleFunc("/balance/{address}", s.handleBalancePath).Methods(http.MethodGet)
	r.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/tx/payment", s.handleSubmitPayment).Methods(http.MethodPost)
	r.HandleFunc("/nonce/{address}", s.handleNonce).Methods(http.MethodGet)
	r.HandleFunc("/address/validate", s.handleValidateAddress).Methods(http.MethodGet)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.Use(s.middleware)
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	handler := c.Handler(r)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           http.TimeoutHandler(handler, cfg.Timeout, `{"success":false,"error":"timeout"}`),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Timeout,
		WriteTimeout:      cfg.Timeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// middleware applies rate limiting and request accounting. The endpoint key
// is the route template so path parameters share one bucket shape.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		s.requests.WithLabelValues(endpoint).Inc()
		if !s.limiter.Allow(clientIP(r), endpoint) {
			s.rateLimited.WithLabelValues(endpoint).Inc()
			writeRateLimited(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds synchronously, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", zap.Error(err))
		}
	}()
	s.log.Info("rpc server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address (useful when started on ":0").
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the server down, draining in-flight requests briefly.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the full middleware stack for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }
