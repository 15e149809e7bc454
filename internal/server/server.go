// Package server exposes the operational HTTP surface of the ingestion
// service: liveness, last poll status per queue, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/cache"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
	"github.com/gotrs-io/gotrs-helpdesk/internal/version"
)

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// QueueLister returns the queues whose poll status is reported.
type QueueLister interface {
	ListMailQueues(ctx context.Context) ([]*models.Queue, error)
}

// Server serves /health and /metrics.
type Server struct {
	engine          *gin.Engine
	logger          logrus.FieldLogger
	checks          map[string]CheckFunc
	queues          QueueLister
	statuses        cache.PollStatusStore
	gatherer        prometheus.Gatherer
	addr            string
	shutdownTimeout time.Duration
	checkTimeout    time.Duration
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCheck registers a named dependency check.
func WithCheck(name string, fn CheckFunc) Option {
	return func(s *Server) {
		if name != "" && fn != nil {
			s.checks[name] = fn
		}
	}
}

// WithPollStatus includes the last poll of every mail queue in /health.
func WithPollStatus(queues QueueLister, statuses cache.PollStatusStore) Option {
	return func(s *Server) {
		s.queues = queues
		s.statuses = statuses
	}
}

// WithGatherer selects the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New builds the router.
func New(opts ...Option) *Server {
	s := &Server{
		logger:          logrus.StandardLogger(),
		checks:          make(map[string]CheckFunc),
		gatherer:        prometheus.DefaultGatherer,
		addr:            ":8080",
		shutdownTimeout: 10 * time.Second,
		checkTimeout:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.accessLog())
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.engine = r
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type healthResponse struct {
	Status    string                       `json:"status"`
	Timestamp time.Time                    `json:"timestamp"`
	Version   version.Info                 `json:"version"`
	Checks    map[string]string            `json:"checks,omitempty"`
	Queues    map[string]*cache.PollStatus `json:"queues,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.checkTimeout)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.GetInfo(),
		Checks:    make(map[string]string, len(s.checks)),
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Status = "error"
			resp.Checks[name] = err.Error()
			s.logger.WithError(err).WithField("check", name).Warn("health check failed")
			continue
		}
		resp.Checks[name] = "ok"
	}

	if s.queues != nil && s.statuses != nil {
		queues, err := s.queues.ListMailQueues(ctx)
		if err != nil {
			resp.Status = "error"
			resp.Checks["queues"] = err.Error()
		} else {
			resp.Queues = make(map[string]*cache.PollStatus, len(queues))
			for _, q := range queues {
				st, err := s.statuses.Get(ctx, q.Slug)
				if err != nil {
					s.logger.WithError(err).WithField("queue", q.Slug).Debug("poll status unavailable")
				}
				resp.Queues[q.Slug] = st
			}
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
			"request_id": c.GetString("request_id"),
		}).Debug("http request")
	}
}
