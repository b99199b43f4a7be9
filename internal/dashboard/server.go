// Package dashboard serves the session status over HTTP: readiness for load
// balancers and health checks, unit state, recent log lines and host resources.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cryptotrader/config"
	"cryptotrader/internal/supervisor"
	"cryptotrader/logger"
)

// Source reports the current session state.
type Source interface {
	Snapshot() supervisor.Snapshot
}

type Server struct {
	cfg     config.DashboardConfig
	name    string
	source  Source
	log     *logger.Log
	logs    *logStore
	sampler *resourceSampler
	started time.Time
	srv     *http.Server
}

// NewServer returns nil when the dashboard is disabled. diskPath is the
// filesystem whose usage is sampled, normally the log directory.
func NewServer(cfg config.DashboardConfig, name string, source Source, log *logger.Log, diskPath string) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)

	logs := newLogStore(cfg.LogHistory)
	log.AddHook(logs)

	return &Server{
		cfg:     cfg,
		name:    name,
		source:  source,
		log:     log,
		logs:    logs,
		sampler: newResourceSampler(cfg.SampleHistory, cfg.SampleInterval, diskPath, log),
		started: time.Now(),
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	s.srv = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.logs.close()
	s.sampler.stop()
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)
	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", s.handleResources)
	return router, nil
}

// handleHealth answers 503 while the readiness gate is closed so that
// health checks see a paused session as unhealthy.
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.source.Snapshot()
	status := http.StatusOK
	if !snap.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": snap.Ready, "down": snap.Down})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.source.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"name":       s.name,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"policy":     snap.Policy,
		"ready":      snap.Ready,
		"down":       snap.Down,
		"units":      snap.Units,
		"started_at": s.started.Format(time.RFC3339),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	records := s.logs.snapshot()
	if level := strings.ToLower(c.Query("level")); level != "" {
		filtered := records[:0:0]
		for _, r := range records {
			if r.Level == level {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	if component := c.Query("component"); component != "" {
		filtered := records[:0:0]
		for _, r := range records {
			if r.Component == component {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	c.JSON(http.StatusOK, gin.H{"logs": records})
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "127.0.0.1:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") || net.ParseIP(addr) != nil {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
