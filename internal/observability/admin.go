package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer exposes health and metrics over HTTP on a separate listener
// from the SSH port.
type AdminServer struct {
	health   *HealthManager
	gatherer prometheus.Gatherer
	logger   *Logger
	engine   *gin.Engine
	server   *http.Server
}

// NewAdminServer builds the gin engine with /healthz, /livez and /metrics
func NewAdminServer(health *HealthManager, gatherer prometheus.Gatherer, logger *Logger) *AdminServer {
	if logger == nil {
		logger = NewNopLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	a := &AdminServer{
		health:   health,
		gatherer: gatherer,
		logger:   logger,
		engine:   gin.New(),
	}
	a.engine.Use(gin.Recovery())
	a.engine.GET("/healthz", a.handleHealth)
	a.engine.GET("/livez", a.handleLive)
	a.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return a
}

// Handler returns the underlying http.Handler
func (a *AdminServer) Handler() http.Handler {
	return a.engine
}

// Serve serves on l until ctx is cancelled
func (a *AdminServer) Serve(ctx context.Context, l net.Listener) error {
	a.server = &http.Server{
		Handler:           a.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}()

	a.logger.InfoWithFields("admin server listening", map[string]interface{}{
		"addr": l.Addr().String(),
	})
	if err := a.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled
func (a *AdminServer) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, l)
}

func (a *AdminServer) handleHealth(c *gin.Context) {
	report := a.health.CheckHealth(c.Request.Context())

	code := http.StatusOK
	if report.Status == HealthStatusDown || report.Status == HealthStatusUnknown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (a *AdminServer) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    HealthStatusUp,
		"timestamp": time.Now(),
	})
}
