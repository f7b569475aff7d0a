package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/hostlink/internal/observability"
	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatsSource is polled on every /stats and /ready request. It must be safe
// to call from the HTTP goroutines.
type StatsSource interface {
	Stats() transport.Stats
}

type StatsFunc func() transport.Stats

func (f StatsFunc) Stats() transport.Stats { return f() }

type Server struct {
	Name     string
	Addr     string
	Appeared time.Time

	router *gin.Engine
	source StatsSource
	http   *http.Server
}

func New(name, addr string, corsOrigins []string, source StatsSource) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:     name,
		Addr:     addr,
		Appeared: time.Now(),
		router:   r,
		source:   source,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.Appeared).String(),
			"service":  s.Name,
			"protocol": protocol.Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		stats := s.source.Stats()
		code := http.StatusOK
		if !stats.Running {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":     stats.Running,
			"connected": stats.Connected,
			"transport": stats.Transport,
			"service":   s.Name,
		})
	})

	s.router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.Stats())
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.http
	go func() {
		log.Info().Str("addr", s.Addr).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.Addr).Msg("status server stopped")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
