package observability

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/beamctl/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusSource supplies the run snapshot served at /status.
type StatusSource interface {
	Status() RunStatus
}

// StatusServer exposes health, metrics and run progress while a job runs.
type StatusServer struct {
	router    *gin.Engine
	srv       *http.Server
	started   time.Time
	validator auth.Validator
}

func NewStatusServer(node, addr string, corsOrigins []string, source StatusSource) *StatusServer {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestObserver(node, log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &StatusServer{router: r, started: time.Now()}
	r.Use(s.guard)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": node,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/status", func(c *gin.Context) {
		if source == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no run in progress"})
			return
		}
		c.JSON(http.StatusOK, source.Status())
	})
	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// RequireToken makes every route except /health demand the bearer token.
// Call it before Start; an empty token leaves the server open.
func (s *StatusServer) RequireToken(token string) {
	if token == "" {
		s.validator = nil
		return
	}
	s.validator = auth.StaticToken{Token: token}
}

func (s *StatusServer) guard(c *gin.Context) {
	if s.validator == nil || c.Request.URL.Path == "/health" {
		c.Next()
		return
	}
	if auth.Require(c, s.validator) {
		c.Next()
	}
}

// Start serves in the background until Shutdown.
func (s *StatusServer) Start() {
	go func() {
		log.Info().Msgf("observability.StatusServer listening addr=%q", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Msgf("observability.StatusServer addr=%q err=%v", s.srv.Addr, err)
		}
	}()
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
