// Package api exposes the serving coordinator over HTTP with gin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/korjavin/mealtracker/pkg/broadcast"
	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/korjavin/mealtracker/pkg/serving"
	"github.com/korjavin/mealtracker/pkg/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a Server
type Options struct {
	// BroadcastInterval is the SSE tick without changes
	BroadcastInterval time.Duration
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server is the REST API server
type Server struct {
	engine   *gin.Engine
	coord    *serving.Coordinator
	hub      *broadcast.Hub
	stats    *stats.Service
	interval time.Duration
	now      func() time.Time
	logger   *logger.Logger
}

// New creates a REST server
func New(coord *serving.Coordinator, hub *broadcast.Hub, opts Options) *Server {
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = broadcast.DefaultInterval
	}
	engine := gin.New()
	s := &Server{
		engine:   engine,
		coord:    coord,
		hub:      hub,
		stats:    stats.New(coord),
		interval: opts.BroadcastInterval,
		now:      time.Now,
		logger:   logger.New("api"),
	}
	engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(opts.Gatherer)
	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("REST API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Open SSE streams end once the hub closes their subscriptions.
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	meals := s.engine.Group("/meals")
	{
		meals.POST("/serve_food", s.serveFood)
		meals.POST("/food_is_served", s.foodIsServed)
		meals.GET("/awaiting_participants", s.awaitingParticipants)
		meals.DELETE("/connected_clients/:viewer_id", s.removeConnectedClient)
		meals.GET("/meal_counts", s.mealCounts)
		meals.GET("/participant_status/:participant_id", s.participantStatus)
		meals.GET("/remaining_participants/:meal_time", s.remainingParticipants)
		meals.GET("/summary", s.summary)
	}

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
