// Package server exposes projects, data files and jobs over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/events"
	"github.com/zulandar/geneq/internal/jobs"
	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/storage"
)

// Opts holds the services the API is built on.
type Opts struct {
	DB        *gorm.DB
	Store     *storage.Store
	Scheduler *jobs.Scheduler
	// Events feeds the job event stream. Nil gives an in-process hub that
	// only sees events published to it directly.
	Events events.Bus
	// BasePath prefixes every route, e.g. /api. Empty mounts at the root.
	BasePath       string
	CORSOrigins    []string
	MaxUploadBytes int64
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	Version  string
	Logger   *slog.Logger
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Opts
	Port int
	Out  io.Writer
}

// api carries the handler dependencies.
type api struct {
	db        *gorm.DB
	store     *storage.Store
	sched     *jobs.Scheduler
	events    events.Bus
	basePath  string
	maxUpload int64
	version   string
	logger    *slog.Logger
}

// NewHandler builds the API handler with CORS applied.
func NewHandler(opts Opts) (http.Handler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("server: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("server: scheduler is required")
	}
	if opts.Events == nil {
		opts.Events = events.NewHub()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	a := &api{
		db:        opts.DB,
		store:     opts.Store,
		sched:     opts.Scheduler,
		events:    opts.Events,
		basePath:  opts.BasePath,
		maxUpload: opts.MaxUploadBytes,
		version:   opts.Version,
		logger:    logging.OrDiscard(opts.Logger),
	}
	router.Use(a.logRequests())
	registerRoutes(router, a, opts.Gatherer)

	c := cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	return c(router), nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	handler, err := NewHandler(opts.Opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8005
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation. Open event streams end
	// with their request contexts.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "GeneQ API listening on http://localhost:%d%s\n", opts.Port, opts.BasePath)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// logRequests logs one line per request.
func (a *api) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		a.logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).Round(time.Microsecond))
	}
}
