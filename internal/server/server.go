// Package server exposes the submission and status HTTP API, the WebSocket
// update stream, and the terminal-row archival job.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	auditdomain "orchard/internal/domain/audit"
	taskdomain "orchard/internal/domain/task"
	"orchard/internal/notify"
	"orchard/internal/observability"
	"orchard/internal/orchestrator"
	"orchard/internal/shared/async"
	"orchard/internal/shared/config"
	"orchard/internal/shared/logging"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

// Server is the API process: gin router, notification hub, and the archival
// cron.
type Server struct {
	cfg         config.Server
	store       taskdomain.Store
	audit       auditdomain.Store
	definitions *orchestrator.DefinitionRegistry
	metrics     *observability.MetricsCollector
	hub         *notify.Hub
	logger      logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	cron       *cron.Cron

	// statusCache holds terminal task views only; live rows always hit the
	// store.
	statusCache *lru.Cache[string, taskView]

	// streamPoll paces the watcher that feeds the hub from the store.
	streamPoll time.Duration
	stopWatch  chan struct{}
	watchDone  sync.Once
}

func New(cfg config.Server, store taskdomain.Store, audit auditdomain.Store, definitions *orchestrator.DefinitionRegistry, metrics *observability.MetricsCollector) (*Server, error) {
	cacheSize := cfg.StatusCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, taskView](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create status cache: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:         cfg,
		store:       store,
		audit:       audit,
		definitions: definitions,
		metrics:     metrics,
		hub:         notify.NewHub(cfg.AllowedOrigins),
		logger:      logging.NewComponentLogger("APIServer"),
		engine:      engine,
		cron:        cron.New(),
		statusCache: cache,
		streamPoll:  500 * time.Millisecond,
		stopWatch:   make(chan struct{}),
	}
	engine.Use(s.metricsMiddleware())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Hub returns the notification hub. The stream watcher feeds it from the
// store; additional in-process producers can push through it directly.
func (s *Server) Hub() *notify.Hub { return s.hub }

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.handleCreateTask)
		tasks.GET("/:id", s.handleGetTask)
		tasks.GET("/:id/subtasks", s.handleListSubtasks)
		tasks.GET("/:id/audit", s.handleTaskAudit)
		tasks.GET("/:id/stream", s.handleStream)
	}

	api.GET("/workflows", s.handleListWorkflows)

	s.engine.GET("/metrics", gin.WrapH(promclient.Handler()))
}

// Start begins serving and schedules the archival sweep. It blocks until the
// listener fails or Shutdown runs.
func (s *Server) Start() error {
	if s.cfg.ArchiveSchedule != "" && s.cfg.ArchiveAfter > 0 {
		if _, err := s.cron.AddFunc(s.cfg.ArchiveSchedule, s.runArchival); err != nil {
			return fmt.Errorf("schedule archival %q: %w", s.cfg.ArchiveSchedule, err)
		}
		s.cron.Start()
	}
	async.Go(s.logger, "server.stream-watch", s.watchStreams)

	s.logger.Info("API server listening on %s", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections, stops the cron and the stream watcher, and
// closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.watchDone.Do(func() { close(s.stopWatch) })
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// runArchival removes terminal rows older than the retention window.
func (s *Server) runArchival() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.ArchiveAfter)
	removed, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Archival sweep failed: %v", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Archival sweep removed %d terminal rows older than %s", removed, cutoff.Format(time.RFC3339))
	}
}

// watchStreams is the producer behind /api/tasks/:id/stream: it polls the
// rows that currently have subscribers and pushes every status change into
// the hub. Workers run in separate processes, so the store is the only
// channel their writes arrive on.
func (s *Server) watchStreams() {
	ticker := time.NewTicker(s.streamPoll)
	defer ticker.Stop()

	last := make(map[string]taskdomain.Status)
	for {
		select {
		case <-s.stopWatch:
			return
		case <-ticker.C:
		}

		ids := s.hub.SubscribedTasks()
		watched := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			watched[id] = struct{}{}
		}
		for id := range last {
			if _, ok := watched[id]; !ok {
				delete(last, id)
			}
		}

		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t, err := s.store.Get(ctx, id)
			cancel()
			if err != nil {
				continue
			}
			if prev, ok := last[id]; ok && prev == t.Status {
				continue
			}
			last[id] = t.Status
			s.hub.NotifyTaskUpdate(context.Background(), notify.Update{
				TaskID:    t.ID,
				ParentID:  t.ParentID,
				Kind:      t.Kind,
				Status:    string(t.Status),
				Error:     t.Error,
				Output:    t.Output,
				TotalCost: t.TotalCost,
				At:        time.Now().UTC(),
			})
		}
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
