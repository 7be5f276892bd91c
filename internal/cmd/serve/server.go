package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/commit"
	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/directory"
	"github.com/chirino/chat-memory/internal/history"
	"github.com/chirino/chat-memory/internal/pipeline"
	"github.com/chirino/chat-memory/internal/plugin/route/chat"
	"github.com/chirino/chat-memory/internal/plugin/route/chats"
	routesystem "github.com/chirino/chat-memory/internal/plugin/route/system"
	storemetrics "github.com/chirino/chat-memory/internal/plugin/store/metrics"
	registrycache "github.com/chirino/chat-memory/internal/registry/cache"
	registrymigrate "github.com/chirino/chat-memory/internal/registry/migrate"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
	"github.com/chirino/chat-memory/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config   *config.Config
	Store    registrystore.ChatStore
	Cache    registrycache.WindowCache
	Pipeline *pipeline.Pipeline
	Router   *gin.Engine
	Running  *Listener

	stopBackground  context.CancelFunc
	closeManagement func(context.Context) error
}

// Shutdown stops accepting requests, waits for in-flight replies to commit,
// then disconnects from the store.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	s.stopBackground()

	var errs []error
	if err := s.Running.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	if err := s.Pipeline.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain pending commits: %w", err))
	}
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.Store.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// StartServer connects every subsystem and starts HTTP on cfg.Listener.
// Use Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat memory service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"model", cfg.ModelType,
		"historyWindow", cfg.HistoryWindow,
	)
	ctx = config.WithContext(ctx, cfg)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	store, err := loadStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	gen, err := loadModel(ctx, cfg)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("failed to initialize model: %w", err)
	}
	cache := loadCache(ctx, cfg)

	committer := commit.New(store, cache)
	pipe := pipeline.New(gen, committer)
	dir := directory.New(store, cache)
	provider := history.NewProvider(store, cache)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSOrigins != "" {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	auth := security.AuthMiddleware(security.NewTokenResolver(ctx, cfg))
	chat.MountRoutes(router, provider, pipe, cfg.HistoryWindow, auth)
	chats.MountRoutes(router, dir, auth)

	// A dedicated management port gets its own bare engine; otherwise the
	// management routes share the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		routesystem.MountRoutes(mgmtRouter)
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		mgmt, err := listen("management", mgmtCfg, mgmtRouter)
		if err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", mgmt.Addr)
		closeManagement = mgmt.Close
	} else {
		routesystem.MountRoutes(router)
	}

	running, err := listen("main", cfg.Listener, router)
	if err != nil {
		if closeManagement != nil {
			_ = closeManagement(ctx)
		}
		_ = store.Close(ctx)
		return nil, err
	}

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	go service.NewIndexReconciler(store, cfg.ReconcileInterval).Start(bgCtx)

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Cache:           cache,
		Pipeline:        pipe,
		Router:          router,
		Running:         running,
		stopBackground:  stopBackground,
		closeManagement: closeManagement,
	}, nil
}
