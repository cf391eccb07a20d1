// Package server wires the object store, tile queue, upload coordinators,
// and detection pipeline into one HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/internal/config"
	"github.com/Woody88/sitelink-sub006/internal/coordinator"
	"github.com/Woody88/sitelink-sub006/internal/detect"
	"github.com/Woody88/sitelink-sub006/internal/downloads"
	"github.com/Woody88/sitelink-sub006/internal/events"
	"github.com/Woody88/sitelink-sub006/internal/home"
	"github.com/Woody88/sitelink-sub006/internal/queue"
	"github.com/Woody88/sitelink-sub006/internal/server/endpoints"
	"github.com/Woody88/sitelink-sub006/internal/storage"
	"github.com/Woody88/sitelink-sub006/internal/svcctx"
	"github.com/Woody88/sitelink-sub006/internal/tiles"
)

// Server is the sitelink HTTP server. It owns the service graph: object
// store, tile job broker and consumer, upload coordinator registry, event
// log, detector, and settings store.
type Server struct {
	httpServer *http.Server
	configMgr  *config.Manager
	homeDir    *home.Dir
	logger     *slog.Logger

	store     storage.Store
	broker    *queue.Broker
	consumer  *queue.Consumer
	uploads   *coordinator.Registry
	detector  *detect.Detector
	eventLog  *events.Log
	settings  config.Store
	downloads *downloads.Manager

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Home is the sitelink home directory (objects, staged uploads).
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Store overrides the configured object store (tests).
	Store storage.Store
	// Classifier overrides the configured detection classifier (tests).
	Classifier detect.Classifier
	// Renderer overrides the PDF page renderer (tests).
	Renderer tiles.PageRenderer
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		h, err := home.New("")
		if err != nil {
			return nil, err
		}
		cfg.Home = h
	}
	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, err
	}

	appCfg := config.DefaultConfig()
	if cfg.ConfigManager != nil {
		appCfg = cfg.ConfigManager.Get()
	}

	store := cfg.Store
	if store == nil {
		var err error
		store, err = buildStore(appCfg.Storage, cfg.Home)
		if err != nil {
			return nil, err
		}
	}

	classifier := cfg.Classifier
	if classifier == nil {
		var err error
		classifier, err = buildClassifier(appCfg.Detection)
		if err != nil {
			return nil, err
		}
	}
	detector, err := detect.NewDetector(classifier, cfg.Logger)
	if err != nil {
		return nil, err
	}

	broker := queue.NewBroker(queue.BrokerConfig{
		Capacity:    appCfg.Queue.Capacity,
		MaxAttempts: appCfg.Queue.MaxAttempts,
	})

	uploads := coordinator.NewRegistry(store, cfg.Logger)
	uploads.SetEvictAfter(time.Duration(appCfg.Uploads.EvictMinutes) * time.Minute)

	generator, err := tiles.NewGenerator(tiles.Config{
		Store:    store,
		Renderer: cfg.Renderer,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		Broker:    broker,
		Generator: generator,
		Registry:  uploads,
		Store:     store,
		Logger:    cfg.Logger,
		Workers:   appCfg.Queue.Workers,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		configMgr: cfg.ConfigManager,
		homeDir:   cfg.Home,
		logger:    cfg.Logger,
		store:     store,
		broker:    broker,
		consumer:  consumer,
		uploads:   uploads,
		detector:  detector,
		eventLog:  events.NewLog(),
		settings:  config.NewStore(store),
		downloads: downloads.NewManager(store, cfg.Logger),
	}

	s.endpointRegistry = endpoints.NewRegistry()

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.withServices(mux),
		ReadTimeout: 30 * time.Second,
		// Archive streams for large sheets can outlive a short write
		// window.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func buildStore(cfg config.StorageCfg, homeDir *home.Dir) (storage.Store, error) {
	switch cfg.Backend {
	case "", "fs":
		root := cfg.Root
		if root == "" {
			root = homeDir.ObjectsPath()
		}
		return storage.NewFS(root)
	case "memory":
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildClassifier(cfg config.DetectionCfg) (detect.Classifier, error) {
	switch cfg.Provider {
	case "", "openai":
		return detect.NewOpenAIClassifier(detect.OpenAIClassifierConfig{
			APIKey:     cfg.ResolveAPIKey(),
			Model:      cfg.Model,
			RateLimit:  cfg.RateLimit,
			MaxRetries: cfg.MaxRetries,
		})
	case "mock":
		return detect.NewMockClassifier(), nil
	default:
		return nil, fmt.Errorf("unknown detection provider %q", cfg.Provider)
	}
}

// Start starts the server, coordinator janitor, and queue consumers.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := config.SeedDefaults(ctx, s.settings, s.logger); err != nil {
		s.setNotRunning()
		return fmt.Errorf("seeding default settings: %w", err)
	}

	// Workers get their own cancellation scope so an HTTP failure tears
	// them down too.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.uploads.Run(workCtx)
	}()
	go func() {
		defer wg.Done()
		s.consumer.Start(workCtx)
	}()

	// Services become visible to handlers only once workers are up;
	// requireInit gates on this.
	s.mu.Lock()
	s.services = &svcctx.Services{
		Store:        s.store,
		Broker:       s.broker,
		Uploads:      s.uploads,
		Detector:     s.detector,
		Events:       s.eventLog,
		ConfigMgr:    s.configMgr,
		SettingStore: s.settings,
		Downloads:    s.downloads,
		Logger:       s.logger,
		Home:         s.homeDir,
	}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			cancelWork()
			wg.Wait()
			s.setNotRunning()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	err := s.shutdown()
	cancelWork()
	wg.Wait()
	s.broker.Close()
	s.setNotRunning()
	s.logger.Info("server stopped")
	return err
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Store returns the object store.
func (s *Server) Store() storage.Store {
	return s.store
}

// Broker returns the tile job broker.
func (s *Server) Broker() *queue.Broker {
	return s.broker
}

// Uploads returns the coordinator registry.
func (s *Server) Uploads() *coordinator.Registry {
	return s.uploads
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.mu.RLock()
		services := s.services
		s.mu.RUnlock()
		if services != nil {
			ctx = svcctx.WithServices(ctx, services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable until workers and services are ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		ready := s.services != nil
		s.mu.RUnlock()
		if !ready {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
