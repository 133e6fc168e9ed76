// Package main is the entry point for the tileview server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soma-tiles/tileview/internal/api"
	"github.com/soma-tiles/tileview/internal/cache"
	"github.com/soma-tiles/tileview/internal/config"
	"github.com/soma-tiles/tileview/internal/logging"
	"github.com/soma-tiles/tileview/internal/render"
	"github.com/soma-tiles/tileview/internal/service"
	"github.com/soma-tiles/tileview/internal/source"
	"github.com/soma-tiles/tileview/internal/viewstore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.Log.Level),
	})))

	log.Printf("Starting tileview server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (frames and decoded sources)
	cacheManager, err := cache.NewManager(cache.Config{
		FrameCacheSizeMB: cfg.Cache.FrameSizeMB,
		FrameTTL:         time.Duration(cfg.Cache.FrameTTLMinutes) * time.Minute,
		SourceEntries:    cfg.Cache.SourceEntries,
		SourceSizeMB:     cfg.Cache.SourceSizeMB,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize source loader
	entries := make(map[string]source.Entry, len(cfg.Sources.Entries))
	for _, name := range cfg.Sources.Order {
		sc := cfg.Sources.Entries[name]
		entries[name] = source.Entry{Path: sc.Path, NoData: sc.NoData}
		log.Printf("  [%s] %s", name, sc.Path)
	}
	loader := source.NewLoader(source.Config{
		Entries: entries,
		Default: cfg.Sources.Default,
		Cache:   cacheManager,
	})
	log.Printf("Configured %d source(s), default: %s", len(entries), loader.Default())

	frameRenderer := render.NewFrameRenderer(render.Config{})

	// Initialize session store (SQLite persistence)
	var store *viewstore.Store
	if cfg.Store.Path != "" {
		store, err = viewstore.NewStore(cfg.Store.Path)
		if err != nil {
			log.Fatalf("Failed to initialize session store: %v", err)
		}
		defer store.Close()
		log.Printf("Session store: %s", cfg.Store.Path)
	}

	views := service.NewViewService(service.ViewServiceConfig{
		Loader:          loader,
		Cache:           cacheManager,
		Renderer:        frameRenderer,
		Store:           store,
		TileSize:        cfg.Render.TileSize,
		Increment:       cfg.Render.Increment,
		Preview:         cfg.Render.Preview,
		Immediate:       cfg.Render.Immediate,
		CancelTimeout:   cfg.Render.CancelTimeout(),
		MinScale:        cfg.Render.MinScale,
		MaxScale:        cfg.Render.MaxScale,
		DefaultColormap: cfg.Render.DefaultColormap,
		MaxViews:        cfg.Render.MaxViews,
	})
	views.Start()
	defer views.Close()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Views:       views,
		Catalog:     api.NewSourceCatalog(views, cfg.Sources.Order...),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
