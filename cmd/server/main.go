// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the tokenrouter server. It wires
// the semantic cache, prompt compressor, local and free-tier providers into
// the routing core and serves the HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/tokenrouter/internal/api"
	"github.com/traylinx/tokenrouter/internal/buildinfo"
	"github.com/traylinx/tokenrouter/internal/cache"
	"github.com/traylinx/tokenrouter/internal/compress"
	"github.com/traylinx/tokenrouter/internal/config"
	"github.com/traylinx/tokenrouter/internal/embedding"
	"github.com/traylinx/tokenrouter/internal/freetier"
	"github.com/traylinx/tokenrouter/internal/local"
	"github.com/traylinx/tokenrouter/internal/logging"
	"github.com/traylinx/tokenrouter/internal/router"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tokenrouter %s (%s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// Provider API keys commonly live in a .env next to the binary.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logging.SetDebug(cfg.Debug)

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		log.Fatalf("failed to prepare state directory: %v", err)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, filepath.Join(stateDir, "logs")); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	semanticCache := buildCache(cfg, stateDir)

	var localProvider *local.OllamaProvider
	if cfg.Local.Enabled {
		localProvider = local.NewOllamaProvider(cfg.Local.BaseURL, cfg.Local.Model,
			time.Duration(cfg.Local.TimeoutSeconds)*time.Second)
	}

	quota, err := freetier.NewQuotaTracker(filepath.Join(stateDir, "quotas.json"), cfg.FreeTier.Priority, nil)
	if err != nil {
		log.Fatalf("failed to initialize quota tracker: %v", err)
	}
	rotator := freetier.NewRotator(cfg.FreeTier.Priority, quota, cfg, 0)

	var compressor router.PromptCompressor
	if cfg.Routing.CompressionEnabled {
		c, err := compress.New()
		if err != nil {
			log.Warnf("prompt compression disabled: %v", err)
		} else {
			compressor = c
		}
	}

	var routerCache router.Cache
	if semanticCache != nil {
		routerCache = semanticCache
	}
	var routerLocal router.LocalProvider
	if localProvider != nil {
		routerLocal = localProvider
	}
	rt := router.New(routerCache, routerLocal, rotator, compressor, cfg.Routing, cfg.Local.FallbackAllowed)

	// Hot-reload cache tunables on config file changes.
	if *configPath != "" && semanticCache != nil {
		watcher := config.NewWatcher(*configPath, func(next *config.Config) {
			semanticCache.SetThreshold(next.Cache.Threshold)
			semanticCache.SetTTL(time.Duration(next.Cache.TTLSeconds) * time.Second)
		})
		if err := watcher.Start(); err != nil {
			log.Warnf("config hot reload unavailable: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	server := api.NewServer(rt, semanticCache, rotator, cfg.Routing)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	go func() {
		log.Infof("tokenrouter %s listening on %s", buildinfo.Version, addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warnf("shutdown incomplete: %v", err)
	}
}

// buildCache assembles the semantic cache. The cache is an optimization
// layer: any failure here logs a warning and disables caching instead of
// aborting startup.
func buildCache(cfg *config.Config, stateDir string) *cache.SemanticCache {
	if !cfg.Cache.Enabled {
		return nil
	}

	if cfg.Embedding.ModelPath == "" {
		log.Warn("semantic cache disabled: no embedding model configured")
		return nil
	}
	engine, err := embedding.NewEngine(cfg.Embedding.ModelPath, cfg.Embedding.VocabPath)
	if err != nil {
		log.Warnf("semantic cache disabled: %v", err)
		return nil
	}
	if err := engine.Initialize(cfg.Embedding.SharedLibraryPath); err != nil {
		log.Warnf("semantic cache disabled: %v", err)
		return nil
	}

	store, err := cache.OpenStore(filepath.Join(stateDir, "cache.db"))
	if err != nil {
		log.Warnf("semantic cache disabled: %v", err)
		return nil
	}

	sc, err := cache.NewSemanticCache(store, engine, cache.Options{
		Threshold:     cfg.Cache.Threshold,
		TTL:           time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		MaxSize:       cfg.Cache.MaxSize,
		SweepInterval: cfg.Cache.SweepInterval,
	})
	if err != nil {
		log.Warnf("semantic cache disabled: %v", err)
		return nil
	}
	return sc
}
