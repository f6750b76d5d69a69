package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eduardmaghakyan/hitbox/internal/cacheadapter"
	"github.com/eduardmaghakyan/hitbox/internal/config"
	"github.com/eduardmaghakyan/hitbox/internal/embedding"
	"github.com/eduardmaghakyan/hitbox/internal/pipeline"
	"github.com/eduardmaghakyan/hitbox/internal/provider"
	"github.com/eduardmaghakyan/hitbox/internal/qdrant"
	"github.com/eduardmaghakyan/hitbox/internal/server"
	"github.com/eduardmaghakyan/hitbox/internal/tokenizer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if os.Getenv("HITBOX_PPROF") == "1" {
		go func() {
			logger.Info("pprof enabled on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				logger.Error("pprof server error", "error", err)
			}
		}()
	}

	configPath := "config/config.yaml"
	if p := os.Getenv("HITBOX_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	counter := tokenizer.NewCounter()
	registry := provider.NewRegistry()

	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			p := provider.NewOpenAICompat(pc.Name, pc.BaseURL, pc.APIKey, pc.Models)
			registry.Register(p)
			logger.Info("registered provider", "name", pc.Name, "models", pc.Models)
		case "anthropic":
			p := provider.NewAnthropic(pc.Name, pc.BaseURL, pc.APIKey, pc.Models)
			registry.Register(p)
			logger.Info("registered provider", "name", pc.Name, "models", pc.Models)
		case "google":
			p := provider.NewGoogle(pc.Name, pc.BaseURL, pc.APIKey, pc.Models)
			registry.Register(p)
			logger.Info("registered provider", "name", pc.Name, "models", pc.Models)
		default:
			logger.Warn("unknown provider type, skipping", "type", pc.Type, "name", pc.Name)
		}
	}
	registry.Freeze()

	dispatch := pipeline.NewDispatchStage(registry, counter)
	streamPipe, err := pipeline.New(dispatch)
	if err != nil {
		logger.Error("failed to create streaming pipeline", "error", err)
		os.Exit(1)
	}

	// Streaming requests never reach the cache FSM (cacheadapter.NonStreaming),
	// so dispatch is driven two ways: directly as streamPipe's only stage, and
	// wrapped as the cache's hitbox.Upstream for non-streaming requests below.

	var deps cacheadapter.Deps
	var qdrantClient *qdrant.Client
	if cfg.Cache.Semantic.Enabled {
		embClient := embedding.NewClient(
			cfg.Cache.Semantic.EmbeddingURL,
			cfg.Cache.Semantic.EmbeddingKey,
			cfg.Cache.Semantic.EmbeddingModel,
		)
		qdrantClient = qdrant.NewClient(
			cfg.Cache.Semantic.QdrantURL,
			cfg.Cache.Semantic.QdrantAPIKey,
			cfg.Cache.Semantic.QdrantCollection,
		)

		// Best-effort collection creation — warn on failure, don't abort;
		// the semantic tier's Read degrades to Miss on a search error anyway.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := qdrantClient.EnsureCollection(ctx, 1536); err != nil {
			logger.Warn("failed to ensure qdrant collection, semantic tier will fail open to miss", "error", err)
		}
		cancel()

		deps = cacheadapter.Deps{Embedder: embClient, Vectors: qdrantClient}
		logger.Info("semantic cache tier configured",
			"threshold", cfg.Cache.Semantic.Threshold,
			"qdrant_url", cfg.Cache.Semantic.QdrantURL,
			"embedding_model", cfg.Cache.Semantic.EmbeddingModel,
		)
	}

	promRegistry := prometheus.NewRegistry()
	cache, err := cacheadapter.Build(cfg.Cache, dispatch, deps, logger, promRegistry)
	if err != nil {
		logger.Error("failed to build cache", "error", err)
		os.Exit(1)
	}
	logger.Info("cache configured",
		"policy_enabled", cfg.Cache.Policy.Enabled,
		"l1", cfg.Cache.Composition.L1.Type,
		"l2", cfg.Cache.Composition.L2.Type,
		"stale_policy", cfg.Cache.Policy.StalePolicy,
	)

	handler := server.NewHandler(cache, streamPipe, counter, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /admin/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		if qdrantClient != nil {
			ctx := r.Context()
			if err := qdrantClient.DeleteCollection(ctx); err != nil {
				logger.Error("failed to delete qdrant collection", "error", err)
				http.Error(w, "failed to delete qdrant collection", http.StatusInternalServerError)
				return
			}
			if err := qdrantClient.EnsureCollection(ctx, 1536); err != nil {
				logger.Error("failed to recreate qdrant collection", "error", err)
				http.Error(w, "failed to recreate qdrant collection", http.StatusInternalServerError)
				return
			}
		}
		logger.Info("cache cleared via admin endpoint")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	wrapped := server.Chain(mux,
		server.RequestID,
		server.Logger(logger),
		server.Recovery(logger),
		server.CORS,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           wrapped,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting hitbox proxy", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := cache.Shutdown(ctx); err != nil {
		logger.Warn("offload manager did not drain before shutdown deadline", "error", err)
	}
	logger.Info("server stopped")
}
