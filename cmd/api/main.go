package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmco/mcf/internal/app"
	"github.com/lmco/mcf/internal/artifacts"
	"github.com/lmco/mcf/internal/config"
	"github.com/lmco/mcf/internal/search"
	"github.com/lmco/mcf/internal/session"
	"github.com/lmco/mcf/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		searchService.ReindexAllFromPG(ctx)
	}

	sessionStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessionStore.Close()

	var blobStorage artifacts.Storage
	switch cfg.Artifacts.Strategy {
	case "minio":
		blobStorage, err = artifacts.NewMinioStorage(ctx,
			cfg.Artifacts.MinioEndpoint,
			cfg.Artifacts.MinioAccessKey,
			cfg.Artifacts.MinioSecretKey,
			cfg.Artifacts.MinioBucket,
			cfg.Artifacts.MinioSSL,
		)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
	case "local":
		blobStorage, err = artifacts.NewLocalStorage(cfg.Artifacts.LocalDir)
		if err != nil {
			log.Fatalf("artifact storage init failed: %v", err)
		}
	default:
		log.Fatalf("unknown artifact strategy %q", cfg.Artifacts.Strategy)
	}

	service := app.New(cfg, dataStore, sessionStore, searchService, blobStorage)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("MCF API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
