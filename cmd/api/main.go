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

	"theoryboard/api/internal/app"
	"theoryboard/api/internal/archive"
	"theoryboard/api/internal/config"
	"theoryboard/api/internal/identity"
	"theoryboard/api/internal/search"
	"theoryboard/api/internal/store"
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

	var cache *identity.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err = identity.NewCache(cfg.RedisURL, cfg.IdentityCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		log.Printf("identity cache enabled")
	}
	resolver := identity.NewResolver(dataStore, cache, cfg.AdminEmails)

	pgSearch := search.NewPgLike(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)

	var archiveService *archive.Service
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		uploader, err := archive.NewMinioUploader(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey,
			cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			log.Fatalf("archive storage failed: %v", err)
		}
		if err := uploader.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: archive bucket check failed: %v", err)
		}
		archiveService = archive.New(dataStore, uploader)
	}

	var service *app.Service
	if archiveService != nil {
		service = app.New(cfg, dataStore, resolver, searchService, archiveService)
	} else {
		service = app.New(cfg, dataStore, resolver, searchService, nil)
	}
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
		log.Printf("Theoryboard API listening on %s", cfg.Addr)
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
