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

	"couponverse/api/internal/app"
	"couponverse/api/internal/authpw"
	"couponverse/api/internal/chat"
	"couponverse/api/internal/config"
	"couponverse/api/internal/media"
	"couponverse/api/internal/ml"
	"couponverse/api/internal/search"
	"couponverse/api/internal/session"
	"couponverse/api/internal/store"
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

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	fanout, err := chat.NewFanout(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis pub/sub connection failed: %v", err)
	}
	defer fanout.Close()

	mlClient := ml.NewClient(cfg.MLModelsURL, cfg.MLTimeout)

	var extractor *ml.Extractor
	if strings.TrimSpace(cfg.AIAPIKey) != "" {
		extractor = ml.NewExtractor(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel)
	} else {
		log.Printf("coupon parsing disabled: no AI API key configured")
	}

	pg := search.NewPG(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pg)

	var mediaService *media.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		mediaService, err = media.New(ctx, media.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
	} else {
		log.Printf("picture storage disabled: no MinIO endpoint configured")
	}

	passwords := authpw.NewService(dataStore, cfg.EmbeddingDim)

	var service *app.Service
	if extractor != nil {
		service = app.New(cfg, dataStore, sessions, passwords, mlClient, extractor, fanout, searchService, mediaService)
	} else {
		service = app.New(cfg, dataStore, sessions, passwords, mlClient, nil, fanout, searchService, mediaService)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: the events stream holds its response open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("CouponVerse API listening on %s", cfg.Addr)
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
