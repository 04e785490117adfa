package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"petechoes/internal/app"
	"petechoes/internal/config"
	"petechoes/internal/ratelimit"
	"petechoes/internal/server"
	"petechoes/internal/util"
	"petechoes/pkg/bfl"
	"petechoes/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	imageStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var clientOpts []bfl.Option
	if cfg.BFLBaseURL != "" {
		clientOpts = append(clientOpts, bfl.WithBaseURL(cfg.BFLBaseURL))
	}
	generator, err := bfl.NewClient(cfg.BFLAPIKey, clientOpts...)
	if err != nil {
		log.Fatalf("failed to init generation client: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxy cidrs: %v", err)
	}

	var uploadLimiter *ratelimit.FixedWindowLimiter
	if cfg.UploadRateLimitPerMinute > 0 {
		uploadLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr,
			cfg.RedisPassword,
			"petechoes:ratelimit:upload",
			cfg.UploadRateLimitPerMinute,
			time.Minute,
		)
		if err != nil {
			log.Fatalf("failed to init upload rate limiter: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:           imageStore,
		Generator:       generator,
		PublicURL:       cfg.PublicURL,
		PollInterval:    time.Duration(cfg.PollIntervalSeconds) * time.Second,
		MaxPollAttempts: cfg.MaxPollAttempts,
		MaxConcurrent:   cfg.MaxConcurrentGenerations,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		MaxUploadBytes: cfg.MaxUploadBytes,
		UploadLimiter:  uploadLimiter,
		TrustedProxies: trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("petechoes server listening", "addr", addr, "public_url", cfg.PublicURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
