package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/MailerSuite/Final-sub004/internal/api"
	"github.com/MailerSuite/Final-sub004/internal/config"
	"github.com/MailerSuite/Final-sub004/internal/engine"
	"github.com/MailerSuite/Final-sub004/internal/export"
	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/parser"
	"github.com/MailerSuite/Final-sub004/internal/proxy"
	"github.com/MailerSuite/Final-sub004/internal/ratelimit"
	"github.com/MailerSuite/Final-sub004/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	createLimiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	pool := proxy.NewPool(cfg.ProxyList, cfg.ProxyCooldown)
	if pool.Size() > 0 {
		log.Printf("proxy pool: %d endpoints, cooldown %s", pool.Size(), cfg.ProxyCooldown)
	}

	var uploader export.Uploader
	if cfg.ExportS3Bucket != "" {
		uploader, err = export.NewS3Uploader(ctx, export.S3Options{
			Bucket:    cfg.ExportS3Bucket,
			Region:    cfg.ExportS3Region,
			Endpoint:  cfg.ExportS3Endpoint,
			PathStyle: cfg.ExportS3PathStyle,
		})
		if err != nil {
			log.Fatalf("s3 uploader: %v", err)
		}
	} else {
		uploader = &export.LocalUploader{BaseDir: cfg.ExportLocalDir}
	}

	orch := engine.New(engine.Opts{
		Store:   st,
		Proxies: pool,
		Parser:  parser.New(cfg.MaxBatchRecords),
		Dialer:  proxy.NewDialer(cfg.DialTimeout),
		// Per-job dispatch buckets live in Redis so the cap holds when more
		// than one API instance runs the same tenant's jobs.
		RateLimiter: func(job models.Job) ratelimit.Limiter {
			capacity := int(job.Config.RPSLimit)
			if capacity < 1 {
				capacity = 1
			}
			return ratelimit.NewTokenBucket(redisClient, capacity, job.Config.RPSLimit, time.Hour)
		},
	})

	server := api.New(orch, st, uploader, createLimiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
