package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lexmarket/internal/api"
	"lexmarket/internal/auth"
	"lexmarket/internal/config"
	"lexmarket/internal/jobstore"
	"lexmarket/internal/notify"
	"lexmarket/internal/payment"
	"lexmarket/internal/ratelimit"
	"lexmarket/internal/scheduler"
	"lexmarket/internal/users"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := payment.RunMigrations(cfg.PostgresDSN); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := jobstore.New(rdb, cfg.DeadLetterKey)
	engine := scheduler.NewEngine(store, log)

	notifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.NotificationsTopic)
	defer notifier.Close()
	emailer := notify.NewKafkaEmailSender(cfg.KafkaBrokers, cfg.EmailsTopic)
	defer emailer.Close()

	payments := payment.NewService(
		payment.NewPostgresStore(pool),
		users.NewStore(pool),
		engine,
		notifier,
		emailer,
		log,
	)

	jwtSvc := auth.NewJWT(cfg.JWTSecret)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, payments, engine, store, jwtSvc, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
