package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lexmarket/internal/config"
	"lexmarket/internal/jobstore"
	"lexmarket/internal/notify"
	"lexmarket/internal/payment"
	"lexmarket/internal/scheduler"
	"lexmarket/internal/telemetry"
	"lexmarket/internal/users"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

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

	dispatcher := scheduler.NewDispatcher(store, cfg.DispatchInterval, cfg.DispatchBatchSize, log)
	dispatcher.Register(scheduler.KindEmail, scheduler.NewEmailHandler(emailer))
	dispatcher.Register(scheduler.KindWebPush, scheduler.NewWebPushHandler(notifier))
	dispatcher.Register(scheduler.KindPaymentRelease, scheduler.NewPaymentReleaseHandler(payments))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Dur("interval", cfg.DispatchInterval).Int("batch", cfg.DispatchBatchSize).Msg("dispatcher started")
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("dispatcher stopped")
	}
}
