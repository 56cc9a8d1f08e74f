package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"datapulse/internal/config"
	"datapulse/internal/engine"
	httpx "datapulse/internal/http"
	"datapulse/internal/input/kafka"
	"datapulse/internal/input/mock"
	"datapulse/internal/input/rabbitmq"
	"datapulse/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	cfg := config.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir, cfg.AttemptRetain)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("store")
	}

	fanout := engine.NewFanout(st, engine.FanoutConfig{
		QueueSize:    cfg.PushQueueSize,
		PingInterval: cfg.PushPingInterval,
		IdleTimeout:  cfg.PushIdleTimeout,
	})
	dispatcher := engine.NewDispatcher(st, engine.DispatcherConfig{
		Workers:          cfg.WebhookWorkers,
		QueueSize:        cfg.WebhookQueueSize,
		MaxAttempts:      cfg.WebhookMaxAttempts,
		BackoffBase:      cfg.WebhookBackoffBase,
		BackoffCap:       cfg.WebhookBackoffCap,
		Timeout:          cfg.WebhookTimeout,
		DisableThreshold: cfg.WebhookDisableThreshold,
	})
	dispatcher.Start()

	coord := engine.NewCoordinator(st, fanout, dispatcher)
	coord.Start()

	if cfg.MockEnabled {
		gen := &mock.Generator{Sink: coord}
		go gen.Run(ctx)
	}
	if cfg.KafkaEnabled {
		go func() {
			c := kafka.New(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, coord)
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("kafka consumer")
			}
		}()
	}
	if cfg.AmqpEnabled {
		go func() {
			c := rabbitmq.New(cfg.AmqpURL, cfg.AmqpQueue, coord)
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("amqp consumer")
			}
		}()
	}

	api := &httpx.API{
		Store:       st,
		Coordinator: coord,
		Resolver:    engine.NewResolver(st),
		Fanout:      fanout,
	}
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: httpx.Router(cfg, api)}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("data", cfg.DataDir).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdown)

	coord.Stop()
	dispatcher.Stop()
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("store close")
	}
}
