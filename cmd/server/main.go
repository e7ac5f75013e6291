package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	segmentio "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	httpHandlers "github.com/reybrally/school-events/internal/adapters/http/handlers"
	kaf "github.com/reybrally/school-events/internal/adapters/kafka"
	redisBridge "github.com/reybrally/school-events/internal/adapters/redis"
	repoPkg "github.com/reybrally/school-events/internal/adapters/repo"
	"github.com/reybrally/school-events/internal/app/events"
	"github.com/reybrally/school-events/internal/config"
	"github.com/reybrally/school-events/internal/dispatch"
	"github.com/reybrally/school-events/internal/fanout"
	"github.com/reybrally/school-events/internal/logging"
	svcPkg "github.com/reybrally/school-events/internal/services"
	"github.com/reybrally/school-events/internal/subscription"
	"github.com/reybrally/school-events/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.InitLogger(cfg.App.LogLevel)
	logging.LogInfo("starting school-events", logrus.Fields{
		"pid":            os.Getpid(),
		"port":           cfg.HTTP.Port,
		"fanout_backend": cfg.App.FanoutBackend,
		"emit_mode":      cfg.App.EmitMode,
		"run_consumer":   cfg.App.RunConsumer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	topics := cfg.Kafka.Topics()
	pub := kaf.NewPublisher(kaf.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		ClientID:     cfg.Kafka.ClientID,
		RequiredAcks: segmentio.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  cfg.Kafka.MaxAttempts,
		RetryBackoff: cfg.Kafka.RetryBackoff,
		WriteTimeout: cfg.Kafka.WriteTimeout,
		DialTimeout:  cfg.Kafka.DialTimeout,
	})
	defer func() {
		if err := pub.Disconnect(); err != nil {
			logging.LogError("kafka publisher close failed", err, logrus.Fields{})
		}
	}()

	overflow, err := fanout.ParseOverflow(cfg.Fanout.Overflow)
	if err != nil {
		log.Fatalf("fanout: %v", err)
	}
	engine := fanout.New(fanout.Options{MaxPending: cfg.Fanout.MaxPending, Overflow: overflow})
	defer engine.Close()

	checks := []httpHandlers.ReadinessCheck{{
		Name:  "kafka",
		Check: func(ctx context.Context) error { return kaf.DialProbe(cfg.Kafka.ClientID, cfg.Kafka.DialTimeout)(ctx, cfg.Kafka.Brokers) },
	}}

	// notifications go straight to the engine, or through redis so every replica sees them
	var notifySink dispatch.Sink = engine
	var relay *redisBridge.Relay
	if cfg.App.FanoutBackend == config.FanoutRedis {
		rdb := redisBridge.NewClient(redisBridge.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		notifySink = redisBridge.NewPublisher(rdb)
		relay = redisBridge.NewRelay(rdb, engine)
		checks = append(checks, redisCheck(rdb))
		logging.LogInfo("redis fan-out enabled", logrus.Fields{"addr": cfg.Redis.Addr})
	}

	var consumer *kaf.Consumer
	if cfg.App.RunConsumer {
		consumer = kaf.NewConsumer(kaf.ConsumerConfig{
			Brokers:           cfg.Kafka.Brokers,
			ClientID:          cfg.Kafka.ClientID,
			GroupID:           cfg.Kafka.GroupID,
			Topics:            topics.All(),
			StartOffset:       cfg.Kafka.StartOffsetValue(),
			MinBytes:          1,
			MaxBytes:          10 << 20,
			MaxWait:           100 * time.Millisecond,
			SessionTimeout:    cfg.Kafka.SessionTimeout,
			RebalanceTimeout:  cfg.Kafka.SessionTimeout,
			HeartbeatInterval: cfg.Kafka.HeartbeatInterval,
			DialTimeout:       cfg.Kafka.DialTimeout,
			DedupWindow:       cfg.Kafka.DedupWindow,
			ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
		}, dispatch.New(notifySink))
	}

	var emitSink events.EventSink = pub
	var outboxRelay *worker.OutboxRelay
	if cfg.App.EmitMode == config.EmitOutbox {
		pool := mustPG(ctx, cfg)
		defer pool.Close()
		outbox := repoPkg.NewOutboxRepo(pool)
		emitSink = outbox
		outboxRelay = worker.NewOutboxRelay(outbox, pub, worker.RelayConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			SendTimeout:  cfg.Outbox.SendTimeout,
			StaleAfter:   cfg.Outbox.StaleAfter,
		})
		checks = append(checks, httpHandlers.ReadinessCheck{Name: "db", Check: outbox.Ping})
	}

	emitter := events.NewEmitter(emitSink, topics)
	subs := svcPkg.NewSubscriptionService(subscription.NewMultiplexer(engine))
	opts := []httpHandlers.Option{httpHandlers.WithReadinessChecks(checks...)}
	if cfg.Auth.JWTSecret != "" {
		opts = append(opts, httpHandlers.WithAuthorizer(httpHandlers.NewJWTAuthorizer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)))
	} else {
		logging.LogWarn("AUTH_JWT_SECRET is empty, subscriptions are not authorized", logrus.Fields{})
	}
	h := httpHandlers.NewHandlers(emitter, subs, opts...)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      httpHandlers.NewRouter(h, promhttp.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if consumer != nil {
		g.Go(func() error { return consumer.Start(gctx) })
	}
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	if outboxRelay != nil {
		g.Go(func() error { return outboxRelay.Run(gctx) })
	}
	g.Go(func() error {
		logging.LogInfo("http server listening", logrus.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.LogInfo("shutdown started", logrus.Fields{"cause": context.Cause(gctx).Error()})

		if consumer != nil {
			if err := consumer.Disconnect(); err != nil {
				logging.LogError("kafka consumer close failed", err, logrus.Fields{})
			}
		}
		// ends every open stream, so Shutdown does not wait on them
		engine.Close()

		shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logging.LogError("http server shutdown failed", err, logrus.Fields{})
			return err
		}
		logging.LogInfo("http server shutdown complete", logrus.Fields{})
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.LogError("school-events stopped with error", err, logrus.Fields{})
		os.Exit(1)
	}
	logging.LogInfo("bye", logrus.Fields{})
}

func mustPG(ctx context.Context, cfg config.Config) *pgxpool.Pool {
	fields := logrus.Fields{"source": "DATABASE_URL"}
	if cfg.DB.URL == "" {
		fields = logrus.Fields{
			"source":  "env/defaults",
			"host":    cfg.DB.Host,
			"port":    cfg.DB.Port,
			"db_name": cfg.DB.Name,
			"user":    cfg.DB.User,
			"sslmode": cfg.DB.SSLMode,
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		logging.LogError("pgxpool.New failed", err, fields)
		os.Exit(1)
	}
	logging.LogInfo("pgx pool created", fields)
	return pool
}

func redisCheck(rdb goredis.UniversalClient) httpHandlers.ReadinessCheck {
	return httpHandlers.ReadinessCheck{
		Name:  "redis",
		Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}
