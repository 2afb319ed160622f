package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/nexus-realtime/internal/call"
	"github.com/Tyrowin/nexus-realtime/internal/calllog"
	"github.com/Tyrowin/nexus-realtime/internal/config"
	"github.com/Tyrowin/nexus-realtime/internal/database"
	"github.com/Tyrowin/nexus-realtime/internal/delivery"
	"github.com/Tyrowin/nexus-realtime/internal/directory"
	"github.com/Tyrowin/nexus-realtime/internal/dispatch"
	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/presence"
	"github.com/Tyrowin/nexus-realtime/internal/server"
	"github.com/Tyrowin/nexus-realtime/internal/session"
	"github.com/Tyrowin/nexus-realtime/internal/telemetry"
	"github.com/Tyrowin/nexus-realtime/internal/typing"
	"github.com/Tyrowin/nexus-realtime/internal/workpool"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Realtime server stopped", "error", err)
	}
	log.Info("Realtime server stopped")
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *telemetry.Metrics
	if cfg.OTelEnabled {
		shutdownTelemetry, err := telemetry.Init(ctx, cfg.ServiceName)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				log.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
		if metrics, err = telemetry.NewMetrics(otel.Meter(cfg.ServiceName)); err != nil {
			return err
		}
	}

	db, err := database.Open(cfg.Storage.DBDriver, cfg.Storage.DBDSN, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Warn("Database close failed", "error", err)
		}
	}()
	models := append(directory.Models(), calllog.Models()...)
	if err := database.Migrate(db, models...); err != nil {
		return err
	}

	pool := workpool.New(log, cfg.Workers, cfg.QueueSize)
	defer func() {
		if err := pool.Close(shutdownTimeout); err != nil {
			log.Warn("Work pool did not drain", "error", err)
		}
	}()

	var dir directory.Directory = directory.NewStore(db)
	var dirCache *directory.Cache
	var rdb redis.UniversalClient
	if cfg.Storage.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unavailable; caches will fall back to the database", "addr", cfg.Storage.RedisAddr, "error", err)
		}
		dirCache = directory.NewCache(dir, rdb, cfg.Storage.DirectoryTTL, log)
		dir = dirCache
	}

	clk := clock.New()
	registry := session.NewRegistry()

	// The hub is created after the dispatcher that it feeds, so local
	// deliveries go through a late-bound reference.
	var hub *server.Hub
	local := delivery.Func(func(ctx context.Context, target delivery.Target, env delivery.Envelope) error {
		return hub.Deliver(ctx, target, env)
	})

	var deliverer delivery.Deliverer = local
	var nc *nats.Conn
	if cfg.Messaging.DeliveryMode != config.DeliveryLocal {
		if nc, err = delivery.Connect(cfg.Messaging.NATSURL, cfg.ServiceName, log); err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		publisher := delivery.NewNATSPublisher(nc, cfg.Messaging.SubjectPrefix)
		if cfg.Messaging.DeliveryMode == config.DeliveryBoth {
			deliverer = delivery.Fanout{local, publisher}
		} else {
			deliverer = publisher
		}
	}

	tracker := presence.NewTracker(presence.Options{
		AwayTimeout: cfg.Presence.AwayTimeout,
		Retention:   cfg.Presence.Retention,
		Clock:       clk,
		Metrics:     metrics,
		Logger:      log,
	})
	defer tracker.Stop()
	tracker.Subscribe(presence.NewBroadcaster(dir, registry, deliverer, pool, metrics, log))
	if rdb != nil {
		tracker.Subscribe(presence.NewRedisMirror(rdb, pool, cfg.Presence.Retention, log))
	}

	reaper, err := presence.NewReaper(tracker, cfg.Presence.ReapSchedule, clk, log)
	if err != nil {
		return err
	}
	reaper.Start()
	defer reaper.Stop()

	calls := call.NewCoordinator(call.Options{
		Sessions:  registry,
		Deliverer: deliverer,
		Recorder:  calllog.NewAsyncRecorder(calllog.NewStore(db), pool, log),
		Profiles:  dir,
		Clock:     clk,
		Metrics:   metrics,
		Logger:    log,
	})
	ringTimeout := call.NewRingTimeout(calls, cfg.RingTimeout, clk, log)
	defer ringTimeout.Stop()
	calls.Observe(ringTimeout)

	throttle := typing.NewThrottle(cfg.TypingInterval, clk)

	dispatcher := dispatch.New(dispatch.Options{
		Registry:  registry,
		Tracker:   tracker,
		Calls:     calls,
		Directory: dir,
		Throttle:  throttle,
		Deliverer: deliverer,
		Metrics:   metrics,
		Logger:    log,
	})

	hub = server.NewHub(dispatcher, log)

	var resolver identity.Resolver = identity.HeaderResolver{}
	if cfg.Identity.Mode == config.IdentityJWT {
		if cfg.Identity.JWTSecret == "" {
			return errors.New("JWT_SECRET is required when IDENTITY_MODE=jwt")
		}
		resolver = identity.JWTResolver{Secret: []byte(cfg.Identity.JWTSecret)}
	}

	srv := server.NewServer(cfg.Server, hub, resolver, log)
	httpServer := server.CreateServer(cfg.Server.Port, srv.SetupRoutes())

	if nc != nil {
		subscriber := delivery.NewNATSSubscriber(nc, cfg.Messaging.SubjectPrefix, dispatcher, deliverer, log)
		if err := subscriber.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := subscriber.Stop(); err != nil {
				log.Warn("NATS subscriber drain failed", "error", err)
			}
		}()
	}

	if nc != nil && dirCache != nil {
		membership, err := directory.ListenMembershipChanges(ctx, nc, cfg.Messaging.SubjectPrefix, dirCache, log)
		if err != nil {
			return err
		}
		defer func() { _ = membership.Drain() }()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})
	log.Info("Hub started and ready to manage WebSocket connections")

	g.Go(func() error {
		return server.StartServer(httpServer, log)
	})

	g.Go(func() error {
		ticker := clk.Ticker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := throttle.Prune(time.Minute); n > 0 {
					log.Debug("Pruned idle typing throttle keys", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")
		err := server.ShutdownServer(httpServer, shutdownTimeout, log)
		if hubErr := hub.Shutdown(shutdownTimeout); hubErr != nil {
			log.Warn("Hub shutdown incomplete", "error", hubErr)
		}
		return err
	})

	return g.Wait()
}
