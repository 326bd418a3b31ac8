package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/config"
	"github.com/iliyamo/screening-reservations/internal/database"
	"github.com/iliyamo/screening-reservations/internal/handler"
	"github.com/iliyamo/screening-reservations/internal/model"
	"github.com/iliyamo/screening-reservations/internal/queue"
	"github.com/iliyamo/screening-reservations/internal/repository"
	"github.com/iliyamo/screening-reservations/internal/router"
	"github.com/iliyamo/screening-reservations/internal/scheduler"
	"github.com/iliyamo/screening-reservations/internal/service"
)

type stores struct {
	catalog repository.ScreeningCatalog
	seats   repository.SeatMapStore
	ledger  repository.BookingLedger
	tasks   repository.TaskStore
	pingers map[string]handler.Pinger
	close   func()
}

func main() {
	cfg := config.Load() // Load environment config
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("storage init failed")
	}
	defer st.close()

	var notifier service.Notifier = service.LogNotifier{Log: log}
	if cfg.Notify.Driver == "rabbitmq" {
		pub := service.NewRabbitPublisher(cfg.Notify.URL, log)
		defer func() { _ = pub.Close() }()
		notifier = pub
	}

	sched := scheduler.New(st.tasks,
		scheduler.WithLogger(log),
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduler.WithLease(cfg.Scheduler.Lease),
		scheduler.WithRetryBackoff(cfg.Scheduler.RetryBackoff, cfg.Scheduler.MaxBackoff),
	)
	engine := service.NewEngine(st.catalog, st.seats, st.ledger, sched, notifier,
		service.WithHoldDuration(cfg.HoldDuration),
		service.WithLogger(log),
	)
	sched.Handle(model.TaskHoldExpiry, engine.HandleHoldExpiry)

	if cfg.Reminder.Enabled {
		sweeper := service.NewReminderSweeper(st.catalog, st.ledger, sched, notifier, nil, log, cfg.Reminder.Lookahead, cfg.Reminder.Window)
		sched.Handle(model.TaskShowReminder, sweeper.Handle)
		if err := sweeper.Ensure(ctx); err != nil {
			log.WithError(err).Error("reminder: initial schedule failed")
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sched.Run(ctx)
	}()
	if cfg.Notify.ConsumerEnabled && cfg.Notify.Driver == "rabbitmq" {
		consumer := queue.NewConsumer(cfg.Notify.URL, cfg.Notify.LogDir, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("booking-consumer: stopped")
			}
		}()
	}

	rdb := config.NewRedisClient(config.LoadRedisConfig())
	if rdb == nil {
		log.Warn("redis unavailable: caching and rate limiting disabled")
	} else {
		defer func() { _ = rdb.Close() }()
	}

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(requestLogger(log))
	router.RegisterRoutes(e, router.Deps{
		Bookings:   handler.NewBookingHandler(engine, log),
		Screenings: handler.NewScreeningHandler(engine, log),
		Payments:   handler.NewPaymentHandler(engine, cfg.PaymentWebhookSecret, log),
		Pingers:    st.pingers,
		JWTSecret:  cfg.JWTSecret,
		Redis:      rdb,
		Cache:      config.LoadCacheConfig(),
		RateLimit:  config.LoadRateLimitConfig(),
		Log:        log,
	})

	addr := ":" + cfg.Port
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env, "store": cfg.StoreDriver}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	wg.Wait()
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func openStores(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*stores, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("memory store: bookings and tasks are lost on restart")
		scr := repository.NewMemoryScreeningStore()
		return &stores{
			catalog: scr,
			seats:   scr,
			ledger:  repository.NewMemoryBookingLedger(),
			tasks:   repository.NewMemoryTaskStore(),
			pingers: map[string]handler.Pinger{},
			close:   func() {},
		}, nil
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, err
	}
	if cfg.DBMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("database schema ready")
	}
	scr := repository.NewScreeningRepo(db)
	return &stores{
		catalog: scr,
		seats:   scr,
		ledger:  repository.NewBookingRepo(db),
		tasks:   repository.NewTaskRepo(db),
		pingers: map[string]handler.Pinger{"mysql": scr.DB().PingContext},
		close:   func() { _ = db.Close() },
	}, nil
}

func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:     true,
		LogURI:        true,
		LogStatus:     true,
		LogLatency:    true,
		LogRemoteIP:   true,
		LogError:      true,
		HandleError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":    v.Method,
				"uri":       v.URI,
				"status":    v.Status,
				"latency":   v.Latency.String(),
				"remote_ip": v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request")
				return nil
			}
			entry.Info("request")
			return nil
		},
	})
}
