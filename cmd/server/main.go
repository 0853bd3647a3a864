package main // Entry point package

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/skillshare-booking/internal/config"
	"github.com/iliyamo/skillshare-booking/internal/database"
	"github.com/iliyamo/skillshare-booking/internal/handler"
	"github.com/iliyamo/skillshare-booking/internal/middleware"
	"github.com/iliyamo/skillshare-booking/internal/queue"
	"github.com/iliyamo/skillshare-booking/internal/repository"
	"github.com/iliyamo/skillshare-booking/internal/router"
	"github.com/iliyamo/skillshare-booking/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file loaded", "err", err)
	}
	cfg := config.Load() // Load environment config

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		Driver:     cfg.DBDriver,
		User:       cfg.DBUser,
		Pass:       cfg.DBPass,
		Host:       cfg.DBHost,
		Port:       cfg.DBPort,
		Name:       cfg.DBName,
		SSLMode:    cfg.DBSSLMode,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("migrate", "err", err)
		os.Exit(1)
	}

	sessions := repository.NewSessionRepo(db)
	bookings := repository.NewBookingRepo(db)
	ratings := repository.NewRatingRepo(db)

	var publisher service.EventPublisher = service.NopPublisher{}
	if cfg.Events.Enabled {
		amqpPub := service.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Queue, cfg.Events.Buffer, logger)
		defer amqpPub.Close()
		publisher = amqpPub
	}

	coord := service.NewCoordinator(db, sessions, bookings, cfg.Booking, publisher, logger)
	gate := service.NewEligibilityGate(db, sessions, bookings, ratings, cfg.Booking, time.Now, logger)

	if cfg.Booking.SweepSpec != "" {
		sweeper := service.NewCompletionSweeper(coord, sessions, cfg.Booking.SweepBatch, logger)
		stopSweep, err := sweeper.Start(cfg.Booking.SweepSpec)
		if err != nil {
			logger.Error("start completion sweeper", "spec", cfg.Booking.SweepSpec, "err", err)
			os.Exit(1)
		}
		defer stopSweep()
	}

	if cfg.Events.Enabled && cfg.Events.ConsumerEnabled {
		consumer := &queue.Consumer{URL: cfg.Events.URL, Queue: cfg.Events.Queue, LogDir: cfg.Events.LogDir, Logger: logger}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("booking consumer stopped", "err", err)
			}
		}()
	}

	// Redis is optional; without it the limiter passes everything through.
	rdb := config.NewRedisClient(logger)
	if rdb == nil {
		logger.Warn("redis unavailable; rate limiting disabled")
	} else {
		defer rdb.Close()
	}
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "err", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))

	router.RegisterRoutes(e, db)
	router.RegisterBooking(e, router.Handlers{
		Bookings: handler.NewBookingHandler(coord, sessions, bookings),
		Sessions: handler.NewSessionHandler(coord, sessions, bookings),
		Ratings:  handler.NewRatingHandler(gate, ratings),
	}, cfg.JWTSecret, limiter)

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", "addr", addr, "env", cfg.Env, "db", cfg.DBDriver)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
