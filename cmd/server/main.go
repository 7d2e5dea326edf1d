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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/game-code-market/internal/cache"
	"github.com/iliyamo/game-code-market/internal/config"
	"github.com/iliyamo/game-code-market/internal/database"
	"github.com/iliyamo/game-code-market/internal/handler"
	"github.com/iliyamo/game-code-market/internal/middleware"
	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/queue"
	"github.com/iliyamo/game-code-market/internal/repository"
	"github.com/iliyamo/game-code-market/internal/router"
	"github.com/iliyamo/game-code-market/internal/service"
	"github.com/iliyamo/game-code-market/internal/worker"
)

func main() {
	if err := config.LoadDotEnv(); err != nil { // .env is optional
		slog.Error("dotenv", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.Load() // Load environment config
	if err != nil {
		slog.Error("config", slog.Any("error", err))
		os.Exit(1)
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg) // MySQL pool
	if err != nil {
		log.Error("database unavailable", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := config.NewRedisClient() // nil when Redis is down; everything degrades
	if rdb == nil {
		log.Warn("redis unavailable: cache, rate limit and sweep lock disabled")
	} else {
		defer rdb.Close()
	}

	proc := processor.NewGuarded(newProcessor(cfg, log), processor.NewBreaker())

	var events service.Publisher // nil interface means no broker
	if cfg.AMQP.Enabled {
		pub := queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Queue, log)
		defer pub.Close()
		events = pub
		go func() {
			audit := queue.NewAuditConsumer(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.LogDir, log)
			if err := audit.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit consumer stopped", slog.Any("error", err))
			}
		}()
	}

	// Repositories
	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	listings := repository.NewListingRepo(db)
	payments := repository.NewPaymentRepo(db)
	accounts := repository.NewAccountRepo(db)
	games := repository.NewGameRepo(db)

	// Services
	payouts := service.NewPayoutRegistry(accounts, listings, proc, cache.NewCapabilityCache(rdb, cfg.Escrow.PayoutCacheTTL), log)
	catalog := service.NewListingService(listings, payments, games, payouts, cfg.Escrow.ListingPolicy, log)
	orders := service.NewOrchestrator(listings, payments, payouts, proc, events, cfg.Escrow.FeeRate, cfg.Escrow.Currency, log)
	releaser := service.NewReleaser(listings, payments, payouts, proc, events, log)
	tracker := service.NewTracker(listings, payments, releaser, events, cfg.Escrow.VerificationWindow, cfg.Sweep.BatchSize, log)
	resolver := service.NewResolver(listings, payments, proc, tracker, releaser, payouts, events, service.ResolverConfig{
		Mode:        cfg.Escrow.Mode,
		Grace:       cfg.Escrow.PaymentGrace,
		Batch:       cfg.Sweep.BatchSize,
		Concurrency: cfg.Sweep.Concurrency,
	}, log)

	if cfg.Sweep.Enabled {
		go worker.NewSweeper(rdb, resolver, cfg.Sweep.Interval, cfg.Sweep.LockTTL, log).Run(ctx)
	}

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(requestLogger(log))
	e.Use(middleware.Metrics())
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	listingH := handler.NewListingHandler(catalog, log)
	router.RegisterRoutes(e, db)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, users, tokens, log), cfg.JWTSecret)
	router.RegisterPublic(e, listingH, handler.NewWebhookHandler(proc, resolver, log), cfg.JWTSecret,
		middleware.NewRedisCache(config.LoadCacheConfig(), rdb, log))
	router.RegisterMember(e, router.MemberHandlers{
		Listings:  listingH,
		Purchases: handler.NewPurchaseHandler(orders, resolver, tracker, catalog, log),
		Sellers:   handler.NewSellerHandler(payouts, users, cfg.PublicBaseURL, log),
	}, cfg.JWTSecret, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log))
	router.RegisterAdmin(e, handler.NewAdminHandler(resolver, log), listingH, cfg.JWTSecret)

	addr := ":" + cfg.Port // Address string with port
	go func() {
		log.Info("listening", slog.String("addr", addr), slog.String("env", cfg.Env),
			slog.String("settlement_mode", cfg.Escrow.Mode), slog.String("processor", cfg.Processor.Kind))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", slog.Any("error", err))
	}
	log.Info("stopped")
}

func newLogger(cfg config.Config) *slog.Logger {
	if cfg.DevMode() {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func newProcessor(cfg config.Config, log *slog.Logger) processor.Client {
	if cfg.Processor.Kind == "stripe" && cfg.Processor.StripeKey != "" {
		return processor.NewStripe(cfg.Processor.StripeKey, cfg.Processor.WebhookSecret, cfg.Processor.Country)
	}
	log.Warn("using sandbox payment processor; no real money moves")
	return processor.NewSandbox(cfg.Processor.WebhookSecret)
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				log.LogAttrs(c.Request().Context(), slog.LevelError, "request", attrs...)
				return nil
			}
			log.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", attrs...)
			return nil
		},
	})
}
