package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"proxy-reseller/internal/audit"
	"proxy-reseller/internal/auth"
	"proxy-reseller/internal/catalog"
	"proxy-reseller/internal/commission"
	"proxy-reseller/internal/config"
	"proxy-reseller/internal/events"
	"proxy-reseller/internal/httpapi"
	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/order"
	"proxy-reseller/internal/plan"
	"proxy-reseller/internal/provider"
	"proxy-reseller/internal/reporting"
	"proxy-reseller/internal/store/postgres"
	"proxy-reseller/internal/wallet"
	"proxy-reseller/pkg/logger"
	"proxy-reseller/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	pool, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return err
	}
	st := postgres.New(pool)
	defer st.Close()

	var limiter httpapi.Limiter
	if cfg.Redis.Host != "" {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer func(rdb *redis.Client) { _ = rdb.Close() }(rdb)
		limiter = httpapi.NewRedisLimiter(rdb, cfg.Engine.CheckoutConcurrency, cfg.Engine.TxTimeout*2)
	} else {
		log.Warn("REDIS_HOST not set; checkout concurrency cap disabled")
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, "proxy-reseller-api")
		if err != nil {
			return err
		}
		defer nc.Drain()
		publisher = events.NewNATS(nc, cfg.NATS.SubjectPrefix)
	} else {
		log.Warn("NATS_URL not set; domain events are dropped")
	}

	var network provider.Network = provider.Disabled{}
	if cfg.Provider.BaseURL != "" {
		network = provider.NewHTTP(provider.HTTPConfig{
			BaseURL: cfg.Provider.BaseURL,
			APIKey:  cfg.Provider.APIKey,
			Timeout: cfg.Provider.Timeout,
		})
	}

	calc, err := commission.NewCalculator(cfg.Engine.DefaultCommissionRate)
	if err != nil {
		return err
	}
	alloc := inventory.NewAllocator(st, network, log)
	orders := order.NewService(order.Deps{
		Store:      st,
		Catalog:    catalog.NewService(),
		Wallet:     wallet.NewService(cfg.Engine.Currency),
		Allocator:  alloc,
		Plans:      plan.NewManager(alloc),
		Commission: calc,
		Events:     publisher,
		Audit:      audit.NewService(postgres.NewAuditRepo(pool)),
		Log:        log,
	}, order.Config{
		MaxAttempts:  cfg.Engine.MaxTxAttempts,
		RetryBackoff: cfg.Engine.RetryBackoff,
		TxTimeout:    cfg.Engine.TxTimeout,
	})

	h := httpapi.Handlers{
		Orders:     orders,
		Reports:    reporting.NewService(reporting.NewStoreRepo(st)),
		Ready:      st.Ping,
		SweepBatch: cfg.Engine.SweepBatch,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, auth.RequireAccessToken(authManager), httpapi.CheckoutCap(limiter))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Engine.SweepInterval > 0 {
		g.Go(func() error {
			sweep(gctx, log, orders, cfg.Engine.SweepInterval, cfg.Engine.SweepBatch)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sweep expires and reclaims due plans until ctx is done.
func sweep(ctx context.Context, log *slog.Logger, orders *order.Service, every time.Duration, batch int) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := orders.ExpireDue(ctx, batch); err != nil && ctx.Err() == nil {
				log.Error("expiry sweep failed", "err", err)
			}
		}
	}
}
