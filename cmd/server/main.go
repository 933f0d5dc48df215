package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"billbook/internal/analytics"
	"billbook/internal/cache"
	"billbook/internal/config"
	"billbook/internal/domain"
	"billbook/internal/httpapi"
	"billbook/internal/metrics"
	"billbook/internal/service"
	"billbook/internal/store"
	"billbook/internal/store/memory"
	pgstore "billbook/internal/store/postgres"
	sqlitestore "billbook/internal/store/sqlite"
	"billbook/pkg/logging"
)

func main() {
	devToken := flag.String("dev-token", "", "print a signed token for `user-id:email` and exit")
	flag.Parse()

	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	if err := validateSecurityConfig(cfg); err != nil {
		slog.Error("invalid security configuration", "error", err)
		os.Exit(1)
	}

	if *devToken != "" {
		if err := printDevToken(cfg, *devToken); err != nil {
			slog.Error("dev token", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				slog.Warn("close error", "error", err)
			}
		}
	}()

	repo, closeRepo, err := openRepository(startCtx, cfg)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	m := metrics.New()
	overviews, invalidator, closeCache := openOverviewCache(ctx, startCtx, cfg)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	engine := analytics.New(repo, analytics.WithOverviewCache(overviews), analytics.WithMetrics(m))
	svc := service.New(repo, engine, service.WithInvalidator(invalidator), service.WithMetrics(m))
	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AuthIssuer)
	if err != nil {
		return err
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin,
		httpapi.WithMetrics(m),
		httpapi.WithBillRateLimit(cfg.BillRateLimitPerMinute),
	)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           h2c.NewHandler(api.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("billbook listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

// openRepository picks postgres, then sqlite, then memory. A configured
// database that cannot be opened is fatal; there is no silent fallback.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		slog.Info("repository: postgres")
		return pg, pg.Close, nil
	case cfg.SQLitePath != "":
		lite, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite unavailable at %s: %w", cfg.SQLitePath, err)
		}
		slog.Info("repository: sqlite", "path", cfg.SQLitePath)
		return lite, lite.Close, nil
	default:
		slog.Warn("repository: in-memory, data is lost on restart")
		return memory.New(), nil, nil
	}
}

// openOverviewCache picks redis when configured and reachable. Without redis,
// SQLite and memory stores serve a single process, so a local cache sees
// every invalidation; postgres deployments may run several replicas and get
// no cache at all.
func openOverviewCache(ctx, startCtx context.Context, cfg config.Config) (cache.OverviewCache, cache.ViewInvalidator, func() error) {
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.OverviewCacheTTL())
		if err := redisCache.Ping(startCtx); err != nil {
			slog.Warn("redis unavailable, overview cache disabled", "addr", cfg.RedisAddr, "error", err)
			_ = redisCache.Close()
			return cache.Noop{}, cache.Noop{}, nil
		}
		go logStaleShops(ctx, redisCache.SubscribeStale(ctx))
		slog.Info("cache: redis", "addr", cfg.RedisAddr, "ttl", cfg.OverviewCacheTTL())
		return redisCache, redisCache, redisCache.Close
	}
	if cfg.DatabaseURL == "" {
		local := cache.NewMemory(cfg.OverviewCacheTTL())
		slog.Info("cache: in-process", "ttl", cfg.OverviewCacheTTL())
		return local, local, nil
	}
	slog.Info("cache: noop")
	return cache.Noop{}, cache.Noop{}, nil
}

func logStaleShops(ctx context.Context, stale <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case shopID, ok := <-stale:
			if !ok {
				return
			}
			slog.Debug("shop views stale", "shop_id", shopID)
		}
	}
}

func printDevToken(cfg config.Config, spec string) error {
	userID, email, _ := strings.Cut(spec, ":")
	if strings.TrimSpace(userID) == "" {
		return errors.New("dev token needs a user id")
	}
	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AuthIssuer)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(domain.Identity{UserID: userID, Email: email}, 12*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < httpapi.MinSecretLength {
		return fmt.Errorf("AUTH_SECRET must be set and at least %d characters", httpapi.MinSecretLength)
	}
	if strings.TrimSpace(cfg.AllowedOrigin) == "*" {
		return errors.New("ALLOWED_ORIGIN must name an origin, not *")
	}
	return nil
}
