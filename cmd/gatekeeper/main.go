// Command gatekeeper runs the multi-tenant account-orchestration harness:
// the HTTP API in front of the account pool, analyzer, rate limiter,
// cache, budget accountant, and webhook pipeline.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/fluxgate-ai/gatekeeper/internal/accountpool"
	"github.com/fluxgate-ai/gatekeeper/internal/budget"
	"github.com/fluxgate-ai/gatekeeper/internal/cache"
	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/migrations"
	"github.com/fluxgate-ai/gatekeeper/internal/providerlimit"
	"github.com/fluxgate-ai/gatekeeper/internal/ratelimit"
	"github.com/fluxgate-ai/gatekeeper/internal/storage/postgres"
	"github.com/fluxgate-ai/gatekeeper/internal/transport/httpapi"
	"github.com/fluxgate-ai/gatekeeper/internal/webhook"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; account selection is disabled without it)")
	runMigrations := flag.Bool("migrate", true, "apply embedded database migrations on startup")
	configPath := flag.String("config", "", "path to a YAML configuration overlay")
	flag.Parse()

	cfg := config.New()
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := config.LoadFile(trimmed)
		if err != nil {
			log.Fatalf("gatekeeper: load config %s: %v", trimmed, err)
		}
		cfg = loaded
	} else if loaded, err := config.Load(); err == nil {
		cfg = loaded
	}

	logger := logging.New("gatekeeper", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("gatekeeper")

	client := kv.New(cfg.KV)
	rootCtx := context.Background()
	if err := client.Ping(rootCtx); err != nil {
		log.Fatalf("gatekeeper: connect to keyed store: %v", err)
	}

	dsnVal := resolveDSN(*dsn, cfg)
	var (
		db       *sql.DB
		poolSvc  *accountpool.Service
		accounts *postgres.AccountStore
	)
	if dsnVal != "" {
		var err error
		db, err = sql.Open("postgres", dsnVal)
		if err != nil {
			log.Fatalf("gatekeeper: open database: %v", err)
		}
		configurePool(db, cfg)
		if *runMigrations {
			if err := migrations.Apply(db); err != nil {
				log.Fatalf("gatekeeper: apply migrations: %v", err)
			}
		}
		accounts = postgres.NewAccountStore(db)
		providerLim := providerlimit.NewLimiter(client, nil)
		poolSvc = accountpool.New(accounts, client, cfg.AccountPool, logger, m, providerLim)
	} else {
		logger.Warn(rootCtx, "no database configured; account selection is disabled", nil)
	}
	if db != nil {
		defer db.Close()
	}

	limiter := ratelimit.New(client, "ratelimit:")
	responseCache := cache.New(client, "gatekeeper", cfg.Cache, m)
	accountant := budget.New(client, logger, m)
	httpClient := &http.Client{Timeout: 30 * time.Second}
	pipeline := webhook.New(client, httpClient, logger, m)

	stopRetryMover := startRetryMover(rootCtx, pipeline, cfg.Webhook, logger)
	defer stopRetryMover()

	router := httpapi.NewRouter(httpapi.Services{
		AccountPool:   poolSvc,
		RateLimiter:   limiter,
		ResponseCache: responseCache,
		Budget:        accountant,
		Webhooks:      pipeline,
	}, logger, m, httpapi.Options{
		AuthToken: cfg.ServiceAuth.JWTSecret,
		HealthChecks: map[string]func(context.Context) error{
			"kv": client.Ping,
		},
	})

	listenAddr := determineAddr(*addr, cfg)
	server := httpapi.NewServer(listenAddr, router, logger)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("gatekeeper: http harness: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("gatekeeper: shutdown: %v", err)
	}
	_ = client.Close()
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	if cfg.Server.Port != 0 {
		host := cfg.Server.Host
		if host == "" {
			host = "0.0.0.0"
		}
		return host + ":" + strconv.Itoa(cfg.Server.Port)
	}
	return ":8080"
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg.Database.DSN != "" {
		return cfg.Database.DSN
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

// startRetryMover periodically moves due webhook retries back onto the
// pending queue. It returns a function that stops the loop.
func startRetryMover(ctx context.Context, pipeline *webhook.Pipeline, cfg config.WebhookConfig, logger *logging.Logger) func() {
	interval := time.Duration(cfg.RetryMoverMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := pipeline.MoveDueRetries(loopCtx); err != nil {
					logger.Error(loopCtx, "webhook retry mover failed", err, nil)
				}
				if _, err := pipeline.DeliverNext(loopCtx); err != nil {
					logger.Error(loopCtx, "webhook delivery failed", err, nil)
				}
			}
		}
	}()
	return cancel
}
