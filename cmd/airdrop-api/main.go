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
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tsender/airdrop/internal/api"
	"github.com/tsender/airdrop/internal/bootstrap"
	"github.com/tsender/airdrop/internal/draft"
	draftpg "github.com/tsender/airdrop/internal/draft/postgres"
	"github.com/tsender/airdrop/internal/secrets"
	"golang.org/x/sync/errgroup"
)

func main() {
	chainFlags := bootstrap.RegisterChainFlags(flag.CommandLine)
	eventFlags := bootstrap.RegisterEventFlags(flag.CommandLine)

	var (
		listenAddr  = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")
		authEnv     = flag.String("auth-env", "AIRDROP_API_AUTH_TOKEN", "env var containing the bearer auth token; empty value disables auth")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for drafts; empty keeps drafts in memory")

		maxBodyBytes       = flag.Int64("max-body-bytes", 4<<20, "maximum request body size (bytes)")
		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 10, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 20, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := chainFlags.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := eventFlags.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *maxBodyBytes <= 0 || *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: body and rate limit settings must be > 0")
		os.Exit(2)
	}
	authToken := os.Getenv(*authEnv)
	if authToken == "" {
		log.Warn("API auth disabled", "env", *authEnv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := bootstrap.DialChain(ctx, chainFlags, &secrets.Resolver{}, log)
	if err != nil {
		log.Error("connect", "err", err)
		os.Exit(1)
	}
	defer c.Close()
	owner := c.Gateway.Owner()

	ev, err := bootstrap.NewEvents(eventFlags, owner.Hex(), log)
	if err != nil {
		log.Error("init events", "err", err)
		os.Exit(2)
	}
	defer func() { _ = ev.Close() }()

	orch, err := c.Orchestrator(ev.Observe(ctx), log)
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	var drafts draft.Store
	if *postgresDSN != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()
		store, err := draftpg.New(pool)
		if err != nil {
			log.Error("init draft store", "err", err)
			os.Exit(2)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			log.Error("ensure draft schema", "err", err)
			os.Exit(2)
		}
		drafts = store
	}

	handler, err := api.NewHandler(api.Config{
		AuthToken:               authToken,
		MaxBodyBytes:            *maxBodyBytes,
		RunContext:              ctx,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, orch, drafts, log)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("airdrop-api listening", "addr", *listenAddr, "owner", owner, "chainID", c.ChainID, "postgres", *postgresDSN != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown", "reason", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("server error", "err", err)
		os.Exit(1)
	}
}
