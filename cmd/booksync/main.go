package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/booksync/pkg/booksync"
	"github.com/tendant/booksync/pkg/booksync/config"
	"github.com/tendant/booksync/pkg/booksync/repo/postgres"
)

func main() {
	app := cli.App{
		Name:  "booksync",
		Usage: "book catalog kept in sync across PostgreSQL and DynamoDB with a Redis cache",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				EnvVars: []string{"CONFIG_PATH"},
			},
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API, event pipeline and sync scheduler",
			Action: runServe,
		},
		{
			Name:  "sync",
			Usage: "run reconciliation once and print the results",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "direction",
					Usage: "authoritative_to_secondary or secondary_to_authoritative (default both)",
				},
			},
			Action: runSync,
		},
		{
			Name:   "migrate",
			Usage:  "apply PostgreSQL migrations",
			Action: runMigrate,
		},
		{
			Name:  "env",
			Usage: "list configuration environment variables",
			Action: func(cctx *cli.Context) error {
				fmt.Println(config.Usage())
				return nil
			},
		},
	}
	app.RunAndExitOnError()
}

func setup(cctx *cli.Context) (*config.Config, *slog.Logger, error) {
	if path := cctx.String("config"); path != "" {
		os.Setenv("CONFIG_PATH", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServe(cctx *cli.Context) error {
	cfg, logger, err := setup(cctx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := cfg.Build(ctx, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	router, err := app.Router()
	if err != nil {
		return err
	}
	server := &http.Server{Addr: cfg.Server.Addr(), Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down server")
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return app.Publisher.Run(gctx)
	})
	g.Go(func() error {
		return app.Subscriber.Run(gctx)
	})
	if cfg.Sync.Enabled {
		g.Go(func() error {
			return app.Scheduler.Run(gctx)
		})
	}

	err = g.Wait()
	app.Publisher.Close()
	return err
}

func runSync(cctx *cli.Context) error {
	cfg, logger, err := setup(cctx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := cfg.Build(ctx, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	// events queued by the passes are flushed once Close is called
	published := make(chan error, 1)
	go func() { published <- app.Publisher.Run(context.Background()) }()

	var results []booksync.SyncResult
	switch d := booksync.Direction(cctx.String("direction")); d {
	case "":
		results, err = app.Scheduler.Trigger(ctx)
	case booksync.AuthoritativeToSecondary, booksync.SecondaryToAuthoritative:
		var res booksync.SyncResult
		res, err = app.Scheduler.TriggerDirection(ctx, d)
		if err == nil {
			results = append(results, res)
		}
	default:
		err = fmt.Errorf("unknown direction %q", d)
	}

	app.Publisher.Close()
	<-published

	if len(results) > 0 {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(results); encErr != nil {
			logger.Error("Failed to print results", "err", encErr)
		}
	}
	return err
}

func runMigrate(cctx *cli.Context) error {
	cfg, _, err := setup(cctx)
	if err != nil {
		return err
	}
	if !cfg.Database.IsPostgres() {
		return errors.New("DATABASE_URL must point at PostgreSQL to migrate")
	}

	pool, err := postgres.NewPool(cctx.Context, postgres.PoolConfig{
		URL:    cfg.Database.URL,
		Schema: cfg.Database.Schema,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	return postgres.Migrate(cctx.Context, pool)
}
