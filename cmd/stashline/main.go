package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/calegria/stashline/internal/app"
	"github.com/calegria/stashline/internal/config"
	"github.com/calegria/stashline/internal/ingestion"
	"github.com/calegria/stashline/internal/pkg/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

const usage = `Usage: stashline <command> [flags]

Commands:
  serve      run the ops HTTP server (and the queue runner loop if enabled)
  run-queue  execute one lock-guarded queue pass and exit (cron entry point)
  enqueue    enqueue subjects for a change category
  migrate    apply schema migrations
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "run-queue":
		err = runQueueOnce(os.Args[2:])
	case "enqueue":
		err = runEnqueue(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func loadConfig(args []string, fs *flag.FlagSet) (*config.Config, error) {
	configPath := fs.String("config", os.Getenv("STASHLINE_CONFIG"), "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*configPath)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg, err := loadConfig(args, fs)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("received signal", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return application.Shutdown(shutdownCtx)
}

func runQueueOnce(args []string) error {
	fs := flag.NewFlagSet("run-queue", flag.ExitOnError)
	cfg, err := loadConfig(args, fs)
	if err != nil {
		return err
	}
	app.InitLogger(cfg.Log)

	ctx := context.Background()
	db, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	_, runner, err := app.NewQueue(cfg, db)
	if err != nil {
		return err
	}
	return runner.RunOnce(ctx)
}

func runEnqueue(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	category := fs.String("category", "", "change category (required)")
	subjects := fs.String("subjects", "", "comma-separated subject IDs (required)")
	cfg, err := loadConfig(args, fs)
	if err != nil {
		return err
	}
	app.InitLogger(cfg.Log)

	if *category == "" || *subjects == "" {
		return fmt.Errorf("both -category and -subjects are required")
	}

	subjectIDs := make([]string, 0)
	for _, s := range strings.Split(*subjects, ",") {
		if s = strings.TrimSpace(s); s != "" {
			subjectIDs = append(subjectIDs, s)
		}
	}

	ctx := context.Background()
	db, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	queue, _, err := app.NewQueue(cfg, db)
	if err != nil {
		return err
	}

	enqueued, err := ingestion.NewService(db, queue).SubjectsChanged(ctx, *category, subjectIDs)
	if err != nil {
		return err
	}
	slog.Info("subjects enqueued", "category", *category, "requested", len(subjectIDs), "enqueued", enqueued)
	return nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	cfg, err := loadConfig(args, fs)
	if err != nil {
		return err
	}
	app.InitLogger(cfg.Log)
	return postgres.Migrate(cfg.Database.URL)
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()

	return postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
}
