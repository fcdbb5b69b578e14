package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/plue-dev/plue-flow/internal/artifacts"
	"github.com/plue-dev/plue-flow/internal/observability"
	"github.com/plue-dev/plue-flow/orchestrator"
	"github.com/plue-dev/plue-flow/state/postgres"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: orchestrator serve [flags]")
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	listen := flags.String("listen", ":8080", "Listen address")
	baseURL := flags.String("base-url", os.Getenv("BASE_URL"), "Public base URL used in commit status links")
	s3Bucket := flags.String("s3-bucket", os.Getenv("S3_BUCKET"), "S3 bucket for archived task logs")
	s3Prefix := flags.String("s3-prefix", os.Getenv("S3_PREFIX"), "S3 key prefix for archived task logs")
	s3Region := flags.String("s3-region", os.Getenv("S3_REGION"), "S3 region for archived task logs")
	sweepInterval := flags.Duration("runner-sweep-interval", 30*time.Second, "How often to sweep stale runners")
	runnerStaleAfter := flags.Duration("runner-stale-after", 2*time.Minute, "Heartbeat age after which a runner is marked offline")
	_ = flags.Parse(args)

	if *databaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDB(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := postgres.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	reporter := orchestrator.NewCommitStatusSync(store, *baseURL, metrics, observability.NewLogger("commit-status"))

	var archiver orchestrator.LogArchiver
	if *s3Bucket != "" {
		s3Archiver, err := artifacts.NewS3Archiver(ctx, artifacts.S3Config{
			Bucket: *s3Bucket,
			Prefix: *s3Prefix,
			Region: *s3Region,
		})
		if err != nil {
			return err
		}
		archiver = s3Archiver
	}

	service := orchestrator.NewService(store, reporter, archiver, metrics, observability.NewLogger("orchestrator"))
	service.StartRunnerSweeper(ctx, *sweepInterval, *runnerStaleAfter)

	handler := orchestrator.NewHTTPHandler(service, observability.NewLogger("orchestrator.http"))
	server := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server.ListenAndServe()
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
