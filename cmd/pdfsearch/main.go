// Package main implements the pdfsearch CLI, HTTP API and queue worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/pdfsearch/engine/catalog"
	"github.com/WessleyAI/pdfsearch/engine/document"
	"github.com/WessleyAI/pdfsearch/engine/domain"
	"github.com/WessleyAI/pdfsearch/engine/ingest"
	"github.com/WessleyAI/pdfsearch/engine/search"
	"github.com/WessleyAI/pdfsearch/engine/semantic"
	"github.com/WessleyAI/pdfsearch/pkg/clip"
	"github.com/WessleyAI/pdfsearch/pkg/config"
	"github.com/WessleyAI/pdfsearch/pkg/metrics"
)

var errUsage = errors.New("usage")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger, os.Args[1], os.Args[2:], os.Stdout)
	stop()
	if errors.Is(err, errUsage) {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, cmd string, args []string, stdout io.Writer) error {
	switch cmd {
	case "upload":
		return runUpload(ctx, cfg, logger, args, stdout)
	case "search-text":
		return runSearchText(ctx, cfg, logger, args, stdout)
	case "search-image":
		return runSearchImage(ctx, cfg, logger, args, stdout)
	case "delete":
		return runDelete(ctx, cfg, logger, args, stdout)
	case "list":
		return runList(ctx, cfg, logger, args, stdout)
	case "serve":
		return runServe(ctx, cfg, logger)
	case "worker":
		return runWorker(ctx, cfg, logger)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

// --- Wiring ---

type app struct {
	engine  *search.Engine
	proc    *document.Processor
	catalog *catalog.Store // nil without NEO4J_URL
	metrics *metrics.Metrics
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects every backend and starts the engine.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	purge, err := document.ParsePurgePolicy(cfg.ImagePurge)
	if err != nil {
		return nil, err
	}
	policy, err := semantic.ParsePolicy(cfg.CollectionPolicy)
	if err != nil {
		return nil, err
	}

	a := &app{metrics: metrics.New()}
	a.proc = document.New(document.Options{
		PDFDir:   cfg.PDFDir,
		ImageDir: cfg.ImageDir,
		DPI:      cfg.DPI,
		Purge:    purge,
		Logger:   logger,
	})

	clipOpts := clip.DefaultOptions()
	clipOpts.Model = cfg.ClipModel
	clipOpts.RPS = cfg.ClipRPS
	clipOpts.Logger = logger
	embedder := clip.NewClient(cfg.ClipURL, clipOpts)

	// --- Connect to Qdrant ---
	store, err := semantic.New(cfg.QdrantAddr, cfg.Collection, semantic.Options{Policy: policy, BatchSize: cfg.UpsertBatchSize})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}

	deps := search.Deps{
		Embedder:  embedder,
		Index:     store,
		Processor: a.proc,
		Metrics:   a.metrics,
		Logger:    logger,
	}

	// --- Connect to Neo4j (optional) ---
	if cfg.Neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("neo4j driver: %w", err)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			driver.Close(context.Background())
			store.Close()
			return nil, fmt.Errorf("neo4j connect: %w", err)
		}
		a.closers = append(a.closers, func() { driver.Close(context.Background()) })
		a.catalog = catalog.New(driver, "")
		deps.Catalog = a.catalog
	}

	opts := search.DefaultOptions()
	opts.BatchSize = cfg.IndexBatchSize
	opts.DPI = cfg.DPI
	opts.ImageDir = cfg.ImageDir
	a.engine, err = search.New(deps, opts)
	if err != nil {
		store.Close()
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { a.engine.Close() })

	if err := a.engine.Start(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// --- Commands ---

func runUpload(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	queue := fs.Bool("queue", false, "hand the PDF to a worker over NATS")
	wait := fs.Duration("wait", 10*time.Minute, "how long to wait for a worker (with --queue)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return errUsage
	}
	if len(pos) != 1 {
		return fmt.Errorf("upload needs one PDF path: %w", errUsage)
	}
	path := pos[0]
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return fmt.Errorf("file not found: %s", path)
	}

	if *queue {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("pdfsearch-cli"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()

		waitCtx, cancel := context.WithTimeout(ctx, *wait)
		defer cancel()
		res, err := ingest.SubmitAndWait(waitCtx, nc, abs)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		if res.Error != "" {
			if res.Report != nil {
				printPartial(stdout, *res.Report)
			}
			return fmt.Errorf("indexing failed after %d attempts: %s", res.Retries, res.Error)
		}
		printReport(stdout, *res.Report)
		return nil
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.engine.IndexPDF(ctx, path)
	if err != nil {
		if rep.PagesIndexed > 0 {
			printPartial(stdout, rep)
		}
		return err
	}
	printReport(stdout, rep)
	return nil
}

func runSearchText(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("search-text", flag.ContinueOnError)
	limit := fs.Int("limit", defaultLimit, "number of results")
	field := fs.String("field", "text", "vector field to search: text or image")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return errUsage
	}
	if len(pos) == 0 {
		return fmt.Errorf("search-text needs a query: %w", errUsage)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.engine.SearchByTextField(ctx, strings.Join(pos, " "), domain.Field(*field), *limit)
	if err != nil {
		return err
	}
	printResults(stdout, results)
	return nil
}

func runSearchImage(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("search-image", flag.ContinueOnError)
	limit := fs.Int("limit", defaultLimit, "number of results")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return errUsage
	}
	if len(pos) != 1 {
		return fmt.Errorf("search-image needs one image path: %w", errUsage)
	}
	if info, err := os.Stat(pos[0]); err != nil || info.IsDir() {
		return fmt.Errorf("file not found: %s", pos[0])
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.engine.SearchByImage(ctx, pos[0], *limit)
	if err != nil {
		return err
	}
	printResults(stdout, results)
	return nil
}

func runDelete(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return errUsage
	}
	if len(pos) != 1 {
		return fmt.Errorf("delete needs one PDF id: %w", errUsage)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.DeletePDF(ctx, pos[0]); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted PDF %s\n", pos[0])
	return nil
}

func runList(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	offset := fs.Int("offset", 0, "entries to skip")
	limit := fs.Int("limit", 50, "maximum entries")
	if _, err := parseArgs(fs, args); err != nil {
		return errUsage
	}
	if cfg.Neo4jURL == "" {
		return errors.New("list needs NEO4J_URL")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	entries, err := a.catalog.List(ctx, *offset, *limit)
	if err != nil {
		return err
	}
	printEntries(stdout, entries)
	return nil
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	a.metrics.ServeAsync(cfg.MetricsPort, logger)

	s := &server{
		svc:      a.engine,
		pdfs:     a.proc,
		tmpDir:   filepath.Join(cfg.PDFDir, "queries"),
		imageDir: cfg.ImageDir,
		log:      logger,
	}
	if a.catalog != nil {
		s.catalog = a.catalog
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.routes(cfg.CORSOrigin, 5*time.Minute),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func runWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("pdfsearch-worker"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	if _, err := ingest.StartConsumer(nc, ingest.Deps{
		Indexer: a.engine,
		Metrics: a.metrics,
		Logger:  logger,
		Timeout: 10 * time.Minute,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	a.metrics.ServeAsync(cfg.MetricsPort, logger)
	logger.Info("worker started", "subject", ingest.IndexSubject, "queue", ingest.QueueGroup)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nc.Drain()
}
