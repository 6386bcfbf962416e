// Package search is the retrieval orchestrator. An Engine indexes PDFs page
// by page into the two-field vector collection and answers text and image
// queries against it.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/pdfsearch/engine/catalog"
	"github.com/WessleyAI/pdfsearch/engine/document"
	"github.com/WessleyAI/pdfsearch/engine/domain"
	"github.com/WessleyAI/pdfsearch/engine/embed"
	"github.com/WessleyAI/pdfsearch/engine/semantic"
	"github.com/WessleyAI/pdfsearch/pkg/fn"
	"github.com/WessleyAI/pdfsearch/pkg/metrics"
)

// Index is the vector collection the engine writes to and reads from.
type Index interface {
	Collection() string
	EnsureCollection(ctx context.Context, dimText, dimImage int) error
	Upsert(ctx context.Context, points []domain.IndexedPoint) (semantic.UpsertReport, error)
	Search(ctx context.Context, field domain.Field, vector []float32, limit int) ([]domain.SearchHit, error)
	Count(ctx context.Context) (uint64, error)
	DeleteByPDF(ctx context.Context, pdfID string) error
	Close() error
}

// Processor produces page text and page images for a PDF.
type Processor interface {
	ExtractText(pdfPath string) ([]document.PageText, error)
	RenderPages(ctx context.Context, pdfPath, runID string, dpi int) ([]document.PageImage, error)
}

// Catalog records indexed PDFs.
type Catalog interface {
	Record(ctx context.Context, e catalog.Entry) error
	Remove(ctx context.Context, pdfID string) error
}

// Deps holds the external dependencies of an Engine. Catalog and Metrics are
// optional.
type Deps struct {
	Embedder  embed.Provider
	Index     Index
	Processor Processor
	Catalog   Catalog
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Options configures an Engine.
type Options struct {
	// BatchSize is the number of pages embedded and upserted together.
	BatchSize int
	DPI       int
	// ImageDir holds the placeholder image used to size the image field.
	ImageDir   string
	SampleText string
	// Retry applies to index calls that fail with an unavailable backend.
	Retry fn.RetryOpts
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:  5,
		DPI:        document.DefaultDPI,
		ImageDir:   "images",
		SampleText: "Sample text",
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 200 * time.Millisecond,
			MaxWait:     2 * time.Second,
			Jitter:      true,
			RetryIf:     domain.IsUnavailable,
		},
	}
}

// Engine is the explicit context for indexing and search: construct it with
// New, call Start once, then use it from any number of goroutines.
type Engine struct {
	embed   *embed.Checked
	index   Index
	proc    Processor
	catalog Catalog
	metrics *metrics.Metrics
	opts    Options
	log     *slog.Logger

	pipeline fn.Stage[*indexJob, *indexJob]
	started  atomic.Bool
}

// New creates an Engine. It does not touch the network until Start.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Embedder == nil || deps.Index == nil || deps.Processor == nil {
		return nil, errors.New("search: embedder, index and processor are required")
	}
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.DPI <= 0 {
		opts.DPI = def.DPI
	}
	if opts.ImageDir == "" {
		opts.ImageDir = def.ImageDir
	}
	if opts.SampleText == "" {
		opts.SampleText = def.SampleText
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = def.Retry
	}
	if opts.Retry.RetryIf == nil {
		opts.Retry.RetryIf = domain.IsUnavailable
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Retry.OnRetry == nil {
		log := deps.Logger
		opts.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			log.Warn("search: index unavailable, retrying", "attempt", attempt, "wait", wait, "err", err)
		}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	e := &Engine{
		embed:   embed.NewChecked(deps.Embedder),
		index:   deps.Index,
		proc:    deps.Processor,
		catalog: deps.Catalog,
		metrics: deps.Metrics,
		opts:    opts,
		log:     deps.Logger,
	}
	e.pipeline = e.newPipeline()
	return e, nil
}

// Start sizes both vector fields from one sample text and one placeholder
// image embedding, then ensures the collection.
func (e *Engine) Start(ctx context.Context) error {
	placeholder, err := embed.Placeholder(e.opts.ImageDir)
	if err != nil {
		return fmt.Errorf("search: start: %w", err)
	}
	textVec, err := e.embedText(ctx, e.opts.SampleText)
	if err != nil {
		return fmt.Errorf("search: start: sample text: %w", err)
	}
	imageVec, err := e.embedImage(ctx, placeholder)
	if err != nil {
		return fmt.Errorf("search: start: sample image: %w", err)
	}

	r := fn.Retry(ctx, e.opts.Retry, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, e.index.EnsureCollection(ctx, len(textVec), len(imageVec)))
	})
	if _, err := r.Unwrap(); err != nil {
		return err
	}

	e.started.Store(true)
	e.log.Info("search: engine started",
		"collection", e.index.Collection(), "dim_text", len(textVec), "dim_image", len(imageVec))
	return nil
}

// Close releases the index connection.
func (e *Engine) Close() error {
	e.started.Store(false)
	return e.index.Close()
}

func (e *Engine) checkStarted(op string) error {
	if !e.started.Load() {
		return &domain.CollectionStateError{Collection: e.index.Collection(), Op: op, Reason: "engine not started"}
	}
	return nil
}

// Count returns the number of points in the collection.
func (e *Engine) Count(ctx context.Context) (uint64, error) {
	if err := e.checkStarted("count"); err != nil {
		return 0, err
	}
	return e.index.Count(ctx)
}

// DeletePDF removes every point of a PDF and its catalog entry.
func (e *Engine) DeletePDF(ctx context.Context, pdfID string) error {
	if err := e.checkStarted("delete"); err != nil {
		return err
	}
	if pdfID == "" {
		return domain.NewValidationError("pdf_id", pdfID, domain.ErrInvalidPayload)
	}
	r := fn.Retry(ctx, e.opts.Retry, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, e.index.DeleteByPDF(ctx, pdfID))
	})
	if _, err := r.Unwrap(); err != nil {
		return err
	}
	if e.catalog != nil {
		if err := e.catalog.Remove(ctx, pdfID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			e.log.Warn("search: catalog remove failed", "pdf_id", pdfID, "err", err)
		}
	}
	e.log.Info("search: pdf deleted", "pdf_id", pdfID)
	return nil
}

func (e *Engine) embedText(ctx context.Context, text string) ([]float32, error) {
	defer metrics.Since(e.metrics.EmbedDuration.WithLabelValues(embed.ModalityText), time.Now())
	return e.embed.EmbedText(ctx, text)
}

func (e *Engine) embedImage(ctx context.Context, path string) ([]float32, error) {
	defer metrics.Since(e.metrics.EmbedDuration.WithLabelValues(embed.ModalityImage), time.Now())
	return e.embed.EmbedImage(ctx, path)
}

func (e *Engine) embedTextBatch(ctx context.Context, texts []string) ([][]float32, error) {
	defer metrics.Since(e.metrics.EmbedDuration.WithLabelValues(embed.ModalityText), time.Now())
	return e.embed.EmbedTextBatch(ctx, texts)
}

func (e *Engine) embedImageBatch(ctx context.Context, paths []string) ([][]float32, error) {
	defer metrics.Since(e.metrics.EmbedDuration.WithLabelValues(embed.ModalityImage), time.Now())
	return e.embed.EmbedImageBatch(ctx, paths)
}
