package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/pdfsearch/engine/catalog"
	"github.com/WessleyAI/pdfsearch/engine/document"
	"github.com/WessleyAI/pdfsearch/engine/domain"
	"github.com/WessleyAI/pdfsearch/engine/semantic"
	"github.com/WessleyAI/pdfsearch/pkg/fn"
	"github.com/WessleyAI/pdfsearch/pkg/metrics"
)

// State is a step of the indexing state machine.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateTextExtracted  State = "TEXT_EXTRACTED"
	StateImagesRendered State = "IMAGES_RENDERED"
	StateEmbedded       State = "EMBEDDED"
	StateUpserted       State = "UPSERTED"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// IndexError is returned when IndexPDF fails. State is the last state the run
// reached before failing.
type IndexError struct {
	PDFID string
	Path  string
	State State
	Err   error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s (%s): failed after %s: %v", e.Path, e.PDFID, e.State, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

type indexJob struct {
	path   string
	pdfID  string
	state  State
	texts  []document.PageText
	images []document.PageImage
	pages  []domain.PageRecord
	report domain.IndexReport
}

func (e *Engine) newPipeline() fn.Stage[*indexJob, *indexJob] {
	return fn.Pipeline(
		e.step("extract_text", StateTextExtracted, e.extractText),
		e.step("render_pages", StateImagesRendered, e.renderPages),
		e.step("embed_upsert", StateUpserted, e.embedUpsert),
	)
}

// step wraps one transition with tracing and transition logging.
func (e *Engine) step(name string, to State, f func(context.Context, *indexJob) error) fn.Stage[*indexJob, *indexJob] {
	return fn.TracedStage("search."+name, func(ctx context.Context, job *indexJob) fn.Result[*indexJob] {
		if err := ctx.Err(); err != nil {
			return fn.Err[*indexJob](err)
		}
		start := time.Now()
		if err := f(ctx, job); err != nil {
			return fn.Err[*indexJob](err)
		}
		job.transition(e, to, time.Since(start))
		return fn.Ok(job)
	})
}

func (j *indexJob) transition(e *Engine, to State, took time.Duration) {
	e.log.Info("search: index transition",
		"pdf_id", j.pdfID, "from", j.state, "to", to, "took", took)
	j.state = to
}

// IndexPDF indexes every page of the PDF at pdfPath under a fresh pdf_id.
// The report counts only pages that were committed; pages dropped by the
// processor and points in failed upsert batches are listed separately.
// Batches committed before a failure stay committed.
func (e *Engine) IndexPDF(ctx context.Context, pdfPath string) (domain.IndexReport, error) {
	if err := e.checkStarted("index"); err != nil {
		return domain.IndexReport{}, err
	}
	defer metrics.Since(e.metrics.IndexDuration, time.Now())

	job := &indexJob{path: pdfPath, pdfID: uuid.NewString(), state: StateReceived}
	job.report.PDFID = job.pdfID
	e.log.Info("search: index received", "pdf_id", job.pdfID, "path", pdfPath)

	if _, err := e.pipeline(ctx, job).Unwrap(); err != nil {
		e.metrics.PDFsIndexed.WithLabelValues("failed").Inc()
		e.log.Error("search: index failed",
			"pdf_id", job.pdfID, "path", pdfPath, "state", job.state, "err", err)
		failedAt := job.state
		job.state = StateFailed
		return job.report, &IndexError{PDFID: job.pdfID, Path: pdfPath, State: failedAt, Err: err}
	}

	e.record(ctx, job)
	job.transition(e, StateDone, 0)
	e.metrics.PDFsIndexed.WithLabelValues("ok").Inc()
	e.log.Info("search: index done",
		"pdf_id", job.pdfID,
		"pages_in_source", job.report.PagesInSource,
		"pages_indexed", job.report.PagesIndexed,
		"dropped", len(job.report.Dropped),
		"failed_points", len(job.report.FailedPoints))
	return job.report, nil
}

func (e *Engine) extractText(_ context.Context, job *indexJob) error {
	texts, err := e.proc.ExtractText(job.path)
	if err != nil {
		return err
	}
	job.texts = texts
	return nil
}

func (e *Engine) renderPages(ctx context.Context, job *indexJob) error {
	images, err := e.proc.RenderPages(ctx, job.path, job.pdfID, e.opts.DPI)
	if err != nil {
		return err
	}
	job.images = images

	res := document.Zip(job.texts, images)
	job.pages = res.Pages
	job.report.PagesInSource = res.PagesInSource
	job.report.Dropped = res.Warnings
	for _, w := range res.Warnings {
		e.log.Warn("search: page dropped", "pdf_id", job.pdfID,
			"position", w.Position, "text_page", w.TextPage, "image_page", w.ImagePage, "reason", w.Reason)
	}
	e.metrics.PagesDropped.Add(float64(len(res.Warnings)))
	return nil
}

func (e *Engine) embedUpsert(ctx context.Context, job *indexJob) error {
	for i, batch := range fn.Chunk(job.pages, e.opts.BatchSize) {
		points, err := e.embedBatch(ctx, job.pdfID, batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		job.transition(e, StateEmbedded, 0)

		committed, failed, err := e.upsertBatch(ctx, points)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		job.report.PagesIndexed += committed
		job.report.FailedPoints = append(job.report.FailedPoints, failed...)
		e.metrics.PagesIndexed.Add(float64(committed))
		e.metrics.UpsertFailures.Add(float64(len(failed)))
		if len(failed) > 0 {
			e.log.Warn("search: upsert batch failed", "pdf_id", job.pdfID, "batch", i, "points", len(failed))
		}
		job.transition(e, StateUpserted, 0)
	}
	return nil
}

func (e *Engine) embedBatch(ctx context.Context, pdfID string, pages []domain.PageRecord) ([]domain.IndexedPoint, error) {
	texts := fn.Map(pages, func(p domain.PageRecord) string { return p.Text })
	paths := fn.Map(pages, func(p domain.PageRecord) string { return p.ImagePath })

	textVecs, err := e.embedTextBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	imageVecs, err := e.embedImageBatch(ctx, paths)
	if err != nil {
		return nil, err
	}

	points := make([]domain.IndexedPoint, len(pages))
	for i, p := range pages {
		points[i] = domain.IndexedPoint{
			ID:          uuid.NewString(),
			TextVector:  textVecs[i],
			ImageVector: imageVecs[i],
			Payload: domain.Payload{
				PDFID:     pdfID,
				PageNum:   p.PageNum,
				Text:      domain.Preview(p.Text),
				ImagePath: p.ImagePath,
			},
		}
	}
	return points, nil
}

// upsertBatch writes one batch. An unreachable index, an invalid point or a
// cancelled context aborts the run; any other rejection only loses the batch.
func (e *Engine) upsertBatch(ctx context.Context, points []domain.IndexedPoint) (committed int, failed []string, err error) {
	r := fn.Retry(ctx, e.opts.Retry, func(ctx context.Context) fn.Result[semantic.UpsertReport] {
		rep, err := e.index.Upsert(ctx, points)
		return fn.FromPair(rep, err)
	})
	rep, err := r.Unwrap()
	if err != nil {
		var verr *domain.ValidationError
		if domain.IsUnavailable(err) || errors.As(err, &verr) || ctx.Err() != nil {
			return 0, nil, err
		}
		e.log.Warn("search: upsert rejected", "points", len(points), "err", err)
		return 0, fn.Map(points, func(p domain.IndexedPoint) string { return p.ID }), nil
	}
	return rep.Committed, rep.FailedIDs(), nil
}

// record stores the run in the catalog. Failures are logged only.
func (e *Engine) record(ctx context.Context, job *indexJob) {
	if e.catalog == nil {
		return
	}
	err := e.catalog.Record(ctx, catalog.Entry{
		PDFID:         job.pdfID,
		Source:        filepath.Base(job.path),
		PagesInSource: job.report.PagesInSource,
		PagesIndexed:  job.report.PagesIndexed,
	})
	if err != nil {
		e.log.Warn("search: catalog record failed", "pdf_id", job.pdfID, "err", err)
	}
}
