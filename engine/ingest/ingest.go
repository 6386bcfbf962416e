// Package ingest runs PDF indexing requests from a NATS queue through the
// search engine, with retry and dead-letter support.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/pdfsearch/engine/domain"
	"github.com/WessleyAI/pdfsearch/pkg/metrics"
	"github.com/WessleyAI/pdfsearch/pkg/natsutil"
)

const (
	// IndexSubject is the NATS subject for incoming index requests.
	IndexSubject = "pdfsearch.index"
	// DoneSubject receives one IndexResult per successfully indexed PDF.
	DoneSubject = "pdfsearch.index.done"
	// DLQSubject is the dead letter queue subject for failed requests.
	DLQSubject = "pdfsearch.index.dlq"
	// QueueGroup is shared by every worker so each request is handled once.
	QueueGroup = "pdfsearch-workers"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// RetryHeader carries the number of attempts already made.
	RetryHeader = "X-Retry-Count"
)

// Indexer indexes one PDF and removes the points of a run. *search.Engine
// satisfies it.
type Indexer interface {
	IndexPDF(ctx context.Context, pdfPath string) (domain.IndexReport, error)
	DeletePDF(ctx context.Context, pdfID string) error
}

// IndexRequest asks a worker to index the PDF at PDFPath. The path must be
// readable by the worker.
type IndexRequest struct {
	RequestID string `json:"request_id"`
	PDFPath   string `json:"pdf_path"`
}

// IndexResult is published on DoneSubject, sent to the DLQ, and returned to
// requesters that asked for a reply. A failed result carries a Report only
// when the last attempt left committed pages in the index.
type IndexResult struct {
	RequestID string              `json:"request_id"`
	PDFPath   string              `json:"pdf_path"`
	Report    *domain.IndexReport `json:"report,omitempty"`
	Error     string              `json:"error,omitempty"`
	Retries   int                 `json:"retries"`
}

// Deps holds the external dependencies for the consumer.
type Deps struct {
	Indexer Indexer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Timeout bounds one IndexPDF call. Zero means no limit.
	Timeout time.Duration
}

// Permanent reports whether a failure cannot succeed on retry: the file is
// unreadable, the request is invalid, or the collection is in the wrong state.
func Permanent(err error) bool {
	var (
		pe *domain.ProcessingError
		ve *domain.ValidationError
		ce *domain.CollectionStateError
	)
	return errors.As(err, &pe) || errors.As(err, &ve) || errors.As(err, &ce)
}

// StartConsumer subscribes to IndexSubject in QueueGroup and indexes each
// request. Transient failures are re-published with an incremented retry
// count after the pages the failed attempt committed are deleted. Permanent
// failures and requests that exhaust MaxRetries go to the DLQ.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	c := &consumer{nc: nc, deps: deps, log: log, metrics: m}
	return natsutil.Subscribe(nc, IndexSubject, QueueGroup, c.handle, c.malformed)
}

type consumer struct {
	nc      *nats.Conn
	deps    Deps
	log     *slog.Logger
	metrics *metrics.Metrics
}

func (c *consumer) malformed(msg *nats.Msg, err error) {
	c.metrics.QueueMessages.WithLabelValues("malformed").Inc()
	c.log.Error("ingest: unmarshal failed", "error", err, "bytes", len(msg.Data))
}

func (c *consumer) handle(ctx context.Context, req IndexRequest, msg *nats.Msg) {
	retries := 0
	if msg.Header != nil {
		if v := msg.Header.Get(RetryHeader); v != "" {
			retries, _ = strconv.Atoi(v)
		}
	}
	log := c.log.With("request_id", req.RequestID, "pdf_path", req.PDFPath)

	var (
		report domain.IndexReport
		err    error
	)
	if req.PDFPath == "" {
		err = domain.NewValidationError("pdf_path", "", domain.ErrInvalidPayload)
	} else {
		runCtx := ctx
		if c.deps.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, c.deps.Timeout)
			defer cancel()
		}
		report, err = c.deps.Indexer.IndexPDF(runCtx, req.PDFPath)
	}

	if err == nil {
		c.metrics.QueueMessages.WithLabelValues("ok").Inc()
		log.Info("ingest: success", "pdf_id", report.PDFID, "pages_indexed", report.PagesIndexed)
		res := IndexResult{RequestID: req.RequestID, PDFPath: req.PDFPath, Report: &report, Retries: retries}
		if err := natsutil.Publish(ctx, c.nc, DoneSubject, res); err != nil {
			log.Error("ingest: done publish failed", "error", err)
		}
		c.reply(ctx, msg, res, log)
		return
	}

	retries++
	log.Error("ingest: index failed", "error", err, "retry", retries)

	retry := !Permanent(err) && retries < MaxRetries
	if retry && report.PagesIndexed > 0 {
		retry = c.rollback(ctx, report, log)
	}

	if retry {
		c.metrics.QueueMessages.WithLabelValues("retry").Inc()
		hdr := nats.Header{}
		hdr.Set(RetryHeader, strconv.Itoa(retries))
		retryMsg, merr := natsutil.NewMsg(ctx, IndexSubject, req, hdr)
		if merr == nil {
			retryMsg.Reply = msg.Reply
			merr = c.nc.PublishMsg(retryMsg)
		}
		if merr != nil {
			log.Error("ingest: retry publish failed", "error", merr)
		}
		return
	}

	c.metrics.QueueMessages.WithLabelValues("dlq").Inc()
	res := IndexResult{RequestID: req.RequestID, PDFPath: req.PDFPath, Error: err.Error(), Retries: retries}
	if report.PagesIndexed > 0 {
		res.Report = &report
	}
	if err := natsutil.Publish(ctx, c.nc, DLQSubject, res); err != nil {
		log.Error("ingest: DLQ publish failed", "error", err)
	}
	c.reply(ctx, msg, res, log)
}

// rollback deletes the points a failed attempt committed so the retry starts
// clean. It reports false when the points could not be removed; the request
// then goes to the DLQ with the partial report instead of being retried.
func (c *consumer) rollback(ctx context.Context, report domain.IndexReport, log *slog.Logger) bool {
	if err := c.deps.Indexer.DeletePDF(ctx, report.PDFID); err != nil {
		log.Error("ingest: rollback failed", "pdf_id", report.PDFID, "pages", report.PagesIndexed, "error", err)
		return false
	}
	c.metrics.QueueMessages.WithLabelValues("rollback").Inc()
	log.Warn("ingest: rolled back partial run", "pdf_id", report.PDFID, "pages", report.PagesIndexed)
	return true
}

func (c *consumer) reply(ctx context.Context, msg *nats.Msg, res IndexResult, log *slog.Logger) {
	if err := natsutil.Respond(ctx, c.nc, msg, res); err != nil {
		log.Warn("ingest: reply failed", "error", err)
	}
}

// Submit queues pdfPath for indexing and returns the request id.
func Submit(ctx context.Context, nc *nats.Conn, pdfPath string) (string, error) {
	req := IndexRequest{RequestID: uuid.NewString(), PDFPath: pdfPath}
	if err := natsutil.Publish(ctx, nc, IndexSubject, req); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

// SubmitAndWait queues pdfPath and waits, bounded by ctx, for a worker to
// report the outcome.
func SubmitAndWait(ctx context.Context, nc *nats.Conn, pdfPath string) (IndexResult, error) {
	req := IndexRequest{RequestID: uuid.NewString(), PDFPath: pdfPath}
	return natsutil.Request[IndexRequest, IndexResult](ctx, nc, IndexSubject, req)
}
