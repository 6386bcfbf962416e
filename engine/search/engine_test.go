package search

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WessleyAI/pdfsearch/engine/catalog"
	"github.com/WessleyAI/pdfsearch/engine/document"
	"github.com/WessleyAI/pdfsearch/engine/domain"
	"github.com/WessleyAI/pdfsearch/engine/semantic"
	"github.com/WessleyAI/pdfsearch/pkg/fn"
	"github.com/WessleyAI/pdfsearch/pkg/metrics"
)

// --- Fakes ---

const (
	textDim  = 8
	imageDim = 4
)

// hashEmbedder maps each word of a text to a bucket and each image path to a
// fixed vector, so equal inputs embed identically.
type hashEmbedder struct {
	mu        sync.Mutex
	textCalls int
	failText  error
	failImage error
}

func bucket(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

func textVec(s string) []float32 {
	v := make([]float32, textDim)
	v[textDim-1] = 0.1
	for _, w := range strings.Fields(strings.ToLower(s)) {
		v[bucket(w, textDim-1)]++
	}
	return v
}

func imageVec(path string) []float32 {
	v := make([]float32, imageDim)
	for i := range v {
		v[i] = float32(bucket(filepath.Base(path)+string(rune('a'+i)), 97) + 1)
	}
	return v
}

func (h *hashEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	h.mu.Lock()
	h.textCalls++
	h.mu.Unlock()
	if h.failText != nil {
		return nil, h.failText
	}
	return textVec(text), nil
}

func (h *hashEmbedder) EmbedImage(_ context.Context, path string) ([]float32, error) {
	if h.failImage != nil {
		return nil, h.failImage
	}
	return imageVec(path), nil
}

func (h *hashEmbedder) EmbedTextBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return fn.Map(texts, textVec), h.failText
}

func (h *hashEmbedder) EmbedImageBatch(ctx context.Context, paths []string) ([][]float32, error) {
	if h.failImage != nil {
		return nil, h.failImage
	}
	return fn.Map(paths, imageVec), nil
}

// memIndex is an in-memory cosine index.
type memIndex struct {
	mu       sync.Mutex
	points   []domain.IndexedPoint
	dimText  int
	dimImage int
	ensured  int
	upserts  int
	searches int
	closed   bool

	unavailable int   // fail this many calls with IndexUnavailableError
	rejectCall  int   // reject the n-th upsert call (1-based)
	rejectErr   error // returned for the rejected call
	ensureErr   error
}

func (m *memIndex) Collection() string { return "pdf_pages" }

func (m *memIndex) EnsureCollection(_ context.Context, dimText, dimImage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensureErr != nil {
		return m.ensureErr
	}
	m.ensured++
	m.dimText, m.dimImage = dimText, dimImage
	return nil
}

func (m *memIndex) unavailableLocked(op string) error {
	if m.unavailable > 0 {
		m.unavailable--
		return &domain.IndexUnavailableError{Op: op, Err: errors.New("connection refused")}
	}
	return nil
}

func (m *memIndex) Upsert(_ context.Context, points []domain.IndexedPoint) (semantic.UpsertReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailableLocked("upsert"); err != nil {
		return semantic.UpsertReport{}, err
	}
	m.upserts++
	if m.upserts == m.rejectCall {
		return semantic.UpsertReport{}, m.rejectErr
	}
	for _, p := range points {
		if err := p.Validate(m.dimText, m.dimImage); err != nil {
			return semantic.UpsertReport{}, err
		}
	}
	m.points = append(m.points, points...)
	return semantic.UpsertReport{Batches: 1, Committed: len(points)}, nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func (m *memIndex) Search(_ context.Context, field domain.Field, vector []float32, limit int) ([]domain.SearchHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches++
	if err := m.unavailableLocked("search"); err != nil {
		return nil, err
	}
	hits := make([]domain.SearchHit, 0, len(m.points))
	for _, p := range m.points {
		v := p.TextVector
		if field == domain.FieldImage {
			v = p.ImageVector
		}
		if len(v) != len(vector) {
			return nil, domain.NewValidationError(string(field), "dim", domain.ErrDimension)
		}
		hits = append(hits, domain.SearchHit{ID: p.ID, Score: cosine(v, vector), Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *memIndex) Count(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.points)), nil
}

func (m *memIndex) DeleteByPDF(_ context.Context, pdfID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailableLocked("delete"); err != nil {
		return err
	}
	m.points = fn.Filter(m.points, func(p domain.IndexedPoint) bool { return p.Payload.PDFID != pdfID })
	return nil
}

func (m *memIndex) Close() error {
	m.closed = true
	return nil
}

// fakeProcessor serves canned text and writes one image file per page.
type fakeProcessor struct {
	dir        string
	texts      []string
	imagePages []int // page numbers the render pass reports; nil means 1..len(texts)
	extractErr error
	renderErr  error
	renders    int
}

func (f *fakeProcessor) ExtractText(pdfPath string) ([]document.PageText, error) {
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	out := make([]document.PageText, len(f.texts))
	for i, t := range f.texts {
		out[i] = document.PageText{PageNum: i + 1, Text: t}
	}
	return out, nil
}

func (f *fakeProcessor) RenderPages(_ context.Context, pdfPath, runID string, dpi int) ([]document.PageImage, error) {
	f.renders++
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	pages := f.imagePages
	if pages == nil {
		for i := range f.texts {
			pages = append(pages, i+1)
		}
	}
	stem := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	out := make([]document.PageImage, len(pages))
	for i, n := range pages {
		p := filepath.Join(f.dir, document.PageImageName(stem, runID, n))
		if err := os.WriteFile(p, []byte(p), 0o644); err != nil {
			return nil, err
		}
		out[i] = document.PageImage{PageNum: n, Path: p}
	}
	return out, nil
}

type fakeCatalog struct {
	entries map[string]catalog.Entry
	err     error
}

func (c *fakeCatalog) Record(_ context.Context, e catalog.Entry) error {
	if c.err != nil {
		return c.err
	}
	c.entries[e.PDFID] = e
	return nil
}

func (c *fakeCatalog) Remove(_ context.Context, pdfID string) error {
	if _, ok := c.entries[pdfID]; !ok {
		return catalog.ErrNotFound
	}
	delete(c.entries, pdfID)
	return nil
}

// --- Helpers ---

type harness struct {
	eng     *Engine
	emb     *hashEmbedder
	idx     *memIndex
	proc    *fakeProcessor
	cat     *fakeCatalog
	metrics *metrics.Metrics
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, texts ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		emb:     &hashEmbedder{},
		idx:     &memIndex{},
		proc:    &fakeProcessor{dir: dir, texts: texts},
		cat:     &fakeCatalog{entries: map[string]catalog.Entry{}},
		metrics: metrics.New(),
	}
	opts := DefaultOptions()
	opts.ImageDir = dir
	opts.Retry.InitialWait = time.Millisecond
	opts.Retry.MaxWait = time.Millisecond
	eng, err := New(Deps{
		Embedder:  h.emb,
		Index:     h.idx,
		Processor: h.proc,
		Catalog:   h.cat,
		Metrics:   h.metrics,
		Logger:    quiet(),
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	h.eng = eng
	return h
}

func (h *harness) start(t *testing.T) *harness {
	t.Helper()
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) index(t *testing.T, path string) domain.IndexReport {
	t.Helper()
	rep, err := h.eng.IndexPDF(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	return rep
}

// --- Tests ---

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestNewDefaults(t *testing.T) {
	eng, err := New(Deps{Embedder: &hashEmbedder{}, Index: &memIndex{}, Processor: &fakeProcessor{}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if eng.opts.BatchSize != 5 || eng.opts.SampleText != "Sample text" || eng.opts.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", eng.opts)
	}
	if eng.opts.Retry.RetryIf == nil || eng.metrics == nil || eng.log == nil {
		t.Fatal("retry predicate, metrics and logger must default")
	}
}

func TestStartSizesCollection(t *testing.T) {
	h := newHarness(t).start(t)
	if h.idx.ensured != 1 || h.idx.dimText != textDim || h.idx.dimImage != imageDim {
		t.Fatalf("ensure: calls=%d dims=%d/%d", h.idx.ensured, h.idx.dimText, h.idx.dimImage)
	}
	if _, err := os.Stat(filepath.Join(h.eng.opts.ImageDir, "placeholder.png")); err != nil {
		t.Fatalf("placeholder not written: %v", err)
	}
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t)
	h.emb.failText = errors.New("model down")
	err := h.eng.Start(context.Background())
	var ee *domain.EmbeddingError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}

	h = newHarness(t)
	h.idx.ensureErr = &domain.CollectionStateError{Collection: "pdf_pages", Op: "ensure", Reason: "dimension mismatch"}
	var ce *domain.CollectionStateError
	if err := h.eng.Start(context.Background()); !errors.As(err, &ce) {
		t.Fatalf("expected CollectionStateError, got %v", err)
	}
}

func TestCallsBeforeStart(t *testing.T) {
	h := newHarness(t, "a")
	ctx := context.Background()
	var ce *domain.CollectionStateError

	if _, err := h.eng.IndexPDF(ctx, "a.pdf"); !errors.As(err, &ce) {
		t.Errorf("index: expected CollectionStateError, got %v", err)
	}
	if _, err := h.eng.SearchByText(ctx, "a", 3); !errors.As(err, &ce) {
		t.Errorf("search: expected CollectionStateError, got %v", err)
	}
	if err := h.eng.DeletePDF(ctx, "x"); !errors.As(err, &ce) {
		t.Errorf("delete: expected CollectionStateError, got %v", err)
	}
	if _, err := h.eng.Count(ctx); !errors.As(err, &ce) {
		t.Errorf("count: expected CollectionStateError, got %v", err)
	}
	if h.proc.renders != 0 || h.idx.searches != 0 {
		t.Fatal("no work may happen before start")
	}
}

func TestIndexOnePointPerPage(t *testing.T) {
	h := newHarness(t, "alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta").start(t)
	rep := h.index(t, "/tmp/book.pdf")

	if rep.PagesInSource != 7 || rep.PagesIndexed != 7 || len(rep.Dropped) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(h.idx.points) != 7 {
		t.Fatalf("expected 7 points, got %d", len(h.idx.points))
	}
	// batches of 5
	if h.idx.upserts != 2 {
		t.Fatalf("expected 2 upsert calls, got %d", h.idx.upserts)
	}
	ids := map[string]bool{}
	for i, p := range h.idx.points {
		if p.Payload.PDFID != rep.PDFID || p.Payload.PageNum != i+1 {
			t.Errorf("point %d: payload %+v", i, p.Payload)
		}
		if ids[p.ID] {
			t.Errorf("duplicate point id %s", p.ID)
		}
		ids[p.ID] = true
	}
	if got := testutil.ToFloat64(h.metrics.PagesIndexed); got != 7 {
		t.Errorf("pages indexed metric: %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.PDFsIndexed.WithLabelValues("ok")); got != 1 {
		t.Errorf("pdfs indexed metric: %v", got)
	}
}

func TestIndexTruncatesPreview(t *testing.T) {
	long := strings.Repeat("é", domain.MaxPreviewChars+50)
	h := newHarness(t, long, "short").start(t)
	h.index(t, "doc.pdf")

	if n := len([]rune(h.idx.points[0].Payload.Text)); n != domain.MaxPreviewChars {
		t.Fatalf("expected %d chars, got %d", domain.MaxPreviewChars, n)
	}
	if h.idx.points[1].Payload.Text != "short" {
		t.Fatalf("short text changed: %q", h.idx.points[1].Payload.Text)
	}
}

func TestIndexEmptyPageText(t *testing.T) {
	h := newHarness(t, "first page", "", "third page").start(t)
	rep := h.index(t, "doc.pdf")
	if rep.PagesIndexed != 3 {
		t.Fatalf("empty page must still be indexed: %+v", rep)
	}
	if h.idx.points[1].Payload.Text != "" || h.idx.points[1].Payload.PageNum != 2 {
		t.Fatalf("unexpected payload: %+v", h.idx.points[1].Payload)
	}

	// The blank page is still reachable through its image.
	results, err := h.eng.SearchByImage(context.Background(), h.idx.points[1].Payload.ImagePath, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].PDFID != rep.PDFID || results[0].PageNum != 2 || results[0].TextPreview != "" {
		t.Fatalf("blank page not found by image: %+v", results)
	}
}

func TestIndexEmptyPDF(t *testing.T) {
	h := newHarness(t).start(t)
	rep := h.index(t, "empty.pdf")
	if rep.PagesInSource != 0 || rep.PagesIndexed != 0 || h.idx.upserts != 0 {
		t.Fatalf("unexpected: %+v upserts=%d", rep, h.idx.upserts)
	}
}

func TestIndexDropsMismatchedPages(t *testing.T) {
	h := newHarness(t, "one", "two", "three").start(t)
	h.proc.imagePages = []int{1, 3}
	rep := h.index(t, "doc.pdf")

	if rep.PagesInSource != 3 || rep.PagesIndexed != 1 || len(rep.Dropped) != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := testutil.ToFloat64(h.metrics.PagesDropped); got != 2 {
		t.Errorf("pages dropped metric: %v", got)
	}
}

func TestIndexSameContentDistinctIDs(t *testing.T) {
	h := newHarness(t, "same text").start(t)
	a := h.index(t, "/docs/a/report.pdf")
	b := h.index(t, "/docs/b/report.pdf")
	if a.PDFID == b.PDFID {
		t.Fatal("each run must get a fresh pdf_id")
	}
	if len(h.idx.points) != 2 || h.idx.points[0].ID == h.idx.points[1].ID {
		t.Fatal("identical pages must produce distinct points")
	}

	results, err := h.eng.SearchByText(context.Background(), "same text", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both PDFs, got %+v", results)
	}
	got := map[string]string{}
	for _, r := range results {
		got[r.PDFID] = r.ImagePath
	}
	if _, ok := got[a.PDFID]; !ok {
		t.Fatalf("first PDF missing from results: %+v", results)
	}
	if _, ok := got[b.PDFID]; !ok {
		t.Fatalf("second PDF missing from results: %+v", results)
	}
	if got[a.PDFID] == got[b.PDFID] {
		t.Fatalf("both PDFs point at the same page image %s", got[a.PDFID])
	}
}

func TestIndexFailureStates(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		state State
		check func(error) bool
	}{
		{
			name: "extract",
			setup: func(h *harness) {
				h.proc.extractErr = &domain.ProcessingError{Path: "doc.pdf", Op: "open", Err: errors.New("not a pdf")}
			},
			state: StateReceived,
			check: func(err error) bool { var pe *domain.ProcessingError; return errors.As(err, &pe) },
		},
		{
			name: "render",
			setup: func(h *harness) {
				h.proc.renderErr = &domain.ProcessingError{Path: "doc.pdf", Op: "render", Err: errors.New("pdftoppm missing")}
			},
			state: StateTextExtracted,
			check: func(err error) bool { var pe *domain.ProcessingError; return errors.As(err, &pe) },
		},
		{
			name:  "embed",
			setup: func(h *harness) { h.emb.failImage = errors.New("corrupt png") },
			state: StateImagesRendered,
			check: func(err error) bool { var ee *domain.EmbeddingError; return errors.As(err, &ee) },
		},
		{
			name:  "index down",
			setup: func(h *harness) { h.idx.unavailable = 100 },
			state: StateEmbedded,
			check: domain.IsUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "a", "b").start(t)
			tt.setup(h)
			rep, err := h.eng.IndexPDF(context.Background(), "doc.pdf")
			var ie *IndexError
			if !errors.As(err, &ie) {
				t.Fatalf("expected IndexError, got %v", err)
			}
			if ie.State != tt.state || ie.PDFID != rep.PDFID || ie.Path != "doc.pdf" {
				t.Fatalf("unexpected IndexError: %+v", ie)
			}
			if !tt.check(err) {
				t.Fatalf("cause not preserved: %v", err)
			}
			if len(h.cat.entries) != 0 {
				t.Fatal("failed run must not be recorded")
			}
			if got := testutil.ToFloat64(h.metrics.PDFsIndexed.WithLabelValues("failed")); got != 1 {
				t.Errorf("failed metric: %v", got)
			}
		})
	}
}

func TestIndexFailureKeepsCommittedBatches(t *testing.T) {
	h := newHarness(t, "1", "2", "3", "4", "5", "6").start(t)
	h.eng.opts.Retry.MaxAttempts = 1
	h.idx.rejectCall = 2
	h.idx.rejectErr = &domain.IndexUnavailableError{Op: "upsert", Err: errors.New("gone")}

	rep, err := h.eng.IndexPDF(context.Background(), "doc.pdf")
	var ie *IndexError
	if !errors.As(err, &ie) || ie.State != StateEmbedded {
		t.Fatalf("expected IndexError after EMBEDDED, got %v", err)
	}
	if rep.PagesIndexed != 5 || len(h.idx.points) != 5 {
		t.Fatalf("first batch must stay committed: report=%+v points=%d", rep, len(h.idx.points))
	}
}

func TestIndexRejectedBatchContinues(t *testing.T) {
	h := newHarness(t, "1", "2", "3", "4", "5", "6", "7").start(t)
	h.idx.rejectCall = 1
	h.idx.rejectErr = errors.New("payload too large")

	rep := h.index(t, "doc.pdf")
	if rep.PagesIndexed != 2 || len(rep.FailedPoints) != 5 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := testutil.ToFloat64(h.metrics.UpsertFailures); got != 5 {
		t.Errorf("upsert failures metric: %v", got)
	}
	if e := h.cat.entries[rep.PDFID]; e.PagesIndexed != 2 || e.PagesInSource != 7 {
		t.Fatalf("catalog entry: %+v", e)
	}
}

func TestIndexRetriesUnavailable(t *testing.T) {
	h := newHarness(t, "a", "b").start(t)
	h.idx.unavailable = 2
	rep := h.index(t, "doc.pdf")
	if rep.PagesIndexed != 2 {
		t.Fatalf("expected retry to succeed: %+v", rep)
	}
}

func TestIndexRecordsCatalog(t *testing.T) {
	h := newHarness(t, "a", "b").start(t)
	rep := h.index(t, "/data/pdfs/manual.pdf")
	e, ok := h.cat.entries[rep.PDFID]
	if !ok || e.Source != "manual.pdf" || e.PagesIndexed != 2 {
		t.Fatalf("catalog entry: %+v", e)
	}

	h.cat.err = errors.New("neo4j down")
	if _, err := h.eng.IndexPDF(context.Background(), "doc.pdf"); err != nil {
		t.Fatalf("catalog failure must not fail indexing: %v", err)
	}
}

func TestIndexCancelled(t *testing.T) {
	h := newHarness(t, "a").start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.eng.IndexPDF(ctx, "doc.pdf")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.proc.renders != 0 {
		t.Fatal("cancelled run must not render")
	}
}

func TestSearchByTextRoundTrip(t *testing.T) {
	h := newHarness(t,
		"engine torque specifications",
		"brake pad replacement procedure",
		"wiring diagram for the fuel pump").start(t)
	rep := h.index(t, "manual.pdf")

	results, err := h.eng.SearchByText(context.Background(), "brake pad replacement procedure", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	top := results[0]
	if top.PDFID != rep.PDFID || top.PageNum != 2 || top.TextPreview != "brake pad replacement procedure" {
		t.Fatalf("unexpected top result: %+v", top)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Fatalf("results not sorted: %+v", results)
		}
	}
}

func TestSearchLimits(t *testing.T) {
	h := newHarness(t, "a", "b").start(t)
	h.index(t, "doc.pdf")
	ctx := context.Background()

	results, err := h.eng.SearchByText(ctx, "a", 0)
	if err != nil || len(results) != 0 {
		t.Fatalf("limit 0: %v %v", results, err)
	}
	if h.idx.searches != 0 || h.emb.textCalls != 1 {
		t.Fatal("limit 0 must not embed or search")
	}

	results, err = h.eng.SearchByText(ctx, "a", 50)
	if err != nil || len(results) != 2 {
		t.Fatalf("limit above count: %d %v", len(results), err)
	}

	_, err = h.eng.SearchByText(ctx, "a", -1)
	if !errors.Is(err, domain.ErrInvalidLimit) {
		t.Fatalf("negative limit: %v", err)
	}
}

func TestSearchValidation(t *testing.T) {
	h := newHarness(t).start(t)
	ctx := context.Background()
	var ve *domain.ValidationError

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := h.eng.SearchByText(ctx, q, 3); !errors.As(err, &ve) || !errors.Is(err, domain.ErrEmptyQuery) {
			t.Errorf("query %q: %v", q, err)
		}
	}
	if _, err := h.eng.SearchByTextField(ctx, "q", "title", 3); !errors.Is(err, domain.ErrInvalidField) {
		t.Errorf("field: %v", err)
	}
	if _, err := h.eng.SearchByImage(ctx, filepath.Join(t.TempDir(), "missing.png"), 3); !errors.Is(err, domain.ErrImageUnreadable) {
		t.Errorf("missing image: %v", err)
	}
	if _, err := h.eng.SearchByImage(ctx, t.TempDir(), 3); !errors.Is(err, domain.ErrImageUnreadable) {
		t.Errorf("directory as image: %v", err)
	}
}

func TestSearchEmptyCollection(t *testing.T) {
	h := newHarness(t).start(t)
	results, err := h.eng.SearchByText(context.Background(), "anything", 5)
	if err != nil || len(results) != 0 {
		t.Fatalf("expected empty results, got %v %v", results, err)
	}
}

func TestSearchByImageRoundTrip(t *testing.T) {
	h := newHarness(t, "cover", "diagram", "index").start(t)
	h.index(t, "manual.pdf")

	target := h.idx.points[1].Payload.ImagePath
	results, err := h.eng.SearchByImage(context.Background(), target, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].PageNum != 2 || results[0].ImagePath != target {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchCrossField(t *testing.T) {
	h := newHarness(t, "a", "b").start(t)
	h.index(t, "doc.pdf")

	// text vectors do not fit the image field of this collection
	_, err := h.eng.SearchByTextField(context.Background(), "a", domain.FieldImage, 3)
	if !errors.Is(err, domain.ErrDimension) {
		t.Fatalf("expected dimension error, got %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.SearchErrors.WithLabelValues("image")); got != 1 {
		t.Errorf("search errors metric: %v", got)
	}
}

func TestSearchDeterministic(t *testing.T) {
	h := newHarness(t, "red car", "blue car", "red bike", "green car").start(t)
	h.index(t, "doc.pdf")
	ctx := context.Background()

	first, err := h.eng.SearchByText(ctx, "red car", 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := h.eng.SearchByText(ctx, "red car", 4)
		if err != nil {
			t.Fatal(err)
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("run %d differs at %d: %+v vs %+v", i, j, again[j], first[j])
			}
		}
	}
}

func TestSearchErrorsTyped(t *testing.T) {
	h := newHarness(t, "a").start(t)
	h.index(t, "doc.pdf")
	ctx := context.Background()

	h.idx.unavailable = 2
	if _, err := h.eng.SearchByText(ctx, "a", 1); err != nil {
		t.Fatalf("transient outage must be retried: %v", err)
	}

	h.idx.unavailable = 100
	if _, err := h.eng.SearchByText(ctx, "a", 1); !domain.IsUnavailable(err) {
		t.Fatalf("expected IndexUnavailableError, got %v", err)
	}
	h.idx.unavailable = 0

	h.emb.failText = errors.New("model down")
	var ee *domain.EmbeddingError
	if _, err := h.eng.SearchByText(ctx, "a", 1); !errors.As(err, &ee) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}
}

func TestDeletePDF(t *testing.T) {
	h := newHarness(t, "a", "b").start(t)
	keep := h.index(t, "keep.pdf")
	drop := h.index(t, "drop.pdf")
	ctx := context.Background()

	if err := h.eng.DeletePDF(ctx, drop.PDFID); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.eng.Count(ctx); n != 2 {
		t.Fatalf("expected 2 points left, got %d", n)
	}
	if _, ok := h.cat.entries[drop.PDFID]; ok {
		t.Fatal("catalog entry not removed")
	}
	if _, ok := h.cat.entries[keep.PDFID]; !ok {
		t.Fatal("unrelated catalog entry removed")
	}
	// already gone from the catalog
	if err := h.eng.DeletePDF(ctx, drop.PDFID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := h.eng.DeletePDF(ctx, ""); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("empty id: %v", err)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t).start(t)
	if err := h.eng.Close(); err != nil {
		t.Fatal(err)
	}
	if !h.idx.closed {
		t.Fatal("index not closed")
	}
	var ce *domain.CollectionStateError
	if _, err := h.eng.SearchByText(context.Background(), "a", 1); !errors.As(err, &ce) {
		t.Fatalf("expected CollectionStateError after close, got %v", err)
	}
}
