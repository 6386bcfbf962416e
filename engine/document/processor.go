// Package document turns a PDF file into per-page records: the text of each
// page and a rendered PNG of each page, zipped by page number.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/WessleyAI/pdfsearch/engine/domain"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
)

// DefaultDPI is the render resolution used when none is configured.
const DefaultDPI = 200

// PurgePolicy controls what happens to previously rendered page images.
type PurgePolicy string

const (
	// PurgeNever keeps every rendered page image, so results from earlier
	// runs keep pointing at valid files.
	PurgeNever PurgePolicy = "never"
	// PurgeBeforeRun removes rendered page images before each render.
	PurgeBeforeRun PurgePolicy = "before-run"
)

// ParsePurgePolicy maps a config string onto a policy.
func ParsePurgePolicy(s string) (PurgePolicy, error) {
	switch PurgePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PurgeNever:
		return PurgeNever, nil
	case PurgeBeforeRun:
		return PurgeBeforeRun, nil
	}
	return "", fmt.Errorf("document: unknown purge policy %q", s)
}

// PageText is the extracted text of one page.
type PageText struct {
	PageNum int
	Text    string
}

// PageImage is the rendered image of one page.
type PageImage struct {
	PageNum int
	Path    string
}

// ZipResult is the zipped outcome of the text and render passes.
type ZipResult struct {
	Pages         []domain.PageRecord
	PagesInSource int
	Warnings      []domain.PageWarning
}

// Options configures a Processor.
type Options struct {
	PDFDir   string
	ImageDir string
	DPI      int
	Purge    PurgePolicy
	Renderer Renderer
	Logger   *slog.Logger
}

// DefaultOptions returns the directory layout used by the CLI.
func DefaultOptions() Options {
	return Options{
		PDFDir:   "pdfs",
		ImageDir: "images",
		DPI:      DefaultDPI,
		Purge:    PurgeNever,
	}
}

// Processor extracts and renders PDF pages.
type Processor struct {
	opts     Options
	renderer Renderer
	extract  func(path string) ([]PageText, error)
	log      *slog.Logger
}

// New creates a Processor. A nil Renderer defaults to pdftoppm.
func New(opts Options) *Processor {
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}
	if opts.Purge == "" {
		opts.Purge = PurgeNever
	}
	if opts.Renderer == nil {
		opts.Renderer = &PdftoppmRenderer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Processor{opts: opts, renderer: opts.Renderer, log: opts.Logger}
	p.extract = p.extractText
	return p
}

// ExtractText returns the text of every page in document order. A page whose
// content stream cannot be decoded yields empty text; a file that cannot be
// opened or parsed is a *domain.ProcessingError.
func (p *Processor) ExtractText(pdfPath string) ([]PageText, error) {
	return p.extract(pdfPath)
}

func (p *Processor) extractText(pdfPath string) (pages []PageText, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = &domain.ProcessingError{Path: pdfPath, Op: "parse", Err: fmt.Errorf("%v", r)}
		}
	}()

	f, reader, err := pdf.Open(pdfPath)
	if err != nil {
		return nil, &domain.ProcessingError{Path: pdfPath, Op: "open", Err: err}
	}
	defer f.Close()

	n := reader.NumPage()
	pages = make([]PageText, 0, n)
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			p.log.Warn("document: page has no content", "path", pdfPath, "page", i)
			pages = append(pages, PageText{PageNum: i})
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := page.Font(name)
				fonts[name] = &font
			}
		}
		text, err := pageText(page, fonts)
		if err != nil {
			p.log.Warn("document: page text unreadable", "path", pdfPath, "page", i, "err", err)
			text = ""
		}
		pages = append(pages, PageText{PageNum: i, Text: text})
	}
	return pages, nil
}

func pageText(page pdf.Page, fonts map[string]*pdf.Font) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return page.GetPlainText(fonts)
}

// RenderPages rasterises every page at dpi into ImageDir as
// <stem>_<runID>_page_<n>.png and returns them in page order. runID keeps
// runs over files with the same name apart; an empty runID gets a fresh one.
func (p *Processor) RenderPages(ctx context.Context, pdfPath, runID string, dpi int) ([]PageImage, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if dpi <= 0 {
		dpi = p.opts.DPI
	}
	if err := os.MkdirAll(p.opts.ImageDir, 0o755); err != nil {
		return nil, &domain.ProcessingError{Path: pdfPath, Op: "render", Err: err}
	}
	if p.opts.Purge == PurgeBeforeRun {
		if err := p.purge(); err != nil {
			return nil, &domain.ProcessingError{Path: pdfPath, Op: "purge", Err: err}
		}
	}

	tmp, err := os.MkdirTemp(p.opts.ImageDir, ".render-")
	if err != nil {
		return nil, &domain.ProcessingError{Path: pdfPath, Op: "render", Err: err}
	}
	defer os.RemoveAll(tmp)

	rendered, err := p.renderer.Render(ctx, pdfPath, tmp, dpi)
	if err != nil {
		return nil, &domain.ProcessingError{Path: pdfPath, Op: "render", Err: err}
	}

	stem := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	out := make([]PageImage, 0, len(rendered))
	for _, img := range rendered {
		dst := filepath.Join(p.opts.ImageDir, PageImageName(stem, runID, img.PageNum))
		if err := os.Rename(img.Path, dst); err != nil {
			return nil, &domain.ProcessingError{Path: pdfPath, Op: "render", Err: err}
		}
		out = append(out, PageImage{PageNum: img.PageNum, Path: dst})
	}
	return out, nil
}

// PageImageName is the file name of a rendered page.
func PageImageName(stem, runID string, page int) string {
	return fmt.Sprintf("%s_%s_page_%d.png", stem, runID, page)
}

func (p *Processor) purge() error {
	matches, err := filepath.Glob(filepath.Join(p.opts.ImageDir, "*_page_*.png"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(matches) > 0 {
		p.log.Info("document: purged page images", "dir", p.opts.ImageDir, "count", len(matches))
	}
	return errors.Join(errs...)
}

// Zip pairs text and image passes by position. A page whose text and image
// page numbers disagree is dropped with a warning, as is any surplus page one
// pass produced and the other did not.
func Zip(texts []PageText, images []PageImage) ZipResult {
	n := max(len(texts), len(images))
	res := ZipResult{
		Pages:         make([]domain.PageRecord, 0, min(len(texts), len(images))),
		PagesInSource: n,
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(texts):
			res.Warnings = append(res.Warnings, domain.PageWarning{
				Position: i, ImagePage: images[i].PageNum, Reason: "no text for rendered page",
			})
		case i >= len(images):
			res.Warnings = append(res.Warnings, domain.PageWarning{
				Position: i, TextPage: texts[i].PageNum, Reason: "no image for page",
			})
		case texts[i].PageNum != images[i].PageNum:
			res.Warnings = append(res.Warnings, domain.PageWarning{
				Position: i, TextPage: texts[i].PageNum, ImagePage: images[i].PageNum, Reason: "page number mismatch",
			})
		default:
			res.Pages = append(res.Pages, domain.PageRecord{
				PageNum:   texts[i].PageNum,
				Text:      texts[i].Text,
				ImagePath: images[i].Path,
			})
		}
	}
	return res
}

// SavePDF stores an uploaded PDF under PDFDir and returns its path. An empty
// filename gets a random name.
func (p *Processor) SavePDF(r io.Reader, filename string) (string, error) {
	name := filepath.Base(filename)
	if filename == "" || name == "." || name == string(filepath.Separator) {
		name = uuid.NewString() + ".pdf"
	}
	if err := os.MkdirAll(p.opts.PDFDir, 0o755); err != nil {
		return "", fmt.Errorf("document: save: %w", err)
	}
	dst := filepath.Join(p.opts.PDFDir, name)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("document: save: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("document: save %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("document: save %s: %w", name, err)
	}
	return dst, nil
}
