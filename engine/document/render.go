package document

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Renderer rasterises a PDF into PNG files under outDir.
type Renderer interface {
	Render(ctx context.Context, pdfPath, outDir string, dpi int) ([]PageImage, error)
}

// PdftoppmRenderer shells out to poppler's pdftoppm.
type PdftoppmRenderer struct {
	// Binary defaults to "pdftoppm" on PATH.
	Binary string
}

// pdftoppm names pages <prefix>-<n>.png, zero padded to the page count width.
var pdftoppmPage = regexp.MustCompile(`-(\d+)\.png$`)

// Render runs pdftoppm and returns the produced pages sorted by number.
func (r *PdftoppmRenderer) Render(ctx context.Context, pdfPath, outDir string, dpi int) ([]PageImage, error) {
	bin := r.Binary
	if bin == "" {
		bin = "pdftoppm"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%s not available: %w", bin, err)
	}

	cmd := exec.CommandContext(ctx, bin, "-r", strconv.Itoa(dpi), "-png", pdfPath, filepath.Join(outDir, "page"))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %v, stderr: %s", bin, err, stderr.String())
	}
	return collectPages(outDir)
}

func collectPages(dir string) ([]PageImage, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	pages := make([]PageImage, 0, len(files))
	for _, f := range files {
		m := pdftoppmPage.FindStringSubmatch(filepath.Base(f))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		pages = append(pages, PageImage{PageNum: n, Path: f})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNum < pages[j].PageNum })
	return pages, nil
}
