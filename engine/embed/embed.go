// Package embed defines the embedding capability used by indexing and search
// and a wrapper that holds any implementation to the batch contract.
package embed

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/WessleyAI/pdfsearch/engine/domain"
)

// Modalities reported in EmbeddingError.
const (
	ModalityText  = "text"
	ModalityImage = "image"
)

// Provider embeds text and images. Batch calls return one vector per input,
// in input order.
type Provider interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, imagePath string) ([]float32, error)
	EmbedTextBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedImageBatch(ctx context.Context, imagePaths []string) ([][]float32, error)
}

// indexed is satisfied by provider errors that know which batch item failed.
type indexed interface {
	error
	ItemIndex() int
}

// Checked wraps a Provider and enforces the batch contract: one vector per
// input, and a fixed dimensionality per modality for the process lifetime.
// Every failure is returned as a *domain.EmbeddingError.
type Checked struct {
	inner Provider

	mu       sync.Mutex
	dimText  int
	dimImage int
}

// NewChecked wraps p.
func NewChecked(p Provider) *Checked {
	return &Checked{inner: p}
}

// EmbedText embeds one text.
func (c *Checked) EmbedText(ctx context.Context, text string) ([]float32, error) {
	v, err := c.inner.EmbedText(ctx, text)
	if err != nil {
		return nil, wrap(ModalityText, err)
	}
	if err := c.check(ModalityText, 0, v); err != nil {
		return nil, err
	}
	return v, nil
}

// EmbedImage embeds the image at imagePath.
func (c *Checked) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	v, err := c.inner.EmbedImage(ctx, imagePath)
	if err != nil {
		return nil, wrap(ModalityImage, err)
	}
	if err := c.check(ModalityImage, 0, v); err != nil {
		return nil, err
	}
	return v, nil
}

// EmbedTextBatch embeds texts in order.
func (c *Checked) EmbedTextBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, err := c.inner.EmbedTextBatch(ctx, texts)
	if err != nil {
		return nil, wrap(ModalityText, err)
	}
	return c.checkBatch(ModalityText, len(texts), out)
}

// EmbedImageBatch embeds images in order.
func (c *Checked) EmbedImageBatch(ctx context.Context, imagePaths []string) ([][]float32, error) {
	if len(imagePaths) == 0 {
		return nil, nil
	}
	out, err := c.inner.EmbedImageBatch(ctx, imagePaths)
	if err != nil {
		return nil, wrap(ModalityImage, err)
	}
	return c.checkBatch(ModalityImage, len(imagePaths), out)
}

func (c *Checked) checkBatch(modality string, want int, out [][]float32) ([][]float32, error) {
	if len(out) != want {
		return nil, &domain.EmbeddingError{
			Modality: modality,
			Index:    -1,
			Err:      fmt.Errorf("got %d vectors for %d inputs", len(out), want),
		}
	}
	for i, v := range out {
		if err := c.check(modality, i, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// check pins the modality's dimensionality on first use and rejects any
// vector that differs from it.
func (c *Checked) check(modality string, index int, v []float32) error {
	if len(v) == 0 {
		return &domain.EmbeddingError{Modality: modality, Index: index, Err: errors.New("empty vector")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dim := &c.dimText
	if modality == ModalityImage {
		dim = &c.dimImage
	}
	if *dim == 0 {
		*dim = len(v)
		return nil
	}
	if len(v) != *dim {
		return &domain.EmbeddingError{
			Modality: modality,
			Index:    index,
			Err:      fmt.Errorf("%w: got %d, want %d", domain.ErrDimension, len(v), *dim),
		}
	}
	return nil
}

func wrap(modality string, err error) error {
	var ee *domain.EmbeddingError
	if errors.As(err, &ee) {
		return err
	}
	idx := -1
	var ie indexed
	if errors.As(err, &ie) {
		idx = ie.ItemIndex()
	}
	return &domain.EmbeddingError{Modality: modality, Index: idx, Err: err}
}

// PlaceholderName is the file name of the sample image used to size the
// image vector field.
const PlaceholderName = "placeholder.png"

// encodePNG is swapped in tests.
var encodePNG = png.Encode

// Placeholder writes a 100x100 white PNG into dir, reusing it if present, and
// returns its path. The file only appears once it is complete.
func Placeholder(dir string) (string, error) {
	p := filepath.Join(dir, PlaceholderName)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("embed: placeholder dir: %w", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	f, err := os.CreateTemp(dir, ".placeholder-*.png")
	if err != nil {
		return "", fmt.Errorf("embed: placeholder: %w", err)
	}
	tmp := f.Name()
	if err := encodePNG(f, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("embed: placeholder encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("embed: placeholder: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("embed: placeholder: %w", err)
	}
	return p, nil
}
