// Package clip provides an HTTP client for a CLIP-style dual-encoder worker
// that embeds text and images into comparable vector spaces.
package clip

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/WessleyAI/pdfsearch/pkg/fn"
	"github.com/WessleyAI/pdfsearch/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// DefaultModel is the model name sent when none is configured.
const DefaultModel = "openai/clip-vit-base-patch32"

// ItemError reports a failure tied to one input of a batch.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string { return fmt.Sprintf("clip: item %d: %v", e.Index, e.Err) }

func (e *ItemError) Unwrap() error { return e.Err }

// ItemIndex returns the batch position of the failing input.
func (e *ItemError) ItemIndex() int { return e.Index }

// Options configures the client.
type Options struct {
	Model         string
	Timeout       time.Duration
	RPS           float64 // requests per second; <= 0 disables throttling
	Burst         int
	DecodeWorkers int
	Breaker       resilience.BreakerOpts
	Logger        *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Model:         DefaultModel,
		Timeout:       60 * time.Second,
		RPS:           10,
		Burst:         5,
		DecodeWorkers: 4,
		Breaker:       breakerOpts(),
	}
}

func breakerOpts() resilience.BreakerOpts {
	b := resilience.DefaultBreakerOpts
	b.Name = "clip"
	return b
}

// Client calls the embedding worker over HTTP.
type Client struct {
	baseURL string
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewClient creates a CLIP embedding client.
func NewClient(baseURL string, opts Options) *Client {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breaker.Name == "" {
		opts.Breaker.Name = "clip"
	}
	if opts.Breaker.IsFailure == nil {
		opts.Breaker.IsFailure = serviceFault
	}
	if opts.Breaker.OnStateChange == nil {
		log := opts.Logger
		opts.Breaker.OnStateChange = func(from, to resilience.State) {
			log.Warn("clip: breaker state change", "from", from.String(), "to", to.String(), "url", baseURL)
		}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{
		baseURL: baseURL,
		opts:    opts,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		breaker: resilience.NewBreaker(opts.Breaker),
	}
}

type textReq struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type imageReq struct {
	Model  string   `json:"model"`
	Images []string `json:"images"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type errorResp struct {
	Error string `json:"error"`
	Index *int   `json:"index,omitempty"`
}

// EmbedText embeds a single text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedTextBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedImage embeds the image stored at path.
func (c *Client) EmbedImage(ctx context.Context, path string) ([]float32, error) {
	out, err := c.EmbedImageBatch(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedTextBatch embeds texts, returning one vector per input in input order.
func (c *Client) EmbedTextBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.post(ctx, "/embed/text", textReq{Model: c.opts.Model, Texts: texts}, len(texts))
}

// EmbedImageBatch decodes each image as RGB and embeds the batch. A file that
// cannot be decoded fails the batch with an ItemError before any request.
func (c *Client) EmbedImageBatch(ctx context.Context, paths []string) ([][]float32, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	encoded := fn.ParMapResult(paths, c.opts.DecodeWorkers, func(p string) fn.Result[string] {
		return fn.FromPair(encodeRGB(p))
	})
	images := make([]string, len(paths))
	for i, r := range encoded {
		v, err := r.Unwrap()
		if err != nil {
			return nil, &ItemError{Index: i, Err: err}
		}
		images[i] = v
	}
	return c.post(ctx, "/embed/image", imageReq{Model: c.opts.Model, Images: images}, len(paths))
}

func (c *Client) post(ctx context.Context, path string, body any, want int) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("clip: rate limit: %w", err)
	}

	var out [][]float32
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.do(ctx, path, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out) != want {
		return nil, fmt.Errorf("clip: %s: got %d embeddings for %d inputs", path, len(out), want)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, path string, body any) ([][]float32, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("clip: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clip: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e errorResp
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.Index != nil {
				return nil, &ItemError{Index: *e.Index, Err: fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)}
			}
			return nil, fmt.Errorf("clip: %s: status %d: %s", path, resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("clip: %s: status %d", path, resp.StatusCode)
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("clip: %s: decode: %w", path, err)
	}
	return result.Embeddings, nil
}

// serviceFault reports whether err says something about the service's
// health. A rejected input does not.
func serviceFault(err error) bool {
	var ie *ItemError
	return !errors.As(err, &ie)
}

// encodeRGB decodes an image file, flattens it to opaque RGB and returns it
// as base64 PNG.
func encodeRGB(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return "", fmt.Errorf("encode %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
