package search

import (
	"context"
	"time"

	"github.com/WessleyAI/pdfsearch/engine/domain"
	"github.com/WessleyAI/pdfsearch/pkg/fn"
	"github.com/WessleyAI/pdfsearch/pkg/metrics"
)

// SearchByText returns the pages whose text vectors are closest to the
// query, best first.
func (e *Engine) SearchByText(ctx context.Context, query string, limit int) ([]domain.Result, error) {
	return e.SearchByTextField(ctx, query, domain.FieldText, limit)
}

// SearchByTextField searches a text query against either vector field. With
// FieldImage it finds pages whose rendering matches the text.
func (e *Engine) SearchByTextField(ctx context.Context, query string, field domain.Field, limit int) ([]domain.Result, error) {
	if err := domain.ValidateQuery(query); err != nil {
		return nil, err
	}
	if err := domain.ValidateField(field); err != nil {
		return nil, err
	}
	if err := domain.ValidateLimit(limit); err != nil {
		return nil, err
	}
	if err := e.checkStarted("search"); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []domain.Result{}, nil
	}

	defer metrics.Since(e.metrics.SearchDuration.WithLabelValues(string(field)), time.Now())
	vec, err := e.embedText(ctx, query)
	if err != nil {
		return nil, e.searchFailed(field, err)
	}
	return e.search(ctx, field, vec, limit)
}

// SearchByImage returns the pages whose rendered images are closest to the
// image at imagePath, best first.
func (e *Engine) SearchByImage(ctx context.Context, imagePath string, limit int) ([]domain.Result, error) {
	if err := domain.ValidateImagePath(imagePath); err != nil {
		return nil, err
	}
	if err := domain.ValidateLimit(limit); err != nil {
		return nil, err
	}
	if err := e.checkStarted("search"); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []domain.Result{}, nil
	}

	defer metrics.Since(e.metrics.SearchDuration.WithLabelValues(string(domain.FieldImage)), time.Now())
	vec, err := e.embedImage(ctx, imagePath)
	if err != nil {
		return nil, e.searchFailed(domain.FieldImage, err)
	}
	return e.search(ctx, domain.FieldImage, vec, limit)
}

func (e *Engine) search(ctx context.Context, field domain.Field, vec []float32, limit int) ([]domain.Result, error) {
	r := fn.Retry(ctx, e.opts.Retry, func(ctx context.Context) fn.Result[[]domain.SearchHit] {
		hits, err := e.index.Search(ctx, field, vec, limit)
		return fn.FromPair(hits, err)
	})
	hits, err := r.Unwrap()
	if err != nil {
		return nil, e.searchFailed(field, err)
	}
	return fn.Map(hits, domain.ResultFromHit), nil
}

func (e *Engine) searchFailed(field domain.Field, err error) error {
	e.metrics.SearchErrors.WithLabelValues(string(field)).Inc()
	e.log.Error("search: query failed", "field", field, "err", err)
	return err
}
