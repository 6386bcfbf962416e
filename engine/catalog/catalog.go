// Package catalog records which PDFs were indexed, as :PDF nodes in Neo4j.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/pdfsearch/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// Label is the node label used for catalog entries.
const Label = "PDF"

// ErrNotFound is returned for an unknown pdf_id.
var ErrNotFound = repo.ErrNotFound

// Entry is one indexed PDF.
type Entry struct {
	PDFID         string    `json:"pdf_id"`
	Source        string    `json:"source"`
	PagesInSource int       `json:"pages_in_source"`
	PagesIndexed  int       `json:"page_count"`
	IndexedAt     time.Time `json:"indexed_at"`
}

// Store is the catalog backed by a generic repository.
type Store struct {
	repo repo.Repository[Entry, string]
}

// New creates a Store over a Neo4j driver.
func New(driver neo4j.DriverWithContext, database string) *Store {
	return NewWithRepo(repo.NewNeo4jRepo[Entry, string](
		driver, Label, toMap, fromRecord,
		repo.WithIDKey[Entry, string]("pdf_id"),
		repo.WithDatabase[Entry, string](database),
	))
}

// NewWithRepo creates a Store over any repository.
func NewWithRepo(r repo.Repository[Entry, string]) *Store {
	return &Store{repo: r}
}

// Record saves an entry, stamping IndexedAt when unset.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.PDFID == "" {
		return errors.New("catalog: record: empty pdf_id")
	}
	if e.IndexedAt.IsZero() {
		e.IndexedAt = time.Now().UTC()
	}
	if _, err := s.repo.Save(ctx, e); err != nil {
		return fmt.Errorf("catalog: record %s: %w", e.PDFID, err)
	}
	return nil
}

// Get returns the entry for pdfID.
func (s *Store) Get(ctx context.Context, pdfID string) (Entry, error) {
	e, err := s.repo.Get(ctx, pdfID)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: get %s: %w", pdfID, err)
	}
	return e, nil
}

// List returns entries, most recently indexed first.
func (s *Store) List(ctx context.Context, offset, limit int) ([]Entry, error) {
	entries, err := s.repo.List(ctx, repo.ListOpts{Offset: offset, Limit: limit, OrderBy: "indexed_at", Desc: true})
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return entries, nil
}

// Remove deletes the entry for pdfID.
func (s *Store) Remove(ctx context.Context, pdfID string) error {
	if err := s.repo.Delete(ctx, pdfID); err != nil {
		return fmt.Errorf("catalog: remove %s: %w", pdfID, err)
	}
	return nil
}

func toMap(e Entry) map[string]any {
	return map[string]any{
		"pdf_id":          e.PDFID,
		"source":          e.Source,
		"pages_in_source": int64(e.PagesInSource),
		"pages_indexed":   int64(e.PagesIndexed),
		"indexed_at":      e.IndexedAt,
	}
}

func fromRecord(rec *neo4j.Record) (Entry, error) {
	if len(rec.Values) == 0 {
		return Entry{}, errors.New("catalog: empty record")
	}
	var props map[string]any
	switch v := rec.Values[0].(type) {
	case dbtype.Node:
		props = v.Props
	case map[string]any:
		props = v
	default:
		return Entry{}, fmt.Errorf("catalog: unexpected record value %T", rec.Values[0])
	}

	e := Entry{}
	e.PDFID, _ = props["pdf_id"].(string)
	e.Source, _ = props["source"].(string)
	e.PagesInSource = toInt(props["pages_in_source"])
	e.PagesIndexed = toInt(props["pages_indexed"])
	switch t := props["indexed_at"].(type) {
	case time.Time:
		e.IndexedAt = t
	case dbtype.LocalDateTime:
		e.IndexedAt = t.Time()
	}
	if e.PDFID == "" {
		return Entry{}, errors.New("catalog: record without pdf_id")
	}
	return e, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}
