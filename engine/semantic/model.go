package semantic

import (
	"fmt"
	"strings"
)

// Payload keys stored on every point.
const (
	keyPDFID     = "pdf_id"
	keyPageNum   = "page_num"
	keyText      = "text"
	keyImagePath = "image_path"
)

// Upsert batch bounds.
const (
	DefaultBatchSize = 16
	MaxBatchSize     = 256
)

// Policy decides how EnsureCollection treats an existing collection.
type Policy string

const (
	// CreateIfAbsent keeps an existing collection and its points.
	CreateIfAbsent Policy = "create-if-absent"
	// Recreate drops any existing collection and starts empty.
	Recreate Policy = "recreate"
)

// ParsePolicy maps a config string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CreateIfAbsent:
		return CreateIfAbsent, nil
	case Recreate:
		return Recreate, nil
	}
	return "", fmt.Errorf("semantic: unknown collection policy %q", s)
}

// Options configures a VectorStore.
type Options struct {
	Policy    Policy
	BatchSize int
}

// BatchFailure is one upsert batch the backend rejected.
type BatchFailure struct {
	IDs []string
	Err error
}

// UpsertReport describes which points of an Upsert call were committed.
type UpsertReport struct {
	Batches   int
	Committed int
	Failed    []BatchFailure
}

// FailedIDs returns the ids of every point in a failed batch.
func (r UpsertReport) FailedIDs() []string {
	var ids []string
	for _, f := range r.Failed {
		ids = append(ids, f.IDs...)
	}
	return ids
}
