package repo

import (
	"context"
	"fmt"
	"regexp"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Neo4jRepo is a generic Neo4j-backed repository storing one node per entity.
type Neo4jRepo[T any, ID comparable] struct {
	driver     neo4j.DriverWithContext
	database   string
	label      string
	idKey      string
	toMap      func(T) map[string]any
	fromRecord func(*neo4j.Record) (T, error)
	newSession func(ctx context.Context) runner // for testing
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.idKey = key }
}

// WithDatabase targets a named database instead of the server default.
func WithDatabase[T any, ID comparable](name string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.database = name }
}

// NewNeo4jRepo creates a new Neo4j-backed repository.
func NewNeo4jRepo[T any, ID comparable](
	driver neo4j.DriverWithContext,
	label string,
	toMap func(T) map[string]any,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		driver:     driver,
		label:      label,
		idKey:      "id",
		toMap:      toMap,
		fromRecord: fromRecord,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Compile-time interface check.
var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (r *Neo4jRepo[T, ID]) session(ctx context.Context) runner {
	if r.newSession != nil {
		return r.newSession(ctx)
	}
	return &neo4jSessionAdapter{sess: r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database})}
}

// Get returns the entity with the given id or ErrNotFound.
func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return zero, fmt.Errorf("repo: get %s: %w", r.label, err)
	}
	if !res.Next(ctx) {
		return zero, fmt.Errorf("repo: %s %v: %w", r.label, id, ErrNotFound)
	}
	return r.fromRecord(res.Record())
}

var propertyName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// List returns a page of entities. Limit defaults to 100.
func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	order := ""
	if opts.OrderBy != "" {
		if !propertyName.MatchString(opts.OrderBy) {
			return nil, fmt.Errorf("repo: list %s: invalid order property %q", r.label, opts.OrderBy)
		}
		order = " ORDER BY n." + opts.OrderBy
		if opts.Desc {
			order += " DESC"
		}
	}

	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s) RETURN n%s SKIP $offset LIMIT $limit", r.label, order)
	res, err := sess.Run(ctx, cypher, map[string]any{"offset": opts.Offset, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.label, err)
	}

	var items []T
	for res.Next(ctx) {
		item, err := r.fromRecord(res.Record())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Save merges the entity on its id, creating the node if absent and
// overwriting its properties otherwise.
func (r *Neo4jRepo[T, ID]) Save(ctx context.Context, entity T) (T, error) {
	var zero T
	props := r.toMap(entity)
	id, ok := props[r.idKey]
	if !ok {
		return zero, fmt.Errorf("repo: save %s: missing %q property", r.label, r.idKey)
	}

	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n += $props RETURN n", r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id, "props": props})
	if err != nil {
		return zero, fmt.Errorf("repo: save %s: %w", r.label, err)
	}
	if !res.Next(ctx) {
		return zero, fmt.Errorf("repo: save %s: no node returned", r.label)
	}
	return r.fromRecord(res.Record())
}

// Delete removes the entity with the given id or returns ErrNotFound.
func (r *Neo4jRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) DETACH DELETE n RETURN count(n) AS deleted", r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("repo: delete %s: %w", r.label, err)
	}
	if !res.Next(ctx) {
		return nil
	}
	if rec := res.Record(); len(rec.Values) > 0 {
		if n, ok := rec.Values[0].(int64); ok && n == 0 {
			return fmt.Errorf("repo: %s %v: %w", r.label, id, ErrNotFound)
		}
	}
	return nil
}
