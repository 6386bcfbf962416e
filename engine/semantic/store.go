// Package semantic owns the vector collection: one point per PDF page with a
// "text" and an "image" named vector sharing a single payload.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/WessleyAI/pdfsearch/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// PointsAPI is the subset of pb.PointsClient the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient the store uses.
type CollectionsAPI interface {
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	opts        Options

	mu       sync.RWMutex
	ready    bool
	dimText  int
	dimImage int
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, collection string, opts Options) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &domain.IndexUnavailableError{Op: "dial " + addr, Err: err}
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, opts)
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore over existing clients. Close is a no-op
// for stores built this way.
func NewWithClients(points PointsAPI, collections CollectionsAPI, collection string, opts Options) *VectorStore {
	if opts.Policy == "" {
		opts.Policy = CreateIfAbsent
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	opts.BatchSize = min(opts.BatchSize, MaxBatchSize)
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		opts:        opts,
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// EnsureCollection makes the collection exist with both named vectors at the
// given sizes, honouring the configured Policy. Under CreateIfAbsent an
// existing collection with different sizes is a *domain.CollectionStateError.
func (v *VectorStore) EnsureCollection(ctx context.Context, dimText, dimImage int) error {
	if dimText <= 0 || dimImage <= 0 {
		return &domain.CollectionStateError{
			Collection: v.collection, Op: "ensure",
			Reason: fmt.Sprintf("invalid dimensions text=%d image=%d", dimText, dimImage),
		}
	}

	exists, err := v.exists(ctx)
	if err != nil {
		return err
	}
	if exists && v.opts.Policy == Recreate {
		if err := v.dropCollection(ctx); err != nil {
			return err
		}
		exists = false
	}

	if exists {
		if err := v.checkSchema(ctx, dimText, dimImage); err != nil {
			return err
		}
	} else if err := v.create(ctx, dimText, dimImage); err != nil {
		return err
	}

	v.mu.Lock()
	v.ready, v.dimText, v.dimImage = true, dimText, dimImage
	v.mu.Unlock()
	return nil
}

func (v *VectorStore) exists(ctx context.Context) (bool, error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, mapErr("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return true, nil
		}
	}
	return false, nil
}

func (v *VectorStore) create(ctx context.Context, dimText, dimImage int) error {
	_, err := v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{
					Map: map[string]*pb.VectorParams{
						string(domain.FieldText):  {Size: uint64(dimText), Distance: pb.Distance_Cosine},
						string(domain.FieldImage): {Size: uint64(dimImage), Distance: pb.Distance_Cosine},
					},
				},
			},
		},
	})
	if err != nil {
		return mapErr("create collection "+v.collection, err)
	}
	return nil
}

func (v *VectorStore) checkSchema(ctx context.Context, dimText, dimImage int) error {
	info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return mapErr("get collection "+v.collection, err)
	}
	named := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()
	want := map[domain.Field]int{domain.FieldText: dimText, domain.FieldImage: dimImage}
	for field, dim := range want {
		p, ok := named[string(field)]
		if !ok {
			return &domain.CollectionStateError{
				Collection: v.collection, Op: "ensure",
				Reason: fmt.Sprintf("existing collection has no %q vector; recreate it", field),
			}
		}
		if int(p.GetSize()) != dim {
			return &domain.CollectionStateError{
				Collection: v.collection, Op: "ensure",
				Reason: fmt.Sprintf("%q vector size is %d, model produces %d; recreate it", field, p.GetSize(), dim),
			}
		}
	}
	return nil
}

// DeleteCollection deletes the collection. The store must be re-ensured
// before further use.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	if err := v.dropCollection(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	v.ready = false
	v.mu.Unlock()
	return nil
}

func (v *VectorStore) dropCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return mapErr("delete collection "+v.collection, err)
	}
	return nil
}

func (v *VectorStore) checkReady(op string) (dimText, dimImage int, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.ready {
		return 0, 0, &domain.CollectionStateError{Collection: v.collection, Op: op, Reason: "collection not ensured"}
	}
	return v.dimText, v.dimImage, nil
}

// Upsert writes points in batches of Options.BatchSize. Every point is
// validated before anything is written. A rejected batch is recorded in the
// report and the remaining batches still run; committed batches stay
// committed. The error is non-nil only when nothing was committed.
func (v *VectorStore) Upsert(ctx context.Context, points []domain.IndexedPoint) (UpsertReport, error) {
	dimText, dimImage, err := v.checkReady("upsert")
	if err != nil {
		return UpsertReport{}, err
	}
	if len(points) == 0 {
		return UpsertReport{}, nil
	}
	for _, p := range points {
		if err := p.Validate(dimText, dimImage); err != nil {
			return UpsertReport{}, fmt.Errorf("semantic: upsert: point %s: %w", p.ID, err)
		}
	}

	var report UpsertReport
	wait := true
	for start := 0; start < len(points); start += v.opts.BatchSize {
		batch := points[start:min(start+v.opts.BatchSize, len(points))]
		report.Batches++

		ids := make([]string, len(batch))
		structs := make([]*pb.PointStruct, len(batch))
		for i, p := range batch {
			ids[i] = p.ID
			structs[i] = toPointStruct(p)
		}

		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, BatchFailure{IDs: ids, Err: err})
			continue
		}
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points:         structs,
		})
		if err != nil {
			report.Failed = append(report.Failed, BatchFailure{
				IDs: ids,
				Err: mapErr(fmt.Sprintf("upsert %d points", len(batch)), err),
			})
			continue
		}
		report.Committed += len(batch)
	}

	if report.Committed == 0 {
		return report, report.Failed[0].Err
	}
	return report, nil
}

func toPointStruct(p domain.IndexedPoint) *pb.PointStruct {
	return &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vectors{
				Vectors: &pb.NamedVectors{
					Vectors: map[string]*pb.Vector{
						string(domain.FieldText):  {Data: p.TextVector},
						string(domain.FieldImage): {Data: p.ImageVector},
					},
				},
			},
		},
		Payload: map[string]*pb.Value{
			keyPDFID:     {Kind: &pb.Value_StringValue{StringValue: p.Payload.PDFID}},
			keyPageNum:   {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.Payload.PageNum)}},
			keyText:      {Kind: &pb.Value_StringValue{StringValue: p.Payload.Text}},
			keyImagePath: {Kind: &pb.Value_StringValue{StringValue: p.Payload.ImagePath}},
		},
	}
}

// Search returns the limit nearest points on the named field, by descending
// cosine score with ties broken by point id. A zero limit returns no hits
// without calling the backend.
func (v *VectorStore) Search(ctx context.Context, field domain.Field, vector []float32, limit int) ([]domain.SearchHit, error) {
	if err := domain.ValidateField(field); err != nil {
		return nil, err
	}
	if err := domain.ValidateLimit(limit); err != nil {
		return nil, err
	}
	dimText, dimImage, err := v.checkReady("search")
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		return []domain.SearchHit{}, nil
	}
	want := dimText
	if field == domain.FieldImage {
		want = dimImage
	}
	if len(vector) != want {
		return nil, domain.NewValidationError(string(field), fmt.Sprintf("dim %d, want %d", len(vector), want), domain.ErrDimension)
	}

	name := string(field)
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		VectorName:     &name,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, mapErr("search "+name, err)
	}

	hits := make([]domain.SearchHit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		id := r.GetId().GetUuid()
		payload, err := decodePayload(r.GetPayload())
		if err != nil {
			return nil, fmt.Errorf("semantic: search: point %s: %w", id, err)
		}
		hits = append(hits, domain.SearchHit{ID: id, Score: r.GetScore(), Payload: payload})
	}
	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func sortHits(hits []domain.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func decodePayload(m map[string]*pb.Value) (domain.Payload, error) {
	var p domain.Payload
	for k, val := range m {
		switch k {
		case keyPDFID:
			s, ok := val.GetKind().(*pb.Value_StringValue)
			if !ok {
				return p, domain.NewValidationError(k, val.String(), domain.ErrInvalidPayload)
			}
			p.PDFID = s.StringValue
		case keyPageNum:
			n, ok := val.GetKind().(*pb.Value_IntegerValue)
			if !ok {
				return p, domain.NewValidationError(k, val.String(), domain.ErrInvalidPayload)
			}
			p.PageNum = int(n.IntegerValue)
		case keyText:
			s, ok := val.GetKind().(*pb.Value_StringValue)
			if !ok {
				return p, domain.NewValidationError(k, val.String(), domain.ErrInvalidPayload)
			}
			p.Text = s.StringValue
		case keyImagePath:
			s, ok := val.GetKind().(*pb.Value_StringValue)
			if !ok {
				return p, domain.NewValidationError(k, val.String(), domain.ErrInvalidPayload)
			}
			p.ImagePath = s.StringValue
		}
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Count returns the exact number of points in the collection.
func (v *VectorStore) Count(ctx context.Context) (uint64, error) {
	if _, _, err := v.checkReady("count"); err != nil {
		return 0, err
	}
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{CollectionName: v.collection, Exact: &exact})
	if err != nil {
		return 0, mapErr("count", err)
	}
	return resp.GetResult().GetCount(), nil
}

// DeleteByPDF removes every point whose payload pdf_id matches.
func (v *VectorStore) DeleteByPDF(ctx context.Context, pdfID string) error {
	if _, _, err := v.checkReady("delete"); err != nil {
		return err
	}
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch(keyPDFID, pdfID)}},
			},
		},
	})
	if err != nil {
		return mapErr("delete by pdf_id "+pdfID, err)
	}
	return nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// mapErr turns transport failures into *domain.IndexUnavailableError and
// wraps everything else with the operation name.
func mapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.IndexUnavailableError{Op: op, Err: err}
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return &domain.IndexUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("semantic: %s: %w", op, err)
}
