// Package qdrant retrieves candidates from a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	qpb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/candidate"
	"github.com/kailas-cloud/qflow/internal/domain/catalog"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// DefaultCollection is the image collection name.
const DefaultCollection = "quantum-images"

// pointsClient is the consumer interface over qpb.PointsClient (ISP).
type pointsClient interface {
	Search(ctx context.Context, in *qpb.SearchPoints, opts ...grpc.CallOption) (*qpb.SearchResponse, error)
	Get(ctx context.Context, in *qpb.GetPoints, opts ...grpc.CallOption) (*qpb.GetResponse, error)
}

// collectionGetter is the consumer interface over qpb.CollectionsClient (ISP).
type collectionGetter interface {
	Get(
		ctx context.Context, in *qpb.GetCollectionInfoRequest, opts ...grpc.CallOption,
	) (*qpb.GetCollectionInfoResponse, error)
}

// healthChecker is the consumer interface over qpb.QdrantClient (ISP).
type healthChecker interface {
	HealthCheck(ctx context.Context, in *qpb.HealthCheckRequest, opts ...grpc.CallOption) (*qpb.HealthCheckReply, error)
}

// Config holds connection and query settings.
type Config struct {
	Addr       string
	APIKey     string
	UseTLS     bool
	Collection string
	// VectorName selects a named vector; empty means the default vector.
	VectorName  string
	MinScore    float64
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Retriever implements retrieval.Retriever and catalog.Reader over Qdrant.
type Retriever struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionGetter
	health      healthChecker
	collection  string
	vectorName  string
	apiKey      string
	minScore    float64
	callTimeout time.Duration
	logger      *zap.Logger
}

// Dial creates a client connection. The connection is established lazily.
func Dial(cfg Config) (*Retriever, error) {
	if cfg.Addr == "" {
		return nil, errors.New("qdrant: addr is required")
	}
	creds := insecure.NewCredentials()
	if cfg.UseTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", cfg.Addr, err)
	}
	r := newRetriever(qpb.NewPointsClient(conn), qpb.NewCollectionsClient(conn), qpb.NewQdrantClient(conn), cfg)
	r.conn = conn
	return r, nil
}

func newRetriever(p pointsClient, c collectionGetter, h healthChecker, cfg Config) *Retriever {
	collection := cfg.Collection
	if collection == "" {
		collection = DefaultCollection
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		points:      p,
		collections: c,
		health:      h,
		collection:  collection,
		vectorName:  cfg.VectorName,
		apiKey:      cfg.APIKey,
		minScore:    cfg.MinScore,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
	}
}

// Close releases the connection.
func (r *Retriever) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Retrieve runs a cosine search with payload and vectors included.
func (r *Retriever) Retrieve(
	ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression,
) ([]candidate.Match, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	req := &qpb.SearchPoints{
		CollectionName: r.collection,
		Vector:         []float32(query),
		Limit:          uint64(topK),
		Filter:         buildFilter(filters),
		WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &qpb.WithVectorsSelector{SelectorOptions: &qpb.WithVectorsSelector_Enable{Enable: true}},
	}
	if r.minScore > 0 {
		threshold := float32(r.minScore)
		req.ScoreThreshold = &threshold
	}
	if r.vectorName != "" {
		name := r.vectorName
		req.VectorName = &name
	}

	resp, err := r.points.Search(ctx, req)
	if err != nil {
		return nil, mapError("search", r.collection, err)
	}

	out := make([]candidate.Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		id := pointID(p.GetId())
		score := min(1, max(0, float64(p.GetScore())))
		c, err := candidate.New(id, score, r.values(p), payloadStrings(p.GetPayload()))
		if err != nil {
			r.logger.Warn("Skipping malformed point", zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// HealthCheck calls the Qdrant health endpoint.
func (r *Retriever) HealthCheck(ctx context.Context) error {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	if _, err := r.health.HealthCheck(ctx, &qpb.HealthCheckRequest{}); err != nil {
		return mapError("health", r.collection, err)
	}
	return nil
}

// Stats reports the point count, vector size and status of the collection.
func (r *Retriever) Stats(ctx context.Context) (catalog.Stats, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	resp, err := r.collections.Get(ctx, &qpb.GetCollectionInfoRequest{CollectionName: r.collection})
	if err != nil {
		return catalog.Stats{}, mapError("collection info", r.collection, err)
	}
	info := resp.GetResult()
	return catalog.Stats{
		Index:      r.collection,
		Points:     int64(info.GetPointsCount()),
		Dimensions: r.dimensions(info.GetConfig().GetParams().GetVectorsConfig()),
		Status:     strings.ToLower(info.GetStatus().String()),
	}, nil
}

// Image fetches the payload of one point. Numeric ids address integer points,
// anything else is sent as a UUID.
func (r *Retriever) Image(ctx context.Context, id string) (catalog.Entry, error) {
	if _, err := catalog.NewEntry(id, nil); err != nil {
		return catalog.Entry{}, err
	}
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	resp, err := r.points.Get(ctx, &qpb.GetPoints{
		CollectionName: r.collection,
		Ids:            []*qpb.PointId{parsePointID(id)},
		WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &qpb.WithVectorsSelector{SelectorOptions: &qpb.WithVectorsSelector_Enable{Enable: false}},
	})
	if status.Code(err) == codes.InvalidArgument {
		// Qdrant rejects ids that are neither unsigned integers nor UUIDs.
		return catalog.Entry{}, fmt.Errorf("image %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return catalog.Entry{}, mapError("get", r.collection, err)
	}
	if len(resp.GetResult()) == 0 {
		return catalog.Entry{}, fmt.Errorf("image %s: %w", id, domain.ErrNotFound)
	}
	return catalog.NewEntry(id, payloadStrings(resp.GetResult()[0].GetPayload()))
}

func (r *Retriever) dimensions(vc *qpb.VectorsConfig) int {
	if r.vectorName != "" {
		return int(vc.GetParamsMap().GetMap()[r.vectorName].GetSize())
	}
	return int(vc.GetParams().GetSize())
}

func (r *Retriever) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", r.apiKey)
	}
	if r.callTimeout > 0 {
		return context.WithTimeout(ctx, r.callTimeout)
	}
	return ctx, func() {}
}

// values extracts the dense vector of a point. Only a point without vector
// data is absent; non-finite data is kept for the re-ranker to reject.
func (r *Retriever) values(p *qpb.ScoredPoint) vector.FeatureVector {
	vs := p.GetVectors()
	if vs == nil {
		return nil
	}
	var data []float32
	if r.vectorName != "" {
		named := vs.GetVectors().GetVectors()[r.vectorName]
		data = named.GetDense().GetData()
	} else {
		data = vs.GetVector().GetDense().GetData()
		if len(data) == 0 {
			data = vs.GetVector().GetData() //nolint:staticcheck // servers before 1.12 only fill the legacy field
		}
	}
	if len(data) == 0 {
		return nil
	}
	return vector.FeatureVector(data)
}

func buildFilter(expr filter.Expression) *qpb.Filter {
	if expr.IsEmpty() {
		return nil
	}
	f := &qpb.Filter{}
	for _, c := range expr.Must() {
		f.Must = append(f.Must, keywordCondition(c.Key(), c.Match()))
	}
	for _, c := range expr.MustNot() {
		f.MustNot = append(f.MustNot, keywordCondition(c.Key(), c.Match()))
	}
	return f
}

func keywordCondition(key, value string) *qpb.Condition {
	return &qpb.Condition{
		ConditionOneOf: &qpb.Condition_Field{
			Field: &qpb.FieldCondition{
				Key:   key,
				Match: &qpb.Match{MatchValue: &qpb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func parsePointID(id string) *qpb.PointId {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return &qpb.PointId{PointIdOptions: &qpb.PointId_Num{Num: n}}
	}
	return &qpb.PointId{PointIdOptions: &qpb.PointId_Uuid{Uuid: id}}
}

func pointID(id *qpb.PointId) string {
	switch v := id.GetPointIdOptions().(type) {
	case *qpb.PointId_Uuid:
		return v.Uuid
	case *qpb.PointId_Num:
		return strconv.FormatUint(v.Num, 10)
	default:
		return ""
	}
}

// payloadStrings flattens scalar payload values; nested values are skipped.
func payloadStrings(payload map[string]*qpb.Value) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *qpb.Value_StringValue:
			out[k] = kind.StringValue
		case *qpb.Value_IntegerValue:
			out[k] = strconv.FormatInt(kind.IntegerValue, 10)
		case *qpb.Value_DoubleValue:
			out[k] = strconv.FormatFloat(kind.DoubleValue, 'g', -1, 64)
		case *qpb.Value_BoolValue:
			out[k] = strconv.FormatBool(kind.BoolValue)
		}
	}
	return out
}

func mapError(op, collection string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("qdrant %s %s: %w", op, collection, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("qdrant %s %s: %w: %w", op, collection, domain.ErrUpstreamUnavailable, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.NotFound:
		return fmt.Errorf("qdrant %s %s: %w: %w", op, collection, domain.ErrUpstreamUnavailable, err)
	case codes.Canceled:
		return fmt.Errorf("qdrant %s %s: %w", op, collection, context.Canceled)
	default:
		return fmt.Errorf("qdrant %s %s: %w", op, collection, err)
	}
}
