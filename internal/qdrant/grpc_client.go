package qdrant

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
)

// GRPCClient implements Client on the official Qdrant Go client.
type GRPCClient struct {
	client  *qdrant.Client
	config  *ClientConfig
	logger  *logging.Logger
	breaker breaker
}

var _ Client = (*GRPCClient)(nil)

// NewGRPCClient dials Qdrant and fails unless a health check passes within
// DialTimeout.
func NewGRPCClient(cfg *ClientConfig, logger *logging.Logger) (*GRPCClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := []grpc.DialOption{grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
		grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
	)}
	if !cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		UseTLS:      cfg.UseTLS,
		APIKey:      cfg.APIKey,
		GrpcOptions: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	c := newGRPCClient(client, cfg, logger.Named("qdrant"))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	addr := zap.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err := c.Health(ctx); err != nil {
		_ = client.Close()
		c.logger.Error(ctx, "qdrant health check failed", addr, zap.Error(err))
		return nil, err
	}
	c.logger.Info(ctx, "qdrant connection established", addr, zap.Bool("tls", cfg.UseTLS))
	return c, nil
}

func newGRPCClient(client *qdrant.Client, cfg *ClientConfig, logger *logging.Logger) *GRPCClient {
	return &GRPCClient{
		client: client,
		config: cfg,
		logger: logger,
		breaker: breaker{
			threshold: cfg.BreakerThreshold,
			cooldown:  cfg.BreakerCooldown,
			now:       time.Now,
		},
	}
}

// Health runs a single health check without retries.
func (c *GRPCClient) Health(ctx context.Context) error {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	if _, err := c.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// EnsureCollection implements Client. Creating a collection that another
// replica created first is not an error.
func (c *GRPCClient) EnsureCollection(ctx context.Context, name string, vectorSize uint64, indexFields ...string) error {
	var exists bool
	err := c.call(ctx, "collection_exists", func(ctx context.Context) (err error) {
		exists, err = c.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}

	if !exists {
		err = c.call(ctx, "create_collection", func(ctx context.Context) error {
			err := c.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     vectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if status.Code(err) == codes.AlreadyExists {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		c.logger.Info(ctx, "created qdrant collection",
			zap.String("collection", name), zap.Uint64("vector_size", vectorSize))
	}

	for _, field := range indexFields {
		err := c.call(ctx, "create_index", func(ctx context.Context) error {
			_, err := c.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
				Wait:           qdrant.PtrOf(true),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("indexing %s.%s: %w", name, field, err)
		}
	}
	return nil
}

// Upsert implements Client.
func (c *GRPCClient) Upsert(ctx context.Context, collection string, points []*Point) error {
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, toPointStruct(p))
	}
	return c.call(ctx, "upsert", func(ctx context.Context) error {
		_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         structs,
		})
		return err
	})
}

// Search implements Client.
func (c *GRPCClient) Search(ctx context.Context, collection string, req SearchRequest) ([]*ScoredPoint, error) {
	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(req.Vector...),
		Limit:          qdrant.PtrOf(req.Limit),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         toFilter(req.Filter),
		ScoreThreshold: req.ScoreThreshold,
	}
	if req.Offset > 0 {
		query.Offset = qdrant.PtrOf(req.Offset)
	}

	var hits []*qdrant.ScoredPoint
	err := c.call(ctx, "query", func(ctx context.Context) (err error) {
		hits, err = c.client.Query(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*ScoredPoint, 0, len(hits))
	for _, h := range hits {
		out = append(out, &ScoredPoint{
			Point: Point{ID: pointID(h.GetId()), Vector: denseVector(h.GetVectors()), Payload: fromPayload(h.GetPayload())},
			Score: h.GetScore(),
		})
	}
	return out, nil
}

// Get implements Client.
func (c *GRPCClient) Get(ctx context.Context, collection string, ids []string) ([]*Point, error) {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	var found []*qdrant.RetrievedPoint
	err := c.call(ctx, "get", func(ctx context.Context) (err error) {
		found, err = c.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            pointIDs,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Point, 0, len(found))
	for _, p := range found {
		out = append(out, &Point{ID: pointID(p.GetId()), Vector: denseVector(p.GetVectors()), Payload: fromPayload(p.GetPayload())})
	}
	return out, nil
}

// Count implements Client.
func (c *GRPCClient) Count(ctx context.Context, collection string, filter *Filter) (uint64, error) {
	var n uint64
	err := c.call(ctx, "count", func(ctx context.Context) (err error) {
		n, err = c.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: collection,
			Filter:         toFilter(filter),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	return n, err
}

// DeleteByFilter implements Client. An empty filter would match the whole
// collection and is refused.
func (c *GRPCClient) DeleteByFilter(ctx context.Context, collection string, filter *Filter) error {
	if filter == nil || len(filter.Must) == 0 {
		return fmt.Errorf("delete requires at least one must condition")
	}
	selector := &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: toFilter(filter)},
	}
	return c.call(ctx, "delete", func(ctx context.Context) error {
		_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         selector,
		})
		return err
	})
}

func (c *GRPCClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
