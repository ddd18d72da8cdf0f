package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/BaSui01/stepflow/agent"
)

const (
	defaultMongoCollection = "agent_runs"
	defaultMongoOpTimeout  = 5 * time.Second
)

// MongoRunStore is a MongoDB implementation of agent.RunStore. Each run is
// one document keyed by a unique run_id; the full result is kept as JSON
// next to the queryable fields.
type MongoRunStore struct {
	client  *mongo.Client
	coll    runCollection
	timeout time.Duration
}

// runCollection is the slice of collection behavior the store needs.
type runCollection interface {
	upsert(ctx context.Context, doc runDocument) error
	findOne(ctx context.Context, runID string) (runDocument, error)
	find(ctx context.Context, filter agent.RunFilter) ([]runDocument, error)
	deleteOne(ctx context.Context, runID string) (int64, error)
	deleteExpired(ctx context.Context, before time.Time) (int64, error)
	ensureIndexes(ctx context.Context) error
}

type runDocument struct {
	RunID       string     `bson:"run_id"`
	RecipeID    string     `bson:"recipe_id"`
	Status      string     `bson:"status"`
	Steps       int        `bson:"steps"`
	Error       string     `bson:"error,omitempty"`
	Data        string     `bson:"data"`
	StartedAt   time.Time  `bson:"started_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
}

func fromRun(r *agent.AgentResult) (runDocument, error) {
	data, err := encodeRun(r)
	if err != nil {
		return runDocument{}, err
	}
	doc := runDocument{
		RunID:     r.RunID,
		RecipeID:  r.RecipeID,
		Status:    string(r.Status),
		Steps:     len(r.Executions),
		Error:     r.Error,
		Data:      string(data),
		StartedAt: r.StartedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if !r.CompletedAt.IsZero() {
		completed := r.CompletedAt.UTC()
		doc.CompletedAt = &completed
	}
	return doc, nil
}

func (doc runDocument) toRun() (*agent.AgentResult, error) {
	return decodeRun([]byte(doc.Data))
}

// NewMongoRunStore connects to MongoDB and ensures the run indexes exist.
func NewMongoRunStore(config StoreConfig) (*MongoRunStore, error) {
	cfg := config.Mongo
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMongoOpTimeout
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = defaultMongoCollection
	}
	coll := mongoCollection{coll: client.Database(cfg.Database).Collection(collection)}

	store, err := newMongoRunStoreWithCollection(ctx, client, coll, timeout)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func newMongoRunStoreWithCollection(ctx context.Context, client *mongo.Client, coll runCollection, timeout time.Duration) (*MongoRunStore, error) {
	if err := coll.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create run indexes: %w", err)
	}
	return &MongoRunStore{client: client, coll: coll, timeout: timeout}, nil
}

func (s *MongoRunStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Close disconnects the client
func (s *MongoRunStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultMongoOpTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks the primary is reachable
func (s *MongoRunStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// SaveRun upserts a run keyed by run_id
func (s *MongoRunStore) SaveRun(ctx context.Context, run *agent.AgentResult) error {
	if err := validateRun(run); err != nil {
		return err
	}
	doc, err := fromRun(run)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.coll.upsert(ctx, doc); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *MongoRunStore) GetRun(ctx context.Context, runID string) (*agent.AgentResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := s.coll.findOne(ctx, runID)
	if err != nil {
		return nil, err
	}
	return doc.toRun()
}

// ListRuns retrieves runs matching the filter, newest first
func (s *MongoRunStore) ListRuns(ctx context.Context, filter agent.RunFilter) ([]*agent.AgentResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs, err := s.coll.find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]*agent.AgentResult, 0, len(docs))
	for _, doc := range docs {
		r, err := doc.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteRun removes a run
func (s *MongoRunStore) DeleteRun(ctx context.Context, runID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.coll.deleteOne(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup removes finished runs last updated before the cutoff
func (s *MongoRunStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.coll.deleteExpired(ctx, before.UTC())
	return int(n), err
}

// =============================================================================
// Driver-backed collection
// =============================================================================

type mongoCollection struct {
	coll *mongo.Collection
}

var terminalStatuses = bson.A{
	string(agent.RunStatusCompleted),
	string(agent.RunStatusFailed),
	string(agent.RunStatusCancelled),
}

func (c mongoCollection) upsert(ctx context.Context, doc runDocument) error {
	_, err := c.coll.UpdateOne(ctx,
		bson.M{"run_id": doc.RunID},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (c mongoCollection) findOne(ctx context.Context, runID string) (runDocument, error) {
	var doc runDocument
	err := c.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return runDocument{}, ErrNotFound
	}
	return doc, err
}

func (c mongoCollection) find(ctx context.Context, filter agent.RunFilter) ([]runDocument, error) {
	query := bson.M{}
	if filter.RecipeID != "" {
		query["recipe_id"] = filter.RecipeID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "started_at", Value: -1},
		{Key: "run_id", Value: 1},
	})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := c.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	var docs []runDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c mongoCollection) deleteOne(ctx context.Context, runID string) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, bson.M{"run_id": runID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) deleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": terminalStatuses},
		"updated_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) ensureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "recipe_id", Value: 1}, {Key: "started_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
		},
	})
	return err
}
