// Package docstore wraps the MongoDB driver with the conventions the hub
// relies on: UTC normalization on write, local time and hex ids on read,
// lenient _id coercion, and streamed JSON exports.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"intelligence-hub/internal/config"
	"intelligence-hub/internal/logging"
	"intelligence-hub/pkg/types"
)

const (
	maxPoolSize      = 100
	connectTimeout   = 3 * time.Second
	selectionTimeout = 5 * time.Second
)

// ConnectError reports a failure establishing the database connection.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("docstore: connect: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// OperationError reports a failed database operation.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("docstore: %s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	return &OperationError{Op: op, Err: err}
}

// Client owns the shared mongo connection. Stores hand out per-collection
// views; the owner of the Client closes it exactly once.
type Client struct {
	mc     *mongo.Client
	db     *mongo.Database
	logger logging.Logger
}

// Connect builds the shared client and verifies it with a ping.
func Connect(ctx context.Context, cfg *config.MongoDBConfig, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	opts := options.Client().
		ApplyURI(cfg.MongoURI()).
		SetMaxPoolSize(maxPoolSize).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(selectionTimeout).
		// Nested documents decode as maps, not ordered bson.D.
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	mc, err := mongo.Connect(opts)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, selectionTimeout)
	defer cancel()
	if err := mc.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, &ConnectError{Err: err}
	}

	logger.Info("MongoDB connection established",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database)

	return &Client{mc: mc, db: mc.Database(cfg.Database), logger: logger.WithComponent("docstore")}, nil
}

// Store returns a collection view sharing this client.
func (c *Client) Store(collection string) *Store {
	return &Store{
		coll:   c.db.Collection(collection),
		name:   collection,
		logger: c.logger,
	}
}

// Close disconnects the shared client.
func (c *Client) Close(ctx context.Context) error {
	if err := c.mc.Disconnect(ctx); err != nil {
		return opErr("close", err)
	}
	c.logger.Info("MongoDB connection closed")
	return nil
}

// Ping verifies the connection is still alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.mc.Ping(ctx, readpref.Primary())
}

// Store is a typed view over one collection.
type Store struct {
	coll   *mongo.Collection
	name   string
	logger logging.Logger
}

// Name returns the collection name.
func (s *Store) Name() string { return s.name }

// FindOptions narrows a Find call.
type FindOptions struct {
	Sort  bson.D
	Skip  int64
	Limit int64
}

// Insert writes one document and returns its id as a hex string. All
// time.Time values anywhere in the document are normalized to UTC first.
func (s *Store) Insert(ctx context.Context, doc types.Document) (string, error) {
	res, err := s.coll.InsertOne(ctx, normalizeInput(doc))
	if err != nil {
		return "", opErr("insert", err)
	}
	return idToString(res.InsertedID), nil
}

// BulkInsert writes documents unordered so one bad document does not block
// the rest. Returns the inserted ids as hex strings.
func (s *Store) BulkInsert(ctx context.Context, docs []types.Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	payload := make([]any, len(docs))
	for i, doc := range docs {
		payload[i] = normalizeInput(doc)
	}
	res, err := s.coll.InsertMany(ctx, payload, options.InsertMany().SetOrdered(false))
	if err != nil {
		return nil, opErr("bulk insert", err)
	}
	ids := make([]string, len(res.InsertedIDs))
	for i, id := range res.InsertedIDs {
		ids[i] = idToString(id)
	}
	return ids, nil
}

// FindOne returns the first match, or nil when nothing matches. A malformed
// hex _id in the filter matches nothing rather than erroring.
func (s *Store) FindOne(ctx context.Context, filter bson.M) (types.Document, error) {
	filter, ok := s.coerceFilterID(filter)
	if !ok {
		return nil, nil
	}

	var doc types.Document
	err := s.coll.FindOne(ctx, normalizeFilter(filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, opErr("find one", err)
	}
	return processOutput(doc), nil
}

// Find returns all matches. An empty filter matches everything.
func (s *Store) Find(ctx context.Context, filter bson.M, opts *FindOptions) ([]types.Document, error) {
	filter, ok := s.coerceFilterID(filter)
	if !ok {
		return nil, nil
	}

	findOpts := options.Find()
	if opts != nil {
		if len(opts.Sort) > 0 {
			findOpts.SetSort(opts.Sort)
		}
		if opts.Skip > 0 {
			findOpts.SetSkip(opts.Skip)
		}
		if opts.Limit > 0 {
			findOpts.SetLimit(opts.Limit)
		}
	}

	cur, err := s.coll.Find(ctx, normalizeFilter(filter), findOpts)
	if err != nil {
		return nil, opErr("find", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []types.Document
	for cur.Next(ctx) {
		var doc types.Document
		if err := cur.Decode(&doc); err != nil {
			return nil, opErr("find decode", err)
		}
		out = append(out, processOutput(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, opErr("find", err)
	}
	return out, nil
}

// Update applies the patch to every match and returns (matched, modified).
// A patch without $-operators is wrapped in $set.
func (s *Store) Update(ctx context.Context, filter, patch bson.M) (int64, int64, error) {
	filter, ok := s.coerceFilterID(filter)
	if !ok {
		return 0, 0, nil
	}

	res, err := s.coll.UpdateMany(ctx, normalizeFilter(filter), wrapSet(patch))
	if err != nil {
		return 0, 0, opErr("update", err)
	}
	return res.MatchedCount, res.ModifiedCount, nil
}

// Upsert updates every match or inserts the patch when nothing matches.
func (s *Store) Upsert(ctx context.Context, filter, patch bson.M) (int64, int64, error) {
	filter, ok := s.coerceFilterID(filter)
	if !ok {
		return 0, 0, nil
	}

	res, err := s.coll.UpdateMany(ctx, normalizeFilter(filter), wrapSet(patch),
		options.UpdateMany().SetUpsert(true))
	if err != nil {
		return 0, 0, opErr("upsert", err)
	}
	return res.MatchedCount, res.ModifiedCount, nil
}

// Delete removes every match. An empty filter is rejected; wiping a
// collection must go through the owner explicitly.
func (s *Store) Delete(ctx context.Context, filter bson.M) (int64, error) {
	if len(filter) == 0 {
		return 0, opErr("delete", errors.New("refusing empty filter"))
	}
	filter, ok := s.coerceFilterID(filter)
	if !ok {
		return 0, nil
	}

	res, err := s.coll.DeleteMany(ctx, normalizeFilter(filter))
	if err != nil {
		return 0, opErr("delete", err)
	}
	return res.DeletedCount, nil
}

// Count returns the number of matches. An empty filter counts everything.
func (s *Store) Count(ctx context.Context, filter bson.M) (int64, error) {
	filter, ok := s.coerceFilterID(filter)
	if !ok {
		return 0, nil
	}

	n, err := s.coll.CountDocuments(ctx, normalizeFilter(filter))
	if err != nil {
		return 0, opErr("count", err)
	}
	return n, nil
}

// Aggregate runs the pipeline and converts the results like Find does.
// String _id coercion is not applied inside pipeline stages.
func (s *Store) Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]types.Document, error) {
	cur, err := s.coll.Aggregate(ctx, normalizePipeline(pipeline))
	if err != nil {
		return nil, opErr("aggregate", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []types.Document
	for cur.Next(ctx) {
		var doc types.Document
		if err := cur.Decode(&doc); err != nil {
			return nil, opErr("aggregate decode", err)
		}
		out = append(out, processOutput(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, opErr("aggregate", err)
	}
	return out, nil
}

// EnsureIndex creates an index over keys, for example
// bson.D{{Key: "UUID", Value: 1}}.
func (s *Store) EnsureIndex(ctx context.Context, keys bson.D, unique bool) error {
	model := mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(unique),
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
		return opErr("ensure index", err)
	}
	return nil
}

// coerceFilterID converts a top-level string _id to a native ObjectID. A
// malformed hex id cannot match any document, so the caller gets a zero
// result set instead of a driver error.
func (s *Store) coerceFilterID(filter bson.M) (bson.M, bool) {
	if filter == nil {
		return bson.M{}, true
	}
	raw, present := filter["_id"]
	if !present {
		return filter, true
	}
	hex, isString := raw.(string)
	if !isString {
		return filter, true
	}

	oid, err := bson.ObjectIDFromHex(hex)
	if err != nil {
		s.logger.Warn("Invalid _id in filter, query matches nothing",
			"collection", s.name, "_id", hex)
		return nil, false
	}

	out := make(bson.M, len(filter))
	for k, v := range filter {
		out[k] = v
	}
	out["_id"] = oid
	return out, true
}

func idToString(id any) string {
	if oid, ok := id.(bson.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(id)
}

// wrapSet wraps a plain patch in $set so callers can pass bare field maps.
func wrapSet(patch bson.M) bson.M {
	for key := range patch {
		if len(key) > 0 && key[0] == '$' {
			return normalizeFilter(patch)
		}
	}
	return bson.M{"$set": normalizeFilter(patch)}
}
