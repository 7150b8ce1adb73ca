// Package mongo implements the usage journal on MongoDB.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/aigw/chat"
	"goa.design/aigw/usage"
)

type (
	// Options configures the Mongo-backed journal.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	journal struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	entryDocument struct {
		ID               primitive.ObjectID `bson:"_id,omitempty"`
		RequestID        string             `bson:"request_id"`
		Dialect          string             `bson:"dialect"`
		Model            string             `bson:"model"`
		Provider         string             `bson:"provider"`
		Status           string             `bson:"status"`
		Streamed         bool               `bson:"streamed"`
		LatencyMS        int64              `bson:"latency_ms"`
		PromptTokens     int                `bson:"prompt_tokens,omitempty"`
		CompletionTokens int                `bson:"completion_tokens,omitempty"`
		TotalTokens      int                `bson:"total_tokens,omitempty"`
		CreatedAt        time.Time          `bson:"created_at"`
	}
)

const (
	defaultCollection = "usage_entries"
	defaultTimeout    = 5 * time.Second
	journalName       = "usage-mongo"
)

// New returns a usage.Journal backed by the provided MongoDB client.
func New(opts Options) (usage.Journal, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &journal{
		mongo:   opts.Client,
		coll:    wrapper,
		timeout: timeout,
	}, nil
}

func (j *journal) Name() string {
	return journalName
}

func (j *journal) Ping(ctx context.Context) error {
	return j.mongo.Ping(ctx, readpref.Primary())
}

// Record implements usage.Journal.
func (j *journal) Record(ctx context.Context, e *usage.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.ID == "" {
		return errors.New("request id is required")
	}
	if e.Status == "" {
		return errors.New("status is required")
	}

	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	doc := entryDocument{
		RequestID: e.ID,
		Dialect:   e.Dialect,
		Model:     e.Model,
		Provider:  e.Provider,
		Status:    e.Status,
		Streamed:  e.Streamed,
		LatencyMS: e.LatencyMS,
		CreatedAt: e.CreatedAt.UTC(),
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if e.Usage != nil {
		doc.PromptTokens = e.Usage.PromptTokens
		doc.CompletionTokens = e.Usage.CompletionTokens
		doc.TotalTokens = e.Usage.TotalTokens
	}
	_, err := j.coll.InsertOne(ctx, doc)
	return err
}

// Tail implements usage.Journal.
func (j *journal) Tail(ctx context.Context, limit int) (entries []*usage.Entry, err error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	cur, err := j.coll.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e := &usage.Entry{
			ID:        doc.RequestID,
			Dialect:   doc.Dialect,
			Model:     doc.Model,
			Provider:  doc.Provider,
			Status:    doc.Status,
			Streamed:  doc.Streamed,
			LatencyMS: doc.LatencyMS,
			CreatedAt: doc.CreatedAt,
		}
		if doc.TotalTokens > 0 || doc.PromptTokens > 0 || doc.CompletionTokens > 0 {
			e.Usage = &chat.Usage{
				PromptTokens:     doc.PromptTokens,
				CompletionTokens: doc.CompletionTokens,
				TotalTokens:      doc.TotalTokens,
			}
		}
		entries = append(entries, e)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (j *journal) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if j.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, j.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "created_at", Value: -1},
			{Key: "model", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
