// Package mongo persists articles, run logs and run leases in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
)

// Config controls the client connection and collection names.
type Config struct {
	URI                    string
	Database               string
	ArticlesCollection     string
	RunLogsCollection      string
	LeasesCollection       string
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ArticlesCollection == "" {
		c.ArticlesCollection = "News"
	}
	if c.RunLogsCollection == "" {
		c.RunLogsCollection = "scrape_logs"
	}
	if c.LeasesCollection == "" {
		c.LeasesCollection = "locks"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ServerSelectionTimeout <= 0 {
		c.ServerSelectionTimeout = 5 * time.Second
	}
}

// Store implements news.Store and news.Locker on MongoDB.
type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	articles *mongo.Collection
	runLogs  *mongo.Collection
	leases   *mongo.Collection
	now      func() time.Time
}

// Connect dials MongoDB and pings the primary. The client is disconnected
// again when the ping fails.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo database is required")
	}
	cfg.applyDefaults()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := NewWithDatabase(client.Database(cfg.Database), cfg)
	s.client = client
	return s, nil
}

// NewWithDatabase builds a Store over an existing database handle. Close
// does not disconnect a client it did not create.
func NewWithDatabase(db *mongo.Database, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{
		db:       db,
		articles: db.Collection(cfg.ArticlesCollection),
		runLogs:  db.Collection(cfg.RunLogsCollection),
		leases:   db.Collection(cfg.LeasesCollection),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the unique dedup index and the watermark index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.articles.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "dedup_key", Value: 1}},
			Options: options.Index().
				SetName("dedup_key_unique").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "dedup_key", Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
		{
			Keys:    bson.D{{Key: "date", Value: -1}},
			Options: options.Index().SetName("date_desc"),
		},
	})
	if err != nil {
		return fmt.Errorf("create article indexes: %w", err)
	}
	_, err = s.runLogs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: -1}},
		Options: options.Index().SetName("timestamp_desc"),
	})
	if err != nil {
		return fmt.Errorf("create run log index: %w", err)
	}
	return nil
}

// LatestArticleDate returns the greatest non-empty string date.
func (s *Store) LatestArticleDate(ctx context.Context) (string, bool, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "date", Value: -1}}).
		SetProjection(bson.D{{Key: "date", Value: 1}, {Key: "_id", Value: 0}})
	filter := bson.D{{Key: "date", Value: bson.D{{Key: "$gt", Value: ""}}}}

	var doc struct {
		Date string `bson:"date"`
	}
	err := s.articles.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find latest article: %w", err)
	}
	return doc.Date, doc.Date != "", nil
}

// InsertArticleIfAbsent upserts on dedup_key with $setOnInsert, so an
// existing article is never modified. A duplicate key error from a
// concurrent insert counts as already stored.
func (s *Store) InsertArticleIfAbsent(ctx context.Context, article news.Article) (bool, error) {
	doc, err := insertFields(article)
	if err != nil {
		return false, err
	}
	res, err := s.articles.UpdateOne(ctx,
		bson.D{{Key: "dedup_key", Value: article.DedupKey}},
		bson.D{{Key: "$setOnInsert", Value: doc}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert article: %w", err)
	}
	return res.UpsertedCount == 1, nil
}

// insertFields renders the article without dedup_key, which the upsert
// filter already supplies.
func insertFields(article news.Article) (bson.M, error) {
	raw, err := bson.Marshal(article)
	if err != nil {
		return nil, fmt.Errorf("marshal article: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal article: %w", err)
	}
	delete(doc, "dedup_key")
	return doc, nil
}

// AppendRunLog inserts one run log document.
func (s *Store) AppendRunLog(ctx context.Context, entry news.RunLog) error {
	if _, err := s.runLogs.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// Acquire takes the named lease when it is missing, expired, or already
// held by holder. A live lease held by someone else makes the upsert hit
// the _id index, which reports as not acquired.
func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	filter := bson.D{
		{Key: "_id", Value: name},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}}},
			bson.D{{Key: "holder", Value: holder}},
		}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "holder", Value: holder},
		{Key: "acquired_at", Value: now},
		{Key: "expires_at", Value: now.Add(ttl)},
	}}}
	_, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return true, nil
}

// Release deletes the lease if holder still owns it.
func (s *Store) Release(ctx context.Context, name, holder string) error {
	_, err := s.leases.DeleteOne(ctx, bson.D{{Key: "_id", Value: name}, {Key: "holder", Value: holder}})
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Ping runs the ping command against the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// Close disconnects the client when the Store owns it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
