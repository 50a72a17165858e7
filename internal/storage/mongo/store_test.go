package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
)

func newMockStore(mt *mtest.T) *Store {
	return NewWithDatabase(mt.DB, Config{})
}

func TestLatestArticleDate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("returns newest date", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.News", mtest.FirstBatch,
			bson.D{{Key: "date", Value: "2024-03-05T10:00:00Z"}}))

		date, ok, err := store.LatestArticleDate(context.Background())
		require.NoError(mt, err)
		require.True(mt, ok)
		require.Equal(mt, "2024-03-05T10:00:00Z", date)

		evt := mt.GetStartedEvent()
		require.Equal(mt, "find", evt.CommandName)
		require.Equal(mt, "News", evt.Command.Lookup("find").StringValue())
		sort := evt.Command.Lookup("sort").Document()
		require.Equal(mt, int32(-1), sort.Lookup("date").Int32())
	})

	mt.Run("empty collection", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.News", mtest.FirstBatch))

		date, ok, err := store.LatestArticleDate(context.Background())
		require.NoError(mt, err)
		require.False(mt, ok)
		require.Empty(mt, date)
	})

	mt.Run("command error", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: 13, Name: "Unauthorized", Message: "not authorized",
		}))

		_, _, err := store.LatestArticleDate(context.Background())
		require.ErrorContains(mt, err, "find latest article")
	})
}

func TestInsertArticleIfAbsent(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	article := news.Article{
		Headline:  "Markets rally",
		Date:      "2024-03-05",
		Stocks:    []string{"RELI"},
		URL:       "https://news.example/1",
		DedupKey:  "https://news.example/1",
		FetchedAt: time.Unix(1700000000, 0).UTC(),
	}

	mt.Run("new article is upserted", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "generated"}}}},
		))

		created, err := store.InsertArticleIfAbsent(context.Background(), article)
		require.NoError(mt, err)
		require.True(mt, created)

		evt := mt.GetStartedEvent()
		require.Equal(mt, "update", evt.CommandName)
		updates, err := evt.Command.Lookup("updates").Array().Values()
		require.NoError(mt, err)
		require.Len(mt, updates, 1)
		stmt := updates[0].Document()
		require.True(mt, stmt.Lookup("upsert").Boolean())
		require.Equal(mt, article.DedupKey, stmt.Lookup("q", "dedup_key").StringValue())
		setOnInsert := stmt.Lookup("u", "$setOnInsert").Document()
		require.Equal(mt, "Markets rally", setOnInsert.Lookup("headline").StringValue())
		_, err = setOnInsert.LookupErr("dedup_key")
		require.Error(mt, err, "dedup_key comes from the filter")
	})

	mt.Run("existing article is skipped", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
		))

		created, err := store.InsertArticleIfAbsent(context.Background(), article)
		require.NoError(mt, err)
		require.False(mt, created)
	})

	mt.Run("duplicate key race is skipped", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index: 0, Code: 11000, Message: "E11000 duplicate key error",
		}))

		created, err := store.InsertArticleIfAbsent(context.Background(), article)
		require.NoError(mt, err)
		require.False(mt, created)
	})

	mt.Run("other write errors surface", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index: 0, Code: 2, Message: "bad value",
		}))

		_, err := store.InsertArticleIfAbsent(context.Background(), article)
		require.ErrorContains(mt, err, "upsert article")
	})
}

func TestAppendRunLog(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("inserts entry", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		msg := "boom"

		err := store.AppendRunLog(context.Background(), news.RunLog{
			RunID:  "run-1",
			Status: news.RunStatusError,
			Error:  &msg,
		})
		require.NoError(mt, err)

		evt := mt.GetStartedEvent()
		require.Equal(mt, "insert", evt.CommandName)
		require.Equal(mt, "scrape_logs", evt.Command.Lookup("insert").StringValue())
		docs, err := evt.Command.Lookup("documents").Array().Values()
		require.NoError(mt, err)
		require.Equal(mt, "error", docs[0].Document().Lookup("status").StringValue())
		require.Equal(mt, "boom", docs[0].Document().Lookup("error").StringValue())
	})

	mt.Run("surfaces failure", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: 8000, Name: "AtlasError", Message: "space quota exceeded",
		}))

		err := store.AppendRunLog(context.Background(), news.RunLog{RunID: "run-2"})
		require.ErrorContains(mt, err, "insert run log")
	})
}

func TestLeases(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("acquire free lease", func(mt *mtest.T) {
		store := newMockStore(mt)
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		store.now = func() time.Time { return now }
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "news_fetch_job"}}}},
		))

		ok, err := store.Acquire(context.Background(), "news_fetch_job", "holder-a", time.Minute)
		require.NoError(mt, err)
		require.True(mt, ok)

		evt := mt.GetStartedEvent()
		require.Equal(mt, "locks", evt.Command.Lookup("update").StringValue())
	})

	mt.Run("held lease is refused", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index: 0, Code: 11000, Message: "E11000 duplicate key error",
		}))

		ok, err := store.Acquire(context.Background(), "news_fetch_job", "holder-b", time.Minute)
		require.NoError(mt, err)
		require.False(mt, ok)
	})

	mt.Run("release deletes own lease", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		require.NoError(mt, store.Release(context.Background(), "news_fetch_job", "holder-a"))

		evt := mt.GetStartedEvent()
		require.Equal(mt, "delete", evt.CommandName)
	})
}

func TestPingAndClose(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("ping", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		require.NoError(mt, store.Ping(context.Background()))
		// The database handle is borrowed, so Close leaves the client alone.
		require.NoError(mt, store.Close(context.Background()))
	})
}

func TestEnsureIndexes(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("creates indexes", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse())

		require.NoError(mt, store.EnsureIndexes(context.Background()))

		evt := mt.GetStartedEvent()
		require.Equal(mt, "createIndexes", evt.CommandName)
		indexes, err := evt.Command.Lookup("indexes").Array().Values()
		require.NoError(mt, err)
		require.Len(mt, indexes, 2)
		first := indexes[0].Document()
		require.True(mt, first.Lookup("unique").Boolean())
		require.Equal(mt, "dedup_key_unique", first.Lookup("name").StringValue())
	})
}

func TestConnectValidation(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{Database: "db"})
	require.ErrorContains(t, err, "uri is required")

	_, err = Connect(context.Background(), Config{URI: "mongodb://localhost"})
	require.ErrorContains(t, err, "database is required")

	_, err = Connect(context.Background(), Config{URI: "not-a-mongo-uri", Database: "db"})
	require.ErrorContains(t, err, "connect mongo")
}
