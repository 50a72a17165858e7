package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store, err := Dial(context.Background(), Config{Bucket: "news-archive"},
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutObjectUploads(t *testing.T) {
	var (
		mu   sync.Mutex
		name string
		body string
	)
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		name = r.URL.Query().Get("name")
		body = string(raw)
		mu.Unlock()
		fmt.Fprintln(w, `{"name":"pages/run-1/page-0001.json","bucket":"news-archive"}`)
	}))

	uri, err := store.PutObject(context.Background(), "/pages/run-1/page-0001.json", "application/json",
		bytes.NewReader([]byte(`{"data":{"news":[]}}`)))
	require.NoError(t, err)
	require.Equal(t, "gs://news-archive/pages/run-1/page-0001.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "pages/run-1/page-0001.json", name)
	require.Contains(t, body, `{"data":{"news":[]}}`)
	require.Contains(t, body, "application/json")
}

func TestPutObjectServerError(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := store.PutObject(context.Background(), "p.json", "application/json", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = Dial(context.Background(), Config{})
	require.ErrorContains(t, err, "bucket name")

	store := &BlobStore{bucket: "b"}
	_, err = store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
	require.ErrorContains(t, err, "path is required")
	require.NoError(t, store.Close())
}
