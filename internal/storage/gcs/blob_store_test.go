package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/product-capture/internal/storage/gcs"
)

func newTestStore(t *testing.T, handler http.Handler, cfg gcs.Config) *gcs.BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsBytes(t *testing.T) {
	t.Parallel()

	objectName := "shots/screenshots/job-1/attempt-1.png"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "png-bytes")
		fmt.Fprintf(w, `{"name":%q,"bucket":"test-bucket"}`, objectName)
	})

	store := newTestStore(t, handler, gcs.Config{Bucket: "test-bucket", Prefix: "/shots/"})
	uri, err := store.PutObject(context.Background(), "screenshots/job-1/attempt-1.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+objectName, uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler, gcs.Config{Bucket: "test-bucket"})
	_, err := store.PutObject(context.Background(), "a.png", "image/png", []byte("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "image/png", []byte("x"))
	require.Error(t, err)
}
