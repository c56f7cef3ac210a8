package searchindex

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coredump-systems/jobtel/internal/envelope"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *elasticsearch.Client {
	t.Helper()
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:           []string{url},
		CompressRequestBody: true,
	})
	require.NoError(t, err)
	return client
}

func TestSendBatchPostsGzippedBulkBody(t *testing.T) {
	var gotEncoding, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		var reader io.Reader = r.Body
		if gotEncoding == "gzip" {
			gr, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			reader = gr
		}
		body, err := io.ReadAll(reader)
		require.NoError(t, err)
		gotBody = string(body)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": false,
			"items": []map[string]interface{}{
				{"index": map[string]interface{}{"status": 201}},
			},
		})
	}))
	defer srv.Close()

	b, err := New(Config{Index: "telemetry"}, newTestClient(t, srv.URL))
	require.NoError(t, err)

	msgs := []envelope.Envelope{
		{V: 1, Src: "a", TS: time.Now().UnixMilli(), Type: envelope.TypeHeartbeat},
	}
	res, err := b.SendBatch(context.Background(), msgs)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.CountSent)
	assert.Equal(t, "gzip", gotEncoding)
	assert.Contains(t, gotBody, `"_index"`)
}

func TestSendBatchFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := New(Config{Index: "telemetry"}, newTestClient(t, srv.URL))
	require.NoError(t, err)

	_, err = b.SendBatch(context.Background(), []envelope.Envelope{
		{V: 1, Src: "a", TS: time.Now().UnixMilli(), Type: envelope.TypeHeartbeat},
	})
	require.Error(t, err)
}

func TestSendBatchReportsPartialItemFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": true,
			"items": []map[string]interface{}{
				{"index": map[string]interface{}{"status": 201}},
				{"index": map[string]interface{}{"status": 400, "error": "mapper_parsing_exception"}},
			},
		})
	}))
	defer srv.Close()

	b, err := New(Config{Index: "telemetry"}, newTestClient(t, srv.URL))
	require.NoError(t, err)

	res, err := b.SendBatch(context.Background(), []envelope.Envelope{
		{V: 1, Src: "a", TS: time.Now().UnixMilli(), Type: envelope.TypeHeartbeat},
		{V: 1, Src: "b", TS: time.Now().UnixMilli(), Type: envelope.TypeHeartbeat},
	})
	require.Error(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.CountSent)
	assert.Equal(t, 1, res.CountFailed)
}
