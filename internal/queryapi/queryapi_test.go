package queryapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []interface{}
	err    error
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = r.values[i].(string)
		case *float64:
			*v = r.values[i].(float64)
		case *time.Time:
			*v = r.values[i].(time.Time)
		}
	}
	return nil
}

func (r *fakeRow) Err() error { return r.err }

type fakeQuerier struct {
	row     *fakeRow
	pingErr error
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...interface{}) Row { return f.row }
func (f *fakeQuerier) Ping(context.Context) error                          { return f.pingErr }

func TestGetJobReturnsDecodedRow(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	q := &fakeQuerier{row: &fakeRow{values: []interface{}{
		"job1", "app1", "site1", "key1", "finished", now, now, 1.5, 0.1, 0.2, 64.0, `{"tag":"v"}`,
	}}}
	srv := NewServer(q, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "job1", got.JobID)
	assert.Equal(t, "finished", got.Status)
	assert.Equal(t, "v", got.Metadata["tag"])
}

func TestGetJobNotFound(t *testing.T) {
	q := &fakeQuerier{row: &fakeRow{err: assertErr{}}}
	srv := NewServer(q, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "no rows" }

func TestHealthzReportsPingFailure(t *testing.T) {
	q := &fakeQuerier{pingErr: assertErr{}}
	srv := NewServer(q, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
