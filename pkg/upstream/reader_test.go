package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/ckanops/packager/pkg/errors"
)

// fakeUpstream serves a fixed record set, paging it according to the
// requested dialect and capturing every request body.
type fakeUpstream struct {
	t       *testing.T
	backend string
	records []Record
	calls   []map[string]interface{}
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params map[string]interface{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&params))
		f.calls = append(f.calls, params)

		limit := intParam(params, "limit")
		var page []Record
		res := map[string]interface{}{"_backend": f.backend}

		switch f.backend {
		case BackendSolr:
			// The initial cursor is the string "*"; follow-up cursors are
			// the numeric offsets this fake handed out as next_cursor.
			offset := 0
			if cursor, ok := params["cursor"].(float64); ok {
				offset = int(cursor)
			}
			page = f.slice(offset, limit)
			res["next_cursor"] = offset + limit
		case BackendVersionedDatastore:
			offset := intParam(params, "after")
			page = f.slice(offset, limit)
			res["after"] = offset + limit
		default:
			page = f.slice(intParam(params, "offset"), limit)
		}

		res["records"] = page
		res["fields"] = []map[string]string{{"id": "_id"}, {"id": "name"}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"result": res})
	}
}

func (f *fakeUpstream) slice(offset, limit int) []Record {
	if offset >= len(f.records) {
		return nil
	}
	end := offset + limit
	if end > len(f.records) {
		end = len(f.records)
	}
	return f.records[offset:end]
}

func makeRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{"_id": float64(i), "name": "row"}
	}
	return records
}

func collect(t *testing.T, r *Reader, backend string) []Record {
	t.Helper()
	var got []Record
	require.NoError(t, r.Records(context.Background(), backend, func(rec Record) error {
		got = append(got, rec)
		return nil
	}))
	return got
}

func TestFieldsAndBackend(t *testing.T) {
	fake := &fakeUpstream{t: t, backend: BackendSolr, records: makeRecords(3)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r := New(srv.URL, "api-key", 10, map[string]interface{}{"resource_id": "r1"})
	fields, backend, err := r.FieldsAndBackend(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Field{{ID: "_id"}, {ID: "name"}}, fields)
	assert.Equal(t, BackendSolr, backend)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, float64(0), fake.calls[0]["offset"])
	assert.Equal(t, float64(0), fake.calls[0]["limit"])
	assert.Equal(t, "r1", fake.calls[0]["resource_id"])
}

func TestRecordsOffsetLimitPaging(t *testing.T) {
	fake := &fakeUpstream{t: t, records: makeRecords(5)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r := New(srv.URL, "", 2, nil)
	got := collect(t, r, "")

	assert.Len(t, got, 5)
	for i, rec := range got {
		assert.Equal(t, float64(i), rec["_id"])
	}
	// 3 pages of data plus the empty page that stops the stream.
	assert.GreaterOrEqual(t, len(fake.calls), 3)
}

func TestRecordsSolrCursorPaging(t *testing.T) {
	fake := &fakeUpstream{t: t, backend: BackendSolr, records: makeRecords(5)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r := New(srv.URL, "", 2, nil)
	got := collect(t, r, BackendSolr)

	assert.Len(t, got, 5)
	assert.Equal(t, "*", fake.calls[0]["cursor"])
	_, hasOffset := fake.calls[0]["offset"]
	assert.False(t, hasOffset)
}

func TestRecordsVersionedDatastorePaging(t *testing.T) {
	fake := &fakeUpstream{t: t, backend: BackendVersionedDatastore, records: makeRecords(5)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r := New(srv.URL, "", 2, nil)
	got := collect(t, r, BackendVersionedDatastore)

	assert.Len(t, got, 5)
	_, hasOffset := fake.calls[0]["offset"]
	assert.False(t, hasOffset)
	_, hasAfter := fake.calls[1]["after"]
	assert.True(t, hasAfter)
}

func TestRecordsHonoursLimit(t *testing.T) {
	fake := &fakeUpstream{t: t, records: makeRecords(10)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r := New(srv.URL, "", 100, map[string]interface{}{"limit": 3})
	got := collect(t, r, "")

	assert.Len(t, got, 3)
	// The page size sent upstream never exceeds the requested limit.
	assert.Equal(t, float64(3), fake.calls[0]["limit"])
}

func TestRecordsNonZeroOffsetForcesDefaultDialect(t *testing.T) {
	fake := &fakeUpstream{t: t, records: makeRecords(5)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r := New(srv.URL, "", 2, map[string]interface{}{"offset": 3})
	got := collect(t, r, BackendSolr)

	assert.Len(t, got, 2)
	assert.Equal(t, float64(3), got[0]["_id"])
	_, hasCursor := fake.calls[0]["cursor"]
	assert.False(t, hasCursor)
}

func TestRecordsAuthorizationHeader(t *testing.T) {
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{}})
	}))
	defer srv.Close()

	r := New(srv.URL, "secret-key", 10, nil)
	_, _, err := r.FieldsAndBackend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-key", header)
}

func TestRecordsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := New(srv.URL, "", 10, nil)
	err := r.Records(context.Background(), "", func(Record) error { return nil })
	require.Error(t, err)
	assert.True(t, pkgerrors.IsUpstreamTransport(err))
}
