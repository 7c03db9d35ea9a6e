// Package upstream implements the paginated reader for the catalog's search
// endpoint. The endpoint accepts JSON parameters via POST and returns
// {"result": {"fields": [...], "records": [...]}}. Three pagination dialects
// are supported: offset/limit (the default), solr cursors and
// versioned-datastore search-after.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	pkgerrors "github.com/ckanops/packager/pkg/errors"
)

// Backend names the pagination dialect an endpoint uses. The empty string
// selects offset/limit paging.
const (
	BackendSolr               = "solr"
	BackendVersionedDatastore = "versioned-datastore"
)

// Field describes one column of the upstream result set.
type Field struct {
	ID string `json:"id"`
}

// Record is one upstream row. Values are decoded with encoding/json's
// default mapping, so numeric values arrive as float64.
type Record map[string]interface{}

// result is the inner payload of an upstream response.
type result struct {
	Fields     []Field         `json:"fields"`
	Records    []Record        `json:"records"`
	Backend    string          `json:"_backend"`
	NextCursor json.RawMessage `json:"next_cursor"`
	After      json.RawMessage `json:"after"`
}

type response struct {
	Result result `json:"result"`
}

// hooks adjusts the request parameters for a pagination dialect: before runs
// once before the first page, after runs once per retrieved page.
type hooks struct {
	before func(params map[string]interface{})
	after  func(params map[string]interface{}, res *result)
}

// Reader streams records from an upstream search endpoint.
type Reader struct {
	apiURL   string
	key      string
	pageSize int
	params   map[string]interface{}
	client   *http.Client
}

// New creates a Reader for the given endpoint. params is the
// upstream-forwarded subset of the request descriptor; nil values are
// dropped. key, when non-empty, is sent as the Authorization header.
func New(apiURL, key string, pageSize int, params map[string]interface{}) *Reader {
	clean := make(map[string]interface{}, len(params))
	for k, v := range params {
		if v != nil {
			clean[k] = v
		}
	}
	return &Reader{
		apiURL:   apiURL,
		key:      key,
		pageSize: pageSize,
		params:   clean,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// SetHTTPClient replaces the HTTP client. Used by tests.
func (r *Reader) SetHTTPClient(c *http.Client) {
	r.client = c
}

// FieldsAndBackend retrieves the result-set fields and the backend name
// through a single request for no records.
func (r *Reader) FieldsAndBackend(ctx context.Context) ([]Field, string, error) {
	params := r.copyParams()
	params["offset"] = 0
	params["limit"] = 0
	res, err := r.post(ctx, params)
	if err != nil {
		return nil, "", err
	}
	return res.Fields, res.Backend, nil
}

// Records streams every record the request matches, invoking fn once per
// record in upstream order. Streaming stops when the upstream returns an
// empty page, when the caller-requested limit is satisfied, or when fn or
// the transport returns an error.
func (r *Reader) Records(ctx context.Context, backend string, fn func(Record) error) error {
	params := r.copyParams()
	offset := intParam(params, "offset")
	requested := intParam(params, "limit")
	params["offset"] = offset
	if requested == 0 {
		// No limit given: fetch everything a page at a time.
		params["limit"] = r.pageSize
	} else {
		params["limit"] = min(r.pageSize, requested)
	}

	// A non-zero starting offset cannot be expressed with cursor or
	// search-after paging, so fall back to offset/limit.
	if offset > 0 {
		backend = ""
	}
	h := dialect(backend)

	h.before(params)
	count := 0
	for {
		res, err := r.post(ctx, params)
		if err != nil {
			return err
		}
		if len(res.Records) == 0 {
			return nil
		}
		for _, record := range res.Records {
			if err := fn(record); err != nil {
				return err
			}
			count++
			if count == requested {
				return nil
			}
		}
		h.after(params, res)
	}
}

// dialect returns the hook pair for a backend name. Unknown backends use
// offset/limit paging.
func dialect(backend string) hooks {
	switch backend {
	case BackendSolr:
		return hooks{
			before: func(params map[string]interface{}) {
				delete(params, "offset")
				params["cursor"] = "*"
			},
			after: func(params map[string]interface{}, res *result) {
				params["cursor"] = res.NextCursor
			},
		}
	case BackendVersionedDatastore:
		return hooks{
			before: func(params map[string]interface{}) {
				delete(params, "offset")
			},
			after: func(params map[string]interface{}, res *result) {
				params["after"] = res.After
			},
		}
	default:
		return hooks{
			before: func(map[string]interface{}) {},
			after: func(params map[string]interface{}, _ *result) {
				params["offset"] = intParam(params, "offset") + intParam(params, "limit")
			},
		}
	}
}

// post sends one search request and decodes the result payload.
func (r *Reader) post(ctx context.Context, params map[string]interface{}) (*result, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.key != "" {
		req.Header.Set("Authorization", r.key)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", pkgerrors.ErrUpstreamTransport, r.apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", pkgerrors.ErrUpstreamTransport, r.apiURL, resp.Status)
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding response from %s: %v", pkgerrors.ErrUpstreamTransport, r.apiURL, err)
	}
	return &decoded.Result, nil
}

func (r *Reader) copyParams() map[string]interface{} {
	params := make(map[string]interface{}, len(r.params)+2)
	for k, v := range r.params {
		params[k] = v
	}
	return params
}

// intParam reads a parameter as an int, tolerating the JSON and form
// representations it may arrive in.
func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
