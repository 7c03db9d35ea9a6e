package task

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tabularUpstream serves a two-record result set with offset/limit paging.
func tabularUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	records := []map[string]interface{}{
		{"_id": 1, "name": "ground beetle", "count": 12},
		{"_id": 2, "name": "rove beetle", "count": 7},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))

		offset := 0
		if v, ok := params["offset"].(float64); ok {
			offset = int(v)
		}
		limit := 0
		if v, ok := params["limit"].(float64); ok {
			limit = int(v)
		}
		page := []map[string]interface{}{}
		for i := offset; i < len(records) && i < offset+limit; i++ {
			page = append(page, records[i])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"fields":  []map[string]string{{"id": "_id"}, {"id": "name"}, {"id": "count"}},
				"records": page,
			},
		})
	}))
}

func TestDatastoreCreateZip(t *testing.T) {
	srv := tabularUpstream(t)
	defer srv.Close()

	cfg := testConfig(t)
	task, err := NewDatastoreTask(map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"api_url":     srv.URL,
	}, cfg)
	require.NoError(t, err)

	driver, _, _ := testDriver(t, cfg)
	ws := driver.Workspace(task)
	require.NoError(t, task.CreateZip(ws))

	// The test zip command copies the single work file verbatim, so the
	// archive content is the CSV itself.
	data, err := os.ReadFile(ws.ZipFileName())
	require.NoError(t, err)
	assert.Equal(t,
		"_id,name,count\n1,ground beetle,12\n2,rove beetle,7\n",
		string(data))
}

func TestDatastoreCreateZipUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	task, err := NewDatastoreTask(map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"api_url":     srv.URL,
	}, cfg)
	require.NoError(t, err)

	driver, _, _ := testDriver(t, cfg)
	err = task.CreateZip(driver.Workspace(task))
	assert.Error(t, err)
}

func TestCellValue(t *testing.T) {
	assert.Equal(t, "", cellValue(nil))
	assert.Equal(t, "beetle", cellValue("beetle"))
	assert.Equal(t, "true", cellValue(true))
	assert.Equal(t, "12", cellValue(float64(12)))
	assert.Equal(t, "12.5", cellValue(12.5))
	assert.Equal(t, `["a","b"]`, cellValue([]interface{}{"a", "b"}))
	assert.Equal(t, `{"k":"v"}`, cellValue(map[string]interface{}{"k": "v"}))
}
