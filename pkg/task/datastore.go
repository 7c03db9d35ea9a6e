package task

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/ckanops/packager/config"
	"github.com/ckanops/packager/pkg/upstream"
	"github.com/ckanops/packager/pkg/workspace"
)

// resourceFileName is the logical name of the tabular export inside the
// archive. The workspace remaps the suffix for tsv requests.
const resourceFileName = "resource.csv"

// DatastoreTask exports a resource's rows from the catalog's search endpoint
// into a single tabular file.
type DatastoreTask struct {
	desc *Descriptor
	cfg  *config.Config
}

// datastoreSchema lists the fields a datastore request accepts, beyond the
// implicit email and resource_id.
func datastoreSchema() Schema {
	return Schema{
		"api_url":     {Required: true},
		"resource_id": {Required: true, Forward: true},
		"key":         {},
		"filters":     {Preprocess: jsonObject, Forward: true},
		"q":           {Forward: true},
		"plain":       {Forward: true},
		"language":    {Forward: true},
		"fields":      {Forward: true},
		"sort":        {Forward: true},
		"offset":      {Preprocess: nonNegativeInt, Forward: true},
		"limit":       {Preprocess: nonNegativeInt, Forward: true},
		"format":      {Preprocess: exportFormat},
		"doi":         {},
	}
}

// NewDatastoreTask validates a datastore export request.
func NewDatastoreTask(params map[string]string, cfg *config.Config) (*DatastoreTask, error) {
	desc, err := NewDescriptor(params, datastoreSchema())
	if err != nil {
		return nil, err
	}
	return &DatastoreTask{desc: desc, cfg: cfg}, nil
}

func (t *DatastoreTask) Name() string { return "datastore" }

func (t *DatastoreTask) Descriptor() *Descriptor { return t.desc }

// Host returns the host of the catalog API endpoint.
func (t *DatastoreTask) Host() string {
	if u, err := url.Parse(t.desc.Get("api_url")); err == nil {
		return u.Host
	}
	return ""
}

// Speed classifies the task as fast when the archive is already cached or
// the requested row window stays under the slow-request threshold.
func (t *DatastoreTask) Speed() Speed {
	ws := workspace.New(t.desc.Raw, t.cfg.StoreDirectory, t.cfg.TempDirectory, t.cfg.CacheTime.Std())
	if ws.ZipFileExists() {
		return SpeedFast
	}
	if t.desc.Has("limit") && t.desc.Int("limit")-t.desc.Int("offset") < t.cfg.SlowRequest {
		return SpeedFast
	}
	return SpeedSlow
}

// CreateZip streams the matching records into the tabular work file and
// archives it.
func (t *DatastoreTask) CreateZip(ws *workspace.Workspace) error {
	defer ws.Clean()

	reader := upstream.New(
		t.desc.Get("api_url"),
		t.desc.Get("key"),
		t.cfg.PageSize,
		t.desc.ForwardParams(),
	)
	ctx := context.Background()

	fields, backend, err := reader.FieldsAndBackend(ctx)
	if err != nil {
		return err
	}

	out, err := ws.CSVWriter(resourceFileName)
	if err != nil {
		return err
	}
	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = f.ID
	}
	if err := out.Write(header); err != nil {
		return err
	}
	ws.CountRow(resourceFileName)

	row := make([]string, len(fields))
	err = reader.Records(ctx, backend, func(record upstream.Record) error {
		for i, f := range fields {
			row[i] = cellValue(record[f.ID])
		}
		if err := out.Write(row); err != nil {
			return err
		}
		ws.CountRow(resourceFileName)
		return nil
	})
	if err != nil {
		return err
	}

	if t.desc.Get("format") == string(config.FormatXLSX) {
		if err := ws.FinalizeXLSX(resourceFileName); err != nil {
			return err
		}
	}
	return ws.CreateZip(t.cfg.ZipCommand)
}

// cellValue renders one upstream value for tabular output. Integral floats
// lose their decimal point; structured values are re-encoded as JSON.
func cellValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
