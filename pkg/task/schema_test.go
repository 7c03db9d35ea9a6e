package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/ckanops/packager/pkg/errors"
)

func TestNewDescriptorRequiredFields(t *testing.T) {
	_, err := NewDescriptor(map[string]string{"resource_id": "r1"}, Schema{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsBadRequest(err))
	assert.Contains(t, err.Error(), "email")

	_, err = NewDescriptor(map[string]string{"email": "a@x.com"}, Schema{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource_id")

	d, err := NewDescriptor(map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
	}, Schema{})
	require.NoError(t, err)
	assert.Equal(t, "r1", d.Get("resource_id"))
}

func TestNewDescriptorPreprocessors(t *testing.T) {
	schema := Schema{
		"filters": {Preprocess: jsonObject, Forward: true},
		"limit":   {Preprocess: nonNegativeInt, Forward: true},
		"format":  {Preprocess: exportFormat},
	}
	params := map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"filters":     `{"year": "1900"}`,
		"limit":       "250",
		"format":      "tsv",
	}
	d, err := NewDescriptor(params, schema)
	require.NoError(t, err)

	assert.Equal(t, 250, d.Int("limit"))
	assert.Equal(t, "tsv", d.Get("format"))
	assert.True(t, d.Has("filters"))
	assert.False(t, d.Has("offset"))

	forward := d.ForwardParams()
	assert.Equal(t, map[string]interface{}{"year": "1900"}, forward["filters"])
	assert.Equal(t, 250, forward["limit"])
	_, hasFormat := forward["format"]
	assert.False(t, hasFormat)
}

func TestNewDescriptorRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		value  string
		schema Schema
	}{
		{"malformed filters", "filters", "{not json", Schema{"filters": {Preprocess: jsonObject}}},
		{"filters not an object", "filters", `[1,2]`, Schema{"filters": {Preprocess: jsonObject}}},
		{"negative limit", "limit", "-1", Schema{"limit": {Preprocess: nonNegativeInt}}},
		{"non-integer limit", "limit", "ten", Schema{"limit": {Preprocess: nonNegativeInt}}},
		{"unsupported format", "format", "pdf", Schema{"format": {Preprocess: exportFormat}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]string{
				"resource_id": "r1",
				"email":       "a@x.com",
				tt.field:      tt.value,
			}
			_, err := NewDescriptor(params, tt.schema)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsBadRequest(err))
		})
	}
}

func TestFormatTemplate(t *testing.T) {
	out := formatTemplate("Hi, {zip_file_name} from {ckan_host} ({missing})", map[string]string{
		"zip_file_name": "abc.zip",
		"ckan_host":     "data.example.org",
	})
	assert.Equal(t, "Hi, abc.zip from data.example.org ({missing})", out)
}
