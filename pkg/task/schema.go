// Package task implements the per-request packaging state machine. Three
// task variants (datastore, url, dwc-archive) share one driver: validate,
// cache check, ingest, write, zip, email, log. Variants differ only in
// their request schema, host derivation, speed classification and archive
// construction.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"

	pkgerrors "github.com/ckanops/packager/pkg/errors"
)

// FieldSpec describes one request field: whether it must be present, an
// optional preprocessor that validates and parses the raw value, and whether
// the field is forwarded to the upstream catalog.
type FieldSpec struct {
	Required   bool
	Preprocess func(string) (interface{}, error)
	Forward    bool
}

// Schema maps field names to their specs. email and resource_id are
// implicitly required in every schema.
type Schema map[string]FieldSpec

// Descriptor is a validated request. Raw holds the submitted string form of
// every present field (used for fingerprinting); Parsed holds preprocessed
// values for fields that declare a preprocessor, and the raw string for the
// rest.
type Descriptor struct {
	Raw    map[string]string
	Parsed map[string]interface{}
	schema Schema
}

// NewDescriptor validates the submitted parameters against the schema,
// running preprocessors on present fields. Missing required fields and
// failed preprocessors are reported as ErrBadRequest.
func NewDescriptor(params map[string]string, schema Schema) (*Descriptor, error) {
	for _, implicit := range []string{"email", "resource_id"} {
		if _, ok := schema[implicit]; !ok {
			schema[implicit] = FieldSpec{Required: true}
		}
	}

	d := &Descriptor{
		Raw:    map[string]string{},
		Parsed: map[string]interface{}{},
		schema: schema,
	}
	for field, spec := range schema {
		raw, present := params[field]
		if !present {
			if spec.Required {
				return nil, fmt.Errorf("%w: parameter %s is required", pkgerrors.ErrBadRequest, field)
			}
			continue
		}
		d.Raw[field] = raw
		if spec.Preprocess != nil {
			parsed, err := spec.Preprocess(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: parameter %s: %v", pkgerrors.ErrBadRequest, field, err)
			}
			d.Parsed[field] = parsed
		} else {
			d.Parsed[field] = raw
		}
	}
	return d, nil
}

// Get returns the raw string value of a field, or "" when absent.
func (d *Descriptor) Get(field string) string {
	return d.Raw[field]
}

// Has reports whether the field was submitted.
func (d *Descriptor) Has(field string) bool {
	_, ok := d.Raw[field]
	return ok
}

// Int returns the parsed integer value of a field, or 0 when absent.
func (d *Descriptor) Int(field string) int {
	if v, ok := d.Parsed[field].(int); ok {
		return v
	}
	return 0
}

// ForwardParams returns the parsed values of every submitted field the
// schema marks as upstream-forwarded.
func (d *Descriptor) ForwardParams() map[string]interface{} {
	forward := map[string]interface{}{}
	for field, spec := range d.schema {
		if !spec.Forward {
			continue
		}
		if v, ok := d.Parsed[field]; ok {
			forward[field] = v
		}
	}
	return forward
}

// jsonObject preprocesses a field as a JSON object, rejecting other JSON
// values.
func jsonObject(raw string) (interface{}, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("not a valid JSON object: %v", err)
	}
	return decoded, nil
}

// nonNegativeInt preprocesses a field as an integer >= 0.
func nonNegativeInt(raw string) (interface{}, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("not an integer: %v", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("must not be negative")
	}
	return n, nil
}

// exportFormat preprocesses the format field, restricting it to the
// supported tabular formats.
func exportFormat(raw string) (interface{}, error) {
	switch raw {
	case "csv", "tsv", "xlsx":
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", raw)
	}
}
