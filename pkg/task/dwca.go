package task

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ckanops/packager/config"
	"github.com/ckanops/packager/pkg/dwc"
	"github.com/ckanops/packager/pkg/upstream"
	"github.com/ckanops/packager/pkg/workspace"
)

// DwCArchiveTask exports a resource as a Darwin Core Archive: one CSV per
// extension plus a generated meta.xml, all driven by the configured GBIF
// extension schemas.
type DwCArchiveTask struct {
	desc     *Descriptor
	cfg      *config.Config
	registry *dwc.Registry
}

func dwcArchiveSchema() Schema {
	schema := datastoreSchema()
	schema["eml"] = FieldSpec{}
	return schema
}

// NewDwCArchiveTask validates a Darwin Core Archive export request. The
// registry is shared across tasks; it is built once at startup from the
// configured extension files.
func NewDwCArchiveTask(params map[string]string, cfg *config.Config, registry *dwc.Registry) (*DwCArchiveTask, error) {
	desc, err := NewDescriptor(params, dwcArchiveSchema())
	if err != nil {
		return nil, err
	}
	return &DwCArchiveTask{desc: desc, cfg: cfg, registry: registry}, nil
}

func (t *DwCArchiveTask) Name() string { return "dwc-archive" }

func (t *DwCArchiveTask) Descriptor() *Descriptor { return t.desc }

// Host returns the host of the catalog API endpoint.
func (t *DwCArchiveTask) Host() string {
	if u, err := url.Parse(t.desc.Get("api_url")); err == nil {
		return u.Host
	}
	return ""
}

// Speed uses the datastore classification: cached archives are fast, small
// requested row windows are fast, everything else is slow.
func (t *DwCArchiveTask) Speed() Speed {
	ws := workspace.New(t.desc.Raw, t.cfg.StoreDirectory, t.cfg.TempDirectory, t.cfg.CacheTime.Std())
	if ws.ZipFileExists() {
		return SpeedFast
	}
	if t.desc.Has("limit") && t.desc.Int("limit")-t.desc.Int("offset") < t.cfg.SlowRequest {
		return SpeedFast
	}
	return SpeedSlow
}

// CreateZip streams the matching records into one CSV per extension, writes
// meta.xml (and eml.xml when a template was supplied) and archives the lot.
func (t *DwCArchiveTask) CreateZip(ws *workspace.Workspace) error {
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
	archive, err := t.buildStructure(fields)
	if err != nil {
		return err
	}

	for _, ext := range archive.Extensions() {
		out, err := ws.CSVWriter(archive.FileName(ext))
		if err != nil {
			return err
		}
		header := append([]string{t.cfg.DwCIDField}, archive.Terms(ext)...)
		if err := out.Write(header); err != nil {
			return err
		}
		ws.CountRow(archive.FileName(ext))
	}

	err = reader.Records(ctx, backend, func(record upstream.Record) error {
		return t.writeRecord(record, archive, ws)
	})
	if err != nil {
		return err
	}

	if err := t.writeMeta(archive, ws); err != nil {
		return err
	}
	return ws.CreateZip(t.cfg.ZipCommand)
}

// buildStructure routes every upstream field into the archive: exact term
// match first, then the camel-cased fold, then a configured extension-field
// expansion, and finally the dynamic catch-all term.
func (t *DwCArchiveTask) buildStructure(fields []upstream.Field) (*dwc.Structure, error) {
	archive := dwc.NewStructure()
	for _, f := range fields {
		name := f.ID
		if name == "" || name == t.cfg.DwCIDField {
			continue
		}
		if t.registry.TermExists(name) {
			archive.AddTerm(name, "", t.registry.TermExtension(name), name, nil)
			continue
		}
		folded := dwc.CamelCase(name)
		if t.registry.TermExists(folded) {
			archive.AddTerm(name, "", t.registry.TermExtension(folded), folded, nil)
			continue
		}
		if extField, ok := t.cfg.DwCExtensionFields[name]; ok {
			if err := t.addExtensionField(archive, name, extField); err != nil {
				return nil, err
			}
			continue
		}
		archive.AddTerm(name, "", t.dynamicExtension(), t.cfg.DwCDynamicTerm, nil)
	}
	return archive, nil
}

// addExtensionField expands a JSON-bearing column into one term per declared
// sub-field, applying the configured name mappings and formatters.
func (t *DwCArchiveTask) addExtensionField(archive *dwc.Structure, field string, extField config.ExtensionField) error {
	extName, err := dwc.ExtensionName(extField.Extension)
	if err != nil {
		return err
	}
	subs := make([]string, 0, len(extField.Fields))
	for sub := range extField.Fields {
		subs = append(subs, sub)
	}
	sort.Strings(subs)
	for _, sub := range subs {
		term := sub
		if mapped, ok := extField.Mappings[sub]; ok {
			term = mapped
		}
		var format dwc.Formatter
		if name, ok := extField.Formatters[sub]; ok {
			if fn, found := config.Formatter(name); found {
				format = dwc.Formatter(fn)
			}
		}
		archive.AddTerm(field, sub, extName, term, format)
	}
	return nil
}

// dynamicExtension returns the extension owning the dynamic catch-all term,
// falling back to the core when the term is not declared by any extension.
func (t *DwCArchiveTask) dynamicExtension() string {
	if t.registry.TermExists(t.cfg.DwCDynamicTerm) {
		return t.registry.TermExtension(t.cfg.DwCDynamicTerm)
	}
	return t.registry.Extensions()[0]
}

// writeRecord emits the rows one upstream record contributes to every
// extension file. A JSON-list source field with N items produces N rows in
// its extension; scalar contributions repeat on each of them.
func (t *DwCArchiveTask) writeRecord(record upstream.Record, archive *dwc.Structure, ws *workspace.Workspace) error {
	id := cellValue(record[t.cfg.DwCIDField])

	for _, ext := range archive.Extensions() {
		terms := archive.Terms(ext)
		lists := t.fieldLists(record, archive, ext)

		rows := 0
		for _, list := range lists {
			if len(list) > rows {
				rows = len(list)
			}
		}

		fileName := archive.FileName(ext)
		out, err := ws.CSVWriter(fileName)
		if err != nil {
			return err
		}
		for i := 0; i < rows; i++ {
			row := make([]string, 0, len(terms)+1)
			row = append(row, id)
			for _, term := range terms {
				row = append(row, t.cell(term, archive.TermFields(ext, term), lists, i))
			}
			if err := out.Write(row); err != nil {
				return err
			}
			ws.CountRow(fileName)
		}
	}
	return nil
}

// fieldLists builds the per-input-field value lists for one extension of one
// record. Sub-field sources decode their column as a list of JSON objects
// with configured defaults merged in; whole-field sources contribute a
// single-element list, absent values included.
func (t *DwCArchiveTask) fieldLists(record upstream.Record, archive *dwc.Structure, ext string) map[string][]interface{} {
	lists := map[string][]interface{}{}
	for _, term := range archive.Terms(ext) {
		for _, src := range archive.TermFields(ext, term) {
			if _, done := lists[src.Field]; done {
				continue
			}
			if src.SubField != "" {
				lists[src.Field] = t.decodeItems(record[src.Field], src.Field)
			} else {
				lists[src.Field] = []interface{}{record[src.Field]}
			}
		}
	}
	return lists
}

// decodeItems normalises a JSON-bearing column value to a list of objects and
// merges the configured sub-field defaults into each of them.
func (t *DwCArchiveTask) decodeItems(value interface{}, field string) []interface{} {
	if s, ok := value.(string); ok {
		var decoded interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil
		}
		value = decoded
	}

	var items []interface{}
	switch v := value.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		items = []interface{}{v}
	default:
		return nil
	}

	defaults := t.cfg.DwCExtensionFields[field].Fields
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		for sub, def := range defaults {
			if existing, present := obj[sub]; !present || existing == nil {
				if def != "" {
					obj[sub] = def
				}
			}
		}
	}
	return items
}

// cell renders one term cell of one output row. The dynamic catch-all term
// is always a JSON object keyed by lower-cased input-field names; other
// multi-contributor terms are JSON objects keyed by camel-cased input-field
// names, with already-structured values kept structured.
func (t *DwCArchiveTask) cell(term string, sources []dwc.TermSource, lists map[string][]interface{}, i int) string {
	if term == t.cfg.DwCDynamicTerm {
		combined := map[string]interface{}{}
		for _, src := range sources {
			combined[strings.ToLower(src.Field)] = sourceValue(lists, src, i)
		}
		return marshalJSON(combined)
	}

	if len(sources) == 1 {
		value := cellValue(sourceValue(lists, sources[0], i))
		if sources[0].Format != nil {
			value = sources[0].Format(value)
		}
		return value
	}

	combined := map[string]interface{}{}
	for _, src := range sources {
		value := sourceValue(lists, src, i)
		if s, ok := value.(string); ok {
			if src.Format != nil {
				s = src.Format(s)
			}
			var parsed interface{}
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				value = parsed
			} else {
				value = s
			}
		}
		combined[dwc.CamelCase(src.Field)] = value
	}
	return marshalJSON(combined)
}

// sourceValue extracts one source's value at row index i, repeating the last
// list element when the source's list is shorter than the row count.
func sourceValue(lists map[string][]interface{}, src dwc.TermSource, i int) interface{} {
	list := lists[src.Field]
	if len(list) == 0 {
		return nil
	}
	if i >= len(list) {
		i = len(list) - 1
	}
	value := list[i]
	if src.SubField != "" {
		if obj, ok := value.(map[string]interface{}); ok {
			return obj[src.SubField]
		}
		return nil
	}
	return value
}

// meta.xml wire structures, in the TDWG Darwin Core text namespace.
type metaArchive struct {
	XMLName  xml.Name      `xml:"archive"`
	Xmlns    string        `xml:"xmlns,attr"`
	Metadata string        `xml:"metadata,attr,omitempty"`
	Sections []metaSection
}

type metaSection struct {
	XMLName            xml.Name
	Encoding           string      `xml:"encoding,attr"`
	LinesTerminatedBy  string      `xml:"linesTerminatedBy,attr"`
	FieldsTerminatedBy string      `xml:"fieldsTerminatedBy,attr"`
	FieldsEnclosedBy   string      `xml:"fieldsEnclosedBy,attr"`
	IgnoreHeaderLines  string      `xml:"ignoreHeaderLines,attr"`
	RowType            string      `xml:"rowType,attr"`
	Files              metaFiles   `xml:"files"`
	ID                 *metaIndex  `xml:"id,omitempty"`
	CoreID             *metaIndex  `xml:"coreid,omitempty"`
	Fields             []metaField `xml:"field"`
}

type metaFiles struct {
	Location string `xml:"location"`
}

type metaIndex struct {
	Index string `xml:"index,attr"`
}

type metaField struct {
	Index string `xml:"index,attr"`
	Term  string `xml:"term,attr"`
}

// writeMeta generates meta.xml describing every emitted file, plus eml.xml
// when the request supplied a metadata template.
func (t *DwCArchiveTask) writeMeta(archive *dwc.Structure, ws *workspace.Workspace) error {
	meta := metaArchive{Xmlns: "http://rs.tdwg.org/dwc/text/"}

	if t.desc.Has("eml") {
		if err := t.writeEML(ws); err != nil {
			return err
		}
		meta.Metadata = "eml.xml"
	}

	for _, ext := range archive.Extensions() {
		section := metaSection{
			Encoding:           "UTF-8",
			LinesTerminatedBy:  `\n`,
			FieldsTerminatedBy: ",",
			FieldsEnclosedBy:   `"`,
			IgnoreHeaderLines:  "1",
			RowType:            t.registry.RowType(ext),
			Files:              metaFiles{Location: archive.FileName(ext)},
		}
		if t.registry.IsCore(ext) {
			section.XMLName = xml.Name{Local: "core"}
			section.ID = &metaIndex{Index: "0"}
		} else {
			section.XMLName = xml.Name{Local: "extension"}
			section.CoreID = &metaIndex{Index: "0"}
		}
		for i, term := range archive.Terms(ext) {
			section.Fields = append(section.Fields, metaField{
				Index: strconv.Itoa(i + 1),
				Term:  t.registry.TermQualified(term),
			})
		}
		meta.Sections = append(meta.Sections, section)
	}

	encoded, err := xml.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	out, err := ws.Writer("meta.xml")
	if err != nil {
		return err
	}
	_, err = out.Write(encoded)
	return err
}

// writeEML formats the supplied metadata template with a fresh package id
// and the generation timestamps.
func (t *DwCArchiveTask) writeEML(ws *workspace.Workspace) error {
	now := time.Now().UTC()
	content := formatTemplate(t.desc.Get("eml"), map[string]string{
		"package_id": uuid.NewString(),
		"pub_date":   now.Format("2006-01-02"),
		"date_stamp": now.Format(time.RFC3339),
	})
	out, err := ws.Writer("eml.xml")
	if err != nil {
		return err
	}
	_, err = out.WriteString(content)
	return err
}

// marshalJSON encodes a value as compact JSON with non-ASCII characters and
// HTML metacharacters preserved.
func marshalJSON(v interface{}) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
