package dwc

import (
	"encoding/xml"
	"fmt"
	"os"
	"sync"
)

// Term is one property of a GBIF extension.
type Term struct {
	// Name is the short term name ("basisOfRecord").
	Name string

	// Extension is the human name of the owning extension ("Occurrence").
	Extension string

	// Qualified is the fully-qualified term URI.
	Qualified string

	// Required reports whether the extension schema marks the term required.
	Required bool
}

// Extension is a parsed GBIF extension descriptor.
type Extension struct {
	// Name is the human name declared by the XML file.
	Name string

	// RowType is the row type URI.
	RowType string

	// Terms lists the extension's properties in declaration order.
	Terms []Term
}

// extensionCache holds parsed extension files keyed by path. Extension
// definitions are immutable, so one parse serves every registry built from
// the same path for the lifetime of the process.
var extensionCache = struct {
	sync.Mutex
	byPath map[string]*Extension
}{byPath: map[string]*Extension{}}

// xml wire structures for the GBIF extension schema
// (http://rs.gbif.org/schema/extension.xsd).
type xmlExtension struct {
	Name       string        `xml:"name,attr"`
	RowType    string        `xml:"rowType,attr"`
	Properties []xmlProperty `xml:"property"`
}

type xmlProperty struct {
	Name     string `xml:"name,attr"`
	QualName string `xml:"qualName,attr"`
	Required string `xml:"required,attr"`
}

// Registry answers term and extension lookups for a configured set of GBIF
// extensions. The first extension is the core; term-name conflicts are
// resolved in favour of the earliest registration, so the core wins.
type Registry struct {
	extensions []*Extension
	byName     map[string]*Extension
	terms      map[string]Term
	core       string
}

// NewRegistry parses the given extension files and builds a registry. The
// first path is designated the core extension.
func NewRegistry(paths []string) (*Registry, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one extension file is required")
	}
	r := &Registry{
		byName: map[string]*Extension{},
		terms:  map[string]Term{},
	}
	for _, path := range paths {
		ext, err := parseExtension(path)
		if err != nil {
			return nil, err
		}
		if _, dup := r.byName[ext.Name]; dup {
			continue
		}
		r.extensions = append(r.extensions, ext)
		r.byName[ext.Name] = ext
		if r.core == "" {
			r.core = ext.Name
		}
	}
	for _, ext := range r.extensions {
		for _, term := range ext.Terms {
			// First registration wins so that the core extension is
			// preferred when a term name appears in several extensions.
			if _, exists := r.terms[term.Name]; !exists {
				r.terms[term.Name] = term
			}
		}
	}
	return r, nil
}

// Extensions returns the extension names with the core first.
func (r *Registry) Extensions() []string {
	names := make([]string, len(r.extensions))
	for i, ext := range r.extensions {
		names[i] = ext.Name
	}
	return names
}

// IsCore reports whether the named extension is the core extension.
func (r *Registry) IsCore(extension string) bool {
	return r.core == extension
}

// Has reports whether the named extension is registered.
func (r *Registry) Has(extension string) bool {
	_, ok := r.byName[extension]
	return ok
}

// RowType returns the row type URI of the named extension.
func (r *Registry) RowType(extension string) string {
	if ext, ok := r.byName[extension]; ok {
		return ext.RowType
	}
	return ""
}

// Terms returns the term names of the named extension in declaration order.
func (r *Registry) Terms(extension string) []string {
	ext, ok := r.byName[extension]
	if !ok {
		return nil
	}
	names := make([]string, len(ext.Terms))
	for i, term := range ext.Terms {
		names[i] = term.Name
	}
	return names
}

// TermExists reports whether the term name is known to any extension.
func (r *Registry) TermExists(term string) bool {
	_, ok := r.terms[term]
	return ok
}

// TermExtension returns the name of the extension owning the term.
func (r *Registry) TermExtension(term string) string {
	return r.terms[term].Extension
}

// TermQualified returns the fully-qualified URI of the term.
func (r *Registry) TermQualified(term string) string {
	return r.terms[term].Qualified
}

// ExtensionName returns the declared name of the extension file at path.
func ExtensionName(path string) (string, error) {
	ext, err := parseExtension(path)
	if err != nil {
		return "", err
	}
	return ext.Name, nil
}

// parseExtension reads and decodes a GBIF extension XML file, consulting the
// process-wide cache first.
func parseExtension(path string) (*Extension, error) {
	extensionCache.Lock()
	defer extensionCache.Unlock()

	if ext, ok := extensionCache.byPath[path]; ok {
		return ext, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extension file %s: %w", path, err)
	}
	var decoded xmlExtension
	if err := xml.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("parsing extension file %s: %w", path, err)
	}
	if decoded.Name == "" {
		return nil, fmt.Errorf("extension file %s has no name attribute", path)
	}

	ext := &Extension{
		Name:    decoded.Name,
		RowType: decoded.RowType,
		Terms:   make([]Term, 0, len(decoded.Properties)),
	}
	for _, prop := range decoded.Properties {
		ext.Terms = append(ext.Terms, Term{
			Name:      prop.Name,
			Extension: decoded.Name,
			Qualified: prop.QualName,
			Required:  prop.Required == "true",
		})
	}

	extensionCache.byPath[path] = ext
	return ext, nil
}
