package dwc

// Formatter transforms a single cell value before it is written.
type Formatter func(string) string

// TermSource describes one input-field contribution to a term cell.
type TermSource struct {
	// Field is the upstream field name.
	Field string

	// SubField names a key within a JSON-bearing field, or is empty when
	// the whole field value maps onto the term.
	SubField string

	// Format is applied to the value before writing, when non-nil.
	Format Formatter
}

// Structure is the in-memory model of the archive being built: which CSV
// files it will contain and which input fields map into which output terms.
// Extension and term order is the order of first registration.
type Structure struct {
	order []string
	byExt map[string]*extensionLayout
}

type extensionLayout struct {
	termOrder []string
	sources   map[string][]TermSource
}

// NewStructure returns an empty archive structure.
func NewStructure() *Structure {
	return &Structure{byExt: map[string]*extensionLayout{}}
}

// AddTerm records that the input field (or one of its sub-fields)
// contributes to the given term of the given extension. Adding the same
// tuple twice is a no-op.
func (s *Structure) AddTerm(inputField, subField, extension, term string, format Formatter) {
	layout, ok := s.byExt[extension]
	if !ok {
		layout = &extensionLayout{sources: map[string][]TermSource{}}
		s.byExt[extension] = layout
		s.order = append(s.order, extension)
	}
	if _, ok := layout.sources[term]; !ok {
		layout.termOrder = append(layout.termOrder, term)
	}
	for _, src := range layout.sources[term] {
		if src.Field == inputField && src.SubField == subField {
			return
		}
	}
	layout.sources[term] = append(layout.sources[term], TermSource{
		Field:    inputField,
		SubField: subField,
		Format:   format,
	})
}

// Extensions returns the extension names in registration order.
func (s *Structure) Extensions() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Terms returns the term names of an extension in registration order.
func (s *Structure) Terms(extension string) []string {
	layout, ok := s.byExt[extension]
	if !ok {
		return nil
	}
	out := make([]string, len(layout.termOrder))
	copy(out, layout.termOrder)
	return out
}

// TermFields returns the input-field contributions for a term.
func (s *Structure) TermFields(extension, term string) []TermSource {
	layout, ok := s.byExt[extension]
	if !ok {
		return nil
	}
	return layout.sources[term]
}

// FileName returns the CSV file name for an extension, derived from its
// snake-cased name ("MeasurementOrFact" -> "measurement_or_fact.csv").
func (s *Structure) FileName(extension string) string {
	return SnakeCase(extension) + ".csv"
}
