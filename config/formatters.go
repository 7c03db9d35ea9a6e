package config

// FormatterFunc transforms a sub-field value before it is written to a
// Darwin Core extension column.
type FormatterFunc func(string) string

// formatters is the registry of named formatters available to
// dwc_extension_fields configuration. Formatters are referenced by name in
// YAML so that configuration stays declarative.
var formatters = map[string]FormatterFunc{
	// image_mime turns a bare image subtype ("jpeg") into a full MIME
	// type ("image/jpeg"). Empty values pass through unchanged.
	"image_mime": func(v string) string {
		if v == "" {
			return v
		}
		return "image/" + v
	},
}

// Formatter looks up a registered formatter by name.
func Formatter(name string) (FormatterFunc, bool) {
	f, ok := formatters[name]
	return f, ok
}
