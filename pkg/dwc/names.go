// Package dwc implements the Darwin Core Archive building blocks: the GBIF
// extension registry, the archive layout and the field-name folding rules
// used to route upstream fields onto DwC terms.
package dwc

import (
	"regexp"
	"strings"
	"unicode"
)

var snakeWords = regexp.MustCompile(`([A-Z]+|^)([^A-Z]+|$)`)

// SnakeCase converts a camel-cased extension name into lowercased words
// joined by underscores. Upper-case runs are kept together, so
// "MeasurementOrFact" becomes "measurement_or_fact".
func SnakeCase(s string) string {
	matches := snakeWords.FindAllString(s, -1)
	words := make([]string, 0, len(matches))
	for _, m := range matches {
		if m != "" {
			words = append(words, strings.ToLower(m))
		}
	}
	return strings.Join(words, "_")
}

// CamelCase folds a space-separated name into lower camel case. Words that
// are entirely upper case are preserved, so "Taxon resource ID" becomes
// "taxonResourceID".
func CamelCase(s string) string {
	var words []string
	for _, w := range strings.Fields(s) {
		words = append(words, w)
	}
	if len(words) == 0 {
		return ""
	}
	if !isAllUpper(words[0]) {
		words[0] = strings.ToLower(words[0])
	}
	for i := 1; i < len(words); i++ {
		if !isAllUpper(words[i]) {
			words[i] = capitalize(words[i])
		}
	}
	return strings.Join(words, "")
}

func isAllUpper(s string) bool {
	return strings.ToUpper(s) == s
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(s string) string {
	runes := []rune(strings.ToLower(s))
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}
