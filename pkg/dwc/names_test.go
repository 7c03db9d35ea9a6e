package dwc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCamelCase(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single lowercase word", "type", "type"},
		{"two words", "Event date", "eventDate"},
		{"all-caps word preserved", "Taxon resource ID", "taxonResourceID"},
		{"single mixed-case word lowered", "basisOfRecord", "basisofrecord"},
		{"leading all-caps word preserved", "GBIF id", "GBIFId"},
		{"surrounding spaces ignored", "  catalogue   number ", "catalogueNumber"},
		{"empty string", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CamelCase(tt.input))
		})
	}
}

func TestSnakeCase(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"upper camel case", "MeasurementOrFact", "measurement_or_fact"},
		{"lower camel case", "occurrenceID", "occurrence_id"},
		{"single word", "Occurrence", "occurrence"},
		{"already lowercase", "multimedia", "multimedia"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SnakeCase(tt.input))
		})
	}
}
