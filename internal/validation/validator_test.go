package validation

import (
	"strings"
	"testing"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
)

type sample struct {
	Openness float64 `validate:"gte=0,lte=1"`
	Length   string  `validate:"omitempty,oneof=short medium long any"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		input   sample
		wantErr string
	}{
		{"valid", sample{Openness: 0.4, Length: "short"}, ""},
		{"empty enum allowed", sample{Openness: 0}, ""},
		{"openness too high", sample{Openness: 1.5}, "Openness must be <= 1"},
		{"openness negative", sample{Openness: -0.1}, "Openness must be >= 0"},
		{"bad enum", sample{Openness: 0.5, Length: "epic"}, "Length must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.input)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !apperr.Is(err, apperr.InvalidInput) {
				t.Errorf("Expected InvalidInput, got %v", apperr.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected %q in %q", tt.wantErr, err.Error())
			}
		})
	}
}
