package validation

import (
	"testing"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
)

func TestValidateImageSource(t *testing.T) {
	validator := NewSourceValidator()

	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{"relative path", "docs/invoice-01.png", false},
		{"absolute path", "/data/corpus/receipt.jpg", false},
		{"file url", "file:///data/corpus/receipt.jpg", false},
		{"http url", "http://example.com/scan.png", false},
		{"https url", "https://cdn.example.com/a/b.png", false},
		{"empty", "   ", true},
		{"ftp scheme", "ftp://example.com/scan.png", true},
		{"missing host", "https:///scan.png", true},
		{"file url without path", "file://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateImageSource(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateImageSource(%q) error = %v, wantErr %v", tt.src, err, tt.wantErr)
			}
			if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestValidateImageSource_HostRestriction(t *testing.T) {
	validator := NewSourceValidatorWithOptions([]string{"https"}, []string{"scans.example.com"})

	if err := validator.ValidateImageSource("https://scans.example.com/1.png"); err != nil {
		t.Errorf("Expected allowed host to pass, got %v", err)
	}
	if err := validator.ValidateImageSource("https://other.example.com/1.png"); err == nil {
		t.Error("Expected disallowed host to fail")
	}
	if err := validator.ValidateImageSource("local.png"); err == nil {
		t.Error("Expected local file to fail when file scheme is not allowed")
	}
}

func TestIsRemote(t *testing.T) {
	if !IsRemote("HTTPS://example.com/a.png") {
		t.Error("Expected https URL to be remote")
	}
	if IsRemote("/tmp/a.png") {
		t.Error("Expected path to be local")
	}
}
