package validation

import (
	"net/url"
	"path/filepath"
	"strings"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
)

// SourceValidator checks where a corpus document image may be loaded from
type SourceValidator struct {
	allowedSchemes []string
	allowedHosts   []string
}

// NewSourceValidator accepts local paths and http(s) URLs on any host
func NewSourceValidator() *SourceValidator {
	return &SourceValidator{
		allowedSchemes: []string{"http", "https", "file"},
		allowedHosts:   []string{},
	}
}

// NewSourceValidatorWithOptions creates a validator with custom schemes and hosts
func NewSourceValidatorWithOptions(schemes []string, hosts []string) *SourceValidator {
	return &SourceValidator{
		allowedSchemes: schemes,
		allowedHosts:   hosts,
	}
}

// IsRemote reports whether src refers to an http(s) location
func IsRemote(src string) bool {
	s := strings.ToLower(strings.TrimSpace(src))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ValidateImageSource validates a manifest image reference
func (v *SourceValidator) ValidateImageSource(src string) error {
	if strings.TrimSpace(src) == "" {
		return apperrors.NewValidationError("image source cannot be empty", nil)
	}

	// Plain paths (including Windows drive letters) are local files
	if !strings.Contains(src, "://") || filepath.VolumeName(src) != "" {
		return v.validateScheme("file")
	}

	parsed, err := url.Parse(src)
	if err != nil {
		return apperrors.NewValidationError("invalid image source format", err)
	}
	if err := v.validateScheme(parsed.Scheme); err != nil {
		return err
	}
	if parsed.Scheme == "file" {
		if parsed.Path == "" {
			return apperrors.NewValidationError("file source must have a path", nil)
		}
		return nil
	}
	if parsed.Host == "" {
		return apperrors.NewValidationError("image URL must have a valid host", nil)
	}
	if !v.isHostAllowed(parsed.Hostname()) {
		return apperrors.NewValidationError("image URL host not allowed", nil)
	}
	return nil
}

func (v *SourceValidator) validateScheme(scheme string) error {
	for _, allowed := range v.allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return nil
		}
	}
	return apperrors.NewValidationError("image source scheme not allowed", nil).WithDetails(scheme)
}

// isHostAllowed returns true if no host restrictions are set
func (v *SourceValidator) isHostAllowed(host string) bool {
	if len(v.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range v.allowedHosts {
		if host == allowed {
			return true
		}
	}
	return false
}
