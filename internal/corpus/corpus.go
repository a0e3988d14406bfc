// Package corpus loads the document manifest: page images plus their
// ground-truth text.
package corpus

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
	"github.com/anime-shed/ocr-enhance-tuner/internal/repository"
)

// Document is one corpus entry
type Document struct {
	ID              string `yaml:"id" json:"id"`
	Image           string `yaml:"image" json:"image"`
	GroundTruth     string `yaml:"ground_truth,omitempty" json:"ground_truth,omitempty"`
	GroundTruthFile string `yaml:"ground_truth_file,omitempty" json:"ground_truth_file,omitempty"`
	Group           string `yaml:"group,omitempty" json:"group,omitempty"`
}

// Corpus is a validated manifest
type Corpus struct {
	Documents []Document `yaml:"documents" json:"documents"`
	// BaseDir resolves relative image and ground-truth paths
	BaseDir string `yaml:"-" json:"-"`
}

// Load reads a YAML (or JSON) manifest and resolves ground-truth files.
// A document without ground truth is a fatal validation error.
func Load(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewValidationError("cannot read corpus manifest", err).WithDetails(path)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a manifest whose relative paths resolve against baseDir
func Parse(data []byte, baseDir string) (*Corpus, error) {
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, apperrors.NewValidationError("malformed corpus manifest", err)
	}
	c.BaseDir = baseDir

	if len(c.Documents) == 0 {
		return nil, apperrors.NewValidationError("corpus manifest lists no documents", nil)
	}

	seen := make(map[string]bool, len(c.Documents))
	var problems []string
	for i := range c.Documents {
		d := &c.Documents[i]
		d.ID = strings.TrimSpace(d.ID)
		switch {
		case d.ID == "":
			problems = append(problems, fmt.Sprintf("documents[%d]: missing id", i))
			continue
		case seen[d.ID]:
			problems = append(problems, fmt.Sprintf("%s: duplicate id", d.ID))
			continue
		}
		seen[d.ID] = true

		if strings.TrimSpace(d.Image) == "" {
			problems = append(problems, fmt.Sprintf("%s: missing image", d.ID))
		}
		if d.GroundTruth == "" && d.GroundTruthFile != "" {
			text, err := os.ReadFile(c.resolve(d.GroundTruthFile))
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: unreadable ground truth file: %v", d.ID, err))
				continue
			}
			d.GroundTruth = string(text)
		}
		if strings.TrimSpace(d.GroundTruth) == "" {
			problems = append(problems, fmt.Sprintf("%s: missing ground truth", d.ID))
		}
	}
	if len(problems) > 0 {
		return nil, apperrors.NewValidationError("invalid corpus manifest", nil).WithDetails(strings.Join(problems, "; "))
	}
	return &c, nil
}

func (c *Corpus) resolve(p string) string {
	if filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// IDs returns the document ids in manifest order
func (c *Corpus) IDs() []string {
	ids := make([]string, len(c.Documents))
	for i, d := range c.Documents {
		ids[i] = d.ID
	}
	return ids
}

// GroundTruth returns document id -> ground truth text
func (c *Corpus) GroundTruth() map[string]string {
	out := make(map[string]string, len(c.Documents))
	for _, d := range c.Documents {
		out[d.ID] = d.GroundTruth
	}
	return out
}

// Select returns the ids of documents whose id or group is listed.
// An empty selector selects every document.
func (c *Corpus) Select(selectors []string) []string {
	if len(selectors) == 0 {
		return c.IDs()
	}
	want := make(map[string]bool, len(selectors))
	for _, s := range selectors {
		want[s] = true
	}
	var out []string
	for _, d := range c.Documents {
		if want[d.ID] || (d.Group != "" && want[d.Group]) {
			out = append(out, d.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Loader fetches and decodes page images through an image repository
type Loader struct {
	repo repository.ImageRepository
}

// NewLoader creates a page loader
func NewLoader(repo repository.ImageRepository) *Loader {
	return &Loader{repo: repo}
}

// LoadPage returns the decoded pristine page of d. Relative sources are
// resolved against the manifest directory by the repository's file fetcher.
func (l *Loader) LoadPage(ctx context.Context, d Document) (image.Image, error) {
	data, err := l.repo.FetchImage(ctx, d.Image)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeValidation) {
			return nil, err
		}
		return nil, apperrors.NewInvalidImageInputError("cannot load page", err).WithDetails(d.ID)
	}
	img, err := raster.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.ID, err)
	}
	return img, nil
}
