// Package report renders the Pareto front plot and the textual summary
// printed at the end of every batch command.
package report

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"sort"
	"text/tabwriter"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// ParetoPlotName is the plot's name in the artifact store
const ParetoPlotName = "pareto.png"

// ParetoPlot scatters the first two objectives of the front as a PNG.
// A non-nil baseline vector is drawn as a separate marker.
func ParetoPlot(entries []models.ParetoEntry, objectives []string, baseline []float64) ([]byte, error) {
	if len(objectives) < 2 {
		return nil, apperrors.NewValidationError("pareto plot needs two objectives", nil)
	}
	if len(entries) == 0 {
		return nil, apperrors.NewEmptyParetoFrontError("nothing to plot")
	}

	pts := make(plotter.XYs, 0, len(entries))
	for _, e := range entries {
		if len(e.ObjectiveVector) < 2 {
			continue
		}
		pts = append(pts, plotter.XY{X: e.ObjectiveVector[0], Y: e.ObjectiveVector[1]})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].X < pts[j].X })

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Pareto front (%d genomes)", len(pts))
	p.X.Label.Text = objectives[0]
	p.Y.Label.Text = objectives[1]
	p.Add(plotter.NewGrid())

	front, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, fmt.Errorf("front scatter: %w", err)
	}
	front.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	front.GlyphStyle.Radius = vg.Points(3)
	front.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(front)
	p.Legend.Add("front", front)

	if len(pts) > 1 {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("front line: %w", err)
		}
		line.Color = front.GlyphStyle.Color
		line.Width = vg.Points(0.5)
		p.Add(line)
	}

	if len(baseline) >= 2 {
		base, err := plotter.NewScatter(plotter.XYs{{X: baseline[0], Y: baseline[1]}})
		if err != nil {
			return nil, fmt.Errorf("baseline scatter: %w", err)
		}
		base.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		base.GlyphStyle.Radius = vg.Points(4)
		base.GlyphStyle.Shape = draw.CrossGlyph{}
		p.Add(base)
		p.Legend.Add("unenhanced", base)
	}
	p.Legend.Top = true

	w, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("render plot: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode plot: %w", err)
	}
	return buf.Bytes(), nil
}

// Field is one line of a stage summary
type Field struct {
	Name  string
	Value interface{}
}

// WriteSummary prints the stage facts followed by the warnings by type
func WriteSummary(w io.Writer, command string, fields []Field, warnings *observer.WarningCollector) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s summary\n", command)
	for _, f := range fields {
		fmt.Fprintf(tw, "  %s\t%v\n", f.Name, f.Value)
	}
	if warnings != nil {
		fmt.Fprintf(tw, "  warnings\t%d\n", warnings.Total())
		if warnings.Total() > 0 {
			fmt.Fprintln(tw, "warnings by type")
			for _, line := range bytes.Split([]byte(warnings.Summary()), []byte("\n")) {
				fmt.Fprintf(tw, "  %s\n", line)
			}
		}
	}
	return tw.Flush()
}

// FrontFields describes an optimizer result for WriteSummary
func FrontFields(entries []models.ParetoEntry, meta models.ParetoMeta) []Field {
	fields := []Field{
		{"objectives", meta.Objectives},
		{"generations", meta.Generations},
		{"front size", len(entries)},
		{"converged", meta.Converged},
	}
	if meta.Cancelled {
		fields = append(fields, Field{"cancelled", true})
	}
	for i, name := range meta.Objectives {
		best := -1.0
		for _, e := range entries {
			if i < len(e.ObjectiveVector) && (best < 0 || e.ObjectiveVector[i] < best) {
				best = e.ObjectiveVector[i]
			}
		}
		if best >= 0 {
			fields = append(fields, Field{"best " + name, best})
		}
	}
	return fields
}

// CatalogFields describes a catalog for WriteSummary
func CatalogFields(entries []models.FilterCatalogEntry) []Field {
	fields := make([]Field, 0, len(entries))
	for _, e := range entries {
		fields = append(fields, Field{
			Name: e.Name,
			Value: fmt.Sprintf("%s %s total=%d worst_low=%d ceiling=%d rules=%d",
				e.PipelineKind, shortID(e.GenomeID),
				e.ExpectedPerformance.TotalEditDistance,
				e.ExpectedPerformance.WorstLowDegradation,
				e.ExpectedPerformance.AtCeiling,
				len(e.DecisionRules)),
		})
	}
	return fields
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
