// Package render draws reduced embeddings as a labelled scatter plot.
package render

import (
	"errors"
	"fmt"
	"image/color"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

const (
	DefaultDir        = "reports/figures"
	DefaultName       = "embeddings.png"
	DefaultNumClasses = 10
)

var supportedFormats = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "svg": true,
	"pdf": true, "eps": true, "tif": true, "tiff": true,
}

// tab10 is the categorical palette used for the first ten classes.
var tab10 = []color.RGBA{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
	{R: 0xe3, G: 0x77, B: 0xc2, A: 0xff},
	{R: 0x7f, G: 0x7f, B: 0x7f, A: 0xff},
	{R: 0xbc, G: 0xbd, B: 0x22, A: 0xff},
	{R: 0x17, G: 0xbe, B: 0xcf, A: 0xff},
}

type Options struct {
	Dir        string   `yaml:"dir" json:"dir"`
	Name       string   `yaml:"name" json:"name"`
	NumClasses int      `yaml:"num_classes" json:"num_classes"`
	ClassNames []string `yaml:"class_names" json:"class_names"`
	Title      string   `yaml:"title" json:"title"`
	// Width and Height of the figure in inches.
	Width       float64 `yaml:"width" json:"width"`
	Height      float64 `yaml:"height" json:"height"`
	PointRadius float64 `yaml:"point_radius" json:"point_radius"`
}

func DefaultOptions() Options {
	return Options{
		Dir:         DefaultDir,
		Name:        DefaultName,
		NumClasses:  DefaultNumClasses,
		Width:       10,
		Height:      10,
		PointRadius: 2,
	}
}

func (o Options) Path() string {
	return filepath.Join(o.Dir, o.Name)
}

func (o Options) Validate() error {
	var errs []error
	if o.Name == "" {
		errs = append(errs, errors.New("figure name is empty"))
	} else if filepath.Base(o.Name) != o.Name {
		errs = append(errs, fmt.Errorf("figure name %q must not contain a directory", o.Name))
	} else if format := Format(o.Name); !supportedFormats[format] {
		errs = append(errs, fmt.Errorf("unsupported figure format %q for %s", format, o.Name))
	}
	if o.NumClasses <= 0 {
		errs = append(errs, fmt.Errorf("number of classes must be positive, got %d", o.NumClasses))
	}
	if len(o.ClassNames) > 0 && len(o.ClassNames) != o.NumClasses {
		errs = append(errs, fmt.Errorf("%d class names given for %d classes", len(o.ClassNames), o.NumClasses))
	}
	if o.Width <= 0 || o.Height <= 0 {
		errs = append(errs, fmt.Errorf("figure size must be positive, got %gx%g", o.Width, o.Height))
	}
	return errors.Join(errs...)
}

// Format is the image format implied by the extension of name.
func Format(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Figure describes a written scatter plot.
type Figure struct {
	Path          string
	LegendEntries []string
	// Counts holds the number of points drawn per class.
	Counts  []int
	Points  int
	Dropped int
}

func (o Options) legendLabel(class int) string {
	if len(o.ClassNames) > 0 {
		return o.ClassNames[class]
	}
	return strconv.Itoa(class)
}

func classColor(class int) color.Color {
	if class < len(tab10) {
		return tab10[class]
	}
	return plotutil.Color(class)
}

// Render draws one scatter layer per class and saves the figure to Options.Path,
// overwriting any existing file. The output directory must already exist. Labels
// outside [0, NumClasses) are left out and counted in Figure.Dropped.
func Render(points [][2]float64, labels []int, o Options) (*Figure, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if len(points) != len(labels) {
		return nil, fmt.Errorf("got %d points but %d labels", len(points), len(labels))
	}

	groups := make([]plotter.XYs, o.NumClasses)
	figure := &Figure{Path: o.Path(), Counts: make([]int, o.NumClasses)}
	for i, point := range points {
		class := labels[i]
		if class < 0 || class >= o.NumClasses {
			figure.Dropped++
			continue
		}
		groups[class] = append(groups[class], plotter.XY{X: point[0], Y: point[1]})
		figure.Counts[class]++
		figure.Points++
	}

	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = "t-SNE 1"
	p.Y.Label.Text = "t-SNE 2"
	p.Legend.Top = true
	p.Legend.ThumbnailWidth = vg.Points(8)

	for class, xys := range groups {
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", class, err)
		}
		scatter.GlyphStyle.Color = classColor(class)
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		scatter.GlyphStyle.Radius = vg.Points(o.PointRadius)
		if len(xys) > 0 {
			p.Add(scatter)
		}
		label := o.legendLabel(class)
		p.Legend.Add(label, scatter)
		figure.LegendEntries = append(figure.LegendEntries, label)
	}

	if err := p.Save(vg.Length(o.Width)*vg.Inch, vg.Length(o.Height)*vg.Inch, figure.Path); err != nil {
		return nil, fmt.Errorf("saving figure to %s: %w", figure.Path, err)
	}
	return figure, nil
}
