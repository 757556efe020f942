package diabot

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// ChartTheme selects the color palette used for rendered BG charts.
type ChartTheme string

const (
	ChartThemeLight ChartTheme = "light"
	ChartThemeDark  ChartTheme = "dark"
)

// ChartStyle selects how readings are drawn.
type ChartStyle string

const (
	ChartStyleScatter ChartStyle = "scatter"
	ChartStyleLine    ChartStyle = "line"
)

// chartPalette is the color triple used to classify readings against
// the target range, plus the chart surface colors.
type chartPalette struct {
	high       drawing.Color
	low        drawing.Color
	inRange    drawing.Color
	background drawing.Color
	grid       drawing.Color
	text       drawing.Color
}

var chartPalettes = map[ChartTheme]chartPalette{
	ChartThemeLight: {
		high:       drawing.Color{R: 255, G: 165, B: 0, A: 255},
		low:        drawing.Color{R: 200, G: 0, B: 0, A: 255},
		inRange:    drawing.Color{R: 0, G: 150, B: 0, A: 255},
		background: drawing.Color{R: 255, G: 255, B: 255, A: 255},
		grid:       drawing.Color{R: 220, G: 220, B: 220, A: 255},
		text:       drawing.Color{R: 51, G: 51, B: 51, A: 255},
	},
	ChartThemeDark: {
		high:       drawing.Color{R: 255, G: 200, B: 0, A: 255},
		low:        drawing.Color{R: 255, G: 100, B: 100, A: 255},
		inRange:    drawing.Color{R: 0, G: 255, B: 0, A: 255},
		background: drawing.Color{R: 30, G: 31, B: 34, A: 255},
		grid:       drawing.Color{R: 64, G: 64, B: 64, A: 255},
		text:       drawing.Color{R: 220, G: 220, B: 220, A: 255},
	},
}

// paletteFor returns the palette for the given theme, falling back to
// the dark palette for unknown themes.
func paletteFor(theme ChartTheme) chartPalette {
	p, ok := chartPalettes[theme]
	if !ok {
		return chartPalettes[ChartThemeDark]
	}
	return p
}

// seriesColor classifies a single mg/dL reading against the target range
// and returns the plot color for it. Line charts use a single connected
// stroke, so every reading gets the in-range color regardless of value.
func seriesColor(
	mgdl float64,
	top float64,
	bottom float64,
	theme ChartTheme,
	style ChartStyle,
) drawing.Color {
	p := paletteFor(theme)
	if style == ChartStyleLine {
		return p.inRange
	}
	switch {
	case mgdl > top:
		return p.high
	case mgdl < bottom:
		return p.low
	default:
		return p.inRange
	}
}

// Reading is a single blood glucose sample.
type Reading struct {
	Mgdl float64
	Time time.Time
}

// GlucoseSeries is one plottable series produced by BuildSeries: a set
// of readings sharing a color and display unit. The chart library maps
// AxisGroup 0 onto the primary Y axis and group 1 onto the secondary.
type GlucoseSeries struct {
	Unit      GlucoseUnit
	Color     drawing.Color
	AxisGroup int

	// Hidden series participate in axis scaling but aren't drawn.
	// The mmol/L series is always hidden - mg/dL carries more precision
	// per pixel, so it's the drawing unit, and the mmol/L series exists
	// only to produce the secondary axis scale.
	Hidden bool

	// X values are hours relative to the chart's reference time;
	// past readings are negative.
	X []float64
	Y []float64
}

// SeriesBuilder partitions readings into per-color, per-unit series for
// plotting. The unit preferred by the viewer gets axis group 0 (the
// primary axis), the other unit gets group 1.
type SeriesBuilder struct {
	Units  GlucoseUnit
	Top    float64 // upper bound of target range, mg/dL
	Bottom float64 // lower bound of target range, mg/dL
	Theme  ChartTheme
	Style  ChartStyle
}

// Build partitions the given readings by classified color, preserving
// first-seen order, and emits one mg/dL and one mmol/L series per color
// group. X coordinates are relative hours from now (negative for past
// readings). An empty input produces no series.
func (b SeriesBuilder) Build(readings []Reading, now time.Time) []GlucoseSeries {
	if len(readings) == 0 {
		return nil
	}

	type group struct {
		color drawing.Color
		x     []float64
		mgdl  []float64
	}
	var groups []*group
	byColor := map[drawing.Color]*group{}

	for _, r := range readings {
		c := seriesColor(r.Mgdl, b.Top, b.Bottom, b.Theme, b.Style)
		g, ok := byColor[c]
		if !ok {
			g = &group{color: c}
			byColor[c] = g
			groups = append(groups, g)
		}
		g.x = append(g.x, r.Time.Sub(now).Hours())
		g.mgdl = append(g.mgdl, r.Mgdl)
	}

	mgdlGroup, mmolGroup := 0, 1
	if b.Units == UnitMmol {
		mgdlGroup, mmolGroup = 1, 0
	}

	series := make([]GlucoseSeries, 0, 2*len(groups))
	for _, g := range groups {
		series = append(
			series, GlucoseSeries{
				Unit:      UnitMgdl,
				Color:     g.color,
				AxisGroup: mgdlGroup,
				X:         g.x,
				Y:         g.mgdl,
			},
		)

		mmol := make([]float64, len(g.mgdl))
		for i, v := range g.mgdl {
			mmol[i] = v / MgdlPerMmol
		}
		series = append(
			series, GlucoseSeries{
				Unit:      UnitMmol,
				Color:     g.color,
				AxisGroup: mmolGroup,
				Hidden:    true,
				X:         g.x,
				Y:         mmol,
			},
		)
	}
	return series
}

// ChartConfig configures a rendered BG chart.
type ChartConfig struct {
	Width  int
	Height int
	Units  GlucoseUnit
	Top    float64 // mg/dL
	Bottom float64 // mg/dL
	Theme  ChartTheme
	Style  ChartStyle
	Hours  int
}

// DefaultChartConfig returns the standard chart dimensions and ADA
// target range (70-180 mg/dL).
func DefaultChartConfig() ChartConfig {
	return ChartConfig{
		Width:  900,
		Height: 500,
		Units:  UnitMgdl,
		Top:    180,
		Bottom: 70,
		Theme:  ChartThemeDark,
		Style:  ChartStyleScatter,
		Hours:  4,
	}
}

// RenderChart plots the given readings as a PNG written to w. The
// primary Y axis uses the configured display unit; the opposite unit is
// shown on the secondary axis.
func RenderChart(
	w io.Writer,
	cfg ChartConfig,
	readings []Reading,
	now time.Time,
) error {
	if len(readings) == 0 {
		return errors.New("no readings to plot")
	}
	if cfg.Hours <= 0 {
		cfg.Hours = DefaultChartConfig().Hours
	}
	p := paletteFor(cfg.Theme)

	builder := SeriesBuilder{
		Units:  cfg.Units,
		Top:    cfg.Top,
		Bottom: cfg.Bottom,
		Theme:  cfg.Theme,
		Style:  cfg.Style,
	}
	series := builder.Build(readings, now)

	chartSeries := make([]chart.Series, 0, len(series))
	for _, s := range series {
		style := chart.Style{
			StrokeColor: s.Color,
			DotColor:    s.Color,
			DotWidth:    4,
		}
		if cfg.Style == ChartStyleLine && !s.Hidden {
			style.StrokeWidth = 2
		} else {
			style.StrokeWidth = chart.Disabled
		}
		if s.Hidden {
			style.DotWidth = chart.Disabled
			style.StrokeWidth = chart.Disabled
			style.StrokeColor = drawing.ColorTransparent
			style.DotColor = drawing.ColorTransparent
		}
		yAxis := chart.YAxisPrimary
		if s.AxisGroup == 1 {
			yAxis = chart.YAxisSecondary
		}
		chartSeries = append(
			chartSeries, chart.ContinuousSeries{
				Name:    fmt.Sprintf("BG (%s)", s.Unit),
				XValues: s.X,
				YValues: s.Y,
				Style:   style,
				YAxis:   yAxis,
			},
		)
	}

	// Anchor the Y range to the data and the target band so the range
	// markers are always on screen and a flat series still has a
	// nonzero span
	minMgdl, maxMgdl := cfg.Bottom, cfg.Top
	for _, r := range readings {
		minMgdl = math.Min(minMgdl, r.Mgdl)
		maxMgdl = math.Max(maxMgdl, r.Mgdl)
	}
	minMgdl = math.Max(0, minMgdl-20)
	maxMgdl += 20

	primaryRange := &chart.ContinuousRange{Min: minMgdl, Max: maxMgdl}
	secondaryRange := &chart.ContinuousRange{
		Min: minMgdl / MgdlPerMmol,
		Max: maxMgdl / MgdlPerMmol,
	}
	if cfg.Units == UnitMmol {
		primaryRange, secondaryRange = secondaryRange, primaryRange
	}

	axisStyle := chart.Style{
		FontColor:   p.text,
		StrokeColor: p.grid,
	}
	gridStyle := chart.Style{
		StrokeColor: p.grid,
		StrokeWidth: 1,
	}

	graph := chart.Chart{
		Width:      cfg.Width,
		Height:     cfg.Height,
		Background: chart.Style{FillColor: p.background},
		Canvas:     chart.Style{FillColor: p.background},
		XAxis: chart.XAxis{
			Name:           "hours",
			Style:          axisStyle,
			GridMajorStyle: gridStyle,
			// fix the X range to the requested window so sparse data
			// (including a single reading) still renders, with an
			// honest window width
			Range: &chart.ContinuousRange{
				Min: -float64(cfg.Hours),
				Max: 0,
			},
			ValueFormatter: func(v any) string {
				f, ok := v.(float64)
				if !ok {
					return ""
				}
				return fmt.Sprintf("%.0fh", f)
			},
		},
		YAxis: chart.YAxis{
			Style:          axisStyle,
			GridMajorStyle: gridStyle,
			GridLines:      targetGridLines(cfg),
			Range:          primaryRange,
		},
		YAxisSecondary: chart.YAxis{
			Style: axisStyle,
			Range: secondaryRange,
		},
		Series: chartSeries,
	}

	return graph.Render(chart.PNG, w)
}

// targetGridLines marks the target range bounds on the primary axis, in
// the configured display unit.
func targetGridLines(cfg ChartConfig) []chart.GridLine {
	top, bottom := cfg.Top, cfg.Bottom
	if cfg.Units == UnitMmol {
		top = roundTo(top/MgdlPerMmol, 1)
		bottom = roundTo(bottom/MgdlPerMmol, 1)
	}
	return []chart.GridLine{
		{Value: bottom},
		{Value: top},
	}
}
