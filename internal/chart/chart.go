package chart

import (
	"fmt"
	"strings"

	"brewctl/internal/model"
)

// Series kinds.
const (
	Line = "line"
	Step = "step"
)

// Series describes one rendered data series: which sample fields feed
// the axes and how points draw.
type Series struct {
	Name   string
	Type   string
	XField string
	YField string
	Color  string
}

type point struct {
	x float64
	y float64
}

type seriesData struct {
	def Series
	pts []point
}

// Chart keeps a bounded point history per series and renders it as
// text. It is not safe for concurrent use; the dashboard drives it
// from a single loop.
type Chart struct {
	capacity int
	series   []*seriesData
}

// New creates a chart that retains up to capacity points per series.
func New(capacity int) *Chart {
	if capacity <= 0 {
		capacity = 60
	}
	return &Chart{capacity: capacity}
}

// Add registers a series. Series render in registration order.
func (c *Chart) Add(def Series) error {
	if def.Type != Line && def.Type != Step {
		return fmt.Errorf("chart: unknown series type %q", def.Type)
	}
	if def.XField == "" || def.YField == "" {
		return fmt.Errorf("chart: series %q needs x and y fields", def.Name)
	}
	c.series = append(c.series, &seriesData{def: def})
	return nil
}

// Observe appends the sample to every series whose fields project to
// numbers. The oldest point falls off once a series is at capacity.
func (c *Chart) Observe(s model.Sample) {
	for _, sd := range c.series {
		x, okx := s.Field(sd.def.XField)
		y, oky := s.Field(sd.def.YField)
		if !okx || !oky {
			continue
		}
		sd.pts = append(sd.pts, point{x: x, y: y})
		if len(sd.pts) > c.capacity {
			sd.pts = sd.pts[1:]
		}
	}
}

var lineGlyphs = []rune("▁▂▃▄▅▆▇█")

var colorCodes = map[string]string{
	"black":   "30",
	"red":     "31",
	"green":   "32",
	"yellow":  "33",
	"blue":    "34",
	"magenta": "35",
	"cyan":    "36",
	"white":   "37",
}

// Render draws every series as a labeled sparkline row, at most width
// cells wide.
func (c *Chart) Render(width int, color bool) string {
	if width <= 0 {
		width = 60
	}
	nameW := 0
	for _, sd := range c.series {
		if len(sd.def.Name) > nameW {
			nameW = len(sd.def.Name)
		}
	}
	var b strings.Builder
	for _, sd := range c.series {
		pts := sd.pts
		if len(pts) > width {
			pts = pts[len(pts)-width:]
		}
		last := "-"
		if len(pts) > 0 {
			last = fmt.Sprintf("%.2f", pts[len(pts)-1].y)
		}
		spark := renderSpark(sd.def.Type, pts)
		if color {
			if code, ok := colorCodes[sd.def.Color]; ok {
				spark = "\x1b[" + code + "m" + spark + "\x1b[0m"
			}
		}
		fmt.Fprintf(&b, "%-*s %8s %s\n", nameW, sd.def.Name, last, spark)
	}
	return b.String()
}

func renderSpark(kind string, pts []point) string {
	var b strings.Builder
	switch kind {
	case Step:
		for _, p := range pts {
			if p.y != 0 {
				b.WriteRune('█')
			} else {
				b.WriteRune('▁')
			}
		}
	default:
		lo, hi := bounds(pts)
		for _, p := range pts {
			b.WriteRune(glyphFor(p.y, lo, hi))
		}
	}
	return b.String()
}

func bounds(pts []point) (lo, hi float64) {
	if len(pts) == 0 {
		return 0, 0
	}
	lo, hi = pts[0].y, pts[0].y
	for _, p := range pts[1:] {
		if p.y < lo {
			lo = p.y
		}
		if p.y > hi {
			hi = p.y
		}
	}
	return lo, hi
}

func glyphFor(y, lo, hi float64) rune {
	if hi <= lo {
		return lineGlyphs[len(lineGlyphs)/2]
	}
	f := (y - lo) / (hi - lo)
	idx := int(f*float64(len(lineGlyphs)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(lineGlyphs) {
		idx = len(lineGlyphs) - 1
	}
	return lineGlyphs[idx]
}
