// Package labels carries the class names and palettes of the datasets the
// released segmentation checkpoints were trained on.
package labels

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
)

// RGB is an 8-bit colour triple.
type RGB [3]uint8

// Table is a dataset's class list. Index i of Labels and Colors describes
// class id i.
type Table struct {
	Name   string
	Labels []string
	Colors []RGB
}

// Len returns the number of classes.
func (t *Table) Len() int {
	return len(t.Labels)
}

// Label returns the name of class id.
func (t *Table) Label(id int) (string, bool) {
	if id < 0 || id >= len(t.Labels) {
		return "", false
	}
	return t.Labels[id], true
}

// Color returns the palette entry of class id. Ids without an entry are
// rendered black.
func (t *Table) Color(id int) RGB {
	if id < 0 || id >= len(t.Colors) {
		return RGB{}
	}
	return t.Colors[id]
}

// Lookup returns the id of the named class, ignoring case.
func (t *Table) Lookup(name string) (int, bool) {
	for i, l := range t.Labels {
		if strings.EqualFold(l, name) {
			return i, true
		}
	}
	return 0, false
}

// ID2Label returns the id → name mapping.
func (t *Table) ID2Label() map[int]string {
	out := make(map[int]string, len(t.Labels))
	for i, l := range t.Labels {
		out[i] = l
	}
	return out
}

// ID2Color returns the id → colour mapping.
func (t *Table) ID2Color() map[int]RGB {
	out := make(map[int]RGB, len(t.Colors))
	for i, c := range t.Colors {
		out[i] = c
	}
	return out
}

var tables = map[string]*Table{
	"ade20k":     &ADE20K,
	"ade":        &ADE20K,
	"cityscapes": &Cityscapes,
}

// ByName returns a table by dataset name ("ade20k", "ade", "cityscapes").
func ByName(name string) (*Table, error) {
	t, ok := tables[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("labels: unknown dataset %q", name)
	}
	return t, nil
}

// Colorize paints a class map of w×h ids, stored row by row, with the
// table's palette.
func Colorize(classes []int, w, h int, t *Table) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := t.Color(classes[y*w+x])
			off := img.PixOffset(x, y)
			img.Pix[off+0] = c[0]
			img.Pix[off+1] = c[1]
			img.Pix[off+2] = c[2]
			img.Pix[off+3] = 0xff
		}
	}
	return img
}

// Overlay blends mask over base with the given opacity in [0, 1]. Both
// images are drawn at the origin; the result has base's bounds.
func Overlay(base image.Image, mask *image.RGBA, alpha float64) *image.RGBA {
	b := base.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), base, b.Min, draw.Src)
	a := uint8(min(max(alpha, 0), 1) * 255)
	draw.DrawMask(out, out.Bounds(), mask, image.Point{}, image.NewUniform(color.Alpha{A: a}), image.Point{}, draw.Over)
	return out
}

// Histogram counts how many entries of classes fall in each class id.
// Ids outside the table are ignored.
func Histogram(classes []int, n int) []int {
	counts := make([]int, n)
	for _, c := range classes {
		if c >= 0 && c < n {
			counts[c]++
		}
	}
	return counts
}

// ForNames returns a table for a model's label list. Lists that match a
// known dataset reuse its palette; any other list gets generated colours
// that stay stable for a given class id.
func ForNames(names []string) *Table {
	for _, t := range []*Table{&ADE20K, &Cityscapes} {
		if len(names) == t.Len() && strings.EqualFold(names[0], t.Labels[0]) {
			return t
		}
	}
	t := &Table{Name: "custom", Labels: names, Colors: make([]RGB, len(names))}
	for i := range t.Colors {
		t.Colors[i] = spread(i)
	}
	return t
}

// spread picks well separated colours by walking the hue circle in steps of
// the golden angle.
func spread(i int) RGB {
	h := math.Mod(float64(i)*0.618033988749895, 1) * 6
	x := 1 - math.Abs(math.Mod(h, 2)-1)
	var r, g, b float64
	switch int(h) {
	case 0:
		r, g = 1, x
	case 1:
		r, g = x, 1
	case 2:
		g, b = 1, x
	case 3:
		g, b = x, 1
	case 4:
		r, b = x, 1
	default:
		r, b = 1, x
	}
	const v = 0.85
	return RGB{uint8(r * v * 255), uint8(g * v * 255), uint8(b * v * 255)}
}

// Hex formats c as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}
