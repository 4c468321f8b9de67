// Package overlay draws face boxes and emotion labels on a transparent
// surface the size of the display.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/facesense/pkg/emotion"
	"github.com/menta2k/facesense/pkg/types"
)

// Style controls how detections are drawn
type Style struct {
	BoxColor    color.NRGBA
	TextColor   color.NRGBA
	Stroke      int
	LabelOffset image.Point // from the top-left corner of the box to the label baseline
}

// DefaultStyle returns a green box with a white label 10px above the box
func DefaultStyle() Style {
	return Style{
		BoxColor:    color.NRGBA{0, 255, 0, 255},
		TextColor:   color.NRGBA{255, 255, 255, 255},
		Stroke:      2,
		LabelOffset: image.Pt(0, -10),
	}
}

// Renderer owns the overlay surface. It is safe for concurrent use.
type Renderer struct {
	mu     sync.Mutex
	canvas *image.NRGBA
	style  Style
	face   font.Face
}

// NewRenderer creates a renderer with a surface of the given display size
func NewRenderer(size types.Size, style Style) (*Renderer, error) {
	if size.Empty() {
		return nil, fmt.Errorf("invalid display size %dx%d", size.Width, size.Height)
	}
	if style.Stroke < 1 {
		style.Stroke = 1
	}
	return &Renderer{
		canvas: image.NewNRGBA(image.Rect(0, 0, size.Width, size.Height)),
		style:  style,
		face:   basicfont.Face7x13,
	}, nil
}

// Size returns the display size
func (r *Renderer) Size() types.Size {
	b := r.canvas.Bounds()
	return types.Size{Width: b.Dx(), Height: b.Dy()}
}

// Draw clears the surface and draws one box and label per detection.
// Boxes must be in display coordinates.
func (r *Renderer) Draw(dets []types.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.canvas.Pix)
	for _, d := range dets {
		x0, y0, x1, y1 := boxToPixels(d.Box)
		drawBox(r.canvas, x0, y0, x1, y1, r.style.BoxColor, r.style.Stroke)
		r.drawLabel(emotion.Translate(d.Dominant), x0, y0)
	}
}

// Clear blanks the surface
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.canvas.Pix)
}

// Surface returns a copy of the current surface
func (r *Renderer) Surface() *image.NRGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	return imaging.Clone(r.canvas)
}

// Composite draws the surface over frame scaled to the display size
func (r *Renderer) Composite(frame image.Image) *image.NRGBA {
	size := r.Size()
	bg := imaging.Resize(frame, size.Width, size.Height, imaging.Linear)
	return imaging.Overlay(bg, r.Surface(), image.Pt(0, 0), 1.0)
}

func (r *Renderer) drawLabel(text string, boxX, boxY int) {
	w, h := r.canvas.Bounds().Dx(), r.canvas.Bounds().Dy()
	metrics := r.face.Metrics()
	ascent := metrics.Ascent.Ceil()
	descent := metrics.Descent.Ceil()
	width := font.MeasureString(r.face, text).Ceil()

	x := clampInt(boxX+r.style.LabelOffset.X, 0, w-width)
	y := clampInt(boxY+r.style.LabelOffset.Y, ascent, h-descent)

	d := &font.Drawer{
		Dst:  r.canvas,
		Src:  image.NewUniform(r.style.TextColor),
		Face: r.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// ResizeDetections scales detection boxes from frame to display coordinates
func ResizeDetections(dets []types.Detection, from, to types.Size) []types.Detection {
	out := make([]types.Detection, len(dets))
	copy(out, dets)
	if from.Empty() || to.Empty() || from == to {
		return out
	}

	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)
	for i := range out {
		out[i].Box = out[i].Box.Scale(sx, sy)
	}
	return out
}

// ParseColor parses #rrggbb or #rrggbbaa
func ParseColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boxToPixels(box types.Box) (int, int, int, int) {
	x0 := int(box.X + 0.5)
	y0 := int(box.Y + 0.5)
	x1 := int(box.X + box.W + 0.5)
	y1 := int(box.Y + box.H + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if y < 0 || y >= h {
		return
	}
	x0, x1 = clampInt(min(x0, x1), 0, w), clampInt(max(x0, x1), 0, w)
	i := img.PixOffset(x0, y)
	for x := x0; x < x1; x++ {
		copy(img.Pix[i:i+4], []uint8{c.R, c.G, c.B, c.A})
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if x < 0 || x >= w {
		return
	}
	y0, y1 = clampInt(min(y0, y1), 0, h), clampInt(max(y0, y1), 0, h)
	i := img.PixOffset(x, y0)
	for y := y0; y < y1; y++ {
		copy(img.Pix[i:i+4], []uint8{c.R, c.G, c.B, c.A})
		i += img.Stride
	}
}
