package overlay

import (
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"

	"github.com/ayusman/netra/internal/detection"
)

// Label and box geometry, in pixels.
const (
	LineWidth    = 3
	TextHeight   = 20
	TextPadding  = 5
	FontSize     = 14
	DefaultColor = "#00ff00"
)

// ClassColors maps a lower-cased class name to its box colour.
var ClassColors = map[string]string{
	"knife":    "#ff0000",
	"person":   "#00ff00",
	"bottle":   "#0000ff",
	"cup":      "#ffff00",
	"backpack": "#ff00ff",
	"handbag":  "#00ffff",
}

var boldFont *truetype.Font

func init() {
	var err error
	boldFont, err = truetype.Parse(gobold.TTF)
	if err != nil {
		panic(err)
	}
}

// newFace returns a label font face. Faces cache glyphs and are not safe
// for concurrent use, so each surface gets its own.
func newFace() font.Face {
	return truetype.NewFace(boldFont, &truetype.Options{Size: FontSize})
}

// ColorFor returns the box colour for class. Lookup is case-insensitive and
// unknown classes get DefaultColor.
func ColorFor(class string) color.Color {
	hex, ok := ClassColors[strings.ToLower(class)]
	if !ok {
		hex = DefaultColor
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		c, _ = colorful.Hex(DefaultColor)
	}
	return c
}

// Render draws every detection onto s in order: the box outline, a filled
// label background in the class colour, then the label text in black.
// width and height are the dimensions of the frame the detections refer to;
// s is resized to match if it differs.
func Render(s *Surface, dets []detection.Detection, width, height int) {
	if len(dets) == 0 {
		return
	}
	s.Resize(width, height)

	s.draw(func(dc *gg.Context) {
		for _, d := range dets {
			drawDetection(dc, d)
		}
	})
}

func drawDetection(dc *gg.Context, d detection.Detection) {
	c := ColorFor(d.Class)
	box := d.BBox

	dc.SetColor(c)
	dc.SetLineWidth(LineWidth)
	dc.DrawRectangle(box.X, box.Y, box.Width, box.Height)
	dc.Stroke()

	label := detection.Label(d)
	textWidth, _ := dc.MeasureString(label)

	bgY := labelTop(box.Y)

	dc.SetColor(c)
	dc.DrawRectangle(box.X, bgY, textWidth+TextPadding*2, TextHeight+TextPadding*2)
	dc.Fill()

	dc.SetColor(color.Black)
	dc.DrawString(label, box.X+TextPadding, bgY+TextHeight+TextPadding)
}

// labelTop places the label background above the box, clamped to the top
// edge of the frame.
func labelTop(boxY float64) float64 {
	return max(boxY-TextHeight-TextPadding*2, 0)
}

// LabelBounds returns the rectangle covered by the label background of d.
func LabelBounds(d detection.Detection) image.Rectangle {
	dc := gg.NewContext(1, 1)
	dc.SetFontFace(newFace())
	textWidth, _ := dc.MeasureString(detection.Label(d))

	y := labelTop(d.BBox.Y)
	return image.Rect(
		int(d.BBox.X),
		int(y),
		int(d.BBox.X+textWidth+TextPadding*2),
		int(y+TextHeight+TextPadding*2),
	)
}

// Composite draws overlay on top of frame and returns the result. A nil
// overlay returns a copy of frame.
func Composite(frame, overlay image.Image) *image.NRGBA {
	out := imaging.Clone(frame)
	if overlay == nil {
		return out
	}
	return imaging.Overlay(out, overlay, image.Point{}, 1.0)
}
