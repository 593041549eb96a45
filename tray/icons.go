package tray

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/yllada/warp-manager/common"
)

// glyph is the symbol drawn inside the cloud.
type glyph int

const (
	glyphNone glyph = iota
	glyphCheck
	glyphDots
	glyphSlash
)

type palette struct {
	body   color.RGBA
	edge   color.RGBA
	symbol color.RGBA
}

var (
	paletteConnected = palette{
		body:   color.RGBA{243, 128, 32, 255}, // WARP orange
		edge:   color.RGBA{196, 92, 14, 255},
		symbol: color.RGBA{255, 255, 255, 255},
	}
	paletteBusy = palette{
		body:   color.RGBA{255, 193, 7, 255},
		edge:   color.RGBA{204, 150, 0, 255},
		symbol: color.RGBA{66, 66, 66, 255},
	}
	paletteIdle = palette{
		body:   color.RGBA{140, 140, 140, 255},
		edge:   color.RGBA{97, 97, 97, 255},
		symbol: color.RGBA{255, 255, 255, 255},
	}
)

// Icons are rendered once at startup.
var (
	iconConnected = renderIcon(common.TrayIconSize, paletteConnected, glyphCheck)
	iconBusy      = renderIcon(common.TrayIconSize, paletteBusy, glyphDots)
	iconIdle      = renderIcon(common.TrayIconSize, paletteIdle, glyphSlash)
)

// renderIcon draws a cloud made of three circles over a flat base and
// returns it PNG encoded.
func renderIcon(size int, p palette, g glyph) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	s := float64(size)

	type circle struct{ x, y, r float64 }
	lobes := []circle{
		{0.32 * s, 0.58 * s, 0.20 * s},
		{0.55 * s, 0.44 * s, 0.26 * s},
		{0.74 * s, 0.60 * s, 0.18 * s},
	}
	baseTop, baseBottom := 0.58*s, 0.78*s
	baseLeft, baseRight := 0.14*s, 0.90*s

	inside := func(x, y float64) bool {
		if y >= baseTop && y <= baseBottom && x >= baseLeft && x <= baseRight {
			return true
		}
		for _, c := range lobes {
			if math.Hypot(x-c.x, y-c.y) <= c.r {
				return true
			}
		}
		return false
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			fx, fy := float64(x)+0.5, float64(y)+0.5
			if !inside(fx, fy) {
				continue
			}
			if !inside(fx-1, fy) || !inside(fx+1, fy) || !inside(fx, fy-1) || !inside(fx, fy+1) {
				img.Set(x, y, p.edge)
			} else {
				img.Set(x, y, p.body)
			}
		}
	}

	drawGlyph(img, size, p.symbol, g)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		common.LogError("Tray: encoding icon: %v", err)
		return nil
	}
	return buf.Bytes()
}

func drawGlyph(img *image.RGBA, size int, c color.RGBA, g glyph) {
	s := float64(size)
	line := func(x0, y0, x1, y1 float64) {
		steps := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))*s) + 1
		for i := 0; i <= steps; i++ {
			t := float64(i) / float64(steps)
			img.Set(int((x0+(x1-x0)*t)*s), int((y0+(y1-y0)*t)*s), c)
		}
	}

	switch g {
	case glyphCheck:
		line(0.36, 0.58, 0.46, 0.68)
		line(0.46, 0.68, 0.66, 0.46)
	case glyphDots:
		for _, x := range []float64{0.36, 0.52, 0.68} {
			px, py := int(x*s), int(0.60*s)
			img.Set(px, py, c)
			img.Set(px+1, py, c)
			img.Set(px, py+1, c)
			img.Set(px+1, py+1, c)
		}
	case glyphSlash:
		line(0.34, 0.72, 0.70, 0.40)
	}
}
