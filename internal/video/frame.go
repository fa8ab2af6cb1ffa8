package video

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

// Frame is one decoded timelapse image and its acquisition date
type Frame struct {
	Image image.Image
	Date  time.Time
}

// Decode turns fetched image bytes (PNG, JPEG or WebP) into a frame
func Decode(data []byte, date time.Time) (Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return Frame{Image: img, Date: date}, nil
}

// loadDateFont loads the embedded Go Regular face for date labels
func loadDateFont(size float64) (font.Face, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}

	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create font face: %w", err)
	}
	return face, nil
}

// render scales src into a size-sized canvas and draws the date label
func (e *Encoder) render(src image.Image, date time.Time, size Size, showDate bool) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	if showDate && e.font != nil && !date.IsZero() {
		e.drawDate(out, date.UTC().Format(dateLayout))
	}
	return out
}

// drawDate writes text at the bottom-right corner with a drop shadow
func (e *Encoder) drawDate(dst *image.RGBA, text string) {
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: e.font,
	}

	bounds, _ := drawer.BoundString(text)
	textWidth := (bounds.Max.X - bounds.Min.X).Ceil()

	padding := dst.Bounds().Dy() / 40
	if padding < 4 {
		padding = 4
	}
	x := dst.Bounds().Dx() - textWidth - padding
	y := dst.Bounds().Dy() - padding

	shadow := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{0, 0, 0, 180}),
		Face: e.font,
		Dot:  fixed.P(x+2, y+2),
	}
	shadow.DrawString(text)

	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(text)
}

// blend returns a*(1-t) + b*t
func blend(a, b *image.RGBA, t float64) *image.RGBA {
	out := image.NewRGBA(a.Bounds())
	xdraw.Draw(out, out.Bounds(), a, a.Bounds().Min, xdraw.Src)

	alpha := uint8(t*255 + 0.5)
	mask := image.NewUniform(color.Alpha{A: alpha})
	xdraw.DrawMask(out, out.Bounds(), b, b.Bounds().Min, mask, image.Point{}, xdraw.Over)
	return out
}
