package captcha

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	glyphW = 7
	glyphH = 13
	pad    = 4
	scale  = 3
)

// renderImage draws text in the 7x13 bitmap font with a jittered baseline
// and noise, then upscales it so the glyphs stay legible.
func renderImage(text string) *image.RGBA {
	w := pad*2 + len(text)*(glyphW+3)
	h := pad*2 + glyphH + 4
	small := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(small, small.Bounds(), image.NewUniform(color.RGBA{0xf4, 0xf1, 0xea, 0xff}), image.Point{}, draw.Src)

	ink := image.NewUniform(color.RGBA{0x22, 0x2a, 0x44, 0xff})
	for i, ch := range text {
		d := &font.Drawer{
			Dst:  small,
			Src:  ink,
			Face: basicfont.Face7x13,
			Dot:  fixed.P(pad+i*(glyphW+3), pad+glyphH-2+rand.IntN(4)),
		}
		d.DrawString(string(ch))
	}

	// Dots.
	for range w * h / 12 {
		small.Set(rand.IntN(w), rand.IntN(h), color.RGBA{uint8(rand.IntN(160)), uint8(rand.IntN(160)), uint8(rand.IntN(160)), 0xff})
	}
	// Two strike lines.
	for range 2 {
		y := pad + rand.IntN(glyphH)
		slope := rand.Float64()*0.6 - 0.3
		c := color.RGBA{0x80, 0x30, 0x30, 0xff}
		for x := 0; x < w; x++ {
			small.Set(x, y+int(slope*float64(x-w/2)), c)
		}
	}

	big := image.NewRGBA(image.Rect(0, 0, w*scale, h*scale))
	draw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), draw.Src, nil)
	return big
}

func renderDataURL(text string) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, renderImage(text)); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
