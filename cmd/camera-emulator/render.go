package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// renderer draws a moving test pattern at low resolution, scales it up and
// encodes it as JPEG.
type renderer struct {
	Width, Height int
	Quality       int
	Label         string
}

const patternW, patternH = 160, 90

func (r *renderer) Frame(n int) ([]byte, error) {
	src := image.NewRGBA(image.Rect(0, 0, patternW, patternH))
	for y := 0; y < patternH; y++ {
		for x := 0; x < patternW; x++ {
			src.Set(x, y, color.RGBA{
				R: uint8((x + n) * 255 / patternW),
				G: uint8(y * 255 / patternH),
				B: uint8(n * 4),
				A: 0xff,
			})
		}
	}
	// sweep bar
	bar := n % patternW
	draw.Draw(src, image.Rect(bar, 0, bar+4, patternH), image.White, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  src,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(4, 14),
	}
	d.DrawString(fmt.Sprintf("%s #%d", r.Label, n))
	d.Dot = fixed.P(4, patternH-6)
	d.DrawString(time.Now().Format("15:04:05.000"))

	dst := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: r.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
