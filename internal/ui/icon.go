package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
)

const iconSize = 32

var iconBytes = sync.OnceValue(renderIcon)

// renderIcon draws a ring: the tray has no bundled assets.
func renderIcon() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, iconSize, iconSize))
	fg := color.NRGBA{R: 0x2b, G: 0x8a, B: 0xe2, A: 0xff}

	c := float64(iconSize-1) / 2
	outer, inner := c, c-5
	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			d := math.Hypot(float64(x)-c, float64(y)-c)
			if d <= outer && d >= inner {
				img.SetNRGBA(x, y, fg)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
