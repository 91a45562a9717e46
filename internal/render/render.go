// Package render turns event bursts into display frames. Positive-polarity
// events are drawn bright, negative events in a secondary color, and
// untouched pixels keep the neutral background.
package render

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/aperture-data/fusion.capture/internal/sensor"
)

// Display palette for accumulation frames.
var (
	// Background is the neutral color of pixels without events.
	Background = color.RGBA{R: 0x34, G: 0x34, B: 0x34, A: 0xFF}
	// PositiveEvent marks brightness-increase events.
	PositiveEvent = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	// NegativeEvent marks brightness-decrease events.
	NegativeEvent = color.RGBA{R: 0x2E, G: 0x6F, B: 0xEA, A: 0xFF}
)

// Events rasterizes a burst into an accumulation frame of the given
// geometry. Events outside the geometry are dropped.
func Events(events []sensor.Event, geom sensor.Geometry) *image.RGBA {
	img := Placeholder(geom)
	for _, ev := range events {
		x, y := int(ev.X), int(ev.Y)
		if x >= geom.Width || y >= geom.Height {
			continue
		}
		if ev.On {
			img.SetRGBA(x, y, PositiveEvent)
		} else {
			img.SetRGBA(x, y, NegativeEvent)
		}
	}
	return img
}

// Placeholder returns a flat background-filled frame. The cache hands these
// out, marked invalid, when generation fails or times out.
func Placeholder(geom sensor.Geometry) *image.RGBA {
	w, h := geom.Width, geom.Height
	if w <= 0 || h <= 0 {
		w, h = 400, 200
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Rect, &image.Uniform{C: Background}, image.Point{}, draw.Src)
	return img
}
