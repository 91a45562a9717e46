// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/aperture-data/fusion.capture/internal/frame"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// SolidImage returns a w-by-h image filled with c.
func SolidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// TestFrame builds a small valid frame for the given camera and index.
func TestFrame(camera int, index uint64) frame.Frame {
	return frame.Frame{
		CameraID:  camera,
		Index:     index,
		Image:     SolidImage(4, 4, color.RGBA{R: uint8(index), A: 0xFF}),
		Timestamp: time.Unix(0, int64(index)*int64(time.Millisecond)),
		Valid:     true,
	}
}

// AssertPixel checks one pixel of an image.
func AssertPixel(t *testing.T, img *image.RGBA, x, y int, want color.RGBA) {
	t.Helper()
	if img == nil {
		t.Fatal("image is nil")
	}
	if got := img.RGBAAt(x, y); got != want {
		t.Errorf("pixel (%d,%d) = %v, want %v", x, y, got, want)
	}
}

// Eventually polls cond every millisecond until it returns true or the
// timeout elapses. Use for asserting on state owned by a worker goroutine.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
