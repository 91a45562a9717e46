// Package frame defines the value types handed between capture, cache and
// buffer components. Frames are cloned at ownership boundaries so no two
// goroutines ever share pixel storage.
package frame

import (
	"image"
	"time"
)

// Frame is a single image from one camera. Index is assigned by the
// producer and is monotonic per camera; no ordering holds across cameras.
type Frame struct {
	CameraID  int
	Index     uint64
	Image     *image.RGBA
	Timestamp time.Time
	Valid     bool
}

// Clone returns a deep copy of the frame. The pixel buffer is copied so the
// clone can cross a goroutine boundary safely.
func (f Frame) Clone() Frame {
	c := f
	if f.Image != nil {
		img := image.NewRGBA(f.Image.Rect)
		copy(img.Pix, f.Image.Pix)
		img.Stride = f.Image.Stride
		c.Image = img
	}
	return c
}

// Empty reports whether the frame carries no image data.
func (f Frame) Empty() bool {
	return f.Image == nil || f.Image.Rect.Empty()
}

// Snapshot is the unified per-tick view over all cameras of both
// modalities. It is rebuilt on every buffer tick and always handed out by
// value; callers may retain it without holding any lock.
type Snapshot struct {
	Index     uint64
	Timestamp time.Time
	FrameCams []Frame
	EventCams []Frame
	Valid     bool
}

// Clone deep-copies the snapshot including every per-camera frame.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.FrameCams = make([]Frame, len(s.FrameCams))
	for i, f := range s.FrameCams {
		c.FrameCams[i] = f.Clone()
	}
	c.EventCams = make([]Frame, len(s.EventCams))
	for i, f := range s.EventCams {
		c.EventCams[i] = f.Clone()
	}
	return c
}
