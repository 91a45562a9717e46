// Package sensor defines the collaborator interfaces at the hardware
// boundary: shutter-based frame camera drivers, event camera drivers, and
// event stream decoders. The engine only ever talks to these interfaces;
// vendor SDK bindings and the simulated rig both satisfy them.
package sensor

import (
	"context"
	"time"

	"github.com/aperture-data/fusion.capture/internal/frame"
)

// Event is a single change-detection event. T is the sensor timestamp in
// microseconds relative to stream start. On is the polarity: true for a
// brightness increase, false for a decrease.
type Event struct {
	X, Y uint16
	T    int64
	On   bool
}

// Geometry is the pixel dimensions of an event sensor.
type Geometry struct {
	Width  int
	Height int
}

// FrameDriver is the lifecycle of one shutter-based frame camera.
// Open must be called before Start; Close releases the device handle and
// implies Stop. Latest never blocks: it returns the most recently decoded
// frame and false when nothing has arrived yet.
type FrameDriver interface {
	Open() error
	Start() error
	Stop() error
	Close() error
	IsRunning() bool
	Latest() (frame.Frame, bool)
}

// EventDriver is the lifecycle of one live event camera.
//
// Subscribe registers a callback invoked with each burst of decoded events;
// the returned func removes the subscription. StartRecording streams the raw
// event file to path until StopRecording.
type EventDriver interface {
	Open() error
	Start() error
	Stop() error
	Close() error
	IsRunning() bool
	Serial() string
	Geometry() Geometry
	ApplyBiases(biases map[string]int) error
	StartRecording(path string) error
	StopRecording() error
	Subscribe(fn func([]Event)) (cancel func())
}

// EventDecoder reads a stored event stream for playback. Events returns all
// events with timestamps in [startMicros, endMicros), honouring ctx for
// cancellation and deadline; implementations seek as needed.
type EventDecoder interface {
	Geometry() Geometry
	DurationMicros() (int64, error)
	Events(ctx context.Context, startMicros, endMicros int64) ([]Event, error)
	Close() error
}

// DecoderOpener opens an EventDecoder for a stored event file. The playback
// loader is constructed with one of these so tests and the demo binary can
// substitute the simulated decoder for the vendor one.
type DecoderOpener func(path string) (EventDecoder, error)

// frameInterval converts a rate in frames per second to the corresponding
// interval, guarding against non-positive rates.
func frameInterval(fps float64) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Duration(float64(time.Second) / fps)
}
