// Package livestream accumulates live event camera output into display
// frames. Each camera gets one worker goroutine that collects subscribed
// event bursts and renders them into a frame on a fixed cadence, keeping a
// short ring of recent frames for consumers to poll.
package livestream

import (
	"errors"
	"sync"
	"time"

	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/render"
	"github.com/aperture-data/fusion.capture/internal/sensor"
	"github.com/aperture-data/fusion.capture/internal/timeutil"
)

// MaxEventBufferSize bounds the per-camera ring of accumulated frames.
// Consumers that poll slower than the cadence lose the oldest frames.
const MaxEventBufferSize = 10

// AccumulationInterval is the frame cadence.
const AccumulationInterval = time.Second / 30

// Accumulator renders live event streams into frames, one worker per camera.
type Accumulator struct {
	drivers []sensor.EventDriver
	clock   timeutil.Clock

	mu      sync.Mutex
	cameras []*cameraState
	running bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

type cameraState struct {
	mu        sync.Mutex
	pending   []sensor.Event
	ring      []frame.Frame
	nextIndex uint64

	startedHere bool
	cancel      func()
}

// New creates an accumulator over the given cameras. A nil clock means the
// real one.
func New(drivers []sensor.EventDriver, clock timeutil.Clock) *Accumulator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Accumulator{drivers: drivers, clock: clock}
}

// Start subscribes to every camera and launches the accumulation workers.
// Cameras not yet streaming are started here and will be stopped again on
// Stop; cameras already streaming are left running.
func (a *Accumulator) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.New("livestream: already started")
	}

	a.stopCh = make(chan struct{})
	a.cameras = make([]*cameraState, len(a.drivers))

	// Bring every camera up before launching any worker so a failed Start
	// leaves nothing running.
	for i, drv := range a.drivers {
		state := &cameraState{}
		a.cameras[i] = state

		if !drv.IsRunning() {
			if err := drv.Start(); err != nil {
				a.teardownLocked()
				return err
			}
			state.startedHere = true
		}

		state.cancel = drv.Subscribe(func(events []sensor.Event) {
			state.mu.Lock()
			state.pending = append(state.pending, events...)
			state.mu.Unlock()
		})
	}

	for i, drv := range a.drivers {
		a.wg.Add(1)
		go a.accumulate(i, a.cameras[i], drv.Geometry(), a.stopCh)
	}

	a.running = true
	return nil
}

// Stop halts the workers, cancels the subscriptions and stops the cameras
// this accumulator started. Safe to call more than once.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardownLocked()
}

func (a *Accumulator) teardownLocked() {
	for i, state := range a.cameras {
		if state == nil {
			continue
		}
		if state.cancel != nil {
			state.cancel()
			state.cancel = nil
		}
		if state.startedHere {
			a.drivers[i].Stop()
			state.startedHere = false
		}
	}
}

// Running reports whether the workers are active.
func (a *Accumulator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Cameras returns the number of cameras under accumulation.
func (a *Accumulator) Cameras() int {
	return len(a.drivers)
}

// LatestFrame returns a copy of the newest accumulated frame for camera,
// or false when no frame has been produced yet.
func (a *Accumulator) LatestFrame(camera int) (frame.Frame, bool) {
	a.mu.Lock()
	if camera < 0 || camera >= len(a.cameras) || a.cameras[camera] == nil {
		a.mu.Unlock()
		return frame.Frame{}, false
	}
	state := a.cameras[camera]
	a.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.ring) == 0 {
		return frame.Frame{}, false
	}
	return state.ring[len(state.ring)-1].Clone(), true
}

// BufferedFrames returns how many frames camera currently holds.
func (a *Accumulator) BufferedFrames(camera int) int {
	a.mu.Lock()
	if camera < 0 || camera >= len(a.cameras) || a.cameras[camera] == nil {
		a.mu.Unlock()
		return 0
	}
	state := a.cameras[camera]
	a.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.ring)
}

func (a *Accumulator) accumulate(camera int, state *cameraState, geom sensor.Geometry, stopCh <-chan struct{}) {
	defer a.wg.Done()

	ticker := a.clock.NewTicker(AccumulationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C():
			state.mu.Lock()
			events := state.pending
			state.pending = nil
			var index uint64
			if len(events) > 0 {
				index = state.nextIndex
				state.nextIndex++
			}
			state.mu.Unlock()

			// A quiet interval produces no frame, so a camera that has
			// emitted nothing since streaming start still reports no data.
			if len(events) == 0 {
				continue
			}

			f := frame.Frame{
				CameraID:  camera,
				Index:     index,
				Image:     render.Events(events, geom),
				Timestamp: now,
				Valid:     true,
			}

			state.mu.Lock()
			state.ring = append(state.ring, f)
			if len(state.ring) > MaxEventBufferSize {
				state.ring = state.ring[1:]
			}
			state.mu.Unlock()
		}
	}
}
