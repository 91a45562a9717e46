// Package buffer unifies live capture and recorded playback behind one
// snapshot-oriented view. In live mode a tick worker assembles the most
// recent frame from every camera into a bounded snapshot queue; in playback
// mode snapshot requests pass straight through to the loaded recording by
// index. Consumers never see which mode produced a snapshot.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/playback"
	"github.com/aperture-data/fusion.capture/internal/timeutil"
)

const (
	// MaxLiveBufferSize bounds the live snapshot queue; the oldest
	// snapshot is dropped when a new one arrives at capacity.
	MaxLiveBufferSize = 500

	// TargetBufferSize is the occupancy a healthy live session holds.
	TargetBufferSize = 100

	// LiveTick is the snapshot assembly cadence.
	LiveTick = 33 * time.Millisecond

	// pollInterval paces consumers waiting for the next snapshot.
	pollInterval = 10 * time.Millisecond

	// fpsSampleWindow is the minimum measurement window for one FPS sample.
	fpsSampleWindow = time.Second

	// fpsSampleCount is how many window samples the smoothed rate averages.
	fpsSampleCount = 10
)

// Mode is the buffer operating mode.
type Mode int

const (
	ModeUninitialized Mode = iota
	ModePlayback
	ModeLive
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModePlayback:
		return "playback"
	case ModeLive:
		return "live"
	default:
		return "uninitialized"
	}
}

// LiveSource supplies the newest frame per frame camera. capture.Manager
// implements it.
type LiveSource interface {
	FrameCameras() int
	LatestFrame(camera int) (frame.Frame, bool)
}

// EventSource supplies the newest accumulated frame per event camera.
// livestream.Accumulator implements it.
type EventSource interface {
	Cameras() int
	LatestFrame(camera int) (frame.Frame, bool)
}

// Config holds buffer tuning parameters.
type Config struct {
	// MaxBuffer bounds the live queue. Default MaxLiveBufferSize.
	MaxBuffer int

	// Target is the healthy occupancy floor. Default TargetBufferSize.
	Target int

	// Tick overrides the live assembly cadence. Default LiveTick.
	Tick time.Duration

	// Clock abstracts time. Defaults to the real clock.
	Clock timeutil.Clock

	// OnSnapshot, when set, receives a copy of every live snapshot as it
	// is assembled.
	OnSnapshot func(frame.Snapshot)
}

func (c *Config) fillDefaults() {
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = MaxLiveBufferSize
	}
	if c.Target <= 0 {
		c.Target = TargetBufferSize
	}
	if c.Tick <= 0 {
		c.Tick = LiveTick
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
}

// Buffer is the unified recording buffer. All methods are safe for
// concurrent use.
type Buffer struct {
	config Config

	mu   sync.Mutex
	mode Mode

	// live state
	liveSource  LiveSource
	eventSource EventSource
	queue       []frame.Snapshot
	latest      frame.Snapshot
	haveLatest  bool
	nextIndex   uint64
	stopCh      chan struct{}
	doneCh      chan struct{}

	// playback state
	recording *playback.Recording

	// fps estimation
	windowStart time.Time
	windowTicks int
	fpsSamples  []float64
}

// New creates an uninitialized buffer.
func New(config Config) *Buffer {
	config.fillDefaults()
	return &Buffer{config: config}
}

// Mode returns the current operating mode.
func (b *Buffer) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// StartLive switches the buffer to live mode over the given sources. Any
// previous session, live or playback, is torn down first. The sources stay
// owned by the caller.
func (b *Buffer) StartLive(live LiveSource, events EventSource) error {
	if live == nil && events == nil {
		return errors.New("buffer: live mode needs at least one source")
	}

	b.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.mode = ModeLive
	b.liveSource = live
	b.eventSource = events
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.windowStart = b.config.Clock.Now()
	b.windowTicks = 0

	// Register the ticker before the worker starts so an injected clock
	// advanced right after StartLive returns cannot miss the first tick.
	ticker := b.config.Clock.NewTicker(b.config.Tick)
	go b.tickLoop(ticker, b.stopCh, b.doneCh)
	return nil
}

// StartPlayback switches the buffer to playback mode over rec. Any previous
// session is torn down first. The recording stays owned by the caller.
func (b *Buffer) StartPlayback(rec *playback.Recording) error {
	if rec == nil {
		return errors.New("buffer: nil recording")
	}

	b.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = ModePlayback
	b.recording = rec
	return nil
}

// Stop tears the current session down and returns the buffer to the
// uninitialized mode. Safe to call repeatedly.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if b.mode == ModeUninitialized {
		b.mu.Unlock()
		return
	}
	stopCh, doneCh := b.stopCh, b.doneCh
	b.stopCh, b.doneCh = nil, nil
	b.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = ModeUninitialized
	b.liveSource = nil
	b.eventSource = nil
	b.recording = nil
	b.queue = nil
	b.latest = frame.Snapshot{}
	b.haveLatest = false
	b.nextIndex = 0
	b.fpsSamples = nil
	b.windowTicks = 0
}

// Snapshot returns the snapshot at index. In playback mode this reads the
// recording deterministically; in live mode index is ignored and the most
// recent assembled snapshot comes back.
func (b *Buffer) Snapshot(index uint64) (frame.Snapshot, error) {
	b.mu.Lock()
	mode := b.mode
	rec := b.recording
	b.mu.Unlock()

	switch mode {
	case ModePlayback:
		return rec.Snapshot(index), nil
	case ModeLive:
		s, ok := b.Latest()
		if !ok {
			return frame.Snapshot{Index: index}, nil
		}
		return s, nil
	default:
		return frame.Snapshot{}, errors.New("buffer: not started")
	}
}

// Latest returns a copy of the most recent live snapshot, false when none
// has been assembled yet.
func (b *Buffer) Latest() (frame.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveLatest {
		return frame.Snapshot{}, false
	}
	return b.latest.Clone(), true
}

// Next pops the oldest queued live snapshot, polling until one arrives or
// ctx ends. It errors immediately outside live mode.
func (b *Buffer) Next(ctx context.Context) (frame.Snapshot, error) {
	for {
		b.mu.Lock()
		if b.mode != ModeLive {
			b.mu.Unlock()
			return frame.Snapshot{}, errors.New("buffer: not in live mode")
		}
		if len(b.queue) > 0 {
			s := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return s, nil
		}
		b.mu.Unlock()

		timer := b.config.Clock.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return frame.Snapshot{}, ctx.Err()
		case <-timer.C():
		}
	}
}

// Occupancy returns the live queue depth.
func (b *Buffer) Occupancy() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Healthy reports whether the live queue sits in its working band: at least
// the target occupancy without pressing against the cap. Playback mode is
// always healthy; an uninitialized buffer never is.
func (b *Buffer) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.mode {
	case ModePlayback:
		return true
	case ModeLive:
		n := len(b.queue)
		return n >= b.config.Target && n < b.config.MaxBuffer
	default:
		return false
	}
}

// FPS returns the smoothed live snapshot rate, zero until a full
// measurement window has elapsed.
func (b *Buffer) FPS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.fpsSamples) == 0 {
		return 0
	}
	return stat.Mean(b.fpsSamples, nil)
}

// TotalFrames returns the playable frame count in playback mode, zero
// otherwise.
func (b *Buffer) TotalFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode != ModePlayback {
		return 0
	}
	return b.recording.TotalFrames()
}

// CachedEventFrames returns the cached frame indices for one event camera
// in playback mode, for coverage display. Nil outside playback.
func (b *Buffer) CachedEventFrames(camera int) []uint64 {
	b.mu.Lock()
	mode := b.mode
	rec := b.recording
	b.mu.Unlock()

	if mode != ModePlayback {
		return nil
	}
	return rec.CachedEventFrames(camera)
}

func (b *Buffer) tickLoop(ticker timeutil.Ticker, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C():
			b.assemble(now)
		}
	}
}

// assemble builds one snapshot from the newest frame of every source and
// appends it to the queue.
func (b *Buffer) assemble(now time.Time) {
	b.mu.Lock()
	live, events := b.liveSource, b.eventSource
	index := b.nextIndex
	b.mu.Unlock()

	s := frame.Snapshot{Index: index, Timestamp: now, Valid: true}
	if live != nil {
		for cam := 0; cam < live.FrameCameras(); cam++ {
			f, ok := live.LatestFrame(cam)
			if !ok {
				s.Valid = false
				f = frame.Frame{CameraID: cam, Index: index}
			}
			s.FrameCams = append(s.FrameCams, f)
		}
	}
	if events != nil {
		for cam := 0; cam < events.Cameras(); cam++ {
			f, ok := events.LatestFrame(cam)
			if !ok {
				s.Valid = false
				f = frame.Frame{CameraID: cam, Index: index}
			}
			s.EventCams = append(s.EventCams, f)
		}
	}

	b.mu.Lock()
	b.nextIndex++
	b.queue = append(b.queue, s)
	if len(b.queue) > b.config.MaxBuffer {
		b.queue = b.queue[1:]
	}
	b.latest = s
	b.haveLatest = true
	b.recordTickLocked()
	callback := b.config.OnSnapshot
	b.mu.Unlock()

	if callback != nil {
		callback(s.Clone())
	}
}

// recordTickLocked folds one assembled snapshot into the FPS estimate.
// Samples are taken over windows of at least a second and averaged so the
// reported rate doesn't jitter tick to tick. Caller holds mu.
func (b *Buffer) recordTickLocked() {
	b.windowTicks++
	elapsed := b.config.Clock.Since(b.windowStart)
	if elapsed < fpsSampleWindow {
		return
	}

	sample := float64(b.windowTicks) / elapsed.Seconds()
	b.fpsSamples = append(b.fpsSamples, sample)
	if len(b.fpsSamples) > fpsSampleCount {
		b.fpsSamples = b.fpsSamples[1:]
	}
	b.windowStart = b.config.Clock.Now()
	b.windowTicks = 0
}
