package buffer

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/fsutil"
	"github.com/aperture-data/fusion.capture/internal/monitoring"
	"github.com/aperture-data/fusion.capture/internal/playback"
	"github.com/aperture-data/fusion.capture/internal/sensor"
	"github.com/aperture-data/fusion.capture/internal/testutil"
	"github.com/aperture-data/fusion.capture/internal/timeutil"
)

// fakeSource hands out a configurable latest frame for a fixed number of
// cameras.
type fakeSource struct {
	mu      sync.Mutex
	cameras int
	frames  map[int]frame.Frame
}

func newFakeSource(cameras int) *fakeSource {
	return &fakeSource{cameras: cameras, frames: make(map[int]frame.Frame)}
}

func (s *fakeSource) set(camera int, f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[camera] = f
}

func (s *fakeSource) FrameCameras() int { return s.cameras }
func (s *fakeSource) Cameras() int      { return s.cameras }

func (s *fakeSource) LatestFrame(camera int) (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[camera]
	if !ok {
		return frame.Frame{}, false
	}
	return f.Clone(), true
}

func muteLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

func newLiveBuffer(t *testing.T, src *fakeSource, config Config) *Buffer {
	t.Helper()
	if config.Tick == 0 {
		config.Tick = time.Millisecond
	}
	b := New(config)
	testutil.AssertNoError(t, b.StartLive(src, nil))
	t.Cleanup(b.Stop)
	return b
}

func TestBuffer_StartsUninitialized(t *testing.T) {
	b := New(Config{})
	if b.Mode() != ModeUninitialized {
		t.Errorf("mode = %v, want uninitialized", b.Mode())
	}
	if b.Healthy() {
		t.Error("uninitialized buffer must not be healthy")
	}
	if _, err := b.Snapshot(0); err == nil {
		t.Error("Snapshot before start should error")
	}
}

func TestBuffer_LiveAssemblesSnapshots(t *testing.T) {
	src := newFakeSource(2)
	src.set(0, testutil.TestFrame(0, 1))
	src.set(1, testutil.TestFrame(1, 1))

	b := newLiveBuffer(t, src, Config{})

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := b.Latest()
		return ok
	}, "live tick assembles a snapshot")

	s, _ := b.Latest()
	if !s.Valid {
		t.Error("snapshot with data from all cameras should be valid")
	}
	if len(s.FrameCams) != 2 {
		t.Errorf("FrameCams = %d, want 2", len(s.FrameCams))
	}
}

func TestBuffer_LiveMarksMissingCameras(t *testing.T) {
	src := newFakeSource(2)
	src.set(0, testutil.TestFrame(0, 1))
	// Camera 1 never produces.

	b := newLiveBuffer(t, src, Config{})

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := b.Latest()
		return ok
	}, "snapshot assembled")

	s, _ := b.Latest()
	if s.Valid {
		t.Error("snapshot missing a camera should be invalid")
	}
	if len(s.FrameCams) != 2 {
		t.Fatalf("FrameCams = %d, want 2 with a placeholder", len(s.FrameCams))
	}
	if s.FrameCams[1].Valid {
		t.Error("missing camera slot should hold an invalid frame")
	}
}

func TestBuffer_LatestIsACopy(t *testing.T) {
	src := newFakeSource(1)
	src.set(0, testutil.TestFrame(0, 1))

	b := newLiveBuffer(t, src, Config{})
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := b.Latest()
		return ok
	}, "snapshot assembled")

	first, _ := b.Latest()
	first.FrameCams[0].Image.SetRGBA(0, 0, color.RGBA{R: 0xFF, A: 0xFF})

	second, _ := b.Latest()
	if second.FrameCams[0].Image.RGBAAt(0, 0) == (color.RGBA{R: 0xFF, A: 0xFF}) {
		t.Error("mutating a handed-out snapshot must not affect the buffer")
	}
}

func TestBuffer_HealthBand(t *testing.T) {
	src := newFakeSource(1)
	src.set(0, testutil.TestFrame(0, 1))

	b := newLiveBuffer(t, src, Config{Target: 5, MaxBuffer: 10})

	// Below target: unhealthy.
	testutil.Eventually(t, 2*time.Second, func() bool {
		return b.Occupancy() >= 1
	}, "first snapshot queued")
	if b.Occupancy() < 5 && b.Healthy() {
		t.Error("occupancy below target should be unhealthy")
	}

	// Inside the band: healthy.
	testutil.Eventually(t, 2*time.Second, func() bool {
		n := b.Occupancy()
		return n >= 5 && n < 10
	}, "occupancy reaches the working band")
	if !b.Healthy() {
		t.Error("occupancy inside [target, max) should be healthy")
	}

	// Saturated at the cap: unhealthy again.
	testutil.Eventually(t, 2*time.Second, func() bool {
		return b.Occupancy() == 10
	}, "queue saturates")
	if b.Healthy() {
		t.Error("queue pressed against the cap should be unhealthy")
	}
}

func TestBuffer_LiveQueueBounded(t *testing.T) {
	src := newFakeSource(1)
	src.set(0, testutil.TestFrame(0, 1))

	b := newLiveBuffer(t, src, Config{Target: 2, MaxBuffer: 4})

	testutil.Eventually(t, 2*time.Second, func() bool {
		s, ok := b.Latest()
		return ok && s.Index > 10
	}, "ticks outrun the queue capacity")

	if got := b.Occupancy(); got > 4 {
		t.Errorf("Occupancy = %d, want at most 4", got)
	}
}

func TestBuffer_NextDrainsInOrder(t *testing.T) {
	src := newFakeSource(1)
	src.set(0, testutil.TestFrame(0, 1))

	b := newLiveBuffer(t, src, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := b.Next(ctx)
	testutil.AssertNoError(t, err)
	second, err := b.Next(ctx)
	testutil.AssertNoError(t, err)

	if second.Index != first.Index+1 {
		t.Errorf("indices %d then %d, want consecutive", first.Index, second.Index)
	}
}

func TestBuffer_NextOutsideLiveMode(t *testing.T) {
	b := New(Config{})
	if _, err := b.Next(context.Background()); err == nil {
		t.Error("Next outside live mode should error")
	}
}

func TestBuffer_OnSnapshotCallback(t *testing.T) {
	src := newFakeSource(1)
	src.set(0, testutil.TestFrame(0, 1))

	var mu sync.Mutex
	var count int
	config := Config{
		Tick: time.Millisecond,
		OnSnapshot: func(s frame.Snapshot) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	}
	b := New(config)
	testutil.AssertNoError(t, b.StartLive(src, nil))
	defer b.Stop()

	testutil.Eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	}, "snapshot callback fires")
}

func TestBuffer_FPSSmoothing(t *testing.T) {
	src := newFakeSource(1)
	src.set(0, testutil.TestFrame(0, 1))

	clock := timeutil.NewMockClock(time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC))
	b := New(Config{Clock: clock, Tick: LiveTick})
	testutil.AssertNoError(t, b.StartLive(src, nil))
	defer b.Stop()

	if b.FPS() != 0 {
		t.Error("FPS should be zero before the first measurement window")
	}

	// Drive the mock clock through 40 ticks of 33ms, more than a second of
	// simulated time at the nominal 30 fps cadence.
	for i := 0; i < 40; i++ {
		want := i + 1
		clock.Advance(LiveTick)
		testutil.Eventually(t, 2*time.Second, func() bool {
			s, ok := b.Latest()
			return ok && s.Index == uint64(want-1)
		}, fmt.Sprintf("tick %d assembled", want))
	}

	fps := b.FPS()
	if fps < 25 || fps > 35 {
		t.Errorf("FPS = %.1f, want near 30", fps)
	}
}

func TestBuffer_ModeTransitionsTearDown(t *testing.T) {
	muteLogs(t)

	src := newFakeSource(1)
	src.set(0, testutil.TestFrame(0, 1))

	b := New(Config{Tick: time.Millisecond})
	testutil.AssertNoError(t, b.StartLive(src, nil))
	testutil.Eventually(t, 2*time.Second, func() bool {
		return b.Occupancy() > 0
	}, "live queue fills")

	rec := loadRecording(t)
	testutil.AssertNoError(t, b.StartPlayback(rec))
	defer b.Stop()

	if b.Mode() != ModePlayback {
		t.Fatalf("mode = %v, want playback", b.Mode())
	}
	if b.Occupancy() != 0 {
		t.Error("live queue should be cleared on transition")
	}
	if _, ok := b.Latest(); ok {
		t.Error("latest snapshot should be cleared on transition")
	}
}

func TestBuffer_PlaybackPassThrough(t *testing.T) {
	muteLogs(t)

	b := New(Config{})
	testutil.AssertNoError(t, b.StartPlayback(loadRecording(t)))
	defer b.Stop()

	s, err := b.Snapshot(0)
	testutil.AssertNoError(t, err)
	if !s.Valid || s.Index != 0 {
		t.Errorf("snapshot 0 = valid %v index %d", s.Valid, s.Index)
	}
	if len(s.EventCams) != 1 {
		t.Errorf("EventCams = %d, want 1", len(s.EventCams))
	}

	// The same index always yields the same frame content.
	again, err := b.Snapshot(0)
	testutil.AssertNoError(t, err)
	if again.Index != s.Index || again.Timestamp != s.Timestamp {
		t.Error("playback snapshots must be deterministic by index")
	}

	if b.TotalFrames() == 0 {
		t.Error("TotalFrames should be known in playback mode")
	}
}

func TestBuffer_NextPollsInjectedClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := newFakeSource(1)
	src.set(0, testutil.TestFrame(0, 1))

	b := New(Config{Clock: clock, Tick: LiveTick})
	testutil.AssertNoError(t, b.StartLive(src, nil))
	defer b.Stop()

	got := make(chan frame.Snapshot, 1)
	go func() {
		s, err := b.Next(context.Background())
		if err == nil {
			got <- s
		}
	}()

	// Only mock time moves; each advance fires the assembly tick and any
	// pending poll timer.
	testutil.Eventually(t, 2*time.Second, func() bool {
		clock.Advance(LiveTick)
		select {
		case <-got:
			return true
		default:
			return false
		}
	}, "Next completes on mock clock advances alone")
}

func TestBuffer_CachedEventFrames(t *testing.T) {
	muteLogs(t)

	b := New(Config{})
	if b.CachedEventFrames(0) != nil {
		t.Error("uninitialized buffer should report no cached frames")
	}

	testutil.AssertNoError(t, b.StartPlayback(loadRecording(t)))
	defer b.Stop()

	_, err := b.Snapshot(0)
	testutil.AssertNoError(t, err)

	got := b.CachedEventFrames(0)
	found := false
	for _, idx := range got {
		if idx == 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("CachedEventFrames = %v, want it to include 0", got)
	}

	if b.CachedEventFrames(5) != nil {
		t.Error("out-of-range camera should report no cached frames")
	}
}

func TestBuffer_StopIsIdempotent(t *testing.T) {
	src := newFakeSource(1)
	b := New(Config{Tick: time.Millisecond})
	testutil.AssertNoError(t, b.StartLive(src, nil))

	b.Stop()
	b.Stop()

	if b.Mode() != ModeUninitialized {
		t.Errorf("mode = %v, want uninitialized after Stop", b.Mode())
	}
}

// loadRecording builds a small event-only recording in memory.
func loadRecording(t *testing.T) *playback.Recording {
	t.Helper()

	fs := fsutil.NewMemoryFileSystem()
	testutil.AssertNoError(t, fs.MkdirAll("/rec", 0755))
	testutil.AssertNoError(t, fs.WriteFile("/rec/ebv_cam_0.raw", []byte("x"), 0644))

	events := []sensor.Event{{X: 1, Y: 1, T: 500000, On: true}}
	rec, err := playback.Load(context.Background(), playback.Config{
		Dir: "/rec",
		FS:  fs,
		OpenDecoder: func(string) (sensor.EventDecoder, error) {
			return sensor.NewSimEventDecoder(sensor.Geometry{Width: 16, Height: 16}, events), nil
		},
		PrefetchAhead: 1,
	})
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { rec.Close() })
	return rec
}
