package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/framequeue"
	"github.com/aperture-data/fusion.capture/internal/fsutil"
	"github.com/aperture-data/fusion.capture/internal/monitoring"
	"github.com/aperture-data/fusion.capture/internal/recpath"
	"github.com/aperture-data/fusion.capture/internal/sensor"
	"github.com/aperture-data/fusion.capture/internal/timeutil"
)

// Config holds recording session parameters.
type Config struct {
	// OutputBase is the directory under which timestamped recording
	// directories are created.
	OutputBase string

	// Prefix optionally prepends the recording directory name.
	Prefix string

	// EventFormat selects the event file container, recpath.FormatRaw or
	// recpath.FormatHDF5. Default raw.
	EventFormat string

	// FPS is the frame camera rate, used to pace acquisition polling.
	// Default 30.
	FPS float64

	// FrameQueueCapacity bounds each per-camera frame queue. Default
	// framequeue.DefaultCapacity.
	FrameQueueCapacity int

	// JPEGQuality is passed to the disk writers.
	JPEGQuality int

	// Serials optionally pins the event cameras to record from, in order;
	// the first listed is the sync master. Empty means auto-discovery over
	// every attached camera, sorted by serial.
	Serials []string

	// Biases optionally overrides event camera biases, one set per camera
	// in serial order. Empty means defaults.
	Biases []Biases

	// FS is the recording filesystem. Defaults to the OS filesystem.
	FS fsutil.FileSystem

	// Clock abstracts time. Defaults to the real clock.
	Clock timeutil.Clock
}

func (c *Config) fillDefaults() {
	if c.EventFormat == "" {
		c.EventFormat = recpath.FormatRaw
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.FS == nil {
		c.FS = fsutil.OSFileSystem{}
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
}

// Manager owns one recording session over a set of frame and event cameras.
// Frame cameras are polled by acquisition workers that push into bounded
// queues drained by disk writers; event cameras record their stream natively.
type Manager struct {
	config       Config
	frameDrivers []sensor.FrameDriver
	eventDrivers []sensor.EventDriver
	master       string

	mu      sync.Mutex
	running bool
	dir     string
	queues  []*framequeue.Queue
	writers []*framequeue.DiskWriter
	stopCh  chan struct{}
	wg      sync.WaitGroup

	totalWritten uint64
	totalDropped uint64
}

// NewManager creates a manager over the given cameras. With configured
// serials the event drivers are selected and ordered to match; otherwise
// every attached camera is used in serial order. The first becomes the
// sync master.
func NewManager(frameDrivers []sensor.FrameDriver, eventDrivers []sensor.EventDriver, config Config) (*Manager, error) {
	config.fillDefaults()
	if !recpath.ValidFormat(config.EventFormat) {
		return nil, fmt.Errorf("capture: unsupported event format %q", config.EventFormat)
	}

	var master string
	if len(config.Serials) > 0 {
		ordered, err := SelectBySerial(eventDrivers, config.Serials)
		if err != nil {
			return nil, err
		}
		eventDrivers = ordered
		master = config.Serials[0]
	} else {
		if len(eventDrivers) > 0 {
			monitoring.Warnf("no event camera serials configured, auto-discovering %d cameras", len(eventDrivers))
		}
		master = OrderBySerial(eventDrivers)
	}
	return &Manager{
		config:       config,
		frameDrivers: frameDrivers,
		eventDrivers: eventDrivers,
		master:       master,
	}, nil
}

// MasterSerial returns the serial of the sync master event camera, empty
// when no event cameras are attached.
func (m *Manager) MasterSerial() string {
	return m.master
}

// Dir returns the recording directory of the active or most recent session.
func (m *Manager) Dir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// Running reports whether a session is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start opens all cameras, applies biases, creates the recording directory
// and begins streaming to disk.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("capture: already recording")
	}

	biases, err := resolveBiases(m.config.Biases, len(m.eventDrivers))
	if err != nil {
		return err
	}

	dir := recpath.OutputDir(m.config.OutputBase, m.config.Prefix, m.config.Clock.Now())
	if err := m.config.FS.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("capture: creating %s: %w", dir, err)
	}
	m.dir = dir

	if err := m.startLocked(biases); err != nil {
		m.stopLocked()
		return err
	}

	m.running = true
	monitoring.Logf("recording to %s: %d frame cameras, %d event cameras (master %s)",
		dir, len(m.frameDrivers), len(m.eventDrivers), m.master)
	return nil
}

func (m *Manager) startLocked(biases []Biases) error {
	m.stopCh = make(chan struct{})
	m.queues = make([]*framequeue.Queue, len(m.frameDrivers))
	m.writers = make([]*framequeue.DiskWriter, len(m.frameDrivers))

	for i, drv := range m.frameDrivers {
		if err := drv.Open(); err != nil {
			return fmt.Errorf("capture: opening frame camera %d: %w", i, err)
		}
		if err := drv.Start(); err != nil {
			return fmt.Errorf("capture: starting frame camera %d: %w", i, err)
		}

		q := framequeue.NewQueue(m.config.FrameQueueCapacity)
		w := framequeue.NewDiskWriter(q, framequeue.WriterConfig{
			Dir:         recpath.FrameCamDir(m.dir, i),
			JPEGQuality: m.config.JPEGQuality,
			FS:          m.config.FS,
		})
		if err := w.Start(); err != nil {
			return fmt.Errorf("capture: frame camera %d writer: %w", i, err)
		}
		m.queues[i] = q
		m.writers[i] = w

		m.wg.Add(1)
		go m.acquire(i, drv, q, m.stopCh)
	}

	for i, drv := range m.eventDrivers {
		if err := drv.Open(); err != nil {
			return fmt.Errorf("capture: opening event camera %s: %w", drv.Serial(), err)
		}
		if err := drv.ApplyBiases(biases[i]); err != nil {
			return fmt.Errorf("capture: biases for %s: %w", drv.Serial(), err)
		}
		if err := drv.Start(); err != nil {
			return fmt.Errorf("capture: starting event camera %s: %w", drv.Serial(), err)
		}
		if err := drv.StartRecording(recpath.EventFile(m.dir, i, m.config.EventFormat)); err != nil {
			return fmt.Errorf("capture: recording event camera %s: %w", drv.Serial(), err)
		}
	}

	return nil
}

// Stop ends the session. Queued frames are flushed before Stop returns.
// Safe to call when not recording.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running && m.stopCh == nil {
		return
	}
	m.stopLocked()
	m.running = false
}

func (m *Manager) stopLocked() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.wg.Wait()

	for i, w := range m.writers {
		if w != nil {
			w.Stop()
			m.totalWritten += w.Written()
			m.totalDropped += m.queues[i].Dropped()
			monitoring.Logf("frame camera %d: %d frames written, %d failed, %d dropped",
				i, w.Written(), w.Failed(), m.queues[i].Dropped())
		}
	}
	m.writers = nil
	m.queues = nil

	for _, drv := range m.eventDrivers {
		if err := drv.StopRecording(); err != nil {
			monitoring.Warnf("stopping recording on %s: %v", drv.Serial(), err)
		}
		if err := drv.Stop(); err != nil {
			monitoring.Warnf("stopping event camera %s: %v", drv.Serial(), err)
		}
	}
	for i, drv := range m.frameDrivers {
		if err := drv.Stop(); err != nil {
			monitoring.Warnf("stopping frame camera %d: %v", i, err)
		}
	}
}

// Close stops any active session and releases all camera handles.
func (m *Manager) Close() error {
	m.Stop()

	var firstErr error
	for _, drv := range m.frameDrivers {
		if err := drv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, drv := range m.eventDrivers {
		if err := drv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Totals returns the frames written and dropped across all frame cameras
// over completed sessions.
func (m *Manager) Totals() (written, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalWritten, m.totalDropped
}

// LatestFrame returns the newest frame from one frame camera, false when the
// camera has not produced anything yet.
func (m *Manager) LatestFrame(camera int) (frame.Frame, bool) {
	if camera < 0 || camera >= len(m.frameDrivers) {
		return frame.Frame{}, false
	}
	return m.frameDrivers[camera].Latest()
}

// FrameCameras returns the number of frame cameras.
func (m *Manager) FrameCameras() int { return len(m.frameDrivers) }

// EventCameras returns the number of event cameras.
func (m *Manager) EventCameras() int { return len(m.eventDrivers) }

// EventDrivers exposes the serial-ordered event drivers so a live view can
// subscribe to them.
func (m *Manager) EventDrivers() []sensor.EventDriver { return m.eventDrivers }

// acquire polls one frame camera and pushes each new frame into its queue.
// Polling runs at a quarter of the frame interval so no frame is missed.
func (m *Manager) acquire(camera int, drv sensor.FrameDriver, q *framequeue.Queue, stopCh <-chan struct{}) {
	defer m.wg.Done()

	interval := time.Duration(float64(time.Second)/m.config.FPS) / 4
	ticker := m.config.Clock.NewTicker(interval)
	defer ticker.Stop()

	var lastIndex uint64
	var seen bool
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
			f, ok := drv.Latest()
			if !ok {
				continue
			}
			if seen && f.Index == lastIndex {
				continue
			}
			seen = true
			lastIndex = f.Index
			f.CameraID = camera
			q.Push(f)
		}
	}
}
