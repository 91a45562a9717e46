package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aperture-data/fusion.capture/internal/frame"
)

// SimFrameDriver is a deterministic software frame camera. It produces a
// moving gradient pattern at a fixed rate so the full pipeline can run
// without hardware attached.
type SimFrameDriver struct {
	CameraID int
	Width    int
	Height   int
	FPS      float64

	mu      sync.Mutex
	open    bool
	running bool
	latest  frame.Frame
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Open prepares the simulated device.
func (d *SimFrameDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Width == 0 {
		d.Width = 320
	}
	if d.Height == 0 {
		d.Height = 240
	}
	if d.FPS == 0 {
		d.FPS = 30
	}
	d.open = true
	return nil
}

// Start begins frame generation.
func (d *SimFrameDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return fmt.Errorf("sim frame driver %d: not open", d.CameraID)
	}
	if d.running {
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.generate(d.stopCh, d.doneCh)
	return nil
}

// Stop halts frame generation and waits for the generator to exit.
func (d *SimFrameDriver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

// Close releases the simulated device.
func (d *SimFrameDriver) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	return nil
}

// IsRunning reports whether frames are being generated.
func (d *SimFrameDriver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Latest returns a clone of the most recently generated frame.
func (d *SimFrameDriver) Latest() (frame.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.latest.Valid {
		return frame.Frame{}, false
	}
	return d.latest.Clone(), true
}

func (d *SimFrameDriver) generate(stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(frameInterval(d.FPS))
	defer ticker.Stop()

	var index uint64
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			img := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
			shift := uint8(index % 256)
			for y := 0; y < d.Height; y++ {
				for x := 0; x < d.Width; x++ {
					img.SetRGBA(x, y, color.RGBA{
						R: uint8(x) + shift,
						G: uint8(y),
						B: shift,
						A: 0xFF,
					})
				}
			}
			d.mu.Lock()
			d.latest = frame.Frame{
				CameraID:  d.CameraID,
				Index:     index,
				Image:     img,
				Timestamp: time.Now(),
				Valid:     true,
			}
			d.mu.Unlock()
			index++
		}
	}
}

// simEventRecord is the fixed-size on-disk encoding used by the simulated
// event camera: x, y uint16, timestamp int64 (µs), polarity byte.
const simEventRecordSize = 2 + 2 + 8 + 1

// SimEventDriver is a deterministic software event camera. It emits a burst
// of synthetic events every BurstInterval to all subscribers and, while
// recording, appends the same events to the recording file.
type SimEventDriver struct {
	SerialNumber  string
	Geom          Geometry
	BurstInterval time.Duration
	BurstSize     int

	mu       sync.Mutex
	open     bool
	running  bool
	biases   map[string]int
	recFile  *os.File
	subs     map[int]func([]Event)
	nextSub  int
	started  time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	eventSeq int64
}

// Open prepares the simulated device.
func (d *SimEventDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Geom.Width == 0 {
		d.Geom = Geometry{Width: 640, Height: 480}
	}
	if d.BurstInterval == 0 {
		d.BurstInterval = 5 * time.Millisecond
	}
	if d.BurstSize == 0 {
		d.BurstSize = 64
	}
	if d.subs == nil {
		d.subs = make(map[int]func([]Event))
	}
	d.open = true
	return nil
}

// Serial returns the configured serial number.
func (d *SimEventDriver) Serial() string { return d.SerialNumber }

// Geometry returns the sensor dimensions.
func (d *SimEventDriver) Geometry() Geometry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Geom
}

// ApplyBiases accepts any bias map; the simulation has no analog front end
// so values are stored for inspection only.
func (d *SimEventDriver) ApplyBiases(biases map[string]int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return fmt.Errorf("sim event driver %s: not open", d.SerialNumber)
	}
	d.biases = make(map[string]int, len(biases))
	for k, v := range biases {
		d.biases[k] = v
	}
	return nil
}

// Biases returns the last applied bias map.
func (d *SimEventDriver) Biases() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.biases))
	for k, v := range d.biases {
		out[k] = v
	}
	return out
}

// Start begins event generation.
func (d *SimEventDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return fmt.Errorf("sim event driver %s: not open", d.SerialNumber)
	}
	if d.running {
		return nil
	}
	d.running = true
	d.started = time.Now()
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.generate(d.stopCh, d.doneCh)
	return nil
}

// Stop halts event generation.
func (d *SimEventDriver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

// Close releases the simulated device, stopping any recording.
func (d *SimEventDriver) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recFile != nil {
		d.recFile.Close()
		d.recFile = nil
	}
	d.open = false
	return nil
}

// IsRunning reports whether events are being generated.
func (d *SimEventDriver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// StartRecording begins appending generated events to path.
func (d *SimEventDriver) StartRecording(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recFile != nil {
		return fmt.Errorf("sim event driver %s: already recording", d.SerialNumber)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sim event driver %s: %w", d.SerialNumber, err)
	}
	d.recFile = f
	return nil
}

// StopRecording closes the recording file.
func (d *SimEventDriver) StopRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recFile == nil {
		return nil
	}
	err := d.recFile.Close()
	d.recFile = nil
	return err
}

// Subscribe registers a live event callback.
func (d *SimEventDriver) Subscribe(fn func([]Event)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs == nil {
		d.subs = make(map[int]func([]Event))
	}
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *SimEventDriver) generate(stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(d.BurstInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			burst := d.makeBurst()

			d.mu.Lock()
			subs := make([]func([]Event), 0, len(d.subs))
			for _, fn := range d.subs {
				subs = append(subs, fn)
			}
			if d.recFile != nil {
				writeSimEvents(d.recFile, burst)
			}
			d.mu.Unlock()

			for _, fn := range subs {
				fn(burst)
			}
		}
	}
}

// makeBurst produces a deterministic diagonal sweep of alternating-polarity
// events stamped with microseconds since Start.
func (d *SimEventDriver) makeBurst() []Event {
	d.mu.Lock()
	geom := d.Geom
	size := d.BurstSize
	base := time.Since(d.started).Microseconds()
	seq := d.eventSeq
	d.eventSeq += int64(size)
	d.mu.Unlock()

	burst := make([]Event, size)
	for i := range burst {
		n := seq + int64(i)
		burst[i] = Event{
			X:  uint16(n % int64(geom.Width)),
			Y:  uint16((n / int64(geom.Width)) % int64(geom.Height)),
			T:  base + int64(i),
			On: n%2 == 0,
		}
	}
	return burst
}

func writeSimEvents(w io.Writer, events []Event) error {
	buf := make([]byte, simEventRecordSize)
	for _, ev := range events {
		binary.LittleEndian.PutUint16(buf[0:2], ev.X)
		binary.LittleEndian.PutUint16(buf[2:4], ev.Y)
		binary.LittleEndian.PutUint64(buf[4:12], uint64(ev.T))
		if ev.On {
			buf[12] = 1
		} else {
			buf[12] = 0
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// SimEventDecoder serves events from an in-memory, time-sorted slice. It
// backs both unit tests and playback of files written by SimEventDriver.
type SimEventDecoder struct {
	Geom Geometry

	mu     sync.Mutex
	events []Event
	closed bool

	// Delay artificially slows each Events call, for timeout tests.
	Delay time.Duration
}

// NewSimEventDecoder builds a decoder over the given events, sorting them
// by timestamp.
func NewSimEventDecoder(geom Geometry, events []Event) *SimEventDecoder {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].T < sorted[j].T })
	return &SimEventDecoder{Geom: geom, events: sorted}
}

// OpenSimEventFile reads a file written by SimEventDriver into a decoder.
func OpenSimEventFile(path string) (EventDecoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open sim event file: %w", err)
	}
	if len(data)%simEventRecordSize != 0 {
		return nil, fmt.Errorf("open sim event file %s: truncated record", path)
	}

	events := make([]Event, 0, len(data)/simEventRecordSize)
	var maxX, maxY uint16
	for off := 0; off < len(data); off += simEventRecordSize {
		rec := data[off : off+simEventRecordSize]
		ev := Event{
			X:  binary.LittleEndian.Uint16(rec[0:2]),
			Y:  binary.LittleEndian.Uint16(rec[2:4]),
			T:  int64(binary.LittleEndian.Uint64(rec[4:12])),
			On: rec[12] == 1,
		}
		if ev.X > maxX {
			maxX = ev.X
		}
		if ev.Y > maxY {
			maxY = ev.Y
		}
		events = append(events, ev)
	}

	geom := Geometry{Width: int(maxX) + 1, Height: int(maxY) + 1}
	if geom.Width < 640 {
		geom.Width = 640
	}
	if geom.Height < 480 {
		geom.Height = 480
	}
	return NewSimEventDecoder(geom, events), nil
}

// Geometry returns the sensor dimensions.
func (d *SimEventDecoder) Geometry() Geometry { return d.Geom }

// DurationMicros returns the timestamp of the final event.
func (d *SimEventDecoder) DurationMicros() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("sim event decoder: closed")
	}
	if len(d.events) == 0 {
		return 0, nil
	}
	return d.events[len(d.events)-1].T, nil
}

// Events returns all events in [startMicros, endMicros). It respects ctx so
// callers can bound generation latency.
func (d *SimEventDecoder) Events(ctx context.Context, startMicros, endMicros int64) ([]Event, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("sim event decoder: closed")
	}

	lo := sort.Search(len(d.events), func(i int) bool { return d.events[i].T >= startMicros })
	hi := sort.Search(len(d.events), func(i int) bool { return d.events[i].T >= endMicros })
	out := make([]Event, hi-lo)
	copy(out, d.events[lo:hi])
	return out, nil
}

// Close marks the decoder unusable.
func (d *SimEventDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.events = nil
	return nil
}
