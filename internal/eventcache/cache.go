// Package eventcache turns a stored event stream into frames on demand.
//
// Decoding a window of events is expensive, so frames are built lazily and
// kept in a bounded cache. A single prefetch goroutine walks ahead of the
// playback position so sequential playback almost always hits the cache;
// large seeks restart the prefetch around the new position.
package eventcache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/monitoring"
	"github.com/aperture-data/fusion.capture/internal/render"
	"github.com/aperture-data/fusion.capture/internal/sensor"
	"github.com/aperture-data/fusion.capture/internal/timeutil"
)

const (
	// DefaultCapacity bounds the number of cached frames per stream.
	DefaultCapacity = 10000

	// RestartThreshold is the index jump beyond which the prefetcher
	// abandons its current run and restarts around the new position.
	RestartThreshold = 10

	// DefaultDecodeTimeout bounds one frame generation. Streams that decode
	// slower than this yield an invalid placeholder frame.
	DefaultDecodeTimeout = 200 * time.Millisecond

	// generationPause is the breather between prefetch generations so a
	// playback request can grab the lock promptly.
	generationPause = 2 * time.Millisecond
)

// Config holds cache tuning parameters.
type Config struct {
	// CameraID tags generated frames.
	CameraID int

	// FPS is the playback frame rate defining the event window per frame.
	// Default 30.
	FPS float64

	// Capacity bounds the cache. Default DefaultCapacity.
	Capacity int

	// PrefetchAhead is how many frames past the playback position the
	// prefetcher builds. Default Capacity/2.
	PrefetchAhead int

	// DecodeTimeout bounds one frame generation. Default DefaultDecodeTimeout.
	DecodeTimeout time.Duration

	// Clock abstracts time for testing. Defaults to the real clock.
	Clock timeutil.Clock
}

func (c *Config) fillDefaults() {
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.PrefetchAhead <= 0 {
		c.PrefetchAhead = c.Capacity / 2
	}
	if c.DecodeTimeout <= 0 {
		c.DecodeTimeout = DefaultDecodeTimeout
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
}

// Cache lazily renders and caches event frames for one stored stream.
// It owns the decoder and closes it on Close.
type Cache struct {
	decoder sensor.EventDecoder
	config  Config
	geom    sensor.Geometry
	total   uint64

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[uint64]frame.Frame
	current uint64
	started bool
	dirty   bool
	restart bool
	closed  bool

	doneCh chan struct{}
}

// New creates a cache over decoder and starts its prefetch goroutine.
func New(decoder sensor.EventDecoder, config Config) (*Cache, error) {
	if decoder == nil {
		return nil, errors.New("eventcache: nil decoder")
	}
	config.fillDefaults()

	c := &Cache{
		decoder: decoder,
		config:  config,
		geom:    decoder.Geometry(),
		entries: make(map[uint64]frame.Frame),
		doneCh:  make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	if micros, err := decoder.DurationMicros(); err == nil && micros > 0 {
		c.total = uint64(float64(micros)*config.FPS/1e6) + 1
	} else if err != nil {
		monitoring.Warnf("event stream duration unavailable for camera %d: %v", config.CameraID, err)
	}

	go c.prefetchLoop()
	return c, nil
}

// TotalFrames estimates the number of playable frames in the stream, zero
// when the stream duration is unknown.
func (c *Cache) TotalFrames() uint64 {
	return c.total
}

// Frame returns the frame at index, rendering it now on a cache miss. The
// returned frame is a private copy. Frames that fail or time out during
// decode come back with Valid false.
func (c *Cache) Frame(index uint64) frame.Frame {
	c.mu.Lock()
	c.advanceTo(index)
	if f, ok := c.entries[index]; ok {
		c.mu.Unlock()
		return f.Clone()
	}
	c.mu.Unlock()

	f := c.generate(index)

	c.mu.Lock()
	c.insertLocked(index, f)
	c.mu.Unlock()
	return f.Clone()
}

// Contains reports whether index is cached. Intended for observability.
func (c *Cache) Contains(index uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[index]
	return ok
}

// CachedIndices returns a sorted snapshot of the cached frame indices so a
// UI can visualize playback coverage.
func (c *Cache) CachedIndices() []uint64 {
	c.mu.Lock()
	indices := make([]uint64, 0, len(c.entries))
	for k := range c.entries {
		indices = append(indices, k)
	}
	c.mu.Unlock()

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// Len returns the number of cached frames.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the prefetcher and closes the underlying decoder.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	<-c.doneCh
	return c.decoder.Close()
}

// advanceTo moves the playback position and wakes the prefetcher. A jump of
// more than RestartThreshold frames evicts everything outside the window the
// prefetcher is about to fill so stale far-away frames don't crowd it out.
// Caller holds mu.
func (c *Cache) advanceTo(index uint64) {
	jump := int64(index) - int64(c.current)
	if jump < 0 {
		jump = -jump
	}

	if c.started && jump > RestartThreshold {
		ahead := uint64(c.config.PrefetchAhead)
		lo := uint64(0)
		if index > ahead {
			lo = index - ahead
		}
		hi := index + 2*ahead
		for k := range c.entries {
			if k < lo || k > hi {
				delete(c.entries, k)
			}
		}
		c.restart = true
	}

	c.started = true
	c.current = index
	c.dirty = true
	c.cond.Signal()
}

// insertLocked stores f at index, evicting the entry farthest from the
// playback position when the cache is full. Caller holds mu.
func (c *Cache) insertLocked(index uint64, f frame.Frame) {
	if _, ok := c.entries[index]; !ok && len(c.entries) >= c.config.Capacity {
		c.evictFarthestLocked()
	}
	c.entries[index] = f
}

func (c *Cache) evictFarthestLocked() {
	var victim uint64
	var worst int64 = -1
	for k := range c.entries {
		d := int64(k) - int64(c.current)
		if d < 0 {
			d = -d
		}
		if d > worst {
			worst = d
			victim = k
		}
	}
	if worst >= 0 {
		delete(c.entries, victim)
	}
}

// farthestDistanceLocked returns the largest distance between a cached index
// and the playback position, -1 when the cache is empty. Caller holds mu.
func (c *Cache) farthestDistanceLocked() int64 {
	var worst int64 = -1
	for k := range c.entries {
		d := int64(k) - int64(c.current)
		if d < 0 {
			d = -d
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}

// generate renders the frame for index by decoding its event window. Called
// without holding mu; decoding must never block other cache users.
func (c *Cache) generate(index uint64) frame.Frame {
	start := int64(float64(index) * 1e6 / c.config.FPS)
	end := int64(float64(index+1) * 1e6 / c.config.FPS)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DecodeTimeout)
	defer cancel()

	events, err := c.decoder.Events(ctx, start, end)
	if err != nil {
		monitoring.Warnf("decoding frame %d for camera %d: %v", index, c.config.CameraID, err)
		return frame.Frame{
			CameraID:  c.config.CameraID,
			Index:     index,
			Image:     render.Placeholder(c.geom),
			Timestamp: time.Unix(0, start*int64(time.Microsecond)),
		}
	}

	return frame.Frame{
		CameraID:  c.config.CameraID,
		Index:     index,
		Image:     render.Events(events, c.geom),
		Timestamp: time.Unix(0, start*int64(time.Microsecond)),
		Valid:     true,
	}
}

func (c *Cache) prefetchLoop() {
	defer close(c.doneCh)

	for {
		c.mu.Lock()
		for !c.dirty && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.dirty = false
		c.restart = false
		base := c.current
		ahead := uint64(c.config.PrefetchAhead)
		c.mu.Unlock()

		c.runGeneration(base, ahead)

		// Let a pending playback request through before the next run.
		c.config.Clock.Sleep(generationPause)
	}
}

// runGeneration builds frames base+1 through base+ahead, checking between
// frames whether a seek restarted the prefetcher or the cache closed.
func (c *Cache) runGeneration(base, ahead uint64) {
	for off := uint64(1); off <= ahead; off++ {
		index := base + off
		if c.total > 0 && index >= c.total {
			return
		}

		c.mu.Lock()
		if c.closed || c.restart {
			c.mu.Unlock()
			return
		}
		_, ok := c.entries[index]
		if !ok && len(c.entries) >= c.config.Capacity {
			d := int64(index) - int64(c.current)
			if d < 0 {
				d = -d
			}
			if c.farthestDistanceLocked() <= d {
				// Every cached frame is nearer the playback position
				// than this candidate; inserting would evict a more
				// useful one.
				c.mu.Unlock()
				return
			}
		}
		c.mu.Unlock()
		if ok {
			continue
		}

		f := c.generate(index)

		c.mu.Lock()
		if c.closed || c.restart {
			// A seek happened while decoding; this frame belongs to the
			// abandoned run.
			c.mu.Unlock()
			return
		}
		c.insertLocked(index, f)
		c.mu.Unlock()
	}
}
