package framequeue

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"path/filepath"
	"sync/atomic"

	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/fsutil"
	"github.com/aperture-data/fusion.capture/internal/monitoring"
	"github.com/aperture-data/fusion.capture/internal/recpath"
)

// WriterConfig holds disk writer tuning parameters.
type WriterConfig struct {
	// Dir is the camera's image directory, created on Start if missing.
	Dir string

	// JPEGQuality is the encoder quality, 1 to 100. Default 90.
	JPEGQuality int

	// FS is the target filesystem. Defaults to the OS filesystem.
	FS fsutil.FileSystem
}

func (c *WriterConfig) fillDefaults() {
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 90
	}
	if c.FS == nil {
		c.FS = fsutil.OSFileSystem{}
	}
}

// DiskWriter persists queued frames to a camera directory as JPEG files.
// It runs a single worker goroutine so writes never happen on the
// acquisition path. Encode or write failures are logged and the frame is
// skipped; the worker keeps going.
type DiskWriter struct {
	queue  *Queue
	config WriterConfig

	written atomic.Uint64
	failed  atomic.Uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDiskWriter creates a writer draining queue into config.Dir.
func NewDiskWriter(queue *Queue, config WriterConfig) *DiskWriter {
	config.fillDefaults()
	return &DiskWriter{
		queue:  queue,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start creates the output directory and launches the worker goroutine.
func (w *DiskWriter) Start() error {
	if err := w.config.FS.MkdirAll(w.config.Dir, 0755); err != nil {
		return fmt.Errorf("creating frame directory %s: %w", w.config.Dir, err)
	}
	go w.run()
	return nil
}

// Stop signals the worker and waits for it to finish. Frames still queued at
// stop time are written out before Stop returns.
func (w *DiskWriter) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Written returns the number of frames persisted so far.
func (w *DiskWriter) Written() uint64 {
	return w.written.Load()
}

// Failed returns the number of frames skipped due to encode or write errors.
func (w *DiskWriter) Failed() uint64 {
	return w.failed.Load()
}

func (w *DiskWriter) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			// Final drain so no accepted frame is lost on shutdown.
			for _, f := range w.queue.DrainAll() {
				w.write(f)
			}
			return
		case f := <-w.queue.Frames():
			w.write(f)
		}
	}
}

func (w *DiskWriter) write(f frame.Frame) {
	if f.Empty() {
		w.failed.Add(1)
		monitoring.Warnf("skipping empty frame %d from camera %d", f.Index, f.CameraID)
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: w.config.JPEGQuality}); err != nil {
		w.failed.Add(1)
		monitoring.Warnf("encoding frame %d from camera %d: %v", f.Index, f.CameraID, err)
		return
	}

	path := filepath.Join(w.config.Dir, recpath.FrameFile(f.Index))
	if err := w.config.FS.WriteFile(path, buf.Bytes(), 0644); err != nil {
		w.failed.Add(1)
		monitoring.Warnf("writing frame %d from camera %d: %v", f.Index, f.CameraID, err)
		return
	}
	w.written.Add(1)
}
