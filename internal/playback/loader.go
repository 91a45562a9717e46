// Package playback opens a recorded session for frame-accurate review.
// Frame camera images stay on disk and are decoded per request; event
// streams go through lazy render caches so seeking stays responsive.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"path/filepath"
	"strings"
	"time"

	"github.com/aperture-data/fusion.capture/internal/eventcache"
	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/fsutil"
	"github.com/aperture-data/fusion.capture/internal/monitoring"
	"github.com/aperture-data/fusion.capture/internal/recpath"
	"github.com/aperture-data/fusion.capture/internal/sensor"
)

// Progress reports loader advancement to an optional callback.
type Progress struct {
	// Stage is "scan", "frames" or "events".
	Stage string

	// Done and Total count cameras finished within the stage.
	Done, Total int
}

// Config holds loader parameters.
type Config struct {
	// Dir is the recording directory.
	Dir string

	// FPS is the playback rate defining event frame windows. Default 30.
	FPS float64

	// FS is the recording filesystem. Defaults to the OS filesystem.
	FS fsutil.FileSystem

	// OpenDecoder opens an event stream file. Required when the recording
	// contains event cameras.
	OpenDecoder sensor.DecoderOpener

	// CacheCapacity, PrefetchAhead and DecodeTimeout tune the per-stream
	// event caches. Zero means the cache defaults.
	CacheCapacity int
	PrefetchAhead int
	DecodeTimeout time.Duration

	// OnProgress, when set, receives loading progress updates.
	OnProgress func(Progress)
}

// Recording is a loaded session ready for random access.
type Recording struct {
	dir    string
	fps    float64
	fs     fsutil.FileSystem
	frames [][]string // per frame camera, sorted image paths
	caches []*eventcache.Cache
	total  uint64
}

// Load scans and opens the recording at config.Dir. It honours ctx so a
// slow load over many event streams can be aborted.
func Load(ctx context.Context, config Config) (*Recording, error) {
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.FS == nil {
		config.FS = fsutil.OSFileSystem{}
	}

	report := func(p Progress) {
		if config.OnProgress != nil {
			config.OnProgress(p)
		}
	}

	report(Progress{Stage: "scan"})
	frameDirs, eventFiles, err := scan(config.FS, config.Dir)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &Recording{dir: config.Dir, fps: config.FPS, fs: config.FS}

	for i, dir := range frameDirs {
		files, err := listFrameFiles(config.FS, dir)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.frames = append(r.frames, files)
		report(Progress{Stage: "frames", Done: i + 1, Total: len(frameDirs)})
		if err := ctx.Err(); err != nil {
			r.Close()
			return nil, err
		}
	}

	if len(eventFiles) > 0 && config.OpenDecoder == nil {
		r.Close()
		return nil, fmt.Errorf("playback: %d event streams but no decoder configured", len(eventFiles))
	}
	for i, path := range eventFiles {
		dec, err := config.OpenDecoder(path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("playback: opening %s: %w", path, err)
		}
		cache, err := eventcache.New(dec, eventcache.Config{
			CameraID:      i,
			FPS:           config.FPS,
			Capacity:      config.CacheCapacity,
			PrefetchAhead: config.PrefetchAhead,
			DecodeTimeout: config.DecodeTimeout,
		})
		if err != nil {
			dec.Close()
			r.Close()
			return nil, err
		}
		r.caches = append(r.caches, cache)
		report(Progress{Stage: "events", Done: i + 1, Total: len(eventFiles)})
		if err := ctx.Err(); err != nil {
			r.Close()
			return nil, err
		}
	}

	r.total = r.estimateTotal()
	monitoring.Logf("loaded recording %s: %d frame cameras, %d event cameras, %d frames",
		config.Dir, len(r.frames), len(r.caches), r.total)
	return r, nil
}

// scan finds the camera directories and event files making up a recording.
// Camera order follows the numeric suffix in the names.
func scan(fs fsutil.FileSystem, dir string) (frameDirs, eventFiles []string, err error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("playback: scanning %s: %w", dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir() && strings.HasPrefix(name, "frame_cam"):
			frameDirs = append(frameDirs, filepath.Join(dir, name))
		case !e.IsDir() && strings.HasPrefix(name, "ebv_cam_"):
			ext := strings.TrimPrefix(filepath.Ext(name), ".")
			if !recpath.ValidFormat(ext) {
				monitoring.Warnf("ignoring event file with unknown format: %s", name)
				continue
			}
			eventFiles = append(eventFiles, filepath.Join(dir, name))
		}
	}

	recpath.SortFrameFiles(frameDirs)
	recpath.SortFrameFiles(eventFiles)

	if len(frameDirs) == 0 && len(eventFiles) == 0 {
		return nil, nil, fmt.Errorf("playback: %s contains no cameras", dir)
	}
	return frameDirs, eventFiles, nil
}

func listFrameFiles(fs fsutil.FileSystem, dir string) ([]string, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("playback: listing %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	recpath.SortFrameFiles(files)
	return files, nil
}

// estimateTotal picks the playable frame count: the longest camera wins.
// Indices past a shorter camera yield invalid frames for that camera only,
// so partial rigs stay reviewable to the end.
func (r *Recording) estimateTotal() uint64 {
	var max uint64
	for _, files := range r.frames {
		if n := uint64(len(files)); n > max {
			max = n
		}
	}
	for _, c := range r.caches {
		if n := c.TotalFrames(); n > max {
			max = n
		}
	}
	return max
}

// Dir returns the recording directory.
func (r *Recording) Dir() string { return r.dir }

// TotalFrames returns the playable frame count.
func (r *Recording) TotalFrames() uint64 { return r.total }

// FrameCameras returns the number of frame cameras.
func (r *Recording) FrameCameras() int { return len(r.frames) }

// EventCameras returns the number of event cameras.
func (r *Recording) EventCameras() int { return len(r.caches) }

// FrameImage decodes and returns the image for one frame camera at index.
// Missing or corrupt files yield an invalid frame.
func (r *Recording) FrameImage(camera int, index uint64) frame.Frame {
	bad := frame.Frame{CameraID: camera, Index: index}
	if camera < 0 || camera >= len(r.frames) || index >= uint64(len(r.frames[camera])) {
		return bad
	}

	path := r.frames[camera][index]
	data, err := r.fs.ReadFile(path)
	if err != nil {
		monitoring.Warnf("reading %s: %v", path, err)
		return bad
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		monitoring.Warnf("decoding %s: %v", path, err)
		return bad
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Rect, img, img.Bounds().Min, draw.Src)
	}
	return frame.Frame{
		CameraID:  camera,
		Index:     index,
		Image:     rgba,
		Timestamp: r.timestampFor(index),
		Valid:     true,
	}
}

// EventFrame renders and returns the event frame for one camera at index.
func (r *Recording) EventFrame(camera int, index uint64) frame.Frame {
	if camera < 0 || camera >= len(r.caches) {
		return frame.Frame{CameraID: camera, Index: index}
	}
	return r.caches[camera].Frame(index)
}

// CachedEventFrames returns the cached frame indices for one event camera
// so a scrub bar can visualize coverage. Nil for out-of-range cameras.
func (r *Recording) CachedEventFrames(camera int) []uint64 {
	if camera < 0 || camera >= len(r.caches) {
		return nil
	}
	return r.caches[camera].CachedIndices()
}

// Snapshot assembles the full per-tick view at index across all cameras.
// The snapshot is valid only when every camera produced a usable image;
// invalid placeholders are still carried so partial data can be rendered.
func (r *Recording) Snapshot(index uint64) frame.Snapshot {
	s := frame.Snapshot{
		Index:     index,
		Timestamp: r.timestampFor(index),
		Valid:     index < r.total,
	}
	for cam := range r.frames {
		f := r.FrameImage(cam, index)
		s.Valid = s.Valid && f.Valid
		s.FrameCams = append(s.FrameCams, f)
	}
	for cam := range r.caches {
		f := r.EventFrame(cam, index)
		s.Valid = s.Valid && f.Valid
		s.EventCams = append(s.EventCams, f)
	}
	return s
}

func (r *Recording) timestampFor(index uint64) time.Time {
	micros := int64(float64(index) * 1e6 / r.fps)
	return time.Unix(0, micros*int64(time.Microsecond))
}

// Close releases the event caches and their decoders.
func (r *Recording) Close() error {
	var firstErr error
	for _, c := range r.caches {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.caches = nil
	return firstErr
}
