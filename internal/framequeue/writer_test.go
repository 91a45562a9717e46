package framequeue

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/fsutil"
	"github.com/aperture-data/fusion.capture/internal/testutil"
)

func TestDiskWriter_WritesQueuedFrames(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	q := NewQueue(10)
	w := NewDiskWriter(q, WriterConfig{Dir: "/rec/frame_cam0", FS: mfs})

	testutil.AssertNoError(t, w.Start())

	for i := uint64(0); i < 3; i++ {
		q.Push(testutil.TestFrame(0, i))
	}

	testutil.Eventually(t, time.Second, func() bool {
		return w.Written() == 3
	}, "three frames written")
	w.Stop()

	for i := 0; i < 3; i++ {
		path := filepath.Join("/rec/frame_cam0", fmt.Sprintf("frame_%d.jpg", i))
		if !mfs.Exists(path) {
			t.Errorf("missing %s", path)
		}
	}
}

func TestDiskWriter_DrainsOnStop(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	q := NewQueue(10)

	// Queue frames before the worker starts, then stop immediately. The
	// final drain must still persist everything.
	for i := uint64(0); i < 5; i++ {
		q.Push(testutil.TestFrame(0, i))
	}

	w := NewDiskWriter(q, WriterConfig{Dir: "/rec/frame_cam0", FS: mfs})
	testutil.AssertNoError(t, w.Start())
	w.Stop()

	if got := w.Written(); got != 5 {
		t.Errorf("Written = %d, want 5", got)
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained, %d left", q.Len())
	}
}

func TestDiskWriter_SkipsFailedFrames(t *testing.T) {
	muteLogs(t)

	mfs := fsutil.NewMemoryFileSystem()
	mfs.WriteErr = errors.New("disk full")
	mfs.WriteErrPath = "frame_1.jpg"

	q := NewQueue(10)
	for i := uint64(0); i < 3; i++ {
		q.Push(testutil.TestFrame(0, i))
	}

	w := NewDiskWriter(q, WriterConfig{Dir: "/rec/frame_cam0", FS: mfs})
	testutil.AssertNoError(t, w.Start())
	w.Stop()

	if got := w.Written(); got != 2 {
		t.Errorf("Written = %d, want 2", got)
	}
	if got := w.Failed(); got != 1 {
		t.Errorf("Failed = %d, want 1", got)
	}
	if mfs.Exists("/rec/frame_cam0/frame_1.jpg") {
		t.Error("failed frame should not exist on disk")
	}
	if !mfs.Exists("/rec/frame_cam0/frame_2.jpg") {
		t.Error("writer should continue after a failed frame")
	}
}

func TestDiskWriter_SkipsEmptyFrames(t *testing.T) {
	muteLogs(t)

	mfs := fsutil.NewMemoryFileSystem()
	q := NewQueue(10)
	q.Push(frame.Frame{CameraID: 0, Index: 0})

	w := NewDiskWriter(q, WriterConfig{Dir: "/rec/frame_cam0", FS: mfs})
	testutil.AssertNoError(t, w.Start())
	w.Stop()

	if got := w.Failed(); got != 1 {
		t.Errorf("Failed = %d, want 1", got)
	}
	if got := w.Written(); got != 0 {
		t.Errorf("Written = %d, want 0", got)
	}
}
