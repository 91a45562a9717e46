package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aperture-data/fusion.capture/internal/recpath"
	"github.com/aperture-data/fusion.capture/internal/sensor"
	"github.com/aperture-data/fusion.capture/internal/testutil"
)

func newTestManager(t *testing.T, base string) *Manager {
	t.Helper()

	frameCam := &sensor.SimFrameDriver{CameraID: 0, Width: 32, Height: 24, FPS: 60}
	eventCam := &sensor.SimEventDriver{
		SerialNumber:  "sim-0001",
		Geom:          sensor.Geometry{Width: 32, Height: 32},
		BurstInterval: time.Millisecond,
		BurstSize:     8,
	}

	m, err := NewManager(
		[]sensor.FrameDriver{frameCam},
		[]sensor.EventDriver{eventCam},
		Config{OutputBase: base, FPS: 60},
	)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_RecordsSession(t *testing.T) {
	muteLogs(t)

	base := t.TempDir()
	m := newTestManager(t, base)

	testutil.AssertNoError(t, m.Start())
	if !m.Running() {
		t.Fatal("manager should be running after Start")
	}

	dir := m.Dir()
	if filepath.Dir(dir) != base {
		t.Errorf("recording dir %s not under %s", dir, base)
	}

	// Wait until both modalities have hit the disk.
	framesDir := recpath.FrameCamDir(dir, 0)
	testutil.Eventually(t, 5*time.Second, func() bool {
		entries, err := os.ReadDir(framesDir)
		return err == nil && len(entries) >= 3
	}, "frame files appear on disk")

	eventFile := recpath.EventFile(dir, 0, recpath.FormatRaw)
	testutil.Eventually(t, 5*time.Second, func() bool {
		info, err := os.Stat(eventFile)
		return err == nil && info.Size() > 0
	}, "event file grows")

	m.Stop()
	if m.Running() {
		t.Error("manager should not be running after Stop")
	}

	// Recorded events round-trip through the decoder.
	dec, err := sensor.OpenSimEventFile(eventFile)
	testutil.AssertNoError(t, err)
	defer dec.Close()
	micros, err := dec.DurationMicros()
	testutil.AssertNoError(t, err)
	if micros <= 0 {
		t.Errorf("recorded stream duration = %d, want > 0", micros)
	}
}

func TestManager_StartTwiceFails(t *testing.T) {
	muteLogs(t)

	m := newTestManager(t, t.TempDir())
	testutil.AssertNoError(t, m.Start())
	testutil.AssertError(t, m.Start())
}

func TestManager_StopWithoutStart(t *testing.T) {
	muteLogs(t)

	m := newTestManager(t, t.TempDir())
	m.Stop()
}

func TestManager_PinnedSerials(t *testing.T) {
	muteLogs(t)

	cams := []sensor.EventDriver{
		&sensor.SimEventDriver{SerialNumber: "sim-a"},
		&sensor.SimEventDriver{SerialNumber: "sim-b"},
	}
	m, err := NewManager(nil, cams, Config{
		OutputBase: t.TempDir(),
		Serials:    []string{"sim-b", "sim-a"},
	})
	testutil.AssertNoError(t, err)
	defer m.Close()

	if got := m.MasterSerial(); got != "sim-b" {
		t.Errorf("master = %s, want sim-b", got)
	}
	if got := m.EventDrivers()[0].Serial(); got != "sim-b" {
		t.Errorf("first driver = %s, want sim-b", got)
	}
}

func TestManager_PinnedSerialMissing(t *testing.T) {
	cams := []sensor.EventDriver{&sensor.SimEventDriver{SerialNumber: "sim-a"}}
	_, err := NewManager(nil, cams, Config{
		OutputBase: t.TempDir(),
		Serials:    []string{"sim-z"},
	})
	testutil.AssertError(t, err)
}

func TestManager_RejectsBadFormat(t *testing.T) {
	_, err := NewManager(nil, nil, Config{EventFormat: "avi"})
	testutil.AssertError(t, err)
}

func TestManager_RejectsBiasCountMismatch(t *testing.T) {
	muteLogs(t)

	eventCam := &sensor.SimEventDriver{SerialNumber: "sim-0001"}
	m, err := NewManager(nil, []sensor.EventDriver{eventCam}, Config{
		OutputBase: t.TempDir(),
		Biases:     []Biases{{"bias_fo": 1}, {"bias_fo": 2}},
	})
	testutil.AssertNoError(t, err)
	defer m.Close()

	testutil.AssertError(t, m.Start())
}

func TestManager_AppliesBiases(t *testing.T) {
	muteLogs(t)

	eventCam := &sensor.SimEventDriver{
		SerialNumber:  "sim-0001",
		BurstInterval: time.Millisecond,
	}
	m, err := NewManager(nil, []sensor.EventDriver{eventCam}, Config{
		OutputBase: t.TempDir(),
		Biases:     []Biases{{"bias_diff_on": 999}}, // clipped to 140
	})
	testutil.AssertNoError(t, err)
	defer m.Close()

	testutil.AssertNoError(t, m.Start())
	defer m.Stop()

	applied := eventCam.Biases()
	if applied["bias_diff_on"] != 140 {
		t.Errorf("bias_diff_on = %d, want clipped 140", applied["bias_diff_on"])
	}
	if applied["bias_refr"] != 0 {
		t.Errorf("bias_refr = %d, want default 0", applied["bias_refr"])
	}
}

func TestManager_LatestFrame(t *testing.T) {
	muteLogs(t)

	m := newTestManager(t, t.TempDir())
	testutil.AssertNoError(t, m.Start())
	defer m.Stop()

	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := m.LatestFrame(0)
		return ok
	}, "frame camera produces a frame")

	if _, ok := m.LatestFrame(5); ok {
		t.Error("out-of-range camera should report no frame")
	}
}
