// Command capture records and replays multi-camera frame and event sensor
// sessions using the simulated rig. It exists to exercise the full pipeline
// without hardware attached and doubles as the reference wiring for SDK
// integrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aperture-data/fusion.capture/internal/buffer"
	"github.com/aperture-data/fusion.capture/internal/capture"
	"github.com/aperture-data/fusion.capture/internal/catalog"
	"github.com/aperture-data/fusion.capture/internal/config"
	"github.com/aperture-data/fusion.capture/internal/livestream"
	"github.com/aperture-data/fusion.capture/internal/playback"
	"github.com/aperture-data/fusion.capture/internal/sensor"
	"github.com/aperture-data/fusion.capture/internal/version"
)

var (
	mode        = flag.String("mode", "record", "Operating mode: record or replay")
	outputBase  = flag.String("out", "recordings", "Base directory for recording output")
	prefix      = flag.String("prefix", "", "Optional recording directory prefix")
	replayDir   = flag.String("dir", "", "Recording directory to replay")
	frameCams   = flag.Int("frame-cams", 2, "Number of simulated frame cameras")
	eventCams   = flag.Int("event-cams", 2, "Number of simulated event cameras")
	fps         = flag.Float64("fps", 30, "Frame rate for capture and replay")
	eventFormat = flag.String("event-format", "raw", "Event file format: raw or hdf5")
	serials     = flag.String("serials", "", "Comma-separated event camera serials, first is master; empty auto-discovers")
	catalogPath = flag.String("catalog", "capture_catalog.db", "Path to the recording catalog database")
	duration    = flag.Duration("duration", 0, "Recording duration, 0 means run until interrupted")
	configPath  = flag.String("config", "", "Optional tuning config JSON file")
)

func main() {
	flag.Parse()
	log.Printf("capture %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "record":
		err = record(ctx)
	case "replay":
		err = replay(ctx)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("capture: %v", err)
	}
}

// simRig builds the simulated cameras for one session.
func simRig() ([]sensor.FrameDriver, []sensor.EventDriver) {
	frames := make([]sensor.FrameDriver, *frameCams)
	for i := range frames {
		frames[i] = &sensor.SimFrameDriver{CameraID: i, FPS: *fps}
	}
	events := make([]sensor.EventDriver, *eventCams)
	for i := range events {
		events[i] = &sensor.SimEventDriver{
			SerialNumber: fmt.Sprintf("sim-%04d", i),
		}
	}
	return frames, events
}

// loadTuning reads the -config file when given, otherwise returns an empty
// config whose getters supply the built-in defaults.
func loadTuning() (*config.TuningConfig, error) {
	if *configPath == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(*configPath)
}

func record(ctx context.Context) error {
	tuning, err := loadTuning()
	if err != nil {
		return err
	}

	cat, err := catalog.Open(*catalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	biases := make([]capture.Biases, len(tuning.Biases))
	for i, b := range tuning.Biases {
		biases[i] = capture.Biases(b)
	}

	var pinned []string
	if *serials != "" {
		pinned = strings.Split(*serials, ",")
	}

	frameDrivers, eventDrivers := simRig()
	mgr, err := capture.NewManager(frameDrivers, eventDrivers, capture.Config{
		OutputBase:         *outputBase,
		Prefix:             *prefix,
		EventFormat:        *eventFormat,
		FPS:                *fps,
		Serials:            pinned,
		FrameQueueCapacity: tuning.GetFrameQueueCapacity(),
		JPEGQuality:        tuning.GetJPEGQuality(),
		Biases:             biases,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	startedAt := time.Now()
	if err := mgr.Start(); err != nil {
		return err
	}

	id, err := cat.BeginRecording(catalog.Recording{
		Dir:          mgr.Dir(),
		Prefix:       *prefix,
		EventFormat:  *eventFormat,
		FrameCameras: len(frameDrivers),
		EventCameras: len(eventDrivers),
		MasterSerial: mgr.MasterSerial(),
		StartedAt:    startedAt,
	})
	if err != nil {
		mgr.Stop()
		return err
	}

	// Live view: event accumulation plus the unified buffer for health and
	// rate monitoring.
	acc := livestream.New(mgr.EventDrivers(), nil)
	if err := acc.Start(); err != nil {
		mgr.Stop()
		return err
	}
	defer acc.Stop()

	buf := buffer.New(buffer.Config{
		MaxBuffer: tuning.GetMaxLiveBufferSize(),
		Target:    tuning.GetTargetBufferSize(),
	})
	if err := buf.StartLive(mgr, acc); err != nil {
		mgr.Stop()
		return err
	}
	defer buf.Stop()

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	log.Printf("recording %s (session %s), ctrl-c to stop", mgr.Dir(), id)
	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			mgr.Stop()
			written, dropped := mgr.Totals()
			return cat.FinishRecording(id, time.Now(), int64(written), int64(dropped))
		case <-statusTicker.C:
			log.Printf("buffer: occupancy=%d healthy=%v fps=%.1f",
				buf.Occupancy(), buf.Healthy(), buf.FPS())
		}
	}
}

func replay(ctx context.Context) error {
	if *replayDir == "" {
		return fmt.Errorf("replay needs -dir")
	}

	tuning, err := loadTuning()
	if err != nil {
		return err
	}

	rec, err := playback.Load(ctx, playback.Config{
		Dir:           *replayDir,
		FPS:           *fps,
		OpenDecoder:   sensor.OpenSimEventFile,
		CacheCapacity: tuning.GetCacheCapacity(),
		PrefetchAhead: tuning.GetPrefetchAhead(),
		DecodeTimeout: tuning.GetDecodeTimeout(),
		OnProgress: func(p playback.Progress) {
			log.Printf("loading %s: %d/%d", p.Stage, p.Done, p.Total)
		},
	})
	if err != nil {
		return err
	}
	defer rec.Close()

	buf := buffer.New(buffer.Config{
		MaxBuffer: tuning.GetMaxLiveBufferSize(),
		Target:    tuning.GetTargetBufferSize(),
	})
	if err := buf.StartPlayback(rec); err != nil {
		return err
	}
	defer buf.Stop()

	total := buf.TotalFrames()
	log.Printf("replaying %s: %d frames at %.0f fps", *replayDir, total, *fps)

	interval := time.Duration(float64(time.Second) / *fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var valid uint64
	for index := uint64(0); index < total; index++ {
		select {
		case <-ctx.Done():
			log.Printf("interrupted at frame %d", index)
			return nil
		case <-ticker.C:
		}

		s, err := buf.Snapshot(index)
		if err != nil {
			return err
		}
		if s.Valid {
			valid++
		}
	}

	log.Printf("replayed %d frames, %d complete", total, valid)
	if valid < total {
		fmt.Fprintf(os.Stderr, "warning: %d frames had missing cameras\n", total-valid)
	}
	return nil
}
