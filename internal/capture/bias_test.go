package capture

import (
	"testing"

	"github.com/aperture-data/fusion.capture/internal/monitoring"
	"github.com/aperture-data/fusion.capture/internal/sensor"
)

func muteLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

func TestDefaultBiases(t *testing.T) {
	b := DefaultBiases()
	want := []string{"bias_diff_on", "bias_diff_off", "bias_fo", "bias_hpf", "bias_refr"}
	if len(b) != len(want) {
		t.Fatalf("got %d biases, want %d", len(b), len(want))
	}
	for _, name := range want {
		v, ok := b[name]
		if !ok {
			t.Errorf("missing bias %s", name)
		}
		if v != 0 {
			t.Errorf("bias %s = %d, want 0", name, v)
		}
	}
}

func TestBiases_ClampClipsOutOfRange(t *testing.T) {
	var warnings []string
	original := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = original })
	monitoring.SetLogger(func(format string, v ...interface{}) {
		warnings = append(warnings, format)
	})

	b := Biases{
		"bias_diff_on":  200, // above 140
		"bias_diff_off": -50, // below -35
		"bias_fo":       10,  // in range
	}
	out := b.Clamp()

	if out["bias_diff_on"] != 140 {
		t.Errorf("bias_diff_on = %d, want 140", out["bias_diff_on"])
	}
	if out["bias_diff_off"] != -35 {
		t.Errorf("bias_diff_off = %d, want -35", out["bias_diff_off"])
	}
	if out["bias_fo"] != 10 {
		t.Errorf("bias_fo = %d, want 10", out["bias_fo"])
	}
	if len(warnings) != 2 {
		t.Errorf("warnings = %d, want 2", len(warnings))
	}
}

func TestBiases_ClampPassesUnknownThrough(t *testing.T) {
	muteLogs(t)

	b := Biases{"bias_future_knob": 12345}
	out := b.Clamp()
	if out["bias_future_knob"] != 12345 {
		t.Errorf("unknown bias = %d, want 12345 untouched", out["bias_future_knob"])
	}
}

func TestBiases_Merge(t *testing.T) {
	base := DefaultBiases()
	merged := base.Merge(Biases{"bias_hpf": 30})

	if merged["bias_hpf"] != 30 {
		t.Errorf("bias_hpf = %d, want 30", merged["bias_hpf"])
	}
	if merged["bias_fo"] != 0 {
		t.Errorf("bias_fo = %d, want 0", merged["bias_fo"])
	}
	if base["bias_hpf"] != 0 {
		t.Error("Merge must not modify the receiver")
	}
}

func TestResolveBiases_CountMismatch(t *testing.T) {
	_, err := resolveBiases([]Biases{{"bias_fo": 1}}, 2)
	if err == nil {
		t.Fatal("expected error for one bias set over two cameras")
	}
}

func TestResolveBiases_EmptyMeansDefaults(t *testing.T) {
	out, err := resolveBiases(nil, 2)
	if err != nil {
		t.Fatalf("resolveBiases: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d sets, want 2", len(out))
	}
	for i, b := range out {
		if b["bias_diff_on"] != 0 {
			t.Errorf("camera %d bias_diff_on = %d, want 0", i, b["bias_diff_on"])
		}
	}
}

func TestOrderBySerial(t *testing.T) {
	mk := func(serial string) sensor.EventDriver {
		return &sensor.SimEventDriver{SerialNumber: serial}
	}
	drivers := []sensor.EventDriver{mk("serial-c"), mk("serial-a"), mk("serial-b")}

	master := OrderBySerial(drivers)
	if master != "serial-a" {
		t.Errorf("master = %s, want serial-a", master)
	}
	got := []string{drivers[0].Serial(), drivers[1].Serial(), drivers[2].Serial()}
	want := []string{"serial-a", "serial-b", "serial-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("driver %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOrderBySerial_Empty(t *testing.T) {
	if master := OrderBySerial(nil); master != "" {
		t.Errorf("master = %q, want empty", master)
	}
}

func TestSelectBySerial(t *testing.T) {
	mk := func(serial string) sensor.EventDriver {
		return &sensor.SimEventDriver{SerialNumber: serial}
	}
	drivers := []sensor.EventDriver{mk("serial-a"), mk("serial-b"), mk("serial-c")}

	// Configured order wins over sort order, unlisted cameras are dropped.
	out, err := SelectBySerial(drivers, []string{"serial-c", "serial-a"})
	if err != nil {
		t.Fatalf("SelectBySerial: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d drivers, want 2", len(out))
	}
	if out[0].Serial() != "serial-c" || out[1].Serial() != "serial-a" {
		t.Errorf("order = [%s %s], want [serial-c serial-a]", out[0].Serial(), out[1].Serial())
	}
}

func TestSelectBySerial_MissingCamera(t *testing.T) {
	drivers := []sensor.EventDriver{&sensor.SimEventDriver{SerialNumber: "serial-a"}}
	if _, err := SelectBySerial(drivers, []string{"serial-z"}); err == nil {
		t.Fatal("expected error for unattached serial")
	}
}
