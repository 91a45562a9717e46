// Package capture runs live multi-camera recording: frame cameras drain
// through bounded queues to disk writers while event cameras stream their
// raw output to per-camera files.
package capture

import (
	"fmt"
	"sort"

	"github.com/aperture-data/fusion.capture/internal/monitoring"
	"github.com/aperture-data/fusion.capture/internal/sensor"
)

// Biases maps event camera bias names to values.
type Biases map[string]int

// biasLimits holds the accepted range per known bias. Values outside the
// range get clipped, unknown names pass through for newer sensor variants.
var biasLimits = map[string][2]int{
	"bias_diff_on":  {-85, 140},
	"bias_diff_off": {-35, 190},
	"bias_fo":       {-35, 55},
	"bias_hpf":      {0, 120},
	"bias_refr":     {-20, 235},
}

// DefaultBiases returns the factory-neutral bias set, every known bias at
// zero offset.
func DefaultBiases() Biases {
	b := make(Biases, len(biasLimits))
	for name := range biasLimits {
		b[name] = 0
	}
	return b
}

// Merge overlays overrides onto b and returns the result. Neither input is
// modified.
func (b Biases) Merge(overrides Biases) Biases {
	out := make(Biases, len(b)+len(overrides))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Clamp returns a copy of b with known biases clipped into their accepted
// range. Clipped values and unknown bias names are logged.
func (b Biases) Clamp() Biases {
	out := make(Biases, len(b))
	for name, v := range b {
		limits, known := biasLimits[name]
		if !known {
			monitoring.Warnf("unknown bias %q, passing value %d through", name, v)
			out[name] = v
			continue
		}
		clipped := v
		if clipped < limits[0] {
			clipped = limits[0]
		} else if clipped > limits[1] {
			clipped = limits[1]
		}
		if clipped != v {
			monitoring.Warnf("bias %s value %d outside [%d, %d], clipping to %d",
				name, v, limits[0], limits[1], clipped)
		}
		out[name] = clipped
	}
	return out
}

// resolveBiases expands per-camera overrides to one clamped bias set per
// event camera. An empty overrides slice means defaults everywhere; a
// non-empty one must carry exactly one entry per camera.
func resolveBiases(overrides []Biases, cameras int) ([]Biases, error) {
	if len(overrides) != 0 && len(overrides) != cameras {
		return nil, fmt.Errorf("capture: %d bias sets for %d event cameras", len(overrides), cameras)
	}

	out := make([]Biases, cameras)
	for i := range out {
		b := DefaultBiases()
		if len(overrides) != 0 {
			b = b.Merge(overrides[i])
		}
		out[i] = b.Clamp()
	}
	return out, nil
}

// OrderBySerial sorts event drivers in place by serial number and returns
// the serial of the first one, which acts as the sync master. Deterministic
// ordering keeps camera indices stable across process restarts.
func OrderBySerial(drivers []sensor.EventDriver) string {
	sort.Slice(drivers, func(i, j int) bool {
		return drivers[i].Serial() < drivers[j].Serial()
	})
	if len(drivers) == 0 {
		return ""
	}
	return drivers[0].Serial()
}

// SelectBySerial picks and orders drivers to match the configured serial
// list; the first listed serial becomes the sync master. Every listed
// serial must be attached, cameras not listed are left out.
func SelectBySerial(drivers []sensor.EventDriver, serials []string) ([]sensor.EventDriver, error) {
	bySerial := make(map[string]sensor.EventDriver, len(drivers))
	for _, d := range drivers {
		bySerial[d.Serial()] = d
	}

	out := make([]sensor.EventDriver, 0, len(serials))
	for _, s := range serials {
		d, ok := bySerial[s]
		if !ok {
			return nil, fmt.Errorf("capture: configured event camera %s not attached", s)
		}
		out = append(out, d)
	}
	return out, nil
}
