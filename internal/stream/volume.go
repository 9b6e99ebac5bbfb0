package stream

import "math"

// PortVolume caches one port's volume state (spec.md §4.4): per-
// channel linear volumes as the user model sees them, the
// corresponding soft_volumes actually applied by the DSP, mute, the
// channel map, and a latency offset. It also tracks which side "owns"
// the hardware volume, since that changes how writes are split.
type PortVolume struct {
	Volumes     []float64
	SoftVolumes []float64
	Mute        bool
	Channels    []int
	LatencyOffset int64

	HwOwned bool // true when the remote device owns the hardware volume
	HwMax   int  // hardware volume steps (15, 127, 255, ...)
	HwValue int  // last hardware volume value sent to the remote
}

// SetVolumes implements spec.md §4.4's split: "When the remote owns
// the hardware volume, writes to volumes are split: the max becomes
// the hardware volume..., the per-channel residual stays in
// soft_volumes...". When the local side owns it, soft_volumes is a
// plain copy of volumes; no boost factor is applied.
func (p *PortVolume) SetVolumes(volumes []float64) {
	p.Volumes = append([]float64(nil), volumes...)
	if !p.HwOwned {
		p.SoftVolumes = append([]float64(nil), volumes...)
		return
	}
	max := 0.0
	for _, v := range volumes {
		if v > max {
			max = v
		}
	}
	p.HwValue = LinearToHW(max, p.HwMax)
	hwLinear := HWToLinear(p.HwValue, p.HwMax)
	p.SoftVolumes = make([]float64, len(volumes))
	for i, v := range volumes {
		if hwLinear > 0 {
			p.SoftVolumes[i] = v / hwLinear
		}
	}
}

// cubicScale is the perceptual volume curve the legacy channel model
// uses: hardware steps are allocated on a cubic (not linear) curve so
// low volumes get finer resolution, matching most consumer audio
// hardware's taper.
const cubicScale = 3.0

// LinearToHW maps a [0,1] linear volume to a hardware step in
// [0, max], monotone non-decreasing (spec.md §8 testable property 7).
func LinearToHW(v float64, max int) int {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return max
	}
	step := math.Round(math.Pow(v, 1.0/cubicScale) * float64(max))
	if step < 0 {
		step = 0
	}
	if int(step) > max {
		return max
	}
	return int(step)
}

// HWToLinear is LinearToHW's inverse, monotone non-decreasing.
func HWToLinear(step int, max int) float64 {
	if max <= 0 {
		return 0
	}
	if step <= 0 {
		return 0
	}
	if step >= max {
		return 1
	}
	return math.Pow(float64(step)/float64(max), cubicScale)
}
