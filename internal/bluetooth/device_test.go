package bluetooth

import (
	"testing"
	"time"
)

type fakeSwitcher struct {
	startCalls [][]Codec
	result     int
}

func (f *fakeSwitcher) Start(candidates []Codec, onDone func(result int)) {
	f.startCalls = append(f.startCalls, candidates)
	onDone(f.result)
}

func (f *fakeSwitcher) Cancel() {}

func newTestDevice() *Device {
	d := NewDevice(nil, "/org/bluez/dev0", "AA:BB:CC:DD:EE:FF", "/org/bluez/hci0", ProfileA2DPSink|ProfileA2DPSource)
	d.ConnectedProfiles = ProfileA2DPSink | ProfileA2DPSource
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSetProfileRejectsIndexNotCoveredByAnyConnectedProfile(t *testing.T) {
	d := newTestDevice()
	d.ConnectedProfiles = 0
	sw := &fakeSwitcher{}
	err := d.SetProfile(IndexOf(CardProfile{Kind: CardA2DP}), false, sw, nil, nil)
	if err == nil {
		t.Fatalf("expected an error when no connected profile covers the request")
	}
}

// TestSetProfileSucceedsAndUpdatesCurrent pins spec.md §4.5 step 4:
// "On success: re-enumerate transports, emit object_info ..., restore
// cached volumes, emit param-info changes".
func TestSetProfileSucceedsAndUpdatesCurrent(t *testing.T) {
	d := newTestDevice()
	sw := &fakeSwitcher{result: 0}

	var paramInfoEvents []string
	d.OnParamInfoChanged(func(what string) { paramInfoEvents = append(paramInfoEvents, what) })

	target := CardProfile{Kind: CardA2DP}
	if err := d.SetProfile(IndexOf(target), false, sw, func([]*Transport) {}, func() []*Transport { return nil }); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}

	waitFor(t, func() bool { return d.CurrentProfile().Kind == CardA2DP })
	waitFor(t, func() bool { return len(paramInfoEvents) == 5 })
	if d.SwitchingCodec() {
		t.Fatalf("expected switching_codec to clear once the switch resolves")
	}
}

// TestSetProfileFallsBackToCodecAnyThenOff pins spec.md §4.5 step 5.
func TestSetProfileFallsBackToCodecAnyThenOff(t *testing.T) {
	d := newTestDevice()
	sw := &fakeSwitcher{result: -1}

	target := CardProfile{Kind: CardA2DP, Codec: CodecAAC}
	if err := d.SetProfile(IndexOf(target), false, sw, func([]*Transport) {}, func() []*Transport { return nil }); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}

	waitFor(t, func() bool { return d.CurrentProfile().Kind == CardOff })
}

// TestSetProfileRestoresCachedRouteVolumeOntoNewTransports pins
// spec.md §4.5 step 4's "restore cached volumes": a volume cached on
// a route before a profile switch must land on the transport that
// comes back covering that route, via the same hw/soft split
// SetVolumes applies elsewhere.
func TestSetProfileRestoresCachedRouteVolumeOntoNewTransports(t *testing.T) {
	d := newTestDevice()
	d.RouteVolume(RouteOutput, []float64{0.25, 0.25})
	if got := d.CachedRouteVolume(RouteOutput); len(got) != 2 || got[0] != 0.25 {
		t.Fatalf("expected cached route volume to round-trip, got %v", got)
	}

	sw := &fakeSwitcher{result: 0}
	newTransport := &Transport{Path: "/transport0", Profile: CardA2DP}
	err := d.SetProfile(IndexOf(CardProfile{Kind: CardA2DP}), false, sw,
		func([]*Transport) {},
		func() []*Transport { return []*Transport{newTransport} })
	if err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	waitFor(t, func() bool { return newTransport.Volumes != nil })
	if newTransport.Volumes.Volumes[0] != 0.25 || newTransport.Volumes.Volumes[1] != 0.25 {
		t.Fatalf("expected restored volumes [0.25 0.25], got %v", newTransport.Volumes.Volumes)
	}
}

func TestUnionChannelPositionsDedupesAndSorts(t *testing.T) {
	got := UnionChannelPositions([][]int{{2, 1}, {1, 3}, {2}})
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDeviceSetHasSetNodeOnlyWithMemberTransport(t *testing.T) {
	leader := newTestDevice()
	member := newTestDevice()
	set := &DeviceSet{Leader: leader, Members: []*Device{member}}
	if set.HasSetNode() {
		t.Fatalf("expected no set node with zero member transports")
	}
	member.transports["t0"] = &Transport{Path: "t0"}
	if !set.HasSetNode() {
		t.Fatalf("expected a set node once a member holds >= 1 transport")
	}
}
