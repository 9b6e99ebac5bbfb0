package bluetooth

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/samber/lo"

	"github.com/kestrelio/pinosd/internal/stream"
)

// TransportState mirrors a BtTransport's lifecycle.
type TransportState int

const (
	TransportStateIdle TransportState = iota
	TransportStatePending
	TransportStateActive
)

// Transport is one negotiated media or voice path to a remote device
// (spec.md §3 "BtTransport"). Direction-specific I/O lives in sco.go;
// this struct only tracks identity, refcount, and fd ownership.
type Transport struct {
	Path    string
	Device  string
	Profile CardProfileKind
	Codec   Codec
	State   TransportState

	WriteMTU int
	ReadMTU  int

	// Volumes is this transport's hw/soft volume split (spec.md
	// §4.4), restored from the device's per-route cache whenever the
	// transport is (re-)enumerated after a profile switch; nil until
	// first set.
	Volumes *stream.PortVolume

	refcount int
	fd       int
}

// routeForTransport maps a transport's profile family to the route
// whose cached volume applies to it (spec.md §4.5's six routes;
// RouteAvailable's own coverage table names which kinds touch which
// route, but volume restore only ever needs the one route a given
// transport's direction actually plays through). BAP set-routes are
// leader-only (DeviceSet) and not handled at the per-transport level.
func routeForTransport(t *Transport) (RouteKind, bool) {
	switch t.Profile {
	case CardA2DP, CardBAP:
		return RouteOutput, true
	case CardHSPHFP:
		return RouteHFPOutput, true
	default:
		return 0, false
	}
}

// AcquireRefcount bumps the transport's refcount (BlueZ's
// MediaTransport1.Acquire/Release semantics) and returns the new
// count.
func (t *Transport) AcquireRefcount() int {
	t.refcount++
	return t.refcount
}

// ReleaseRefcount decrements the refcount; once it reaches zero the
// caller must close t's fd (spec.md §5: "every fd ... is owned by
// exactly one object ... whose destructor closes it").
func (t *Transport) ReleaseRefcount() int {
	if t.refcount > 0 {
		t.refcount--
	}
	return t.refcount
}

// Device models one remote Bluetooth audio endpoint (spec.md §3
// "BtDevice"). Profiles is the remote-advertised capability set;
// ConnectedProfiles is the subset currently linked (invariant:
// ConnectedProfiles ⊆ Profiles).
type Device struct {
	log *slog.Logger

	Path              string
	Address           string
	Adapter           string
	Profiles          DeviceProfile
	ConnectedProfiles DeviceProfile
	ReconnectProfiles DeviceProfile
	Battery           *uint8
	PreferredCodec    Codec
	HwVolumeProfiles  DeviceProfile

	mu             sync.Mutex
	current        CardProfile
	switchingCodec bool
	transports     map[string]*Transport
	cachedVolumes  map[RouteKind][]float64

	debounceSetProfile func(func())

	onParamInfoChanged func(what string)
	onNodesChanged     func(removed, added []*Transport)
}

// NewDevice returns a Device with no connected profiles, profile Off.
func NewDevice(log *slog.Logger, path, address, adapter string, profiles DeviceProfile) *Device {
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		log:                log,
		Path:               path,
		Address:            address,
		Adapter:            adapter,
		Profiles:           profiles,
		transports:         make(map[string]*Transport),
		cachedVolumes:      make(map[RouteKind][]float64),
		current:            CardProfile{Kind: CardOff},
		debounceSetProfile: debounce.New(150 * time.Millisecond), // spec.md §4.5 step 3 coalescing
	}
}

func (d *Device) OnParamInfoChanged(fn func(what string)) { d.onParamInfoChanged = fn }
func (d *Device) OnNodesChanged(fn func(removed, added []*Transport)) { d.onNodesChanged = fn }

// CurrentProfile returns the active (device_profile, codec) pair.
func (d *Device) CurrentProfile() CardProfile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// SwitchingCodec reports whether a codec-switch coroutine is in
// flight. While it is, a further set_profile request that gets past
// SetProfile's debounce is dropped rather than deferred.
func (d *Device) SwitchingCodec() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.switchingCodec
}

// covers reports whether any connected profile covers kind.
func (d *Device) covers(kind CardProfileKind) bool {
	switch kind {
	case CardOff:
		return true
	case CardAG:
		return d.ConnectedProfiles&ProfileHeadsetGateway != 0
	case CardA2DP:
		return d.ConnectedProfiles&(ProfileA2DPSink|ProfileA2DPSource) != 0
	case CardBAP:
		return d.ConnectedProfiles&(ProfileBAPSink|ProfileBAPSource|ProfileBAPBroadcastSink|ProfileBAPBroadcastSrc) != 0
	case CardHSPHFP:
		return d.ConnectedProfiles&ProfileHeadsetHeadUnit != 0
	default:
		return false
	}
}

// Switcher is the cooperative codec-switch coroutine's driver,
// implemented in codec_switch.go; Device only needs to start, cancel,
// and observe its completion.
type Switcher interface {
	Start(candidates []Codec, onDone func(result int))
	Cancel()
}

// SetProfile implements spec.md §4.5's set_profile(idx, save): it is
// debounced per step 3 so that a burst of rapid UI clicks coalesces
// into one orchestration pass, matching the teacher's bep/debounce
// usage for rapid input events.
func (d *Device) SetProfile(idx int, save bool, sw Switcher, releaseAll func([]*Transport), reenumerate func() []*Transport) error {
	cp, ok := ProfileAt(idx)
	if !ok {
		return fmt.Errorf("bluetooth: invalid card profile index %d", idx)
	}
	if !d.covers(cp.Kind) {
		return fmt.Errorf("bluetooth: no connected profile covers %v", cp.Kind)
	}

	d.debounceSetProfile(func() {
		d.doSetProfile(cp, save, sw, releaseAll, reenumerate)
	})
	return nil
}

func (d *Device) doSetProfile(cp CardProfile, save bool, sw Switcher, releaseAll func([]*Transport), reenumerate func() []*Transport) {
	d.mu.Lock()
	if d.switchingCodec {
		d.mu.Unlock()
		// A request arriving while a switch is in flight is dropped: it
		// is not queued, and the in-flight switch is not cancelled.
		return
	}
	old := d.allTransportsLocked()
	d.switchingCodec = true
	d.mu.Unlock()

	if releaseAll != nil {
		releaseAll(old)
	}
	if d.onNodesChanged != nil {
		d.onNodesChanged(old, nil)
	}

	candidates := d.candidateCodecs(cp)
	sw.Start(candidates, func(result int) {
		d.mu.Lock()
		d.switchingCodec = false
		if result == 0 {
			d.current = cp
		}
		d.mu.Unlock()

		if result != 0 {
			d.fallback(cp, save, sw, releaseAll, reenumerate)
			return
		}
		d.finishSwitch(reenumerate)
	})
}

// fallback implements spec.md §4.5 step 5: "first try the same
// profile with codec=0 (any); if still failing, fall back to Off."
func (d *Device) fallback(failed CardProfile, save bool, sw Switcher, releaseAll func([]*Transport), reenumerate func() []*Transport) {
	if failed.Kind == CardOff {
		d.mu.Lock()
		d.current = CardProfile{Kind: CardOff}
		d.mu.Unlock()
		d.log.Warn("bluetooth: falling back to Off also failed, leaving device unconfigured")
		return
	}
	if failed.Codec != CodecAny {
		d.doSetProfile(CardProfile{Kind: failed.Kind, Codec: CodecAny}, save, sw, releaseAll, reenumerate)
		return
	}
	d.doSetProfile(CardProfile{Kind: CardOff}, save, sw, releaseAll, reenumerate)
}

func (d *Device) finishSwitch(reenumerate func() []*Transport) {
	var added []*Transport
	if reenumerate != nil {
		added = reenumerate()
		d.mu.Lock()
		for _, tr := range added {
			d.transports[tr.Path] = tr
		}
		d.mu.Unlock()
	}
	d.restoreCachedVolumes(added)
	if d.onNodesChanged != nil {
		d.onNodesChanged(nil, added)
	}
	if d.onParamInfoChanged != nil {
		for _, what := range []string{"Profile", "Route", "EnumRoute", "Props", "PropInfo"} {
			d.onParamInfoChanged(what)
		}
	}
}

// restoreCachedVolumes applies each newly (re-)enumerated transport's
// route-level cached volume to it, via the same hw/soft split
// SetVolumes uses elsewhere (spec.md §4.4, §4.5 step 4: "restore
// cached volumes"). Volumes are cached by route, not transport
// identity, because the transport object itself is torn down and
// recreated across a profile switch while the user-visible route
// persists.
func (d *Device) restoreCachedVolumes(transports []*Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tr := range transports {
		route, ok := routeForTransport(tr)
		if !ok {
			continue
		}
		vols, cached := d.cachedVolumes[route]
		if !cached || len(vols) == 0 {
			continue
		}
		if tr.Volumes == nil {
			tr.Volumes = &stream.PortVolume{}
		}
		tr.Volumes.SetVolumes(vols)
	}
}

func (d *Device) candidateCodecs(cp CardProfile) []Codec {
	if cp.Codec != CodecAny {
		return []Codec{cp.Codec}
	}
	switch cp.Kind {
	case CardA2DP:
		return []Codec{CodecAAC, CodecSBC}
	case CardHSPHFP:
		return []Codec{CodecMSBC, CodecCVSD}
	default:
		return nil
	}
}

func (d *Device) allTransportsLocked() []*Transport {
	out := make([]*Transport, 0, len(d.transports))
	for _, tr := range d.transports {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RouteVolume caches per-route channel volumes set via Route(idx,
// device, props, save) (spec.md §4.5: "the only way to mutate
// port-level state").
func (d *Device) RouteVolume(route RouteKind, channelVolumes []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cachedVolumes[route] = append([]float64(nil), channelVolumes...)
}

func (d *Device) CachedRouteVolume(route RouteKind) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cachedVolumes[route]
}

// DeviceSet coordinates several BAP member devices under one leader
// (spec.md §4.5 "Device sets"). Member nodes keep api.bluez5.set and
// internal=true so a router can hide them; the leader synthesizes
// source_set/sink_set whose channel maps union the members' channel
// positions.
type DeviceSet struct {
	Leader  *Device
	Members []*Device
}

// UnionChannelPositions returns the sorted, deduplicated union of
// every member transport's channel positions for the given route
// direction (spec.md §4.5: "channel maps are the union (sorted,
// deduplicated)").
func UnionChannelPositions(memberPositions [][]int) []int {
	seen := map[int]struct{}{}
	for _, positions := range memberPositions {
		for _, p := range positions {
			seen[p] = struct{}{}
		}
	}
	out := lo.Keys(seen)
	sort.Ints(out)
	return out
}

// HasSetNode reports whether the leader should emit a source_set/
// sink_set node: spec.md §4.5 invariant "a device-set node is only
// emitted when the leader holds >= 1 member-transport."
func (s *DeviceSet) HasSetNode() bool {
	for _, m := range s.Members {
		m.mu.Lock()
		n := len(m.transports)
		m.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}
