package bluetooth

import (
	"github.com/samber/lo"
)

// DeviceProfile is the bit-flag profile set a remote endpoint can
// support (spec.md §4.5).
type DeviceProfile uint32

const (
	ProfileNull              DeviceProfile = 0
	ProfileBAPSink           DeviceProfile = 1 << 0
	ProfileBAPSource         DeviceProfile = 1 << 1
	ProfileA2DPSink          DeviceProfile = 1 << 2
	ProfileA2DPSource        DeviceProfile = 1 << 3
	ProfileASHASink          DeviceProfile = 1 << 4
	ProfileHSPHS             DeviceProfile = 1 << 5
	ProfileHSPAG             DeviceProfile = 1 << 6
	ProfileHFPHF             DeviceProfile = 1 << 7
	ProfileHFPAG             DeviceProfile = 1 << 8
	ProfileBAPBroadcastSrc   DeviceProfile = 1 << 9
	ProfileBAPBroadcastSink  DeviceProfile = 1 << 10

	ProfileA2DPDuplex       = ProfileA2DPSink | ProfileA2DPSource
	ProfileBAPDuplex        = ProfileBAPSink | ProfileBAPSource
	ProfileHeadsetHeadUnit  = ProfileHSPHS | ProfileHFPHF
	ProfileHeadsetGateway   = ProfileHSPAG | ProfileHFPAG
	ProfileHeadsetAudio     = ProfileHeadsetHeadUnit | ProfileHeadsetGateway
	ProfileMediaSink        = ProfileA2DPSink | ProfileBAPSink | ProfileBAPBroadcastSink
	ProfileMediaSource      = ProfileA2DPSource | ProfileBAPSource | ProfileBAPBroadcastSrc
)

// CardProfileKind is the user-visible base profile family a card
// profile index encodes (spec.md §4.5: "device_profile ∈ {Off, AG,
// A2DP, BAP, HSP_HFP}").
type CardProfileKind int

const (
	CardOff CardProfileKind = iota
	CardAG
	CardA2DP
	CardBAP
	CardHSPHFP
	cardProfileKindLast = CardHSPHFP
)

func (k CardProfileKind) String() string {
	switch k {
	case CardOff:
		return "off"
	case CardAG:
		return "ag"
	case CardA2DP:
		return "a2dp"
	case CardBAP:
		return "bap"
	case CardHSPHFP:
		return "hsp-hfp"
	default:
		return "unknown-profile"
	}
}

// Codec identifies a negotiated codec by a small dense integer; 0 is
// reserved for "any"/unspecified (spec.md §4.5 step 5: "same profile
// with codec=0 (any)").
type Codec int

const (
	CodecAny Codec = iota
	CodecSBC
	CodecMSBC
	CodecCVSD
	CodecAAC
	CodecAPTX
	CodecLDAC
	codecLast = CodecLDAC
)

// CardProfile is a card's enumerable (device_profile, codec) pair,
// spec.md §4.5: "Card profile identity ... Indices into the card's
// enumerable profile list are derived bijectively: the first LAST+1
// indices are the base profiles; higher indices encode codec_id +
// LAST."
type CardProfile struct {
	Kind  CardProfileKind
	Codec Codec
}

// codecQualifiedKinds lists, in enumeration order, every
// CardProfileKind that can carry a codec choice. CardOff and CardAG
// never do (there's nothing to negotiate), so they only ever appear
// in the base [0, cardProfileKindLast] range below. Each kind here
// gets its own contiguous block of codecLast indices in the
// codec-qualified range, which is what keeps IndexOf bijective across
// families instead of colliding every family's first codec on one
// shared index (spec.md §4.5: "Indices ... are derived bijectively").
var codecQualifiedKinds = []CardProfileKind{CardA2DP, CardBAP, CardHSPHFP}

func codecQualifiedOffset(k CardProfileKind) (int, bool) {
	for i, kk := range codecQualifiedKinds {
		if kk == k {
			return i, true
		}
	}
	return 0, false
}

// IndexOf maps a CardProfile to its bijective enumeration index: base
// profiles occupy [0, cardProfileKindLast]; every codec-qualified kind
// gets its own block of codecLast indices immediately after, ordered
// by codecQualifiedKinds (spec.md §4.5).
func IndexOf(p CardProfile) int {
	if p.Codec == CodecAny {
		return int(p.Kind)
	}
	off, ok := codecQualifiedOffset(p.Kind)
	if !ok {
		return int(p.Kind) // base kinds never carry a real codec
	}
	return int(cardProfileKindLast) + 1 + off*int(codecLast) + (int(p.Codec) - 1)
}

// ProfileAt is IndexOf's inverse; ok is false for an index outside the
// valid range (the base block, or one of codecQualifiedKinds' blocks).
func ProfileAt(index int) (CardProfile, bool) {
	if index >= 0 && index <= int(cardProfileKindLast) {
		return CardProfile{Kind: CardProfileKind(index)}, true
	}
	rel := index - int(cardProfileKindLast) - 1
	if rel < 0 {
		return CardProfile{}, false
	}
	off := rel / int(codecLast)
	codecIdx := rel % int(codecLast)
	if off < 0 || off >= len(codecQualifiedKinds) {
		return CardProfile{}, false
	}
	codec := Codec(codecIdx + 1)
	if codec < 1 || codec > codecLast {
		return CardProfile{}, false
	}
	return CardProfile{Kind: codecQualifiedKinds[off], Codec: codec}, true
}

// NeighborIndices returns the valid (prev, next) enumeration indices
// around index within kind's candidate codec table, per spec.md
// §4.5: "Implementations must compute neighbors (prev/next valid
// index) by iterating the codec type table." -1 means no neighbor in
// that direction.
func NeighborIndices(kind CardProfileKind, index int, codecs []Codec) (prev, next int) {
	prev, next = -1, -1
	all := make([]int, 0, len(codecs)+int(cardProfileKindLast)+1)
	for k := 0; k <= int(cardProfileKindLast); k++ {
		all = append(all, k)
	}
	for _, c := range codecs {
		all = append(all, IndexOf(CardProfile{Kind: kind, Codec: c}))
	}
	for i, v := range all {
		if v == index {
			if i > 0 {
				prev = all[i-1]
			}
			if i < len(all)-1 {
				next = all[i+1]
			}
			return
		}
	}
	return
}

// RouteKind enumerates the six fixed routes spec.md §4.5 names.
type RouteKind int

const (
	RouteInput RouteKind = iota
	RouteOutput
	RouteHFPInput
	RouteHFPOutput
	RouteSetInput
	RouteSetOutput
)

func (r RouteKind) String() string {
	switch r {
	case RouteInput:
		return "input"
	case RouteOutput:
		return "output"
	case RouteHFPInput:
		return "hfp-input"
	case RouteHFPOutput:
		return "hfp-output"
	case RouteSetInput:
		return "set-input"
	case RouteSetOutput:
		return "set-output"
	default:
		return "unknown-route"
	}
}

// AllRoutes lists every route in a stable enumeration order.
var AllRoutes = []RouteKind{RouteInput, RouteOutput, RouteHFPInput, RouteHFPOutput, RouteSetInput, RouteSetOutput}

// routeCoverage reports which CardProfileKinds touch each route: A2DP
// covers plain input/output, HSP_HFP covers the HFP routes, and the
// device-set routes are only ever reported by a device-set leader
// (handled by the caller, not here).
var routeCoverage = map[RouteKind][]CardProfileKind{
	RouteInput:     {CardA2DP, CardBAP},
	RouteOutput:    {CardA2DP, CardBAP},
	RouteHFPInput:  {CardHSPHFP},
	RouteHFPOutput: {CardHSPHFP},
	RouteSetInput:  {CardBAP},
	RouteSetOutput: {CardBAP},
}

// EnumRoute lists the card profile kinds touching a route (spec.md
// §4.5: "EnumRoute lists which profiles touch each route").
func EnumRoute(route RouteKind) []CardProfileKind {
	return routeCoverage[route]
}

// RouteAvailable reports whether route is covered by the profile
// currently active, per spec.md §4.5: "routes not covered by the
// current profile report available=no".
func RouteAvailable(route RouteKind, current CardProfileKind) bool {
	return lo.Contains(routeCoverage[route], current)
}
