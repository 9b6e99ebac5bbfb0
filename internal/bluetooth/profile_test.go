package bluetooth

import "testing"

// TestCardProfileIndexBijection pins spec.md §4.5: base profiles use
// indices [0, LAST]; codec-qualified profiles get one contiguous block
// per CardProfileKind. This must round-trip for every (kind, codec)
// pair any family can actually produce, not just A2DP+SBC, since a
// formula that discards Kind collides every family's first codec on
// the same index.
func TestCardProfileIndexBijection(t *testing.T) {
	for idx := 0; idx <= int(cardProfileKindLast); idx++ {
		cp, ok := ProfileAt(idx)
		if !ok {
			t.Fatalf("expected base index %d to be valid", idx)
		}
		if got := IndexOf(cp); got != idx {
			t.Fatalf("round trip mismatch for base index %d: got %d", idx, got)
		}
	}

	seen := map[int]CardProfile{}
	for _, kind := range []CardProfileKind{CardA2DP, CardBAP, CardHSPHFP} {
		for codec := Codec(1); codec <= codecLast; codec++ {
			cp := CardProfile{Kind: kind, Codec: codec}
			idx := IndexOf(cp)
			if idx <= int(cardProfileKindLast) {
				t.Fatalf("expected a codec-qualified index beyond the base range for %+v, got %d", cp, idx)
			}
			if other, dup := seen[idx]; dup {
				t.Fatalf("index %d collides between %+v and %+v", idx, other, cp)
			}
			seen[idx] = cp
			back, ok := ProfileAt(idx)
			if !ok || back != cp {
				t.Fatalf("expected ProfileAt(%d) to recover %+v, got %+v ok=%v", idx, cp, back, ok)
			}
		}
	}
}

func TestNeighborIndicesWalksCodecTable(t *testing.T) {
	codecs := []Codec{CodecSBC, CodecAAC, CodecMSBC}
	var indices []int
	for _, c := range codecs {
		indices = append(indices, IndexOf(CardProfile{Kind: CardA2DP, Codec: c}))
	}
	prev, next := NeighborIndices(CardA2DP, indices[1], codecs)
	if prev != indices[0] || next != indices[2] {
		t.Fatalf("expected neighbors %d/%d, got %d/%d", indices[0], indices[2], prev, next)
	}
	prev, _ = NeighborIndices(CardA2DP, indices[0], codecs)
	if prev != int(cardProfileKindLast) {
		t.Fatalf("expected the first codec entry's prev to be the last base index, got %d", prev)
	}
}

// TestNeighborIndicesDistinguishesFamilies confirms BAP and HSP_HFP
// codec blocks neighbor within their own family, not A2DP's.
func TestNeighborIndicesDistinguishesFamilies(t *testing.T) {
	codecs := []Codec{CodecMSBC, CodecCVSD}
	idx0 := IndexOf(CardProfile{Kind: CardHSPHFP, Codec: CodecMSBC})
	idx1 := IndexOf(CardProfile{Kind: CardHSPHFP, Codec: CodecCVSD})
	prev, next := NeighborIndices(CardHSPHFP, idx0, codecs)
	if prev != int(cardProfileKindLast) || next != idx1 {
		t.Fatalf("expected prev=%d next=%d, got prev=%d next=%d", cardProfileKindLast, idx1, prev, next)
	}
}

func TestEnumRouteAndAvailability(t *testing.T) {
	if !RouteAvailable(RouteOutput, CardA2DP) {
		t.Fatalf("expected output route to be available under A2DP")
	}
	if RouteAvailable(RouteHFPOutput, CardA2DP) {
		t.Fatalf("expected HFP output route to be unavailable under A2DP")
	}
	if !RouteAvailable(RouteHFPInput, CardHSPHFP) {
		t.Fatalf("expected HFP input route to be available under HSP_HFP")
	}
}
