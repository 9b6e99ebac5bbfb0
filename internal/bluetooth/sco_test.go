package bluetooth

import "testing"

type fakeMSBCEncoder struct{}

func (fakeMSBCEncoder) Encode(pcm []byte, outLen int) ([]byte, error) {
	return make([]byte, outLen), nil
}

type fakeWriter struct {
	writes [][]byte
}

// TestFrameMSBCHeaderAndTrailer pins scenario S4: bytes[0:2] == 01 08
// (seq=0) and bytes[59] == 00.
func TestFrameMSBCHeaderAndTrailer(t *testing.T) {
	seq := 0
	payload := make([]byte, MSBCEncodedSize-3)
	frame, err := FrameMSBC(payload, &seq)
	if err != nil {
		t.Fatalf("FrameMSBC: %v", err)
	}
	if len(frame) != MSBCEncodedSize {
		t.Fatalf("expected a %d-byte frame, got %d", MSBCEncodedSize, len(frame))
	}
	if frame[0] != 0x01 || frame[1] != 0x08 {
		t.Fatalf("expected header 01 08, got %02x %02x", frame[0], frame[1])
	}
	if frame[MSBCEncodedSize-1] != 0x00 {
		t.Fatalf("expected trailing 00, got %02x", frame[MSBCEncodedSize-1])
	}
	if seq != 1 {
		t.Fatalf("expected seq to advance to 1, got %d", seq)
	}
}

func TestFrameMSBCSeqCyclesThroughSNTable(t *testing.T) {
	seq := 0
	want := []byte{0x08, 0x38, 0xC8, 0xF8, 0x08}
	for i, w := range want {
		frame, err := FrameMSBC(make([]byte, MSBCEncodedSize-3), &seq)
		if err != nil {
			t.Fatalf("FrameMSBC iter %d: %v", i, err)
		}
		if frame[1] != w {
			t.Fatalf("iter %d: expected sn byte %02x, got %02x", i, w, frame[1])
		}
	}
}

func TestFrameMSBCRejectsWrongPayloadLength(t *testing.T) {
	seq := 0
	if _, err := FrameMSBC(make([]byte, 10), &seq); err == nil {
		t.Fatalf("expected an error for a short payload")
	}
}

// TestIOLoopFlushesExactlyOnceAtThreshold pins scenario S4 end to end:
// feeding exactly MSBCDecodedSize bytes of PCM produces exactly one
// 60-byte SCO write with the expected header/trailer.
func TestIOLoopFlushesExactlyOnceAtThreshold(t *testing.T) {
	r, w, err := socketpairStream()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer r.Close()
	defer w.Close()

	loop := NewIOLoop(nil, int(w.Fd()), CodecMSBC, fakeMSBCEncoder{}, defaultScoMTU, nil)
	loop.Stage(make([]byte, MSBCDecodedSize))

	n, err := loop.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != MSBCEncodedSize {
		t.Fatalf("expected a %d-byte write, got %d", MSBCEncodedSize, n)
	}

	buf := make([]byte, 128)
	nr, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if nr != MSBCEncodedSize {
		t.Fatalf("expected to read back %d bytes, got %d", MSBCEncodedSize, nr)
	}
	if buf[0] != 0x01 || buf[1] != 0x08 {
		t.Fatalf("expected header 01 08, got %02x %02x", buf[0], buf[1])
	}
	if buf[MSBCEncodedSize-1] != 0x00 {
		t.Fatalf("expected trailing 00, got %02x", buf[MSBCEncodedSize-1])
	}

	if loop.staged != 0 {
		t.Fatalf("expected staging buffer to drain fully, %d bytes left", loop.staged)
	}
}

func TestIOLoopDoesNotFlushBelowThreshold(t *testing.T) {
	r, w, err := socketpairStream()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer r.Close()
	defer w.Close()

	loop := NewIOLoop(nil, int(w.Fd()), CodecMSBC, fakeMSBCEncoder{}, defaultScoMTU, nil)
	loop.Stage(make([]byte, MSBCDecodedSize-1))
	n, err := loop.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no write below threshold, wrote %d", n)
	}
}

func TestWriteBufferCapacityIsLCMOfFramingConstants(t *testing.T) {
	cap := WriteBufferCapacity(48)
	for _, n := range []int{24, 60, 48, 2 * MSBCEncodedSize} {
		if cap%n != 0 {
			t.Fatalf("expected capacity %d to be a multiple of %d", cap, n)
		}
	}
}

func TestNextFlushNsecDisarmsWhenNothingQueued(t *testing.T) {
	if _, armed := NextFlushNsec(1000, 100, 0, 16000); armed {
		t.Fatalf("expected the flush timer to be disarmed with no queued frames")
	}
}

func TestNextFlushNsecSchedulesAtOldestSamplePlayout(t *testing.T) {
	got, armed := NextFlushNsec(1_000_000, 1_000_000, 160, 16000)
	if !armed {
		t.Fatalf("expected the flush timer to be armed")
	}
	want := int64(1_000_000) + int64(1_000_000) - int64(160)*1_000_000_000/16000
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}
