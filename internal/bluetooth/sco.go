package bluetooth

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// Linux bluetooth.h constants not exposed by golang.org/x/sys/unix
// (that package only wraps the generic socket API, not the
// Bluetooth-specific protocol family); values per <bluetooth/sco.h>.
const (
	afBluetooth  = 31
	btprotoSCO   = 2
	solSCO       = 17
	scoOptions   = 1
	defaultScoMTU = 48 // spec.md §4.8: "a safe default of 48 bytes is used"
)

// mSBC framing constants, spec.md §4.8 and grounded on sco-sink.c's
// `sntable`/`MSBC_ENCODED_SIZE`/`MSBC_DECODED_SIZE`.
const (
	MSBCDecodedSize = 240 // bytes of decoded S16LE mono PCM per mSBC frame
	MSBCEncodedSize = 60  // encoded bytes on the wire, including the H2 header/trailer
)

var msbcSNTable = [4]byte{0x08, 0x38, 0xC8, 0xF8}

// Encoder turns a chunk of raw PCM bytes into an encoded payload; the
// bitstream itself (SBC/mSBC/CVSD encoding) is out of scope here
// (spec.md §1 non-goal: "codec bitstream implementations ... beyond
// their framing") — only the fixed-size framing around the payload is
// this package's concern.
type Encoder interface {
	// Encode must return exactly outLen bytes for a fixed-frame codec
	// (mSBC); CVSD is a byte-identity "encoder" (see CVSDEncoder).
	Encode(pcm []byte, outLen int) ([]byte, error)
}

// CVSDEncoder is the identity passthrough CVSD uses (spec.md §4.8:
// "CVSD: write_mtu" — the socket write is the raw samples with no
// header).
type CVSDEncoder struct{}

func (CVSDEncoder) Encode(pcm []byte, outLen int) ([]byte, error) {
	if len(pcm) < outLen {
		return nil, fmt.Errorf("bluetooth: short CVSD input: have %d want %d", len(pcm), outLen)
	}
	return pcm[:outLen], nil
}

// FrameMSBC wraps one already-encoded mSBC payload (exactly
// MSBCEncodedSize-3 bytes) with the H2 sync header and trailer byte,
// advancing seq mod 4 (spec.md §4.8: "frames are prefixed with 0x01,
// sn_table[seq%4] and suffixed with 0x00; seq increments mod 4").
func FrameMSBC(payload []byte, seq *int) ([]byte, error) {
	const payloadLen = MSBCEncodedSize - 3
	if len(payload) != payloadLen {
		return nil, fmt.Errorf("bluetooth: mSBC payload must be %d bytes, got %d", payloadLen, len(payload))
	}
	frame := make([]byte, MSBCEncodedSize)
	frame[0] = 0x01
	frame[1] = msbcSNTable[*seq%4]
	copy(frame[2:2+payloadLen], payload)
	frame[MSBCEncodedSize-1] = 0x00
	*seq = (*seq + 1) % 4
	return frame, nil
}

// gcd/lcm support the write-buffer sizing rule of spec.md §4.8:
// capacity is lcm(24, 60, write_mtu, 2*60), the last term being two
// encoded mSBC frames.
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

// WriteBufferCapacity computes the staging ring's capacity so that
// flush writes never need a memmove in the common case (spec.md
// §4.8).
func WriteBufferCapacity(writeMTU int) int {
	return lcm(24, lcm(60, lcm(writeMTU, 2*MSBCEncodedSize)))
}

// ClockTick is one pacing step's derived schedule (spec.md §4.8 steps
// 1-2).
type ClockTick struct {
	CurrentTimeNsec int64
	NextTimeNsec    int64
}

// AdvanceClock implements step 1: "Advance current_time = next_time;
// compute next_time = current_time + duration * 1e9 / rate".
func AdvanceClock(prevNext int64, durationSamples, rateHz int) ClockTick {
	current := prevNext
	next := current + int64(durationSamples)*1_000_000_000/int64(rateHz)
	return ClockTick{CurrentTimeNsec: current, NextTimeNsec: next}
}

// NextFlushNsec implements step 5: "the playout time of the oldest
// remaining sample: process_time + duration_ns - queued_frames *
// 1e9/rate". A negative or zero queuedFrames means nothing to send,
// signaled by the second return value being false (flush timer
// disarmed).
func NextFlushNsec(processTimeNsec, durationNsec int64, queuedFrames, rateHz int) (int64, bool) {
	if queuedFrames <= 0 {
		return 0, false
	}
	return processTimeNsec + durationNsec - int64(queuedFrames)*1_000_000_000/int64(rateHz), true
}

// Role distinguishes which side of the SCO link this device plays
// (spec.md §4.8: "For HSP_AG/HFP_AG roles the transport accept()s ...
// for HSP_HS/HFP_HF it connect()s").
type Role int

const (
	RoleHeadUnit      Role = iota // HSP_HS / HFP_HF: connect()s
	RoleAudioGateway              // HSP_AG / HFP_AG: accept()s
)

// OpenSCOListener creates a non-blocking SCO listening socket for an
// audio-gateway role.
func OpenSCOListener() (int, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, btprotoSCO)
	if err != nil {
		return -1, fmt.Errorf("bluetooth: open SCO listener: %w", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bluetooth: listen SCO socket: %w", err)
	}
	return fd, nil
}

// AcceptSCO accepts one pending SCO connection, grounded on spec.md
// §4.8's accept()-based AG transport bring-up.
func AcceptSCO(listenFd int) (int, error) {
	fd, _, err := unix.Accept(listenFd)
	if err != nil {
		return -1, fmt.Errorf("bluetooth: accept SCO connection: %w", err)
	}
	return fd, nil
}

// ReadSCOMTU reads SCO_OPTIONS via getsockopt, falling back to
// defaultScoMTU on failure (spec.md §4.8).
func ReadSCOMTU(fd int, log *slog.Logger) int {
	mtu, err := unix.GetsockoptInt(fd, solSCO, scoOptions)
	if err != nil || mtu <= 0 {
		if log != nil {
			log.Debug("bluetooth: SCO_OPTIONS getsockopt failed, using default MTU", "err", err)
		}
		return defaultScoMTU
	}
	return mtu
}

// IOLoop drives one SCO transport's realtime read/write cycle (spec.md
// §4.8). It owns no lock shared with the main loop; every state
// transition is pushed to the main loop via postEvent.
type IOLoop struct {
	log    *slog.Logger
	fd     int
	codec  Codec
	encode Encoder

	writeMTU    int
	writeBuffer []byte
	staged      int
	msbcSeq     int

	nextTimeNsec int64
	postEvent    func(name string)
}

// NewIOLoop constructs the loop; capacity is sized per
// WriteBufferCapacity so flushes rarely need a memmove.
func NewIOLoop(log *slog.Logger, fd int, codec Codec, encode Encoder, writeMTU int, postEvent func(name string)) *IOLoop {
	if log == nil {
		log = slog.Default()
	}
	return &IOLoop{
		log:         log,
		fd:          fd,
		codec:       codec,
		encode:      encode,
		writeMTU:    writeMTU,
		writeBuffer: make([]byte, WriteBufferCapacity(writeMTU)),
		postEvent:   postEvent,
	}
}

// minInSize is the staged-bytes threshold that triggers a flush
// (spec.md §4.8 step 4).
func (l *IOLoop) minInSize() int {
	if l.codec == CodecMSBC {
		return MSBCDecodedSize
	}
	return l.writeMTU
}

// Stage appends decoded PCM bytes to the internal staging buffer
// (spec.md §4.8 step 3: "drains any queued output buffers into an
// internal staging buffer").
func (l *IOLoop) Stage(pcm []byte) {
	n := copy(l.writeBuffer[l.staged:], pcm)
	l.staged += n
	if n < len(pcm) {
		l.log.Warn("bluetooth: SCO write buffer overrun, dropping tail", "dropped", len(pcm)-n)
	}
}

// Flush implements spec.md §4.8 step 4: if enough bytes are staged, it
// encodes/frames and writes one packet, tracking short writes as a
// head-pointer advance rather than compacting the ring.
func (l *IOLoop) Flush() (wrote int, err error) {
	min := l.minInSize()
	if l.staged < min {
		return 0, nil
	}

	var packet []byte
	if l.codec == CodecMSBC {
		payload, encErr := l.encode.Encode(l.writeBuffer[:min], MSBCEncodedSize-3)
		if encErr != nil {
			return 0, fmt.Errorf("bluetooth: mSBC encode: %w", encErr)
		}
		packet, err = FrameMSBC(payload, &l.msbcSeq)
		if err != nil {
			return 0, err
		}
	} else {
		packet, err = l.encode.Encode(l.writeBuffer[:min], min)
		if err != nil {
			return 0, err
		}
	}

	n, werr := unix.Write(l.fd, packet)
	if werr != nil {
		return 0, fmt.Errorf("bluetooth: SCO write: %w", werr)
	}
	copy(l.writeBuffer, l.writeBuffer[min:l.staged])
	l.staged -= min
	if l.postEvent != nil {
		l.postEvent("flushed")
	}
	return n, nil
}
