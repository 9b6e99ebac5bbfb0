package bluetooth

import (
	"context"
	"log/slog"
)

// EndpointNegotiator is the D-Bus-backed operation a CodecSwitcher
// drives: ask the Bluetooth daemon to renegotiate one endpoint with a
// candidate codec's capabilities and report the terminal result
// (spec.md §4.6: "request the Bluetooth daemon to renegotiate the
// endpoint ... wait for the corresponding MediaEndpoint.
// SetConfiguration callback or for a terminal error").
type EndpointNegotiator interface {
	Negotiate(ctx context.Context, codec Codec) error
}

// NotSupportedError marks a negotiation failure that should advance
// to the next candidate rather than abort the whole switch (spec.md
// §4.6: "on NOT_SUPPORTED, try the next").
type NotSupportedError struct{ Codec Codec }

func (e NotSupportedError) Error() string { return "codec not supported by remote endpoint" }

type abortReason int

const (
	abortCanceled abortReason = -125 // -ECANCELED
	abortNoDevice abortReason = -19  // -ENODEV
)

type abortReasonKey struct{}

// CodecSwitcher drives the ordered-candidate-list coroutine of
// spec.md §4.6. Start's goroutine only awaits the (possibly blocking)
// negotiator; every result crosses back through onDone exactly once.
type CodecSwitcher struct {
	log        *slog.Logger
	negotiator EndpointNegotiator

	ctx    context.Context
	cancel context.CancelFunc
	active bool
}

// NewCodecSwitcher returns a CodecSwitcher bound to negotiator.
func NewCodecSwitcher(log *slog.Logger, negotiator EndpointNegotiator) *CodecSwitcher {
	if log == nil {
		log = slog.Default()
	}
	return &CodecSwitcher{log: log, negotiator: negotiator}
}

// Start begins trying candidates in order; onDone is called exactly
// once with 0 on success or a negative error code on exhaustion,
// cancellation (-ECANCELED == -125), or device loss (-ENODEV == -19).
func (c *CodecSwitcher) Start(candidates []Codec, onDone func(result int)) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, abortReasonKey{}, new(abortReason))
	c.ctx = ctx
	c.cancel = cancel
	c.active = true

	go func() {
		result := c.run(ctx, candidates)
		c.active = false
		onDone(result)
	}()
}

func (c *CodecSwitcher) run(ctx context.Context, candidates []Codec) int {
	for _, codec := range candidates {
		if ctx.Err() != nil {
			return int(abortReasonOf(ctx))
		}

		err := c.negotiator.Negotiate(ctx, codec)
		if err == nil {
			return 0
		}
		if ctx.Err() != nil {
			return int(abortReasonOf(ctx))
		}
		var notSupported NotSupportedError
		if asNotSupported(err, &notSupported) {
			c.log.Debug("codec candidate rejected", "codec", codec, "err", err)
			continue
		}
		c.log.Warn("codec negotiation terminal error", "codec", codec, "err", err)
		return -1 // spec.md §4.6 "If none succeed"
	}
	return -1
}

func abortReasonOf(ctx context.Context) abortReason {
	if r, ok := ctx.Value(abortReasonKey{}).(*abortReason); ok && *r != 0 {
		return *r
	}
	return abortCanceled
}

func asNotSupported(err error, target *NotSupportedError) bool {
	ns, ok := err.(NotSupportedError)
	if ok {
		*target = ns
	}
	return ok
}

// DeviceLost marks the in-flight switch as failed by remote loss
// (spec.md §4.6: "While active, device disconnection completes it
// with -ENODEV").
func (c *CodecSwitcher) DeviceLost() {
	c.abort(abortNoDevice)
}

// Cancel requests the in-flight switch complete with -ECANCELED after
// its current daemon reply (spec.md §4.6).
func (c *CodecSwitcher) Cancel() {
	c.abort(abortCanceled)
}

func (c *CodecSwitcher) abort(reason abortReason) {
	if c.ctx == nil || c.cancel == nil {
		return
	}
	if r, ok := c.ctx.Value(abortReasonKey{}).(*abortReason); ok {
		*r = reason
	}
	c.cancel()
}
