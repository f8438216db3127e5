// Package transport normalizes short-range radios into a single contract:
// advertise an identity, and scan for raw payloads from nearby devices.
// Radio failures never propagate past an Adapter; a radio that cannot start
// simply produces no events.
package transport

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/unipass/backend/internal/logging"
)

// PowerState is the availability of a radio.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOff
	PowerUnauthorized
	PowerReady
)

func (s PowerState) String() string {
	switch s {
	case PowerOff:
		return "off"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Radio is the contract a concrete transport SDK is wrapped in.
//
// States emits the current power state on subscription and every later
// change; the channel closes when ctx ends. Advertise and Listen block while
// the radio is active and return when ctx is cancelled or the radio fails.
// Listen must not call emit after it returns.
type Radio interface {
	States(ctx context.Context) <-chan PowerState
	Advertise(ctx context.Context, payload []byte) error
	Listen(ctx context.Context, emit func(payload []byte)) error
}

// Event is one raw sighting.
type Event struct {
	Payload    string
	Transport  string
	ReceivedAt time.Time
}

// Options configures an Adapter.
type Options struct {
	// PrefixLength truncates advertised identities on bandwidth-constrained
	// radios. Zero advertises the full identity.
	PrefixLength int
	// Buffer sizes the Scan channel.
	Buffer int
	Logger *slog.Logger
}

// Adapter supervises one Radio: it (re)starts advertising and scanning every
// time the radio becomes ready and pauses them when it goes away.
type Adapter struct {
	name   string
	radio  Radio
	opts   Options
	logger *slog.Logger
	nowFn  func() time.Time

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewAdapter wraps radio under the given transport name.
func NewAdapter(name string, radio Radio, opts Options) *Adapter {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Adapter{
		name:   name,
		radio:  radio,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger).With("component", "transport", "transport", name),
		nowFn:  time.Now,
	}
}

// Name returns the transport name.
func (a *Adapter) Name() string {
	return a.name
}

// Payload returns what this adapter puts on the air for identity.
func (a *Adapter) Payload(identity string) string {
	return Truncate(identity, a.opts.PrefixLength)
}

// Advertise starts advertising identity in the background until ctx ends or
// Stop is called. It never fails; start errors are logged.
func (a *Adapter) Advertise(ctx context.Context, identity string) {
	payload := []byte(a.Payload(identity))
	ctx = a.track(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.supervise(ctx, "advertise", func(runCtx context.Context) error {
			return a.radio.Advertise(runCtx, payload)
		})
	}()
}

// Scan starts scanning in the background. The returned channel closes once
// ctx ends or Stop is called.
func (a *Adapter) Scan(ctx context.Context) <-chan Event {
	out := make(chan Event, a.opts.Buffer)
	ctx = a.track(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(out)
		a.supervise(ctx, "scan", func(runCtx context.Context) error {
			return a.radio.Listen(runCtx, func(payload []byte) {
				ev := Event{
					Payload:    cleanPayload(payload),
					Transport:  a.name,
					ReceivedAt: a.nowFn(),
				}
				select {
				case out <- ev:
				case <-runCtx.Done():
				}
			})
		})
	}()
	return out
}

// Stop cancels advertising and scanning and waits for the radio calls to return.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancels := a.cancels
	a.cancels = nil
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	a.wg.Wait()
}

func (a *Adapter) track(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancels = append(a.cancels, cancel)
	a.mu.Unlock()
	return ctx
}

// supervise runs op whenever the radio transitions to ready and cancels it
// when the radio leaves that state.
func (a *Adapter) supervise(ctx context.Context, op string, run func(context.Context) error) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	halt := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		cancel = nil
	}
	defer halt()

	states := a.radio.States(ctx)
	last := PowerUnknown
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st == last {
				continue
			}
			last = st
			halt()
			if st != PowerReady {
				a.logger.Debug("radio unavailable", "op", op, "state", st.String())
				continue
			}

			runCtx, c := context.WithCancel(ctx)
			cancel = c
			done = make(chan struct{})
			go func(runCtx context.Context, done chan struct{}) {
				defer close(done)
				a.logger.Debug("radio ready, starting", "op", op)
				if err := run(runCtx); err != nil && runCtx.Err() == nil {
					a.logger.Warn("radio operation failed", "op", op, "error", err)
				}
			}(runCtx, done)
		}
	}
}

// Truncate cuts identity to n characters; n <= 0 leaves it whole.
func Truncate(identity string, n int) string {
	if n > 0 && len(identity) > n {
		return identity[:n]
	}
	return identity
}

func cleanPayload(b []byte) string {
	return strings.TrimSpace(strings.Trim(string(b), "\x00"))
}
