// Package discovery merges raw sightings from every transport into a stream
// of unique full identities. Truncated payloads are resolved against the
// social graph before they are forwarded.
package discovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/metrics"
	"github.com/unipass/backend/internal/transport"
)

const (
	outcomeAccepted   = "accepted"
	outcomeInvalid    = "invalid"
	outcomeDuplicate  = "duplicate"
	outcomeUnresolved = "unresolved"

	defaultCacheSize = 4096
)

// Resolver maps an identity prefix to a full identity.
type Resolver interface {
	ResolvePrefix(ctx context.Context, prefix string) (string, error)
}

// Sink receives each full identity once per session. It is called from the
// deduplicator's loop and must not block.
type Sink func(ctx context.Context, identity string)

// Options configures a Deduplicator.
type Options struct {
	// FullLength is the length of a full identity; shorter payloads are
	// treated as prefixes.
	FullLength int
	CacheSize  int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Deduplicator validates, resolves and deduplicates sightings.
type Deduplicator struct {
	resolver Resolver
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// payloads holds every raw payload accepted this session, emitted the
	// full identities handed to the sink.
	payloads *lru.Cache[string, struct{}]
	emitted  *lru.Cache[string, struct{}]
	group    singleflight.Group
}

type resolution struct {
	payload   string
	transport string
	identity  string
	err       error
}

// New builds a Deduplicator.
func New(resolver Resolver, opts Options) (*Deduplicator, error) {
	if opts.FullLength <= 0 {
		opts.FullLength = domain.FullIdentityLength
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	payloads, err := lru.New[string, struct{}](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	emitted, err := lru.New[string, struct{}](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Deduplicator{
		resolver: resolver,
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger).With("component", "discovery"),
		metrics:  opts.Metrics,
		payloads: payloads,
		emitted:  emitted,
	}, nil
}

// Run consumes every source until they all close or ctx ends. Validation and
// dedup happen on the calling goroutine; prefix lookups run in the background
// and report back to it.
func (d *Deduplicator) Run(ctx context.Context, sink Sink, sources ...<-chan transport.Event) error {
	events := fanIn(ctx, sources)
	results := make(chan resolution)

	var wg sync.WaitGroup
	defer wg.Wait()

	pending := 0
	for {
		if events == nil && pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if payload, resolve := d.accept(ev); resolve {
				pending++
				wg.Add(1)
				go func() {
					defer wg.Done()
					res := d.resolve(ctx, payload, ev.Transport)
					select {
					case results <- res:
					case <-ctx.Done():
					}
				}()
			} else if payload != "" {
				d.forward(ctx, sink, payload, ev.Transport)
			}
		case res := <-results:
			pending--
			if res.err != nil {
				d.payloads.Remove(res.payload)
				d.metrics.DiscoveryEvent(res.transport, outcomeUnresolved)
				d.logger.Warn("dropping unresolvable identity prefix",
					"prefix", res.payload, "transport", res.transport, "error", res.err)
				continue
			}
			d.forward(ctx, sink, res.identity, res.transport)
		}
	}
}

// Forget clears identity from the session so a later sighting is forwarded
// again. Cached prefixes of identity are cleared too.
func (d *Deduplicator) Forget(identity string) {
	identity = domain.NormalizeIdentity(identity)
	d.emitted.Remove(identity)
	for _, payload := range d.payloads.Keys() {
		if strings.HasPrefix(identity, payload) {
			d.payloads.Remove(payload)
		}
	}
}

// Seen returns how many identities were forwarded this session.
func (d *Deduplicator) Seen() int {
	return d.emitted.Len()
}

// accept validates ev and records its payload. It returns the normalized
// payload, or "" when the event is dropped, and whether it needs resolving.
func (d *Deduplicator) accept(ev transport.Event) (string, bool) {
	payload := domain.NormalizeIdentity(ev.Payload)
	if !domain.ValidIdentity(payload) {
		d.metrics.DiscoveryEvent(ev.Transport, outcomeInvalid)
		return "", false
	}
	if d.payloads.Contains(payload) {
		d.metrics.DiscoveryEvent(ev.Transport, outcomeDuplicate)
		return "", false
	}
	d.payloads.Add(payload, struct{}{})
	return payload, len(payload) < d.opts.FullLength
}

func (d *Deduplicator) resolve(ctx context.Context, prefix, transportName string) resolution {
	v, err, _ := d.group.Do(prefix, func() (any, error) {
		return d.resolver.ResolvePrefix(ctx, prefix)
	})
	d.metrics.PrefixResolution(err == nil)
	res := resolution{payload: prefix, transport: transportName, err: err}
	if err == nil {
		res.identity = domain.NormalizeIdentity(v.(string))
	}
	return res
}

func (d *Deduplicator) forward(ctx context.Context, sink Sink, identity, transportName string) {
	if d.emitted.Contains(identity) {
		d.metrics.DiscoveryEvent(transportName, outcomeDuplicate)
		return
	}
	d.emitted.Add(identity, struct{}{})
	d.metrics.DiscoveryEvent(transportName, outcomeAccepted)
	d.metrics.PeerForwarded()
	d.logger.Debug("peer discovered", "identity", identity, "transport", transportName)
	sink(ctx, identity)
}

func fanIn(ctx context.Context, sources []<-chan transport.Event) <-chan transport.Event {
	out := make(chan transport.Event)
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src <-chan transport.Event) {
			defer wg.Done()
			for ev := range src {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
