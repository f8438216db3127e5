// Package mdns is the local-network radio: the device identity is published
// as a DNS-SD instance of a fixed service type over multicast DNS, and
// nearby identities are read back from PTR and TXT answers.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/transport"
)

const (
	DefaultService  = "_unipass._udp"
	DefaultDomain   = "local."
	DefaultInterval = 10 * time.Second

	recordTTL = 120
	txtKey    = "id="
)

var multicastAddr = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

var ErrInvalidConfig = errors.New("mdns: invalid config")

// Config configures the mDNS radio.
type Config struct {
	Service       string
	Domain        string
	Interval      time.Duration
	Interface     string
	PowerInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Service:       DefaultService,
		Domain:        DefaultDomain,
		Interval:      DefaultInterval,
		PowerInterval: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.Service, "_") || !strings.Contains(c.Service, "._") {
		return fmt.Errorf("%w: service %q is not a DNS-SD service type", ErrInvalidConfig, c.Service)
	}
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidConfig)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// ServiceName is the fully qualified service type, e.g. "_unipass._udp.local.".
func (c Config) ServiceName() string {
	return dns.Fqdn(c.Service + "." + strings.TrimSuffix(c.Domain, "."))
}

// Radio implements transport.Radio over multicast DNS.
type Radio struct {
	cfg     Config
	service string
	logger  *slog.Logger
}

var _ transport.Radio = (*Radio)(nil)

// New validates cfg and returns a radio.
func New(cfg Config, logger *slog.Logger) (*Radio, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Radio{
		cfg:     cfg,
		service: cfg.ServiceName(),
		logger:  logging.OrDiscard(logger).With("component", "mdns"),
	}, nil
}

func (r *Radio) States(ctx context.Context) <-chan transport.PowerState {
	return transport.WatchInterface(ctx, r.cfg.Interface, r.cfg.PowerInterval)
}

// Advertise answers queries for the service with this identity and sends an
// unsolicited announcement every interval.
func (r *Radio) Advertise(ctx context.Context, payload []byte) error {
	identity := string(payload)
	announcement, err := BuildAnnouncement(r.service, identity).Pack()
	if err != nil {
		return fmt.Errorf("mdns: pack announcement: %w", err)
	}

	conn, err := r.open()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	go r.every(ctx, func() {
		if _, err := conn.WriteToUDP(announcement, multicastAddr); err != nil {
			r.logger.Debug("announce failed", "error", err)
		}
	})

	return r.read(ctx, conn, func(buf []byte, _ *net.UDPAddr) {
		if reply := r.answer(buf, announcement); reply != nil {
			if _, err := conn.WriteToUDP(reply, multicastAddr); err != nil {
				r.logger.Debug("reply failed", "error", err)
			}
		}
	})
}

// Listen queries for the service every interval and emits every identity
// found in responses.
func (r *Radio) Listen(ctx context.Context, emit func([]byte)) error {
	query, err := BuildQuery(r.service).Pack()
	if err != nil {
		return fmt.Errorf("mdns: pack query: %w", err)
	}

	conn, err := r.open()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	go r.every(ctx, func() {
		if _, err := conn.WriteToUDP(query, multicastAddr); err != nil {
			r.logger.Debug("query failed", "error", err)
		}
	})

	return r.read(ctx, conn, func(buf []byte, src *net.UDPAddr) {
		msg := new(dns.Msg)
		if err := msg.Unpack(buf); err != nil {
			r.logger.Debug("dropping packet", "from", src, "error", err)
			return
		}
		for _, id := range ParseIdentities(r.service, msg) {
			emit([]byte(id))
		}
	})
}

func (r *Radio) open() (*net.UDPConn, error) {
	ifi, err := transport.ResolveInterface(r.cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("mdns: interface %s: %w", r.cfg.Interface, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", ifi, multicastAddr)
	if err != nil {
		return nil, fmt.Errorf("mdns: join group: %w", err)
	}
	return conn, nil
}

func (r *Radio) read(ctx context.Context, conn *net.UDPConn, handle func([]byte, *net.UDPAddr)) error {
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mdns: read: %w", err)
		}
		handle(buf[:n], src)
	}
}

func (r *Radio) every(ctx context.Context, fn func()) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		fn()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// answer returns the announcement when buf is a query for the service.
func (r *Radio) answer(buf []byte, announcement []byte) []byte {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil
	}
	if !IsQueryFor(r.service, msg) {
		return nil
	}
	return announcement
}

// BuildQuery returns a one-shot PTR query for service.
func BuildQuery(service string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(service), dns.TypePTR)
	m.Id = 0
	m.RecursionDesired = false
	return m
}

// BuildAnnouncement returns a response publishing identity as an instance of
// service: a PTR to the instance and a TXT carrying the full identity.
func BuildAnnouncement(service, identity string) *dns.Msg {
	service = dns.Fqdn(service)
	instance := InstanceName(service, identity)

	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	m.Answer = []dns.RR{
		&dns.PTR{
			Hdr: dns.RR_Header{Name: service, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: recordTTL},
			Ptr: instance,
		},
		&dns.TXT{
			Hdr: dns.RR_Header{Name: instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: recordTTL},
			Txt: []string{txtKey + identity},
		},
	}
	return m
}

// InstanceName is the instance domain for identity under service.
func InstanceName(service, identity string) string {
	return strings.ToLower(identity) + "." + dns.Fqdn(service)
}

// IsQueryFor reports whether msg asks for service.
func IsQueryFor(service string, msg *dns.Msg) bool {
	if msg.Response {
		return false
	}
	service = dns.Fqdn(service)
	for _, q := range msg.Question {
		if !strings.EqualFold(q.Name, service) {
			continue
		}
		if q.Qtype == dns.TypePTR || q.Qtype == dns.TypeANY {
			return true
		}
	}
	return false
}

// ParseIdentities extracts identities advertised under service. TXT "id="
// values are preferred; an instance seen only through its PTR falls back to
// the instance label.
func ParseIdentities(service string, msg *dns.Msg) []string {
	if !msg.Response {
		return nil
	}
	service = dns.Fqdn(service)
	suffix := "." + strings.ToLower(service)

	records := make([]dns.RR, 0, len(msg.Answer)+len(msg.Extra))
	records = append(records, msg.Answer...)
	records = append(records, msg.Extra...)

	fromTXT := make(map[string]string)
	var instances []string
	for _, rr := range records {
		switch rec := rr.(type) {
		case *dns.TXT:
			name := strings.ToLower(rec.Hdr.Name)
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			for _, entry := range rec.Txt {
				if strings.HasPrefix(entry, txtKey) {
					fromTXT[name] = strings.TrimPrefix(entry, txtKey)
				}
			}
		case *dns.PTR:
			if !strings.EqualFold(rec.Hdr.Name, service) {
				continue
			}
			instances = append(instances, strings.ToLower(rec.Ptr))
		}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, inst := range instances {
		if id, ok := fromTXT[inst]; ok {
			add(id)
			continue
		}
		if strings.HasSuffix(inst, suffix) {
			add(strings.TrimSuffix(inst, suffix))
		}
	}
	for name, id := range fromTXT {
		if !containsString(instances, name) {
			add(id)
		}
	}
	return out
}

func containsString(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
