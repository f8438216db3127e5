// Package beacon is the bandwidth-constrained radio: a small UDP multicast
// frame carrying a truncated identity, repeated at a fixed interval.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/transport"
)

const (
	DefaultGroup        = "239.255.77.77:42424"
	DefaultInterval     = 2 * time.Second
	DefaultPrefixLength = 28
	DefaultTTL          = 1

	maxPayload = 255
)

var frameMagic = [4]byte{'U', 'P', 'B', '1'}

var (
	ErrInvalidConfig = errors.New("beacon: invalid config")
	ErrBadFrame      = errors.New("beacon: malformed frame")
)

// Config configures the beacon radio.
type Config struct {
	Group         string
	Interval      time.Duration
	Interface     string
	TTL           int
	PowerInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Group:         DefaultGroup,
		Interval:      DefaultInterval,
		TTL:           DefaultTTL,
		PowerInterval: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	addr, err := net.ResolveUDPAddr("udp4", c.Group)
	if err != nil {
		return fmt.Errorf("%w: group %q: %v", ErrInvalidConfig, c.Group, err)
	}
	if !addr.IP.IsMulticast() {
		return fmt.Errorf("%w: group %s is not multicast", ErrInvalidConfig, addr.IP)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Radio implements transport.Radio over UDP multicast.
type Radio struct {
	cfg    Config
	group  *net.UDPAddr
	logger *slog.Logger
}

var _ transport.Radio = (*Radio)(nil)

// New validates cfg and returns a radio.
func New(cfg Config, logger *slog.Logger) (*Radio, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	group, _ := net.ResolveUDPAddr("udp4", cfg.Group)
	return &Radio{
		cfg:    cfg,
		group:  group,
		logger: logging.OrDiscard(logger).With("component", "beacon"),
	}, nil
}

func (r *Radio) States(ctx context.Context) <-chan transport.PowerState {
	return transport.WatchInterface(ctx, r.cfg.Interface, r.cfg.PowerInterval)
}

// Advertise sends the payload frame to the group every interval.
func (r *Radio) Advertise(ctx context.Context, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("beacon: open sender: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(r.cfg.TTL); err != nil {
		return fmt.Errorf("beacon: set ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		r.logger.Debug("multicast loopback unavailable", "error", err)
	}
	ifi, err := transport.ResolveInterface(r.cfg.Interface)
	if err != nil {
		return fmt.Errorf("beacon: interface %s: %w", r.cfg.Interface, err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("beacon: set interface: %w", err)
		}
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := pc.WriteTo(frame, nil, r.group); err != nil {
			return fmt.Errorf("beacon: send: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Listen joins the group and emits the payload of every valid frame.
func (r *Radio) Listen(ctx context.Context, emit func([]byte)) error {
	ifi, err := transport.ResolveInterface(r.cfg.Interface)
	if err != nil {
		return fmt.Errorf("beacon: interface %s: %w", r.cfg.Interface, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", ifi, r.group)
	if err != nil {
		return fmt.Errorf("beacon: join group: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, 512)
	for {
		n, _, src, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("beacon: read: %w", err)
		}
		payload, err := DecodeFrame(buf[:n])
		if err != nil {
			r.logger.Debug("dropping frame", "from", src, "error", err)
			continue
		}
		emit(payload)
	}
}

// EncodeFrame builds magic | length | payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > maxPayload {
		return nil, fmt.Errorf("%w: payload length %d", ErrBadFrame, len(payload))
	}
	frame := make([]byte, 0, len(frameMagic)+1+len(payload))
	frame = append(frame, frameMagic[:]...)
	frame = append(frame, byte(len(payload)))
	return append(frame, payload...), nil
}

// DecodeFrame returns the payload of a frame built by EncodeFrame.
func DecodeFrame(frame []byte) ([]byte, error) {
	header := len(frameMagic) + 1
	if len(frame) < header {
		return nil, fmt.Errorf("%w: short frame", ErrBadFrame)
	}
	if [4]byte(frame[:4]) != frameMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadFrame)
	}
	n := int(frame[4])
	if n == 0 || len(frame) != header+n {
		return nil, fmt.Errorf("%w: length %d does not match %d bytes", ErrBadFrame, n, len(frame)-header)
	}
	return append([]byte(nil), frame[header:]...), nil
}
