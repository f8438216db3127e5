package app

import (
	"fmt"
	"log/slog"

	"github.com/unipass/backend/internal/config"
	"github.com/unipass/backend/internal/transport"
	"github.com/unipass/backend/internal/transport/beacon"
	"github.com/unipass/backend/internal/transport/mdns"
)

// RadioSpec names a radio and how much of the identity it can carry.
type RadioSpec struct {
	Name         string
	Radio        transport.Radio
	PrefixLength int
}

// BuildRadios returns the configured short-range radios, or none when
// discovery is disabled.
func BuildRadios(cfg config.DiscoveryConfig, logger *slog.Logger) ([]RadioSpec, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	bcfg := beacon.DefaultConfig()
	bcfg.Group = cfg.BeaconGroup
	bcfg.Interval = cfg.BeaconInterval
	bcfg.Interface = cfg.Interface
	bcfg.PowerInterval = cfg.PowerPollInterval
	b, err := beacon.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("beacon radio: %w", err)
	}

	mcfg := mdns.DefaultConfig()
	mcfg.Service = cfg.MDNSService
	mcfg.Interval = cfg.MDNSInterval
	mcfg.Interface = cfg.Interface
	mcfg.PowerInterval = cfg.PowerPollInterval
	m, err := mdns.New(mcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("mdns radio: %w", err)
	}

	return []RadioSpec{
		{Name: "beacon", Radio: b, PrefixLength: cfg.BeaconPrefixLength},
		{Name: "mdns", Radio: m},
	}, nil
}
