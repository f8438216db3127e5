package transport

import (
	"context"
	"net"
	"time"
)

// InterfaceLookup resolves network interfaces; tests replace it.
type InterfaceLookup func() ([]net.Interface, error)

// WatchInterface derives a power state from a network interface: ready when
// it is up and multicast capable, off otherwise. An empty name accepts any
// such non-loopback interface. The state is polled every interval and
// emitted on change.
func WatchInterface(ctx context.Context, name string, interval time.Duration) <-chan PowerState {
	return watchInterface(ctx, name, interval, net.Interfaces)
}

func watchInterface(ctx context.Context, name string, interval time.Duration, lookup InterfaceLookup) <-chan PowerState {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	out := make(chan PowerState, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := PowerUnknown
		for {
			st := interfaceState(name, lookup)
			if st != last {
				last = st
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func interfaceState(name string, lookup InterfaceLookup) PowerState {
	ifaces, err := lookup()
	if err != nil {
		return PowerUnauthorized
	}
	for _, ifi := range ifaces {
		if name != "" && ifi.Name != name {
			continue
		}
		if name == "" && ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
			return PowerReady
		}
	}
	return PowerOff
}

// ResolveInterface returns the named interface, or nil for the system default.
func ResolveInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	return net.InterfaceByName(name)
}
