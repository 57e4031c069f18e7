// Package discovery finds issuedeck servers on the local network via
// mDNS/DNS-SD. It is the bootstrap path for clients whose config leaves
// the server address empty: browse, pick an endpoint, connect.
//
// Discovery only reveals presence; it carries no workspace data.
package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type advertised by issuedeck servers.
// Follows the standard Bonjour naming convention: _<service>._<protocol>
const ServiceType = "_issuedeck._tcp"

// Endpoint represents a server found via mDNS discovery.
type Endpoint struct {
	// Name is the human-readable name of the server.
	Name string

	// Host is the IP address or hostname.
	Host string

	// Port is the WebSocket server port.
	Port int

	// Version is the advertised protocol version.
	Version string
}

// URL returns the WebSocket URL for connecting to the endpoint.
func (e Endpoint) URL() string {
	return fmt.Sprintf("ws://%s:%d/ws", e.Host, e.Port)
}

// Browse searches for issuedeck servers on the local network until the
// context expires and returns every endpoint seen. Cancellation bounds the
// browse; it is not an error.
func Browse(ctx context.Context) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		endpoints []Endpoint
		mu        sync.Mutex
		wg        sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			ep := Endpoint{
				Name: entry.Instance,
				Port: entry.Port,
			}

			// Prefer IPv4.
			if len(entry.AddrIPv4) > 0 {
				ep.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				ep.Host = entry.AddrIPv6[0].String()
			}

			for _, txt := range entry.Text {
				switch {
				case len(txt) > 8 && txt[:8] == "version=":
					ep.Version = txt[8:]
				case len(txt) > 5 && txt[:5] == "name=":
					ep.Name = txt[5:]
				}
			}

			mu.Lock()
			endpoints = append(endpoints, ep)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes the entries channel when the context is done.
	<-ctx.Done()
	wg.Wait()

	return endpoints, nil
}

// First returns the first endpoint discovered, or false when the browse
// window closes without finding one.
func First(ctx context.Context) (Endpoint, bool, error) {
	endpoints, err := Browse(ctx)
	if err != nil {
		return Endpoint{}, false, err
	}
	if len(endpoints) == 0 {
		return Endpoint{}, false, nil
	}
	return endpoints[0], true, nil
}
