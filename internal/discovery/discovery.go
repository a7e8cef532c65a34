// Package discovery advertises server instances on the local network over
// mDNS and lists the instances it can see. Clients on a LAN use it to find a
// sync endpoint without configuration.
package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"collabtext/server/internal/logging"
)

const (
	Service = "_collabtext._tcp"
	Domain  = "local."
)

// Peer is one advertised instance.
type Peer struct {
	Name     string   `json:"name"`
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Addrs    []string `json:"addrs"`
	Port     int      `json:"port"`
}

// Advertise registers this instance until ctx is done.
func Advertise(ctx context.Context, instanceID string, port int) error {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("CollabText-%s-%s", host, shortID(instanceID)),
		Service,
		Domain,
		port,
		[]string{"txtv=1", "instance=" + instanceID},
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()

	logging.Info().Str("service", Service).Int("port", port).Msg("mdns service registered")
	<-ctx.Done()
	return nil
}

// Browse collects peers until timeout elapses or ctx is done.
func Browse(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Peer, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		var peers []Peer
		for {
			select {
			case entry, ok := <-results:
				if !ok {
					done <- peers
					return
				}
				p := peerFromEntry(entry)
				logging.Debug().Str("peer", p.Name).Int("port", p.Port).Msg("mdns discovered peer")
				peers = append(peers, p)
			case <-ctx.Done():
				done <- peers
				return
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns services: %w", err)
	}
	<-ctx.Done()
	peers := <-done
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers, nil
}

func peerFromEntry(entry *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Name: entry.Instance,
		Host: entry.HostName,
		Port: entry.Port,
	}
	for _, ip := range entry.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "instance="); ok {
			p.Instance = v
		}
	}
	return p
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
