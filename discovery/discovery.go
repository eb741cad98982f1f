// Package discovery advertises and locates ZimSync peers on the local
// network with DNS-SD over multicast DNS.
//
// Peers register the service type "_zimsync._udp" in the local domain and
// attach their device identity as a JSON blob in the TXT record, so a
// browser learns who a peer is before opening a connection.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/navicore/zim-sync/protocol"
)

const (
	// ServiceType is the DNS-SD service type ZimSync peers register.
	ServiceType = "_zimsync._udp"

	// ServiceDomain is the mDNS domain peers register in.
	ServiceDomain = "local."

	// txtInfoKey prefixes the device-identity TXT entry.
	txtInfoKey = "info="
)

// DefaultBrowseTimeout bounds a Browse call that is not otherwise
// constrained by its context.
const DefaultBrowseTimeout = 3 * time.Second

// Peer is one discovered ZimSync service instance. Device is nil when the
// peer's TXT record was absent or malformed; the instance is still usable
// via its address and port.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Device   *protocol.DeviceInfo
}

// Endpoint returns a dialable "host:port" for the peer, preferring an
// IPv4 address.
func (p Peer) Endpoint() string {
	for _, addr := range p.Addrs {
		if addr.To4() != nil {
			return fmt.Sprintf("%s:%d", addr, p.Port)
		}
	}
	if len(p.Addrs) > 0 {
		return fmt.Sprintf("[%s]:%d", p.Addrs[0], p.Port)
	}
	return fmt.Sprintf("%s:%d", strings.TrimSuffix(p.Host, "."), p.Port)
}

// Advertiser keeps a ZimSync service registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers this device as a ZimSync service on all multicast
// capable interfaces.
func Advertise(device protocol.DeviceInfo, port int) (*Advertiser, error) {
	info, err := json.Marshal(device)
	if err != nil {
		return nil, fmt.Errorf("marshal device info: %w", err)
	}

	server, err := zeroconf.Register(
		device.Name,
		ServiceType,
		ServiceDomain,
		port,
		[]string{txtInfoKey + string(info)},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Advertise",
		"instance": device.Name,
		"service":  ServiceType,
		"port":     port,
	}).Info("Advertising ZimSync service")

	return &Advertiser{server: server}, nil
}

// Shutdown unregisters the service.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// Browse scans the local network for ZimSync peers until the context is
// done, at most DefaultBrowseTimeout when the context has no deadline.
func Browse(ctx context.Context) ([]Peer, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	collected := make(chan []Peer, 1)
	go func() {
		var peers []Peer
		for entry := range entries {
			peers = append(peers, parsePeer(entry))
		}
		collected <- peers
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", ServiceType, err)
	}

	<-ctx.Done()
	peers := <-collected

	logrus.WithFields(logrus.Fields{
		"function":   "Browse",
		"peer_count": len(peers),
	}).Debug("mDNS browse finished")

	return peers, nil
}

// parsePeer converts a raw service entry into a Peer, decoding the device
// identity TXT entry when present and well-formed.
func parsePeer(entry *zeroconf.ServiceEntry) Peer {
	peer := Peer{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
	}
	peer.Addrs = append(peer.Addrs, entry.AddrIPv4...)
	peer.Addrs = append(peer.Addrs, entry.AddrIPv6...)

	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, txtInfoKey) {
			continue
		}
		var device protocol.DeviceInfo
		if err := json.Unmarshal([]byte(strings.TrimPrefix(txt, txtInfoKey)), &device); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "parsePeer",
				"instance": entry.Instance,
				"error":    err.Error(),
			}).Warn("Malformed device info TXT entry")
			continue
		}
		peer.Device = &device
		break
	}
	return peer
}
