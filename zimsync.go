package zimsync

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/navicore/zim-sync/catalog"
	"github.com/navicore/zim-sync/discovery"
	"github.com/navicore/zim-sync/engine"
	"github.com/navicore/zim-sync/protocol"
	"github.com/navicore/zim-sync/transfer"
	"github.com/navicore/zim-sync/transport"
)

// Version is the release version advertised to peers.
const Version = "1.0.0"

// Options configures a ZimSync node.
type Options struct {
	// Port is the UDP port to serve on.
	Port uint16

	// Directory is the shared directory whose files are offered to peers.
	Directory string

	// InboundDirectory, when set, is where received files are written.
	// Empty means received files land in Directory.
	InboundDirectory string

	// Name is the instance name shown to peers. Empty means the hostname.
	Name string

	// ChunkSize is the transfer chunk size in bytes.
	ChunkSize int32

	// AdvertiseService controls DNS-SD registration on the local network.
	AdvertiseService bool
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		Port:             8080,
		Directory:        ".",
		ChunkSize:        transfer.DefaultChunkSize,
		AdvertiseService: true,
	}
}

// ZimSync is a running node: it serves the shared directory to peers and,
// when advertising is enabled, announces itself over DNS-SD.
type ZimSync struct {
	options *Options
	device  protocol.DeviceInfo
	server  *engine.Server

	mu         sync.Mutex
	running    bool
	listener   transport.Listener
	advertiser *discovery.Advertiser
	serveDone  chan error
}

// New creates a node from options. Nil options mean defaults.
func New(options *Options) (*ZimSync, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.ChunkSize <= 0 || options.ChunkSize > transfer.MaxChunkSize {
		return nil, fmt.Errorf("%w: %d", transfer.ErrInvalidChunkSize, options.ChunkSize)
	}
	if _, err := os.Stat(options.Directory); err != nil {
		return nil, fmt.Errorf("shared directory %s: %w", options.Directory, err)
	}

	name := options.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "zimsync"
		}
		name = hostname
	}

	device := protocol.DeviceInfo{
		ID:       uuid.New(),
		Name:     name,
		Platform: platformFromGOOS(runtime.GOOS),
		Version:  Version,
	}

	provider := catalog.NewDirProvider(options.Directory)
	if options.InboundDirectory != "" {
		provider = provider.WithInboundDir(options.InboundDirectory)
	}

	return &ZimSync{
		options: options,
		device:  device,
		server:  engine.NewServer(device, provider),
	}, nil
}

// Start binds the UDP listener, begins serving peers, and registers the
// DNS-SD service when advertising is enabled.
func (z *ZimSync) Start() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.running {
		return nil
	}

	listener, err := transport.NewUDPTransport().Listen(z.options.Port)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", z.options.Port, err)
	}
	z.listener = listener

	z.serveDone = make(chan error, 1)
	go func() { z.serveDone <- z.server.Serve(listener) }()

	if z.options.AdvertiseService {
		advertiser, err := discovery.Advertise(z.device, int(z.options.Port))
		if err != nil {
			// Serving continues; peers can still connect directly.
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("DNS-SD advertising unavailable")
		} else {
			z.advertiser = advertiser
		}
	}

	z.running = true
	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"device":    z.device.Name,
		"directory": z.options.Directory,
		"address":   listener.Addr().String(),
	}).Info("ZimSync node started")
	return nil
}

// Kill stops the node and releases its resources.
func (z *ZimSync) Kill() {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.running {
		return
	}
	z.running = false

	if z.advertiser != nil {
		z.advertiser.Shutdown()
		z.advertiser = nil
	}
	z.server.Shutdown()
	if z.listener != nil {
		z.listener.Close()
	}
	<-z.serveDone
}

// IsRunning reports whether the node is serving.
func (z *ZimSync) IsRunning() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.running
}

// Addr returns the bound listen address, or nil before Start.
func (z *ZimSync) Addr() net.Addr {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.listener == nil {
		return nil
	}
	return z.listener.Addr()
}

// Device returns this node's identity.
func (z *ZimSync) Device() protocol.DeviceInfo {
	return z.device
}

// Catalog lists the files currently offered to peers, as of the last
// refresh triggered by a peer Discover or RefreshCatalog call.
func (z *ZimSync) Catalog() []protocol.FileMetadata {
	return z.server.Catalog()
}

// RefreshCatalog rescans the shared directory.
func (z *ZimSync) RefreshCatalog() error {
	return z.server.RefreshCatalog()
}

// platformFromGOOS maps a GOOS value onto the wire platform enum.
func platformFromGOOS(goos string) protocol.Platform {
	switch goos {
	case "darwin":
		return protocol.PlatformMacOS
	case "ios":
		return protocol.PlatformIOS
	case "windows":
		return protocol.PlatformWindows
	default:
		return protocol.PlatformLinux
	}
}
