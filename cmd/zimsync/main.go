// Command zimsync shares and fetches files between peers on the local
// network.
//
// Usage:
//
//	zimsync serve    --directory DIR [--port N] [--name NAME] [--inbound DIR] [--no-advertise]
//	zimsync discover [--timeout SECONDS]
//	zimsync list     --addr HOST:PORT
//	zimsync get      --addr HOST:PORT --name FILE [--out DIR] [--chunk N]
//	zimsync send     FILE HOST [--port N] [--chunk N]
//	zimsync test     HOST [--port N] [--message TEXT]
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	zimsync "github.com/navicore/zim-sync"
	"github.com/navicore/zim-sync/discovery"
	"github.com/navicore/zim-sync/engine"
	"github.com/navicore/zim-sync/protocol"
	"github.com/navicore/zim-sync/transfer"
	"github.com/navicore/zim-sync/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}

	command, rest := args[0], args[1:]
	var err error
	switch command {
	case "serve":
		err = cmdServe(rest)
	case "discover":
		err = cmdDiscover(rest)
	case "list":
		err = cmdList(rest)
	case "get":
		err = cmdGet(rest)
	case "send":
		err = cmdSend(rest)
	case "test":
		err = cmdTest(rest)
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "zimsync: unknown command %q\n", command)
		usage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "zimsync %s: %v\n", command, err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: zimsync <command> [flags]

commands:
  serve     share a directory with peers
  discover  scan the local network for peers
  list      show a peer's shared files
  get       fetch a file from a peer
  send      push a file to a peer
  test      send a text probe and print the echo reply

run "zimsync <command> -h" for command flags`)
}

// setupLogging applies the shared -verbose flag.
func setupLogging(verbose bool) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

func cmdServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	dir := flags.String("directory", ".", "directory to share")
	inbound := flags.String("inbound", "", "directory for received files (default: the shared directory)")
	port := flags.Uint("port", 8080, "UDP port to serve on")
	name := flags.String("name", "", "instance name shown to peers (default: hostname)")
	chunk := flags.Int("chunk", int(transfer.DefaultChunkSize), "transfer chunk size in bytes")
	noAdvertise := flags.Bool("no-advertise", false, "skip DNS-SD registration")
	verbose := flags.Bool("verbose", false, "enable debug logging")
	flags.Parse(args)
	setupLogging(*verbose)

	options := zimsync.NewOptions()
	options.Port = uint16(*port)
	options.Directory = *dir
	options.InboundDirectory = *inbound
	options.Name = *name
	options.ChunkSize = int32(*chunk)
	options.AdvertiseService = !*noAdvertise

	node, err := zimsync.New(options)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Kill()

	fmt.Printf("serving %s on %s as %q\n", *dir, node.Addr(), node.Device().Name)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	fmt.Println("shutting down")
	return nil
}

func cmdDiscover(args []string) error {
	flags := flag.NewFlagSet("discover", flag.ExitOnError)
	timeout := flags.Int("timeout", int(discovery.DefaultBrowseTimeout/time.Second), "how long to scan, in seconds")
	verbose := flags.Bool("verbose", false, "enable debug logging")
	flags.Parse(args)
	setupLogging(*verbose)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
	defer cancel()

	peers, err := discovery.Browse(ctx)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("no peers found")
		return nil
	}

	for _, peer := range peers {
		if peer.Device != nil {
			fmt.Printf("%-24s %-20s %s %s\n", peer.Instance, peer.Endpoint(), peer.Device.Platform, peer.Device.Version)
			continue
		}
		fmt.Printf("%-24s %-20s\n", peer.Instance, peer.Endpoint())
	}
	return nil
}

func cmdList(args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	addr := flags.String("addr", "", "peer address (host:port)")
	verbose := flags.Bool("verbose", false, "enable debug logging")
	flags.Parse(args)
	setupLogging(*verbose)
	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}

	client, err := dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	announce, list, err := client.Discover(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s %s), %d files, %s free\n",
		announce.DeviceInfo.Name, announce.DeviceInfo.Platform,
		announce.DeviceInfo.Version, len(list.Files),
		humanBytes(announce.AvailableSpace))
	for _, file := range list.Files {
		line := fmt.Sprintf("  %-40s %10s", file.Path, humanBytes(file.Size))
		if file.Audio != nil {
			line += fmt.Sprintf("  %s %.1fs %dHz", file.Audio.Format, file.Audio.Duration, file.Audio.SampleRate)
		}
		fmt.Println(line)
	}
	return nil
}

func cmdGet(args []string) error {
	flags := flag.NewFlagSet("get", flag.ExitOnError)
	addr := flags.String("addr", "", "peer address (host:port)")
	name := flags.String("name", "", "name of the shared file to fetch")
	out := flags.String("out", ".", "directory to store the file in")
	chunk := flags.Int("chunk", int(transfer.DefaultChunkSize), "transfer chunk size in bytes")
	verbose := flags.Bool("verbose", false, "enable debug logging")
	flags.Parse(args)
	setupLogging(*verbose)
	if *addr == "" || *name == "" {
		return fmt.Errorf("-addr and -name are required")
	}

	client, err := dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	_, list, err := client.Discover(context.Background())
	if err != nil {
		return err
	}

	var meta *protocol.FileMetadata
	for i := range list.Files {
		if list.Files[i].Path == *name {
			meta = &list.Files[i]
			break
		}
	}
	if meta == nil {
		return fmt.Errorf("peer does not share %q", *name)
	}

	target := filepath.Join(*out, meta.Path)
	started := time.Now()
	if err := client.PullFile(context.Background(), *meta, target, int32(*chunk)); err != nil {
		return err
	}
	fmt.Printf("fetched %s (%s) in %s\n", target, humanBytes(meta.Size), time.Since(started).Round(time.Millisecond))
	return nil
}

func cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: zimsync send FILE HOST [--port N]")
	}
	file, host := args[0], args[1]

	flags := flag.NewFlagSet("send", flag.ExitOnError)
	port := flags.Uint("port", 8080, "peer UDP port")
	chunk := flags.Int("chunk", int(transfer.DefaultChunkSize), "transfer chunk size in bytes")
	verbose := flags.Bool("verbose", false, "enable debug logging")
	flags.Parse(args[2:])
	setupLogging(*verbose)

	client, err := dial(net.JoinHostPort(host, strconv.Itoa(int(*port))))
	if err != nil {
		return err
	}
	defer client.Close()

	if _, _, err := client.Discover(context.Background()); err != nil {
		return err
	}

	started := time.Now()
	if err := client.PushFile(context.Background(), file, int32(*chunk)); err != nil {
		return err
	}
	fmt.Printf("sent %s in %s\n", file, time.Since(started).Round(time.Millisecond))
	return nil
}

func cmdTest(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: zimsync test HOST [--port N]")
	}
	host := args[0]

	flags := flag.NewFlagSet("test", flag.ExitOnError)
	port := flags.Uint("port", 8080, "peer UDP port")
	message := flags.String("message", "Hello from ZimSync!", "probe text to send")
	verbose := flags.Bool("verbose", false, "enable debug logging")
	flags.Parse(args[1:])
	setupLogging(*verbose)

	client, err := dial(net.JoinHostPort(host, strconv.Itoa(int(*port))))
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Probe(context.Background(), []byte(*message))
	if err != nil {
		return err
	}
	fmt.Print(string(reply))
	return nil
}

// dial opens a UDP connection to addr and wraps it in a protocol client.
func dial(addr string) (*engine.Client, error) {
	conn, err := transport.NewUDPTransport().Connect(context.Background(), addr)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "zimsync"
	}
	return engine.NewClient(conn, protocol.DeviceInfo{
		ID:       uuid.New(),
		Name:     hostname,
		Platform: localPlatform(),
		Version:  zimsync.Version,
	}), nil
}

// localPlatform maps the running OS onto the wire platform enum.
func localPlatform() protocol.Platform {
	switch runtime.GOOS {
	case "darwin":
		return protocol.PlatformMacOS
	case "windows":
		return protocol.PlatformWindows
	default:
		return protocol.PlatformLinux
	}
}

// humanBytes renders a byte count with a binary unit suffix.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
