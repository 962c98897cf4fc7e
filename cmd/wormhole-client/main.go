// Command wormhole-client mounts a paired host's shared directory as a
// local filesystem: chunked reads through a two-tier cache with
// sequential prefetch, write-back sync under a distributed lease, and
// host-pushed invalidation (spec.md §1-§10). Connection establishment
// itself (pairing/rendezvous/NAT traversal) is out of scope; this
// binary dials a plain TCP address agreed upon out of band.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wormhole-fs/wormhole/internal/cache"
	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/internal/fetcher"
	"github.com/wormhole-fs/wormhole/internal/lock"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/metrics"
	"github.com/wormhole-fs/wormhole/internal/prefetch"
	"github.com/wormhole-fs/wormhole/internal/session"
	syncengine "github.com/wormhole-fs/wormhole/internal/sync"
	"github.com/wormhole-fs/wormhole/internal/vfs"
	"github.com/wormhole-fs/wormhole/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overlays the defaults)")
	hostAddr := flag.String("host", "", "address of the paired host (host:port)")
	mountPoint := flag.String("mount", "", "local directory to mount the share at (overrides config)")
	clientID := flag.String("client-id", "", "identity reported to the host (defaults to hostname-pid)")
	flag.Parse()

	log := logging.New("wormhole-client")

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			log.Printf("failed to load config: %v", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Printf("failed to load env overrides: %v", err)
		os.Exit(1)
	}
	if *mountPoint != "" {
		cfg.Global.MountPoint = *mountPoint
	}
	if *hostAddr == "" || cfg.Global.MountPoint == "" {
		log.Printf("usage: wormhole-client -host <addr:port> -mount <path>")
		os.Exit(1)
	}

	id := *clientID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := run(cfg, *hostAddr, id, log); err != nil {
		log.Printf("exiting: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Configuration, hostAddr, clientID string, log *logging.Logger) error {
	twoTier, err := cache.NewTwoTier(cache.TwoTierConfig{
		RAM: cache.RAMTierConfig{
			MaxBytes:   cfg.Cache.RAM.MaxBytes,
			MaxEntries: cfg.Cache.RAM.MaxEntries,
		},
		Disk: cache.DiskTierConfig{
			Directory:   cfg.Cache.Disk.Directory,
			MaxBytes:    cfg.Cache.Disk.MaxBytes,
			Compression: cfg.Cache.Disk.Compression,
		},
		DiskEnabled: cfg.Cache.Disk.Enabled,
	})
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer func() { _ = twoTier.Close() }()

	metricsCollector, err := metrics.NewCollector(metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Namespace: cfg.Monitoring.Metrics.Namespace,
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := metricsCollector.Start(ctx); err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}

	dialer := session.NewDialer(hostAddr)
	dialer.ConnectTimeout = cfg.Network.Timeouts.Connect

	fetch := fetcher.New(dialer, twoTier, fetcher.Config{MaxInFlight: 16})
	fetch.SetMetrics(metricsCollector)
	go fetch.Run()
	defer fetch.Stop()

	locks := lock.NewClient(cfg.Lock, fetch, clientID)
	defer locks.Close()

	engine := syncengine.New(cfg.Sync, twoTier, fetch, locks)
	engine.SetMetrics(metricsCollector)
	go engine.Run()
	defer engine.Stop()

	var governor *prefetch.Governor
	if cfg.Prefetch.Enabled {
		governor = prefetch.New(cfg.Prefetch, fetch, twoTier)
		defer governor.Stop()
	}

	bridge := vfs.NewBridge(fetch, engine, governorOrNil(governor), locks, twoTier)

	if err := subscribeInvalidations(hostAddr, clientID, bridge, log); err != nil {
		log.Printf("invalidation channel unavailable, continuing without live push: %v", err)
	}

	fs := vfs.NewFileSystem(bridge)
	mounter := vfs.NewMounter(fs, cfg.Global.MountPoint, nil)
	if err := mounter.Mount(); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	log.Printf("mounted %s at %s", hostAddr, cfg.Global.MountPoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("unmounting")
	return mounter.Unmount()
}

// governorOrNil converts a possibly-nil *prefetch.Governor into the
// vfs.AccessGovernor interface value without boxing a non-nil interface
// around a nil pointer (a nil *Governor inside a non-nil interface
// would make Bridge's own nil-check on the interface pass incorrectly).
func governorOrNil(g *prefetch.Governor) vfs.AccessGovernor {
	if g == nil {
		return nil
	}
	return g
}

// subscribeInvalidations opens one long-lived connection dedicated to
// receiving the host's unsolicited Invalidate pushes (spec.md §4.10,
// H6), separate from the fetcher's per-request connections, and drives
// bridge.Invalidate on every notice for as long as the connection
// survives.
func subscribeInvalidations(hostAddr, clientID string, bridge *vfs.Bridge, log *logging.Logger) error {
	conn, err := (&session.Dialer{Address: hostAddr, ConnectTimeout: 10 * time.Second}).OpenStream(context.Background())
	if err != nil {
		return err
	}

	hello := wire.Frame{Type: wire.MsgHello, Payload: wire.Hello{ProtocolVersion: 1, ClientID: clientID}}
	if err := conn.Send(hello); err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := conn.Recv(); err != nil {
		_ = conn.Close()
		return err
	}

	go func() {
		defer func() { _ = conn.Close() }()
		for {
			frame, err := conn.Recv()
			if err != nil {
				log.Printf("invalidation channel closed: %v", err)
				return
			}
			if inv, ok := frame.Payload.(wire.Invalidate); ok {
				bridge.Invalidate(inv.Paths)
			}
		}
	}()
	return nil
}
