// Command wormhole-host serves one shared directory tree to paired
// clients: metadata lookups, chunk reads, lease-gated writes, and
// invalidation push (spec.md §4.10, H1-H6). Connection establishment
// itself (pairing/rendezvous/NAT traversal) is out of scope; this
// binary listens on a plain TCP address agreed upon out of band.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/internal/host"
	"github.com/wormhole-fs/wormhole/internal/lock"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/metrics"
	"github.com/wormhole-fs/wormhole/internal/session"
	"github.com/wormhole-fs/wormhole/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overlays the defaults)")
	sharedRoot := flag.String("shared-root", "", "directory to publish (overrides config)")
	listenAddr := flag.String("listen", ":7430", "address to accept client connections on")
	flag.Parse()

	log := logging.New("wormhole-host")

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
	if *sharedRoot != "" {
		cfg.Host.SharedRoot = *sharedRoot
	}
	if cfg.Host.SharedRoot == "" {
		log.Printf("no shared root configured; pass -shared-root or set host.shared_root")
		os.Exit(1)
	}

	if err := run(cfg, *listenAddr, log); err != nil {
		log.Printf("exiting: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Configuration, listenAddr string, log *logging.Logger) error {
	sandbox, err := host.NewSandbox(cfg.Host.SharedRoot)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

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

	locks := lock.NewManager(cfg.Lock)
	locks.SetMetrics(metricsCollector)
	go locks.Run()
	defer locks.Stop()

	bus := host.NewInvalidationBus(cfg.Host.InvalidationSize)
	metadata := host.NewMetadataServer(sandbox, cfg.Host)
	read := host.NewReadServer(sandbox)
	write := host.NewWriteServer(sandbox, locks, bus)

	ln, err := session.Listen(listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = ln.Close() }()
	log.Printf("serving %s on %s", cfg.Host.SharedRoot, ln.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutting down")
		_ = ln.Close()
	}()

	err = ln.Serve(func(transport wire.Transport, remoteAddr string) {
		serveConnection(transport, remoteAddr, metadata, read, write, locks, bus, log)
	})
	if err != nil {
		// Close() during shutdown surfaces as an Accept error; that's
		// the expected exit path, not a failure.
		return nil
	}
	return nil
}

// serveConnection handles one accepted connection end to end: peek the
// first frame for a Hello carrying a client identity (falling back to
// the peer address — real client identity is normally established
// during the out-of-scope pairing step), reply Welcome, then hand the
// rest of the connection's lifetime to a host.Session.
func serveConnection(transport wire.Transport, remoteAddr string, metadata *host.MetadataServer, read *host.ReadServer, write *host.WriteServer, locks *lock.Manager, bus *host.InvalidationBus, log *logging.Logger) {
	defer func() { _ = transport.Close() }()

	first, err := transport.Recv()
	if err != nil {
		return
	}

	clientID := remoteAddr
	if hello, ok := first.Payload.(wire.Hello); ok && hello.ClientID != "" {
		clientID = hello.ClientID
	}

	s := host.NewSession(transport, clientID, metadata, read, write, locks, bus)
	if err := s.RunWithFirst(first); err != nil {
		log.Printf("session %s ended: %v", clientID, err)
	}
}
