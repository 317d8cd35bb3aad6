// Command silo runs one node of an orbit cluster: it loads a SiloConfig,
// wires membership, placement, the activator, and the gRPC transport
// together into a pkg/silo.Silo, and serves the Route stream until signaled
// to drain and stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/orbitrt/orbit/internal/obslog"
	"github.com/orbitrt/orbit/pkg/activator"
	"github.com/orbitrt/orbit/pkg/deadletter"
	"github.com/orbitrt/orbit/pkg/directory"
	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/mailbox"
	"github.com/orbitrt/orbit/pkg/membership"
	"github.com/orbitrt/orbit/pkg/membership/redisreg"
	"github.com/orbitrt/orbit/pkg/router"
	"github.com/orbitrt/orbit/pkg/silo"
	"github.com/orbitrt/orbit/pkg/siloconfig"
	"github.com/orbitrt/orbit/pkg/statestore"
	"github.com/orbitrt/orbit/pkg/transport/grpctransport"
	"github.com/orbitrt/orbit/pkg/typeregistry"
)

func main() {
	configPath := flag.String("config", "silo.yaml", "path to the silo's YAML config file")
	flag.Parse()

	cfg, err := siloconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "silo: error loading config:", err)
		os.Exit(1)
	}

	logger := obslog.New(cfg.LogLevel, cfg.SiloID, cfg.Address)

	if err := run(cfg, logger); err != nil {
		logger.Error("silo: fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg siloconfig.SiloConfig, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("silo: error building registry: %w", err)
	}

	types := typeregistry.New()
	store := statestore.NewInMemoryStore()
	grpcClient := grpctransport.NewClient(logger)
	defer grpcClient.Close()

	overrideTTL := cfg.OverrideTTL
	if overrideTTL <= 0 {
		overrideTTL = 2 * cfg.IdleTimeout
	}

	s, err := silo.New(silo.Config{
		SiloID:            cfg.SiloID,
		Address:           cfg.Address,
		RegionID:          cfg.RegionID,
		ZoneID:            cfg.ZoneID,
		ShardGroupID:      cfg.ShardGroupID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Registry:          registry,
		Types:             types,
		Store:             store,
		DeadLetter:        deadletter.New(cfg.DeadLetterCapacity),
		Transport:         grpcClient,
		RingVirtualNodes:  cfg.RingVirtualNodes,
		DirectoryOptions: directory.Options{
			CacheTTL:    cfg.DirectoryCacheTTL,
			OverrideTTL: overrideTTL,
		},
		ActivatorConfig: activator.Config{
			LockStripes:       cfg.ActivationLockStripes,
			IdleTimeout:       cfg.IdleTimeout,
			IdleSweepInterval: cfg.IdleSweepInterval,
			MailboxConfig:     mailboxConfigBuilder(cfg),
		},
		RouterConfig: router.Config{
			Retries:      cfg.RouterRetries,
			RetryBackoff: cfg.RouterRetryBackoff,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("silo: error constructing silo: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("silo: error listening on %s: %w", cfg.Address, err)
	}

	gs := grpc.NewServer()
	grpctransport.Register(gs, grpctransport.NewServer(localDispatcher{s}, logger))

	serveErr := make(chan error, 1)
	go func() { serveErr <- gs.Serve(ln) }()

	if err := s.StartAsync(ctx); err != nil {
		gs.Stop()
		return fmt.Errorf("silo: error starting: %w", err)
	}
	logger.Info("silo: serving", "address", cfg.Address)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("silo: grpc server stopped unexpectedly", "error", err)
		}
	}

	logger.Info("silo: received shutdown signal, draining")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := s.DrainAsync(drainCtx); err != nil {
		logger.Warn("silo: error draining", "error", err)
	}

	gs.GracefulStop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return s.StopAsync(stopCtx)
}

// localDispatcher adapts *silo.Silo to grpctransport.Dispatcher, routing
// incoming remote envelopes straight to the activator rather than back
// through the router (the router is only for outbound calls).
type localDispatcher struct {
	s *silo.Silo
}

func (d localDispatcher) LocalDispatch(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	return d.s.Activator().LocalDispatch(ctx, env)
}

func buildRegistry(cfg siloconfig.SiloConfig) (membership.Registry, error) {
	if !cfg.Redis.Enabled {
		return membership.NewInMemoryRegistry(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "orbit"
	}
	return redisreg.New(client, prefix), nil
}

func mailboxConfigBuilder(cfg siloconfig.SiloConfig) func(typeregistry.Entry) mailbox.Config {
	return func(entry typeregistry.Entry) mailbox.Config {
		return mailbox.Config{
			Capacity:  cfg.MailboxCapacity,
			Reentrant: entry.Reentrant,
			Adaptive: mailbox.AdaptiveConfig{
				Enabled:            cfg.AdaptiveMailbox.Enabled,
				Min:                cfg.AdaptiveMailbox.Min,
				Max:                cfg.AdaptiveMailbox.Max,
				GrowThreshold:      cfg.AdaptiveMailbox.GrowThreshold,
				ShrinkThreshold:    cfg.AdaptiveMailbox.ShrinkThreshold,
				SamplesBeforeAdapt: cfg.AdaptiveMailbox.SamplesBeforeAdapt,
			},
			CircuitBreaker: mailbox.CircuitBreakerConfig{
				Enabled:          cfg.CircuitBreaker.Enabled,
				FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
				SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
				OpenTimeout:      cfg.CircuitBreaker.OpenTimeout,
				SamplingWindow:   cfg.CircuitBreaker.SamplingWindow,
			},
			RateLimit: mailbox.RateLimitConfig{
				Enabled:      cfg.RateLimit.Enabled,
				MaxPerWindow: cfg.RateLimit.MaxPerWindow,
				Window:       cfg.RateLimit.Window,
				Overflow:     overflowPolicy(cfg.RateLimit.Overflow),
			},
		}
	}
}

func overflowPolicy(s string) mailbox.OverflowPolicy {
	switch s {
	case "drop":
		return mailbox.OverflowDrop
	case "block":
		return mailbox.OverflowBlock
	default:
		return mailbox.OverflowReject
	}
}
