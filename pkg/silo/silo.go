// Package silo implements the Silo lifecycle (§6): the hosting surface that
// wires membership, the consistent hash ring, the actor directory, the
// activator, and the envelope router together, and drives them through
// StartAsync/DrainAsync/StopAsync. It mirrors the inherited environment's
// "do one heartbeat immediately, then loop on a ticker, with a closeCh /
// closedCh pair for clean shutdown" discipline, generalized from a single
// heartbeat call to the full startup/drain/stop sequence.
package silo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/orbitrt/orbit/pkg/activator"
	"github.com/orbitrt/orbit/pkg/deadletter"
	"github.com/orbitrt/orbit/pkg/directory"
	"github.com/orbitrt/orbit/pkg/membership"
	"github.com/orbitrt/orbit/pkg/ring"
	"github.com/orbitrt/orbit/pkg/router"
	"github.com/orbitrt/orbit/pkg/statestore"
	"github.com/orbitrt/orbit/pkg/typeregistry"
)

// Config configures a Silo.
type Config struct {
	SiloID       string
	Address      string
	RegionID     string
	ZoneID       string
	ShardGroupID string
	VersionMap   map[string]string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Registry  membership.Registry
	Types     *typeregistry.Registry
	Store     statestore.Store
	DeadLetter *deadletter.Queue
	Transport router.Transport

	RingVirtualNodes int
	DirectoryOptions directory.Options
	ActivatorConfig  activator.Config
	RouterConfig     router.Config
	HealthMonitor    membership.HealthMonitorConfig

	Logger *slog.Logger
}

// Silo is one node in the cluster, owning a local activator and
// participating in membership/placement for the whole ring.
type Silo struct {
	cfg    Config
	logger *slog.Logger

	registry   membership.Registry
	ring       *ring.Ring
	directory  *directory.Directory
	activator  *activator.Activator
	router     *router.Router
	health     *membership.HealthMonitor
	deadLetter *deadletter.Queue

	addrs *addressCache
	ringSF singleflight.Group

	statusMu sync.RWMutex
	status   membership.Status

	unsubscribe func()
	closeCh     chan struct{}
	closedCh    chan struct{}
}

// New wires a Silo from cfg. Call StartAsync to join the cluster.
func New(cfg Config) (*Silo, error) {
	if cfg.SiloID == "" {
		return nil, fmt.Errorf("silo: SiloID is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.RingVirtualNodes <= 0 {
		cfg.RingVirtualNodes = ring.DefaultVirtualNodeCount
	}
	if cfg.Types == nil {
		cfg.Types = typeregistry.New()
	}
	if cfg.DeadLetter == nil {
		cfg.DeadLetter = deadletter.New(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := ring.New(cfg.RingVirtualNodes)
	dir, err := directory.New(cfg.SiloID, r, cfg.DirectoryOptions)
	if err != nil {
		return nil, fmt.Errorf("silo: error creating directory: %w", err)
	}

	actCfg := cfg.ActivatorConfig
	actCfg.SelfSiloID = cfg.SiloID
	actCfg.Owner = dir
	if actCfg.Store == nil {
		actCfg.Store = cfg.Store
	}
	if actCfg.DeadLetter == nil {
		actCfg.DeadLetter = cfg.DeadLetter
	}
	if actCfg.Logger == nil {
		actCfg.Logger = cfg.Logger
	}
	act := activator.New(cfg.Types, actCfg)

	addrs := newAddressCache()

	routerCfg := cfg.RouterConfig
	routerCfg.SelfSiloID = cfg.SiloID
	if routerCfg.DeadLetter == nil {
		routerCfg.DeadLetter = cfg.DeadLetter
	}
	if routerCfg.Logger == nil {
		routerCfg.Logger = cfg.Logger
	}
	rt := router.New(dir, act, cfg.Transport, addrs, routerCfg)

	var health *membership.HealthMonitor
	if cfg.Registry != nil {
		hmCfg := cfg.HealthMonitor
		hmCfg.SelfSiloID = cfg.SiloID
		if hmCfg.HeartbeatTimeout <= 0 {
			hmCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
		}
		if hmCfg.Logger == nil {
			hmCfg.Logger = cfg.Logger
		}
		health = membership.NewHealthMonitor(cfg.Registry, hmCfg)
	}

	return &Silo{
		cfg:        cfg,
		logger:     cfg.Logger,
		registry:   cfg.Registry,
		ring:       r,
		directory:  dir,
		activator:  act,
		router:     rt,
		health:     health,
		deadLetter: cfg.DeadLetter,
		addrs:      addrs,
		status:     membership.StatusStarting,
		closeCh:    make(chan struct{}),
		closedCh:   make(chan struct{}),
	}, nil
}

// Ring, Directory, Activator, and Router expose the wired components for
// callers that need direct access (tests, custom transports).
func (s *Silo) Ring() *ring.Ring               { return s.ring }
func (s *Silo) Directory() *directory.Directory { return s.directory }
func (s *Silo) Activator() *activator.Activator { return s.activator }
func (s *Silo) Router() *router.Router         { return s.router }
func (s *Silo) DeadLetterQueue() *deadletter.Queue { return s.deadLetter }

func (s *Silo) Status() membership.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Silo) setStatus(st membership.Status) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

// Call routes one request/response call through this silo's router; this is
// the "caller proxy" entry point for the data flow described in the
// overview (caller -> envelope -> router -> ring -> silo -> ... -> caller).
func (s *Silo) Call(ctx context.Context, typeID, actorID, method string, payload []byte) ([]byte, error) {
	return s.router.Call(ctx, typeID, actorID, method, payload)
}

// StartAsync joins the cluster: registers with the membership registry,
// seeds the ring and address cache from the current membership snapshot,
// subscribes to future membership events, performs an immediate heartbeat
// so the silo is usable right away, and starts the background heartbeat
// loop and health monitor.
func (s *Silo) StartAsync(ctx context.Context) error {
	if s.registry != nil {
		info := s.selfInfo()
		if err := s.registry.Register(ctx, info, s.cfg.HeartbeatTimeout); err != nil {
			return fmt.Errorf("silo: error registering: %w", err)
		}

		if err := s.refreshRingFromRegistry(ctx); err != nil {
			return fmt.Errorf("silo: error seeding ring from registry: %w", err)
		}

		s.unsubscribe = s.registry.Subscribe(func(ev membership.Event) {
			if err := s.refreshRingFromRegistry(context.Background()); err != nil {
				s.logger.Warn("silo: error refreshing ring after membership event", "error", err)
			}
		})

		go s.heartbeatLoop()

		if s.health != nil {
			s.health.Start(ctx)
		}
	} else {
		close(s.closedCh) // no background loop to run.
	}

	s.setStatus(membership.StatusActive)
	s.logger.Info("silo: started", "silo_id", s.cfg.SiloID, "address", s.cfg.Address)
	return nil
}

func (s *Silo) selfInfo() membership.SiloInfo {
	return membership.SiloInfo{
		SiloID:        s.cfg.SiloID,
		Address:       s.cfg.Address,
		Status:        s.Status(),
		LastHeartbeat: time.Now(),
		RegionID:      s.cfg.RegionID,
		ZoneID:        s.cfg.ZoneID,
		ShardGroupID:  s.cfg.ShardGroupID,
		VersionMap:    s.cfg.VersionMap,
	}
}

func (s *Silo) heartbeatLoop() {
	defer close(s.closedCh)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatTimeout)
			if err := s.registry.Refresh(ctx, s.selfInfo(), s.cfg.HeartbeatTimeout); err != nil {
				// Per §4.1, refresh fails silently to the caller: the record's
				// TTL provides self-healing. We still log for operators.
				s.logger.Warn("silo: heartbeat refresh failed", "error", err)
			}
			cancel()
		case <-s.closeCh:
			return
		}
	}
}

// refreshRingFromRegistry rebuilds the ring from the registry's current
// membership snapshot. A burst of near-simultaneous membership events (a
// batch of silos joining or leaving at once) would otherwise trigger one
// redundant ListActive + rebuild per event; singleflight.Group collapses
// concurrent callers onto a single in-flight refresh, the same debounce
// shape the inherited registry uses for its version-stamp reads.
func (s *Silo) refreshRingFromRegistry(ctx context.Context) error {
	_, err, _ := s.ringSF.Do("refresh", func() (interface{}, error) {
		infos, err := s.registry.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		nodes := make([]ring.Node, 0, len(infos))
		for _, info := range infos {
			if info.Status == membership.StatusStopped {
				continue
			}
			s.addrs.set(info.SiloID, info.Address)
			nodes = append(nodes, ring.Node{SiloID: info.SiloID})
		}
		s.ring.SetNodes(nodes)
		return nil, nil
	})
	return err
}

// DrainAsync marks the silo Draining, lets in-flight turns finish (or reach
// their deadline) by deactivating every local activation through the normal
// drain path, and unregisters from membership. Nothing refuses envelopes on
// account of the Draining status: an envelope that arrives before the silo
// has left the ring is still dispatched, and may activate its actor again. Per §4.5's migration note, activations are
// simply deactivated rather than actively migrated; the ring naturally
// re-owns their keys on another silo once this one leaves the registry
// (see DESIGN.md for why an explicit migration planner is out of scope).
func (s *Silo) DrainAsync(ctx context.Context) error {
	s.setStatus(membership.StatusDraining)
	s.logger.Info("silo: draining", "silo_id", s.cfg.SiloID)

	var merr *multierror.Error

	if err := s.activator.DeactivateAll(ctx, "silo_draining"); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("silo: error deactivating activations: %w", err))
	}

	if s.registry != nil {
		if err := s.registry.Unregister(ctx, s.cfg.SiloID); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("silo: error unregistering: %w", err))
		}
	}

	s.setStatus(membership.StatusStopped)
	return merr.ErrorOrNil()
}

// StopAsync halts all background loops and releases resources. Call after
// DrainAsync, or directly for a hard stop.
func (s *Silo) StopAsync(ctx context.Context) error {
	var merr *multierror.Error

	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	<-s.closedCh

	if s.health != nil {
		s.health.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.activator.Stop()

	if s.registry != nil {
		if err := s.registry.Close(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("silo: error closing registry: %w", err))
		}
	}

	s.logger.Info("silo: stopped", "silo_id", s.cfg.SiloID)
	return merr.ErrorOrNil()
}

// addressCache is a router.AddressResolver kept up to date from membership
// events, avoiding a registry round trip on every remote route.
type addressCache struct {
	mu   sync.RWMutex
	addr map[string]string
}

func newAddressCache() *addressCache {
	return &addressCache{addr: make(map[string]string)}
}

func (a *addressCache) set(siloID, address string) {
	a.mu.Lock()
	a.addr[siloID] = address
	a.mu.Unlock()
}

func (a *addressCache) Address(siloID string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	addr, ok := a.addr[siloID]
	if !ok {
		return "", fmt.Errorf("silo: no known address for silo %s", siloID)
	}
	return addr, nil
}
