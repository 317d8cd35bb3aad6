package membership

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EvictionPolicy selects how the HealthMonitor decides a peer is dead, per
// §4.1 and §6's configuration surface.
type EvictionPolicy string

const (
	EvictionPolicyNone        EvictionPolicy = "None"
	EvictionPolicyTimeout     EvictionPolicy = "Timeout"
	EvictionPolicyHealthScore EvictionPolicy = "HealthScore"
	EvictionPolicyHybrid      EvictionPolicy = "Hybrid"
)

// HealthScorer samples a peer and returns a score in [0, 1], 1 being
// perfectly healthy. Used only by the HealthScore/Hybrid policies.
type HealthScorer func(ctx context.Context, peer SiloInfo) (score float64, err error)

// LatencyProbe reports whether the local silo currently observes high
// latency to peer, used for the split-brain suppression rule.
type LatencyProbe func(ctx context.Context, peer SiloInfo) (highLatency bool)

// HealthMonitorConfig configures one silo's health monitor instance. It is
// co-owned by the silo but only ever acts on peers, never on itself.
type HealthMonitorConfig struct {
	SelfSiloID                string
	Policy                    EvictionPolicy
	HeartbeatTimeout          time.Duration // default 30s, >= 2x HeartbeatInterval
	CheckInterval             time.Duration // how often to evaluate peers
	HealthScoreThreshold      float64
	ConsecutiveUnhealthyChecks int
	Scorer                    HealthScorer
	LatencyProbe              LatencyProbe
	Logger                    *slog.Logger
}

// HealthMonitor evicts dead peers from a Registry under the configured
// EvictionPolicy, suppressing eviction during suspected split-brain per
// §4.1: "if more than floor(n/2) peers report high latency to each other,
// eviction is suppressed until quorum is restored."
type HealthMonitor struct {
	cfg HealthMonitorConfig
	reg Registry

	mu           sync.Mutex
	unhealthyRun map[string]int // siloID -> consecutive unhealthy count

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHealthMonitor creates a HealthMonitor; call Start to begin evaluating.
func NewHealthMonitor(reg Registry, cfg HealthMonitorConfig) *HealthMonitor {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = cfg.HeartbeatTimeout / 3
	}
	if cfg.ConsecutiveUnhealthyChecks <= 0 {
		cfg.ConsecutiveUnhealthyChecks = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HealthMonitor{
		cfg:          cfg,
		reg:          reg,
		unhealthyRun: make(map[string]int),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the periodic evaluation loop in a background goroutine.
func (h *HealthMonitor) Start(ctx context.Context) {
	if h.cfg.Policy == EvictionPolicyNone {
		close(h.doneCh)
		return
	}
	go func() {
		defer close(h.doneCh)
		ticker := time.NewTicker(h.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.evaluateOnce(ctx)
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the evaluation loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *HealthMonitor) evaluateOnce(ctx context.Context) {
	peers, err := h.reg.ListActive(ctx)
	if err != nil {
		h.cfg.Logger.Warn("health monitor: failed to list active silos", "error", err)
		return
	}

	if h.splitBrainSuspected(ctx, peers) {
		h.cfg.Logger.Warn("health monitor: split-brain suspected, suppressing eviction")
		return
	}

	now := time.Now()
	for _, peer := range peers {
		if peer.SiloID == h.cfg.SelfSiloID {
			continue
		}
		dead := h.isDead(ctx, peer, now)
		if dead {
			h.cfg.Logger.Info("health monitor: evicting peer", "peer_silo_id", peer.SiloID)
			if err := h.reg.Unregister(ctx, peer.SiloID); err != nil {
				h.cfg.Logger.Warn("health monitor: failed to evict peer", "peer_silo_id", peer.SiloID, "error", err)
			}
		}
	}
}

func (h *HealthMonitor) isDead(ctx context.Context, peer SiloInfo, now time.Time) bool {
	switch h.cfg.Policy {
	case EvictionPolicyTimeout:
		return now.Sub(peer.LastHeartbeat) > h.cfg.HeartbeatTimeout
	case EvictionPolicyHealthScore:
		return h.unhealthyByScore(ctx, peer)
	case EvictionPolicyHybrid:
		if now.Sub(peer.LastHeartbeat) > h.cfg.HeartbeatTimeout {
			return true
		}
		return h.unhealthyByScore(ctx, peer)
	default:
		return false
	}
}

func (h *HealthMonitor) unhealthyByScore(ctx context.Context, peer SiloInfo) bool {
	if h.cfg.Scorer == nil {
		return false
	}
	score, err := h.cfg.Scorer(ctx, peer)
	if err != nil {
		score = 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if score < h.cfg.HealthScoreThreshold {
		h.unhealthyRun[peer.SiloID]++
	} else {
		h.unhealthyRun[peer.SiloID] = 0
	}
	return h.unhealthyRun[peer.SiloID] >= h.cfg.ConsecutiveUnhealthyChecks
}

// splitBrainSuspected implements §4.1's quorum rule: if more than floor(n/2)
// peers report high latency to each other, suppress eviction.
func (h *HealthMonitor) splitBrainSuspected(ctx context.Context, peers []SiloInfo) bool {
	if h.cfg.LatencyProbe == nil || len(peers) == 0 {
		return false
	}
	highLatencyCount := 0
	for _, peer := range peers {
		if peer.SiloID == h.cfg.SelfSiloID {
			continue
		}
		if h.cfg.LatencyProbe(ctx, peer) {
			highLatencyCount++
		}
	}
	return highLatencyCount > len(peers)/2
}
