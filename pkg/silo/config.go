package silo

import (
	"github.com/orbitrt/orbit/pkg/activator"
	"github.com/orbitrt/orbit/pkg/deadletter"
	"github.com/orbitrt/orbit/pkg/directory"
	"github.com/orbitrt/orbit/pkg/mailbox"
	"github.com/orbitrt/orbit/pkg/membership"
	"github.com/orbitrt/orbit/pkg/router"
	"github.com/orbitrt/orbit/pkg/siloconfig"
	"github.com/orbitrt/orbit/pkg/statestore"
	"github.com/orbitrt/orbit/pkg/typeregistry"
)

// FromSiloConfig translates a loaded siloconfig.SiloConfig into a silo.Config,
// wiring the mailbox policy knobs into a per-activation mailbox.Config
// factory and applying §9's "override TTL defaults to 2x ActivationTimeout"
// decision (ActivationTimeout is read here as IdleTimeout, the closest
// analog this module's activator exposes; see DESIGN.md).
func FromSiloConfig(sc siloconfig.SiloConfig, reg membership.Registry, types *typeregistry.Registry, store statestore.Store, transport router.Transport) Config {
	overrideTTL := sc.OverrideTTL
	if overrideTTL <= 0 {
		overrideTTL = 2 * sc.IdleTimeout
	}

	mailboxCfgFor := func(entry typeregistry.Entry) mailbox.Config {
		cfg := mailbox.DefaultConfig()
		cfg.Capacity = sc.MailboxCapacity
		cfg.Reentrant = entry.Reentrant

		cfg.Adaptive = mailbox.AdaptiveConfig{
			Enabled:            sc.AdaptiveMailbox.Enabled,
			Min:                sc.AdaptiveMailbox.Min,
			Max:                sc.AdaptiveMailbox.Max,
			GrowThreshold:      sc.AdaptiveMailbox.GrowThreshold,
			ShrinkThreshold:    sc.AdaptiveMailbox.ShrinkThreshold,
			SamplesBeforeAdapt: sc.AdaptiveMailbox.SamplesBeforeAdapt,
		}
		cfg.CircuitBreaker = mailbox.CircuitBreakerConfig{
			Enabled:          sc.CircuitBreaker.Enabled,
			FailureThreshold: sc.CircuitBreaker.FailureThreshold,
			SuccessThreshold: sc.CircuitBreaker.SuccessThreshold,
			OpenTimeout:      sc.CircuitBreaker.OpenTimeout,
			SamplingWindow:   sc.CircuitBreaker.SamplingWindow,
		}
		cfg.RateLimit = mailbox.RateLimitConfig{
			Enabled:      sc.RateLimit.Enabled,
			MaxPerWindow: sc.RateLimit.MaxPerWindow,
			Window:       sc.RateLimit.Window,
			Overflow:     parseOverflowPolicy(sc.RateLimit.Overflow),
		}
		return cfg
	}

	return Config{
		SiloID:            sc.SiloID,
		Address:           sc.Address,
		RegionID:          sc.RegionID,
		ZoneID:            sc.ZoneID,
		ShardGroupID:      sc.ShardGroupID,
		HeartbeatInterval: sc.HeartbeatInterval,
		HeartbeatTimeout:  sc.HeartbeatTimeout,
		Registry:          reg,
		Types:             types,
		Store:             store,
		DeadLetter:        deadletter.New(sc.DeadLetterCapacity),
		Transport:         transport,
		RingVirtualNodes:  sc.RingVirtualNodes,
		DirectoryOptions: directory.Options{
			CacheTTL:    sc.DirectoryCacheTTL,
			OverrideTTL: overrideTTL,
		},
		ActivatorConfig: activator.Config{
			LockStripes:       sc.ActivationLockStripes,
			IdleTimeout:       sc.IdleTimeout,
			IdleSweepInterval: sc.IdleSweepInterval,
			MailboxConfig:     mailboxCfgFor,
		},
		RouterConfig: router.Config{
			Retries:      sc.RouterRetries,
			RetryBackoff: sc.RouterRetryBackoff,
		},
		HealthMonitor: membership.HealthMonitorConfig{
			Policy:           membership.EvictionPolicyTimeout,
			HeartbeatTimeout: sc.HeartbeatTimeout,
		},
	}
}

func parseOverflowPolicy(s string) mailbox.OverflowPolicy {
	switch s {
	case "drop":
		return mailbox.OverflowDrop
	case "block":
		return mailbox.OverflowBlock
	default:
		return mailbox.OverflowReject
	}
}
