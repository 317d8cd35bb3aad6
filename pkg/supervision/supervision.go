// Package supervision implements the supervision tree (§4.8): parent
// activations that spawn children, receive child-failure notifications, and
// respond with a Directive. Group-level restart strategies and a
// sliding-window exponential backoff govern how repeated restarts are
// damped before a child is forced to Stop, following the "sliding window"
// wording of §4.8 (the backoff shape itself is a supplemental decision
// recorded in DESIGN.md).
package supervision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Directive is a supervisor's response to a child failure.
type Directive int

const (
	// Resume ignores the failure; the child continues as if nothing happened.
	Resume Directive = iota
	// Restart deactivates and re-activates the child fresh.
	Restart
	// Stop deactivates the child and removes it from its parent's children.
	Stop
	// Escalate treats the failure as the parent's own, propagating upward.
	Escalate
)

func (d Directive) String() string {
	switch d {
	case Resume:
		return "Resume"
	case Restart:
		return "Restart"
	case Stop:
		return "Stop"
	case Escalate:
		return "Escalate"
	default:
		return "Unknown"
	}
}

// Strategy is a restart-group policy applied when one child of a group
// fails and the directive is Restart.
type Strategy int

const (
	// OneForOne restarts only the failing child.
	OneForOne Strategy = iota
	// AllForOne restarts every child in the group on any single failure.
	AllForOne
	// RestForOne restarts the failing child and every sibling declared after
	// it (in declaration order).
	RestForOne
)

// ChildRef identifies one supervised child.
type ChildRef struct {
	TypeID  string
	ActorID string
}

func (c ChildRef) key() string { return c.TypeID + ":" + c.ActorID }

// FailureReason describes why a child failed, passed to OnChildFailure.
type FailureReason struct {
	Child ChildRef
	Err   error
}

// Lifecycle is the subset of pkg/activator's surface a supervisor needs to
// carry out a directive against a child activation.
type Lifecycle interface {
	Deactivate(ctx context.Context, typeID, actorID, reason string) error
	// Reactivate is invoked by Restart after Deactivate succeeds; in the
	// virtual-actor model activation is implicitly lazy, so this may be a
	// no-op that simply lets the next touch re-activate the child.
	Reactivate(ctx context.Context, typeID, actorID string) error
}

// FailureHandler decides, given a failure, what directive to apply. This is
// the parent actor's OnChildFailure hook.
type FailureHandler func(ctx context.Context, reason FailureReason) Directive

// BackoffConfig configures the sliding-window restart damping.
type BackoffConfig struct {
	MaxRestarts   int           // restarts allowed within the window before forcing Stop
	RestartWindow time.Duration // sliding window length
	BaseDelay     time.Duration // delay before the first restart
	MaxDelay      time.Duration // cap on the exponential backoff delay
}

// DefaultBackoffConfig mirrors §6's configuration surface defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRestarts:   5,
		RestartWindow: time.Minute,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
	}
}

type childState struct {
	ref              ChildRef
	order            int
	restartTimestamps []time.Time
}

// Supervisor manages one group of children declared under a common parent,
// applying Strategy on Restart directives and sliding-window backoff.
type Supervisor struct {
	parentRef ChildRef
	strategy  Strategy
	backoff   BackoffConfig
	lifecycle Lifecycle
	handler   FailureHandler
	escalate  func(ctx context.Context, reason FailureReason)
	logger    *slog.Logger

	mu       sync.Mutex
	children map[string]*childState
	nextOrder int
}

// Config configures a new Supervisor.
type Config struct {
	Parent    ChildRef
	Strategy  Strategy
	Backoff   BackoffConfig
	Lifecycle Lifecycle
	Handler   FailureHandler
	// Escalate is called when a child failure's directive is Escalate. A Stop
	// forced by restart damping does not call it. When nil, a default that
	// only logs the escalation is used.
	Escalate func(ctx context.Context, reason FailureReason)
	Logger   *slog.Logger
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Backoff.MaxRestarts <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Escalate == nil {
		cfg.Escalate = func(ctx context.Context, reason FailureReason) {
			cfg.Logger.Error("supervision: unhandled escalation, stopping subtree",
				"parent", cfg.Parent.key(), "child", reason.Child.key(), "error", reason.Err)
		}
	}
	return &Supervisor{
		parentRef: cfg.Parent,
		strategy:  cfg.Strategy,
		backoff:   cfg.Backoff,
		lifecycle: cfg.Lifecycle,
		handler:   cfg.Handler,
		escalate:  cfg.Escalate,
		logger:    cfg.Logger,
		children:  make(map[string]*childState),
	}
}

// SpawnChild registers child under this supervisor's group, in declaration
// order (used by RestForOne).
func (s *Supervisor) SpawnChild(ref ChildRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.children[ref.key()]; ok {
		return
	}
	s.children[ref.key()] = &childState{ref: ref, order: s.nextOrder}
	s.nextOrder++
}

// RemoveChild unregisters a child, e.g. after a Stop directive.
func (s *Supervisor) RemoveChild(ref ChildRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, ref.key())
}

// Children returns the currently registered children, in declaration order.
func (s *Supervisor) Children() []ChildRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]*childState, 0, len(s.children))
	for _, cs := range s.children {
		states = append(states, cs)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].order < states[j].order })
	refs := make([]ChildRef, len(states))
	for i, cs := range states {
		refs[i] = cs.ref
	}
	return refs
}

// OnChildFailure is called when a child activation faults. It consults the
// FailureHandler for a Directive and carries it out, applying this
// supervisor's group Strategy when the directive is Restart.
func (s *Supervisor) OnChildFailure(ctx context.Context, reason FailureReason) error {
	directive := s.handler(ctx, reason)

	switch directive {
	case Resume:
		s.logger.Debug("supervision: resuming child after failure", "child", reason.Child.key())
		return nil

	case Stop:
		return s.stopChild(ctx, reason.Child, "supervisor_stop")

	case Escalate:
		s.escalate(ctx, reason)
		return nil

	case Restart:
		return s.restartGroup(ctx, reason)

	default:
		return fmt.Errorf("supervision: unknown directive %v for child %s", directive, reason.Child.key())
	}
}

func (s *Supervisor) restartGroup(ctx context.Context, reason FailureReason) error {
	targets := s.groupTargets(reason.Child)

	for _, ref := range targets {
		if s.damped(ref) {
			s.logger.Warn("supervision: restart budget exhausted, forcing stop",
				"child", ref.key(), "max_restarts", s.backoff.MaxRestarts, "window", s.backoff.RestartWindow)
			if err := s.stopChild(ctx, ref, "restart_budget_exhausted"); err != nil {
				return err
			}
			continue
		}

		delay := s.recordRestart(ref)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.lifecycle.Deactivate(ctx, ref.TypeID, ref.ActorID, "restart"); err != nil {
			s.logger.Warn("supervision: deactivate during restart failed", "child", ref.key(), "error", err)
		}
		if err := s.lifecycle.Reactivate(ctx, ref.TypeID, ref.ActorID); err != nil {
			return fmt.Errorf("supervision: reactivate failed for %s: %w", ref.key(), err)
		}
	}
	return nil
}

func (s *Supervisor) stopChild(ctx context.Context, ref ChildRef, reason string) error {
	if err := s.lifecycle.Deactivate(ctx, ref.TypeID, ref.ActorID, reason); err != nil {
		return fmt.Errorf("supervision: error stopping child %s: %w", ref.key(), err)
	}
	s.RemoveChild(ref)
	return nil
}

// groupTargets returns the children a Restart directive applies to, given
// the failing child and this supervisor's Strategy.
func (s *Supervisor) groupTargets(failing ChildRef) []ChildRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]*childState, 0, len(s.children))
	for _, cs := range s.children {
		ordered = append(ordered, cs)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	switch s.strategy {
	case AllForOne:
		out := make([]ChildRef, len(ordered))
		for i, cs := range ordered {
			out[i] = cs.ref
		}
		return out

	case RestForOne:
		failingState, ok := s.children[failing.key()]
		if !ok {
			return []ChildRef{failing}
		}
		var out []ChildRef
		for _, cs := range ordered {
			if cs.order >= failingState.order {
				out = append(out, cs.ref)
			}
		}
		return out

	default: // OneForOne
		return []ChildRef{failing}
	}
}

// recordRestart appends now to ref's restart history (pruning entries
// outside the sliding window) and returns the exponential backoff delay to
// apply before this restart, based on how many restarts are already in the
// window.
func (s *Supervisor) recordRestart(ref ChildRef) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.children[ref.key()]
	if !ok {
		cs = &childState{ref: ref, order: s.nextOrder}
		s.nextOrder++
		s.children[ref.key()] = cs
	}

	now := time.Now()
	cs.restartTimestamps = pruneWindow(cs.restartTimestamps, now, s.backoff.RestartWindow)
	count := len(cs.restartTimestamps)
	cs.restartTimestamps = append(cs.restartTimestamps, now)

	delay := s.backoff.BaseDelay * time.Duration(1<<uint(count))
	if delay > s.backoff.MaxDelay {
		delay = s.backoff.MaxDelay
	}
	return delay
}

// damped reports whether ref has exhausted its restart budget within the
// sliding window, forcing Stop instead of Restart.
func (s *Supervisor) damped(ref ChildRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.children[ref.key()]
	if !ok {
		return false
	}
	cs.restartTimestamps = pruneWindow(cs.restartTimestamps, time.Now(), s.backoff.RestartWindow)
	return len(cs.restartTimestamps) >= s.backoff.MaxRestarts
}

func pruneWindow(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := timestamps[:0:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
