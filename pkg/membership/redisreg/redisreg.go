// Package redisreg implements membership.Registry against Redis: silo
// records as TTL'd keys and a Pub/Sub channel for join/leave events, per the
// "Registry key layout" in §6:
//
//	<prefix>:silo:<silo_id>   -> silo record, TTL = HeartbeatTimeout
//	<prefix>:silo:channel     -> pub/sub channel for join/leave
//
// This is the concrete instance of the "pluggable storage backend" the core
// spec treats as an external collaborator.
package redisreg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orbitrt/orbit/pkg/membership"
)

// Registry is a Redis-backed membership.Registry.
type Registry struct {
	client *redis.Client
	prefix string

	subMu    sync.Mutex
	subCount int
	cancel   context.CancelFunc
	doneCh   chan struct{}

	handlerMu sync.Mutex
	handlers  map[int]membership.Handler
	nextID    int
}

// New creates a Redis-backed Registry using client, with all keys namespaced
// under prefix.
func New(client *redis.Client, prefix string) *Registry {
	return &Registry{
		client:   client,
		prefix:   prefix,
		handlers: make(map[int]membership.Handler),
	}
}

func (r *Registry) siloKey(siloID string) string {
	return fmt.Sprintf("%s:silo:%s", r.prefix, siloID)
}

func (r *Registry) channelKey() string {
	return fmt.Sprintf("%s:silo:channel", r.prefix)
}

type wireEvent struct {
	Type   string              `json:"type"`
	SiloID string              `json:"silo_id"`
	Info   membership.SiloInfo `json:"info"`
}

func (r *Registry) Register(ctx context.Context, info membership.SiloInfo, ttl time.Duration) error {
	key := r.siloKey(info.SiloID)
	// Detect a live record from a different process: SetNX fails if one
	// already exists and hasn't expired.
	info.LastHeartbeat = time.Now()
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("redisreg: error marshaling silo info: %w", err)
	}

	ok, err := r.client.SetNX(ctx, key, body, ttl).Result()
	if err != nil {
		return fmt.Errorf("redisreg: error registering silo %s: %w", info.SiloID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", membership.ErrAlreadyRegistered, info.SiloID)
	}

	return r.publish(ctx, wireEvent{Type: string(membership.EventJoin), SiloID: info.SiloID, Info: info})
}

func (r *Registry) Refresh(ctx context.Context, info membership.SiloInfo, ttl time.Duration) error {
	info.LastHeartbeat = time.Now()
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("redisreg: error marshaling silo info: %w", err)
	}
	if err := r.client.Set(ctx, r.siloKey(info.SiloID), body, ttl).Err(); err != nil {
		return fmt.Errorf("redisreg: error refreshing silo %s: %w", info.SiloID, err)
	}
	return nil
}

func (r *Registry) Unregister(ctx context.Context, siloID string) error {
	n, err := r.client.Del(ctx, r.siloKey(siloID)).Result()
	if err != nil {
		return fmt.Errorf("redisreg: error unregistering silo %s: %w", siloID, err)
	}
	if n == 0 {
		return nil
	}
	return r.publish(ctx, wireEvent{Type: string(membership.EventLeave), SiloID: siloID})
}

func (r *Registry) ListActive(ctx context.Context) ([]membership.SiloInfo, error) {
	var (
		out    []membership.SiloInfo
		cursor uint64
	)
	pattern := fmt.Sprintf("%s:silo:*", r.prefix)
	channelSuffix := ":silo:channel"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redisreg: error scanning silo keys: %w", err)
		}
		for _, k := range keys {
			if strings.HasSuffix(k, channelSuffix) {
				continue
			}
			body, err := r.client.Get(ctx, k).Bytes()
			if err != nil {
				if err == redis.Nil {
					continue // expired between SCAN and GET.
				}
				return nil, fmt.Errorf("redisreg: error reading silo key %s: %w", k, err)
			}
			var info membership.SiloInfo
			if err := json.Unmarshal(body, &info); err != nil {
				return nil, fmt.Errorf("redisreg: error unmarshaling silo key %s: %w", k, err)
			}
			out = append(out, info)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *Registry) publish(ctx context.Context, ev wireEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redisreg: error marshaling event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channelKey(), body).Err(); err != nil {
		return fmt.Errorf("redisreg: error publishing event: %w", err)
	}
	return nil
}

// Subscribe starts (on first call) a background Redis Pub/Sub listener and
// fans incoming events out to every registered handler.
func (r *Registry) Subscribe(handler membership.Handler) func() {
	r.handlerMu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = handler
	r.handlerMu.Unlock()

	r.ensureListening()

	return func() {
		r.handlerMu.Lock()
		delete(r.handlers, id)
		r.handlerMu.Unlock()
	}
}

func (r *Registry) ensureListening() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subCount++
	if r.subCount > 1 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.doneCh = make(chan struct{})

	sub := r.client.Subscribe(ctx, r.channelKey())
	go func() {
		defer close(r.doneCh)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				r.dispatch(membership.Event{
					Type:   membership.EventType(ev.Type),
					SiloID: ev.SiloID,
					Info:   ev.Info,
				})
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) dispatch(ev membership.Event) {
	r.handlerMu.Lock()
	handlers := make([]membership.Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.handlerMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (r *Registry) Close(ctx context.Context) error {
	r.subMu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	done := r.doneCh
	r.subMu.Unlock()
	if done != nil {
		<-done
	}
	return r.client.Close()
}
