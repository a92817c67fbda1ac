// Package notify dispatches fire-and-forget events to users and admins.
// Delivery failures are logged and never returned to the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/verdictmarket/backend/internal/resilience"
)

const AdminChannel = "notifications:admin"

// Event types.
const (
	EventCreditsChanged    = "credits.changed"
	EventAuditWriteFailed  = "audit.write_failed"
	EventRequestRouted     = "request.routed"
	EventReviewerAssigned  = "request.assigned"
	EventExpertShortage    = "routing.expert_shortage"
	EventReconcileFindings = "reconcile.findings"
)

type Event struct {
	Type string `json:"type"`
	// UserID selects the user channel. Nil with Admin set targets admins only.
	UserID     *uuid.UUID     `json:"user_id,omitempty"`
	Admin      bool           `json:"admin,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Channels returns the pub/sub channels an event is published to.
func (e Event) Channels() []string {
	var out []string
	if e.UserID != nil {
		out = append(out, UserChannel(*e.UserID))
	}
	if e.Admin {
		out = append(out, AdminChannel)
	}
	return out
}

func UserChannel(id uuid.UUID) string {
	return "notifications:" + id.String()
}

// Notifier never fails from the caller's point of view.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Noop drops every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// RedisPublisher publishes events as JSON on Redis pub/sub.
type RedisPublisher struct {
	client goredis.UniversalClient
	exec   *resilience.Executor
	log    *slog.Logger
}

func NewRedisPublisher(client goredis.UniversalClient, exec *resilience.Executor, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, exec: exec, log: logger}
}

var _ Notifier = (*RedisPublisher)(nil)

// Notify publishes synchronously under the executor's attempt timeout. The
// caller's cancellation does not abort delivery of an event for a committed
// change.
func (p *RedisPublisher) Notify(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("notification marshal failed", "type", ev.Type, "error", err)
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ch := range ev.Channels() {
		err := p.exec.Run(ctx, func(ctx context.Context) error {
			return p.client.Publish(ctx, ch, payload).Err()
		})
		if err != nil {
			p.log.Warn("notification dropped", "type", ev.Type, "channel", ch, "error", err)
		}
	}
}

// Subscribe delivers events from channel to handler until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, channel string, handler func(Event)) error {
	sub := p.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.log.Warn("notification unmarshal failed", "channel", channel, "error", err)
				continue
			}
			handler(ev)
		}
	}
}

// NewRedisClient parses a redis:// URL and verifies the server responds.
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Recorder keeps events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
