package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/verdictmarket/backend/internal/resilience"
)

func newPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exec := resilience.New(resilience.Config{
		Name:           "redis",
		MaxRetries:     1,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
		AttemptTimeout: 200 * time.Millisecond,
	}, nil, nil)
	return NewRedisPublisher(client, exec, nil), mr
}

func TestEventChannels(t *testing.T) {
	id := uuid.MustParse("7b1e7c0e-0000-4000-8000-000000000001")
	ev := Event{Type: EventCreditsChanged, UserID: &id, Admin: true}
	require.Equal(t, []string{"notifications:" + id.String(), AdminChannel}, ev.Channels())
	require.Empty(t, Event{Type: "x"}.Channels())
}

func TestPublishAndSubscribe(t *testing.T) {
	pub, _ := newPublisher(t)
	id := uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan Event, 1)
	ready := make(chan struct{})
	go func() {
		_ = pub.Subscribe(ctx, UserChannel(id), func(ev Event) {
			got <- ev
			cancel()
		})
	}()
	go func() {
		// Give the subscriber time to register.
		for i := 0; i < 50; i++ {
			n, _ := pub.client.PubSubNumSub(ctx, UserChannel(id)).Result()
			if n[UserChannel(id)] > 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		close(ready)
	}()
	<-ready

	pub.Notify(ctx, Event{Type: EventCreditsChanged, UserID: &id, Payload: map[string]any{"new_balance": 2}})

	select {
	case ev := <-got:
		require.Equal(t, EventCreditsChanged, ev.Type)
		require.Equal(t, id, *ev.UserID)
		require.False(t, ev.OccurredAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNotifySwallowsRedisFailure(t *testing.T) {
	pub, mr := newPublisher(t)
	mr.Close()

	id := uuid.New()
	// Must return without panicking or blocking past the attempt timeouts.
	done := make(chan struct{})
	go func() {
		pub.Notify(context.Background(), Event{Type: EventCreditsChanged, UserID: &id})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Notify blocked on an unavailable redis")
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Notify(context.Background(), Event{Type: EventRequestRouted})
	r.Notify(context.Background(), Event{Type: EventExpertShortage})
	require.Len(t, r.Events(), 2)
	require.Len(t, r.OfType(EventExpertShortage), 1)
}
