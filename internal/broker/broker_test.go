package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

func TestBrokerDeliversToRunSubscribersOnly(t *testing.T) {
	b := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1 := b.Subscribe(ctx, "r1")
	r2 := b.Subscribe(ctx, "r2")

	n := b.Publish(domain.RunEvent{RunID: "r1", Seq: 1, Type: domain.EventTypeRunStarted})
	assert.Equal(t, 1, n)

	select {
	case event := <-r1.Events():
		assert.Equal(t, int64(1), event.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected event for r1")
	}
	select {
	case event := <-r2.Events():
		t.Fatalf("unexpected event for r2: %+v", event)
	default:
	}
}

func TestBrokerDropsWhenQueueFull(t *testing.T) {
	b := New(2)
	var drops atomic.Int32
	b.OnDrop = func(string) { drops.Add(1) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(ctx, "r1")
	for seq := int64(1); seq <= 5; seq++ {
		b.Publish(domain.RunEvent{RunID: "r1", Seq: seq})
	}
	assert.Equal(t, int32(3), drops.Load())

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
}

func TestBrokerSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.Subscribe(ctx, "r1") // never read
	fast := b.Subscribe(ctx, "r1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := int64(1); seq <= 100; seq++ {
			b.Publish(domain.RunEvent{RunID: "r1", Seq: seq})
			<-fast.Events()
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestBrokerCancelClosesSubscriptionOnce(t *testing.T) {
	b := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, "r1")
	require.Equal(t, 1, b.SubscriberCount("r1"))

	cancel()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Equal(t, 0, b.SubscriberCount("r1"))

	// Publishing and closing again after removal are no-ops.
	assert.Equal(t, 0, b.Publish(domain.RunEvent{RunID: "r1", Seq: 1}))
	sub.close()
	assert.False(t, sub.offer(domain.RunEvent{RunID: "r1"}))
}
