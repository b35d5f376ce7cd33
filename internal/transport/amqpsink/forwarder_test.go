package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"campaignd/internal/statushub"
	logx "campaignd/pkg/logx"
)

type fakeChannel struct {
	mu       sync.Mutex
	msgs     []amqp.Publishing
	keys     []string
	failNext bool
	closed   chan *amqp.Error
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errors.New("channel/connection is not open")
	}
	c.msgs = append(c.msgs, msg)
	c.keys = append(c.keys, key)
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = ch
	return ch
}

func (c *fakeChannel) published() ([]amqp.Publishing, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]amqp.Publishing(nil), c.msgs...), append([]string(nil), c.keys...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newTestForwarder(ch *fakeChannel, queue int) *Forwarder {
	f := New(Config{URL: "amqp://test", QueueSize: queue}, logx.Nop())
	f.dial = func(Config) (channel, io.Closer, error) { return ch, nopCloser{}, nil }
	return f
}

func TestForwarderPublishesHubEvents(t *testing.T) {
	ch := &fakeChannel{}
	f := newTestForwarder(ch, 8)

	hub := statushub.New(logx.Nop())
	defer hub.SubscribeAll(f)()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	hub.Publish("alice", statushub.Event{Campaign: "c1", Account: "acc1", Type: statushub.MessageSent})
	hub.Publish("bob", statushub.Event{Campaign: "c2", Type: statushub.BroadcastComplete})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if sent, _ := f.Stats(); sent == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("events not published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}

	msgs, keys := ch.published()
	if keys[0] != "campaign.message_sent" || keys[1] != "campaign.broadcast_complete" {
		t.Fatalf("keys = %v", keys)
	}
	var e statushub.Event
	if err := json.Unmarshal(msgs[0].Body, &e); err != nil {
		t.Fatal(err)
	}
	if e.Owner != "alice" || e.Campaign != "c1" || msgs[0].Headers["owner"] != "alice" {
		t.Fatalf("event = %+v headers = %v", e, msgs[0].Headers)
	}
}

func TestForwarderRetriesAfterFailure(t *testing.T) {
	ch := &fakeChannel{failNext: true}
	f := newTestForwarder(ch, 8)
	_ = f.Deliver(statushub.Event{Type: statushub.RoundComplete})

	if err := f.Run(context.Background()); err == nil {
		t.Fatal("expected publish error")
	}
	if sent, _ := f.Stats(); sent != 0 {
		t.Fatalf("sent = %d", sent)
	}

	// Reconnect: the failed event goes out first.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if sent, _ := f.Stats(); sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pending event not republished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestForwarderDropsWhenFull(t *testing.T) {
	t.Parallel()

	f := newTestForwarder(&fakeChannel{}, 1)
	for i := 0; i < 3; i++ {
		if err := f.Deliver(statushub.Event{Type: statushub.MessageSent}); err != nil {
			t.Fatalf("Deliver must not fail: %v", err)
		}
	}
	if _, dropped := f.Stats(); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
}

func TestForwarderStopsOnChannelClose(t *testing.T) {
	ch := &fakeChannel{}
	f := newTestForwarder(ch, 1)

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ch.mu.Lock()
		ready := ch.closed != nil
		ch.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	closed <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	if err := <-done; err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want close error", err)
	}
}
