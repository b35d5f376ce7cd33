// Package amqpsink forwards status hub events to an AMQP topic exchange so
// other services can follow campaign progress.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/streadway/amqp"

	"campaignd/internal/statushub"
	logx "campaignd/pkg/logx"
)

type Config struct {
	URL        string
	Exchange   string // default "campaignd.events"
	RoutingKey string // prefix, default "campaign"; the event type is appended
	QueueSize  int    // default 1024
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Exchange) == "" {
		c.Exchange = "campaignd.events"
	}
	if strings.TrimSpace(c.RoutingKey) == "" {
		c.RoutingKey = "campaign"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// channel is the subset of *amqp.Channel the forwarder uses.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

type dialFunc func(cfg Config) (channel, io.Closer, error)

// Forwarder is a statushub.Observer. Deliver only enqueues; Run publishes.
// When the queue is full events are dropped and counted, so a broker outage
// never slows workers down.
type Forwarder struct {
	cfg  Config
	log  logx.Logger
	dial dialFunc

	queue chan statushub.Event

	mu      sync.Mutex
	pending *statushub.Event // failed publish, retried after reconnect

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Forwarder{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "amqpsink")),
		dial:  dialAMQP,
		queue: make(chan statushub.Event, cfg.QueueSize),
	}
}

// NonBlocking lets the hub deliver inline; Deliver never waits.
func (f *Forwarder) NonBlocking() {}

func (f *Forwarder) Deliver(e statushub.Event) error {
	select {
	case f.queue <- e:
	default:
		if n := f.dropped.Add(1); n == 1 || n%1000 == 0 {
			f.log.Warn("event queue full, dropping", logx.Uint64("dropped", n))
		}
	}
	return nil
}

// Stats returns how many events were published and dropped.
func (f *Forwarder) Stats() (sent, dropped uint64) {
	return f.sent.Load(), f.dropped.Load()
}

// Run connects and publishes until ctx ends or the connection breaks. It is
// meant to run under a restart loop.
func (f *Forwarder) Run(ctx context.Context) error {
	ch, closer, err := f.dial(f.cfg)
	if err != nil {
		return fmt.Errorf("amqp connect: %w", err)
	}
	defer func() { _ = closer.Close() }()
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	f.log.Info("amqp forwarder connected", logx.String("exchange", f.cfg.Exchange))

	if e := f.takePending(); e != nil {
		if err := f.publish(ch, *e); err != nil {
			f.setPending(e)
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return errors.New("amqp channel closed")
			}
			return fmt.Errorf("amqp channel closed: %w", aerr)
		case e := <-f.queue:
			if err := f.publish(ch, e); err != nil {
				f.setPending(&e)
				return err
			}
		}
	}
}

func (f *Forwarder) publish(ch channel, e statushub.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		// Unserializable data is a programming error; skip the event.
		f.log.Warn("event not serializable", logx.String("type", string(e.Type)), logx.Err(err))
		return nil
	}
	err = ch.Publish(f.cfg.Exchange, f.routingKey(e), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
		Type:         string(e.Type),
		Headers:      amqp.Table{"owner": e.Owner, "campaign_id": e.Campaign},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	f.sent.Add(1)
	return nil
}

func (f *Forwarder) routingKey(e statushub.Event) string {
	return f.cfg.RoutingKey + "." + string(e.Type)
}

func (f *Forwarder) takePending() *statushub.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.pending
	f.pending = nil
	return e
}

func (f *Forwarder) setPending(e *statushub.Event) {
	f.mu.Lock()
	f.pending = e
	f.mu.Unlock()
}

type connCloser struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (c connCloser) Close() error {
	return errors.Join(c.ch.Close(), c.conn.Close())
}

func dialAMQP(cfg Config) (channel, io.Closer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // delete when unused
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, connCloser{conn: conn, ch: ch}, nil
}
