// Package statushub fans campaign progress events out to live observers.
//
// Contract:
//   - Publish never blocks on an observer and never fails.
//   - An observer whose Deliver returns an error (or panics) is dropped.
//   - Events published from one goroutine reach each observer in order.
//
// NonBlocking observers are called inline by Publish. Every other observer
// gets its own bounded queue drained by one goroutine; when that queue fills
// up the observer is dropped.
package statushub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logx "campaignd/pkg/logx"
)

type EventType string

const (
	AccountStatus     EventType = "account_status"
	MessageSent       EventType = "message_sent"
	SendError         EventType = "send_error"
	TargetBlocked     EventType = "target_blocked"
	RateLimited       EventType = "rate_limited"
	RoundComplete     EventType = "round_complete"
	AccountError      EventType = "account_error"
	AccountComplete   EventType = "account_complete"
	BroadcastComplete EventType = "broadcast_complete"
)

// Event is immutable once published. Data should be JSON-serializable.
type Event struct {
	Owner    string    `json:"owner,omitempty"` // set by Publish
	Campaign string    `json:"campaign_id"`
	Account  string    `json:"account,omitempty"`
	Type     EventType `json:"type"`
	Data     any       `json:"data,omitempty"`
	Time     time.Time `json:"timestamp"`
}

// Observer receives events. An error unregisters the observer.
type Observer interface {
	Deliver(e Event) error
}

// NonBlocking marks an Observer whose Deliver returns without waiting, so
// the hub may call it inline.
type NonBlocking interface {
	Observer
	NonBlocking()
}

// QueueSize is the per-observer backlog for observers that may block.
const QueueSize = 256

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event) error

func (f ObserverFunc) Deliver(e Event) error { return f(e) }

// ErrObserverFull is returned by ChanObserver when its buffer is full.
var ErrObserverFull = errors.New("observer buffer full")

// ErrObserverClosed is returned by ChanObserver after Close.
var ErrObserverClosed = errors.New("observer closed")

// allTenants is the registry key for firehose observers.
const allTenants = "\x00*"

type Hub struct {
	log logx.Logger
	seq atomic.Uint64

	// pubMu serializes Publish so observers see one global order.
	pubMu sync.Mutex

	mu   sync.RWMutex
	subs map[string]map[uint64]Observer
}

func New(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{log: log, subs: map[string]map[uint64]Observer{}}
}

// Subscribe registers obs for tenant's events. The returned func unregisters
// it and is safe to call more than once.
func (h *Hub) Subscribe(tenant string, obs Observer) (unsubscribe func()) {
	if obs == nil {
		return func() {}
	}
	id := h.seq.Add(1)
	if _, ok := obs.(NonBlocking); !ok {
		q := newQueued(obs)
		go q.run(func(err error) { h.drop(tenant, id, err) })
		obs = q
	}
	h.mu.Lock()
	set := h.subs[tenant]
	if set == nil {
		set = map[uint64]Observer{}
		h.subs[tenant] = set
	}
	set[id] = obs
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(tenant, id) })
	}
}

// SubscribeAll registers obs for every tenant's events.
func (h *Hub) SubscribeAll(obs Observer) (unsubscribe func()) {
	return h.Subscribe(allTenants, obs)
}

func (h *Hub) remove(tenant string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[tenant]
	if set == nil {
		return
	}
	if q, ok := set[id].(*queued); ok {
		q.close()
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.subs, tenant)
	}
}

// Publish delivers e to tenant's observers and to firehose observers.
func (h *Hub) Publish(tenant string, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Owner = tenant

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	type target struct {
		tenant string
		id     uint64
		obs    Observer
	}
	// Snapshot so delivery runs without holding mu.
	h.mu.RLock()
	targets := make([]target, 0, len(h.subs[tenant])+len(h.subs[allTenants]))
	for id, obs := range h.subs[tenant] {
		targets = append(targets, target{tenant, id, obs})
	}
	if tenant != allTenants {
		for id, obs := range h.subs[allTenants] {
			targets = append(targets, target{allTenants, id, obs})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := safeDeliver(t.obs, e); err != nil {
			h.drop(t.tenant, t.id, err)
		}
	}
}

func (h *Hub) drop(tenant string, id uint64, err error) {
	h.remove(tenant, id)
	h.log.Debug("observer dropped", logx.String("tenant", tenant), logx.Err(err))
}

func safeDeliver(obs Observer, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("observer panicked")
		}
	}()
	return obs.Deliver(e)
}

// Observers returns the number of observers registered for tenant.
func (h *Hub) Observers(tenant string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenant])
}

// queued runs a possibly blocking observer off the publish path.
type queued struct {
	obs  Observer
	ch   chan Event
	stop chan struct{}
	once sync.Once
}

func newQueued(obs Observer) *queued {
	return &queued{obs: obs, ch: make(chan Event, QueueSize), stop: make(chan struct{})}
}

func (q *queued) Deliver(e Event) error {
	select {
	case <-q.stop:
		return ErrObserverClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrObserverFull
	}
}

// run delivers queued events until the observer is removed or fails.
func (q *queued) run(fail func(error)) {
	for {
		select {
		case <-q.stop:
			return
		case e := <-q.ch:
			if err := safeDeliver(q.obs, e); err != nil {
				fail(err)
				return
			}
		}
	}
}

func (q *queued) close() { q.once.Do(func() { close(q.stop) }) }

// ChanObserver buffers events for a single reader such as a websocket
// connection. A full buffer fails delivery so the hub drops the reader
// instead of stalling publishers.
type ChanObserver struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewChanObserver(buffer int) *ChanObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanObserver{ch: make(chan Event, buffer)}
}

func (c *ChanObserver) Deliver(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrObserverClosed
	}
	select {
	case c.ch <- e:
		return nil
	default:
		c.closed = true
		close(c.ch)
		return ErrObserverFull
	}
}

func (c *ChanObserver) NonBlocking() {}

// Events is closed after Close or after the observer is dropped for being slow.
func (c *ChanObserver) Events() <-chan Event { return c.ch }

func (c *ChanObserver) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
