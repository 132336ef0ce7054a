// Package hub owns the venue adapter set and fans normalized quotes out
// to subscribers.
//
// The hub is a thin composition layer: adapters decode and normalize,
// subscribers consume. Its jobs are supervision (connect retries with
// exponential backoff, failure/restore events) and backpressure (one
// bounded queue per subscriber; a slow consumer never stalls a producer,
// overflow drops the newest quote with a rate-limited warning).
//
// Ordering: quotes from the same (venue, symbol) are enqueued in arrival
// order by the adapter's single decoder goroutine, so each subscriber
// observes them FIFO. Nothing is promised across venues.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/metrics"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// EventKind classifies connection events.
type EventKind string

const (
	ConnectionFailed   EventKind = "connection_failed"
	ConnectionRestored EventKind = "connection_restored"
)

// Event reports an adapter connectivity change.
type Event struct {
	Kind  EventKind
	Venue string
	Err   error
	At    time.Time
}

// Config holds the hub's tunables.
type Config struct {
	QueueSize       int           // per-subscriber channel bound
	ShutdownGrace   time.Duration // max wait for queues to drain on Stop
	ConnectAttempts int           // attempts per connect cycle
	ConnectBackoff  time.Duration // base delay between attempts, doubles each try
}

// DefaultConfig mirrors the stock configuration file values.
func DefaultConfig() Config {
	return Config{
		QueueSize:       200000,
		ShutdownGrace:   5 * time.Second,
		ConnectAttempts: 3,
		ConnectBackoff:  time.Second,
	}
}

type subscriber struct {
	name     string
	ch       chan types.Quote
	mu       sync.Mutex
	dropped  int64
	lastWarn time.Time
}

type member struct {
	adapter venue.Adapter
	symbols []string
	up      bool
}

// Hub supervises adapters and distributes their quotes.
type Hub struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	members map[string]*member
	subs    []*subscriber
	events  chan Event
	stopped bool

	wg sync.WaitGroup
}

// New creates an empty hub.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Hub{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "hub"),
		members: make(map[string]*member),
		events:  make(chan Event, 64),
	}
}

// Events returns the connection event stream. Never closed; drained
// best-effort by the engine.
func (h *Hub) Events() <-chan Event { return h.events }

// Subscribe registers a named consumer and returns its bounded quote
// channel. Must be called before Add so no quotes are missed.
func (h *Hub) Subscribe(name string) <-chan types.Quote {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &subscriber{name: name, ch: make(chan types.Quote, h.cfg.QueueSize)}
	h.subs = append(h.subs, sub)
	return sub.ch
}

// Add registers an adapter and connects it, retrying with exponential
// backoff. A failed cycle emits ConnectionFailed and keeps retrying in
// the background until ctx cancels; a later success emits
// ConnectionRestored.
func (h *Hub) Add(ctx context.Context, adapter venue.Adapter, symbols []string) error {
	name := adapter.Name()

	h.mu.Lock()
	if _, exists := h.members[name]; exists {
		h.mu.Unlock()
		return fmt.Errorf("hub: venue %q already added", name)
	}
	mem := &member{adapter: adapter, symbols: symbols}
	h.members[name] = mem
	h.mu.Unlock()

	// The adapter's decoder goroutine calls this in frame order, which is
	// what preserves per-(venue, symbol) FIFO through the fan-out.
	adapter.OnQuote(func(q types.Quote) {
		h.publish(q)
	})

	if err := h.connectCycle(ctx, mem); err != nil {
		h.emit(Event{Kind: ConnectionFailed, Venue: name, Err: err, At: time.Now()})
		h.wg.Add(1)
		go h.retryLoop(ctx, mem)
		return err
	}

	h.mu.Lock()
	mem.up = true
	h.mu.Unlock()
	return nil
}

// connectCycle runs one bounded retry cycle: N attempts, base delay
// doubling each time.
func (h *Hub) connectCycle(ctx context.Context, mem *member) error {
	name := mem.adapter.Name()
	delay := h.cfg.ConnectBackoff

	var lastErr error
	for attempt := 1; attempt <= h.cfg.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = mem.adapter.Connect(ctx, mem.symbols)
		if lastErr == nil {
			h.logger.Info("venue connected", "venue", name, "attempt", attempt)
			return nil
		}
		h.logger.Warn("venue connect failed",
			"venue", name,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt < h.cfg.ConnectAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("connect %s: %w", name, lastErr)
}

// retryLoop keeps running connect cycles until success or ctx cancels.
func (h *Hub) retryLoop(ctx context.Context, mem *member) {
	defer h.wg.Done()
	name := mem.adapter.Name()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.cfg.ConnectBackoff):
		}

		if err := h.connectCycle(ctx, mem); err != nil {
			h.emit(Event{Kind: ConnectionFailed, Venue: name, Err: err, At: time.Now()})
			continue
		}

		h.mu.Lock()
		mem.up = true
		h.mu.Unlock()
		h.metrics.RecordReconnect(name)
		h.emit(Event{Kind: ConnectionRestored, Venue: name, At: time.Now()})
		return
	}
}

// publish fans one quote out to every subscriber. Overflow policy: drop
// the newest (the incoming quote), warn at most once a second per
// subscriber, count every drop.
func (h *Hub) publish(q types.Quote) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	subs := h.subs
	h.mu.Unlock()

	h.metrics.RecordQuote(q.Venue)

	for _, sub := range subs {
		select {
		case sub.ch <- q:
		default:
			h.metrics.RecordOverflow(sub.name)
			sub.mu.Lock()
			sub.dropped++
			warn := time.Since(sub.lastWarn) >= time.Second
			if warn {
				sub.lastWarn = time.Now()
			}
			dropped := sub.dropped
			sub.mu.Unlock()
			if warn {
				h.logger.Warn("subscriber queue full, dropping quote",
					"subscriber", sub.name,
					"venue", q.Venue,
					"symbol", q.Symbol,
					"dropped_total", dropped,
				)
			}
		}
	}
}

// Dropped returns the total quotes dropped for a subscriber.
func (h *Hub) Dropped(name string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.name == name {
			sub.mu.Lock()
			defer sub.mu.Unlock()
			return sub.dropped
		}
	}
	return 0
}

// Stop disconnects every adapter, waits up to the shutdown grace for
// subscriber queues to drain, then closes them. No quotes are accepted
// after Stop begins. The context passed to Add must already be cancelled
// so background retry loops can finish.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	members := make([]*member, 0, len(h.members))
	for _, mem := range h.members {
		members = append(members, mem)
	}
	subs := h.subs
	h.mu.Unlock()

	for _, mem := range members {
		if err := mem.adapter.Disconnect(); err != nil {
			h.logger.Warn("disconnect failed", "venue", mem.adapter.Name(), "error", err)
		}
	}

	deadline := time.Now().Add(h.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		drained := true
		for _, sub := range subs {
			if len(sub.ch) > 0 {
				drained = false
				break
			}
		}
		if drained {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, sub := range subs {
		close(sub.ch)
	}
	h.wg.Wait()
	h.logger.Info("hub stopped")
}

func (h *Hub) emit(e Event) {
	select {
	case h.events <- e:
	default:
		// event channel full; connectivity state is also in the logs
	}
}
