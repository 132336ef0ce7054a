// normalizer.go converts venue-specific market data into canonical quotes.
//
// Every adapter funnels its decoded frames through one Normalizer, which
// enforces the rules shared by all venues: symbol mapping, crossed-quote
// rejection, per-stream throttling, and synthetic spreads for ticker-only
// venues. Adapters never emit a quote the normalizer has not approved.
package venue

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// Stream identifies which venue stream produced an event. Each stream has
// its own minimum inter-event gap, enforced independently per symbol.
type Stream string

const (
	StreamTicker Stream = "ticker"
	StreamBook   Stream = "book"
	StreamTrade  Stream = "trade"
)

// Minimum gaps between consecutive events on one (symbol, stream).
// Later events inside the gap are dropped.
const (
	tickerMinGap = 500 * time.Millisecond
	bookMinGap   = 200 * time.Millisecond
	tradeMinGap  = 100 * time.Millisecond

	// How long a book-derived quote stays authoritative. While one is
	// fresher than this, ticker frames do not synthesize quotes.
	bookAuthorityWindow = 500 * time.Millisecond
)

// syntheticHalfSpread is the half-width applied around the last trade
// price when a venue sends ticker data without a book: +/-0.05%.
var syntheticHalfSpread = decimal.NewFromFloat(0.0005)

func (s Stream) minGap() time.Duration {
	switch s {
	case StreamTicker:
		return tickerMinGap
	case StreamBook:
		return bookMinGap
	default:
		return tradeMinGap
	}
}

type symbolState struct {
	lastEvent  map[Stream]time.Time // last accepted event per stream
	lastBookAt time.Time            // last accepted book-derived quote
}

// Normalizer validates and throttles one venue's decoded frames. It is
// safe for use from a single decoder goroutine; the counters are atomic so
// Stats can be read from anywhere.
type Normalizer struct {
	venue     string
	symbolMap map[string]string // venue symbol -> canonical, e.g. "BTCUSDT" -> "BTC"
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time // injectable for tests

	mu      sync.Mutex
	symbols map[string]*symbolState

	malformed int64 // atomic
	throttled int64 // atomic
	unknown   int64 // atomic
}

// NewNormalizer creates a normalizer for one venue. symbolMap maps the
// venue's native symbols to canonical short names; frames for unmapped
// symbols are discarded.
func NewNormalizer(venue string, symbolMap map[string]string, m *metrics.Metrics, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		venue:     venue,
		symbolMap: symbolMap,
		metrics:   m,
		logger:    logger.With("component", "normalizer", "venue", venue),
		now:       time.Now,
		symbols:   make(map[string]*symbolState),
	}
}

// SetClock replaces the time source. Test hook.
func (n *Normalizer) SetClock(now func() time.Time) { n.now = now }

// Canonical maps a venue-native symbol to its canonical name. The second
// return is false for unknown symbols.
func (n *Normalizer) Canonical(venueSymbol string) (string, bool) {
	s, ok := n.symbolMap[venueSymbol]
	if !ok {
		atomic.AddInt64(&n.unknown, 1)
	}
	return s, ok
}

// FromBook builds a quote from best-level book data. Returns false when
// the frame is malformed or throttled; the caller emits nothing in that
// case.
func (n *Normalizer) FromBook(venueSymbol string, bid, ask, volume24h decimal.Decimal, ts time.Time) (types.Quote, bool) {
	symbol, ok := n.Canonical(venueSymbol)
	if !ok {
		return types.Quote{}, false
	}

	q := types.Quote{
		Venue:     n.venue,
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Volume24h: volume24h,
		TsNanos:   ts.UnixNano(),
	}
	if err := q.Validate(); err != nil {
		atomic.AddInt64(&n.malformed, 1)
		n.metrics.RecordMalformed(n.venue)
		n.logger.Warn("dropping malformed book frame", "symbol", symbol, "error", err)
		return types.Quote{}, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.admit(symbol, StreamBook) {
		return types.Quote{}, false
	}
	n.state(symbol).lastBookAt = n.now()
	return q, true
}

// FromTicker builds a quote from a ticker frame. When the venue sends no
// book quote for this symbol within the authority window, a tight spread
// is synthesized around last. Otherwise the ticker is dropped so the
// book-derived quote stays authoritative.
func (n *Normalizer) FromTicker(venueSymbol string, bid, ask, last, markPrice, volume24h decimal.Decimal, ts time.Time) (types.Quote, bool) {
	symbol, ok := n.Canonical(venueSymbol)
	if !ok {
		return types.Quote{}, false
	}

	n.mu.Lock()
	st := n.state(symbol)
	bookFresh := !st.lastBookAt.IsZero() && n.now().Sub(st.lastBookAt) < bookAuthorityWindow
	n.mu.Unlock()
	if bookFresh {
		return types.Quote{}, false
	}

	if (bid.Sign() <= 0 || ask.Sign() <= 0) && last.Sign() > 0 {
		// Ticker without a usable bid/ask: synthesize +/-0.05% around last.
		bid = last.Mul(decimal.NewFromInt(1).Sub(syntheticHalfSpread))
		ask = last.Mul(decimal.NewFromInt(1).Add(syntheticHalfSpread))
	}

	q := types.Quote{
		Venue:     n.venue,
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		MarkPrice: markPrice,
		Volume24h: volume24h,
		TsNanos:   ts.UnixNano(),
	}
	if err := q.Validate(); err != nil {
		atomic.AddInt64(&n.malformed, 1)
		n.metrics.RecordMalformed(n.venue)
		n.logger.Warn("dropping malformed ticker frame", "symbol", symbol, "error", err)
		return types.Quote{}, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.admit(symbol, StreamTicker) {
		return types.Quote{}, false
	}
	return q, true
}

// AdmitTrade applies the trade-stream gap only; trades carry no quote.
func (n *Normalizer) AdmitTrade(venueSymbol string) bool {
	symbol, ok := n.Canonical(venueSymbol)
	if !ok {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.admit(symbol, StreamTrade)
}

// admit enforces the minimum inter-event gap. Caller holds n.mu.
func (n *Normalizer) admit(symbol string, stream Stream) bool {
	st := n.state(symbol)
	now := n.now()
	if last, ok := st.lastEvent[stream]; ok && now.Sub(last) < stream.minGap() {
		atomic.AddInt64(&n.throttled, 1)
		n.metrics.RecordThrottled(n.venue, string(stream))
		return false
	}
	st.lastEvent[stream] = now
	return true
}

func (n *Normalizer) state(symbol string) *symbolState {
	st, ok := n.symbols[symbol]
	if !ok {
		st = &symbolState{lastEvent: make(map[Stream]time.Time)}
		n.symbols[symbol] = st
	}
	return st
}

// Stats is a snapshot of the drop counters.
type Stats struct {
	Malformed int64
	Throttled int64
	Unknown   int64
}

// Stats returns the current drop counts.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Malformed: atomic.LoadInt64(&n.malformed),
		Throttled: atomic.LoadInt64(&n.throttled),
		Unknown:   atomic.LoadInt64(&n.unknown),
	}
}
