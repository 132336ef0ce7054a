// hyperliquid.go implements the Hyperliquid perpetuals adapter.
//
// Market data runs over the public WebSocket: an l2Book subscription per
// symbol for best bid/ask and an activeAssetCtx subscription for mark
// price and 24h volume. REST snapshots go through the /info endpoint.
// The connection auto-reconnects with exponential backoff (1s to 30s max)
// and re-subscribes on reconnection; a read deadline detects silent server
// failures within about two missed pings.
//
// Trading on Hyperliquid requires the venue's wallet-based order signing,
// which is not wired here; trading calls return ErrNotAuthenticated. Paper
// trading uses the simulated adapter instead.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

const (
	hlName    = "Hyperliquid"
	hlWSURL   = "wss://api.hyperliquid.xyz/ws"
	hlRESTURL = "https://api.hyperliquid.xyz"

	hlPingInterval     = 20 * time.Second
	hlReadTimeout      = 60 * time.Second
	hlMaxReconnectWait = 30 * time.Second
	hlWriteTimeout     = 10 * time.Second
	hlRESTTimeout      = 5 * time.Second
)

// Hyperliquid is the live adapter for the Hyperliquid perpetuals venue.
type Hyperliquid struct {
	wsURL   string
	rest    *resty.Client
	limiter *RateLimiter
	norm    *Normalizer
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	cbMu      sync.RWMutex
	callbacks []QuoteCallback

	symbolsMu sync.RWMutex
	symbols   []string // canonical symbols we are subscribed to

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHyperliquid creates the adapter. Hyperliquid's native coin names are
// already the canonical short form, so the symbol map is the identity over
// the configured symbols.
func NewHyperliquid(symbols []string, norm *Normalizer, logger *slog.Logger) *Hyperliquid {
	rest := resty.New().
		SetBaseURL(hlRESTURL).
		SetTimeout(hlRESTTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Hyperliquid{
		wsURL:   hlWSURL,
		rest:    rest,
		limiter: NewRateLimiter(),
		norm:    norm,
		logger:  logger.With("component", "venue", "venue", hlName),
		symbols: symbols,
		done:    make(chan struct{}),
	}
}

// IdentitySymbolMap builds the symbol table for venues whose native names
// are already canonical.
func IdentitySymbolMap(symbols []string) map[string]string {
	m := make(map[string]string, len(symbols))
	for _, s := range symbols {
		m[s] = s
	}
	return m
}

func (h *Hyperliquid) Name() string { return hlName }

// OnQuote registers a quote callback. Callbacks fire in registration order
// from the single decoder goroutine.
func (h *Hyperliquid) OnQuote(cb QuoteCallback) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

func (h *Hyperliquid) emit(q types.Quote) {
	h.cbMu.RLock()
	defer h.cbMu.RUnlock()
	for _, cb := range h.callbacks {
		cb(q)
	}
}

// Connect dials the WebSocket and subscribes to book and asset-context
// streams for each symbol. Returns once the initial connection is up; the
// read loop keeps running until Disconnect or ctx cancellation.
func (h *Hyperliquid) Connect(ctx context.Context, symbols []string) error {
	h.symbolsMu.Lock()
	h.symbols = symbols
	h.symbolsMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	dialCtx, dialCancel := context.WithTimeout(runCtx, 10*time.Second)
	defer dialCancel()
	if err := h.dialAndSubscribe(dialCtx); err != nil {
		cancel()
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, hlName, err)
	}

	go h.run(runCtx)
	return nil
}

// Disconnect closes the transport and stops the read loop.
func (h *Hyperliquid) Disconnect() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

// run keeps the connection alive with auto-reconnect until ctx cancels.
func (h *Hyperliquid) run(ctx context.Context) {
	defer close(h.done)
	backoff := time.Second

	for {
		err := h.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		h.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > hlMaxReconnectWait {
			backoff = hlMaxReconnectWait
		}

		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		err = h.dialAndSubscribe(dialCtx)
		dialCancel()
		if err != nil {
			h.logger.Warn("reconnect failed", "error", err)
			continue
		}
		backoff = time.Second
	}
}

func (h *Hyperliquid) dialAndSubscribe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()

	h.symbolsMu.RLock()
	symbols := append([]string(nil), h.symbols...)
	h.symbolsMu.RUnlock()

	for _, sym := range symbols {
		for _, subType := range []string{"l2Book", "activeAssetCtx"} {
			msg := hlSubscribeMsg{Method: "subscribe"}
			msg.Subscription.Type = subType
			msg.Subscription.Coin = sym
			if err := h.writeJSON(msg); err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", subType, sym, err)
			}
		}
	}

	h.logger.Info("websocket connected", "symbols", symbols)
	return nil
}

func (h *Hyperliquid) readLoop(ctx context.Context) error {
	h.connMu.Lock()
	conn := h.conn
	h.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	defer func() {
		h.connMu.Lock()
		conn.Close()
		if h.conn == conn {
			h.conn = nil
		}
		h.connMu.Unlock()
	}()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go h.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(hlReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		h.dispatchMessage(msg)
	}
}

func (h *Hyperliquid) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(hlPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.writeJSON(map[string]string{"method": "ping"}); err != nil {
				h.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (h *Hyperliquid) writeJSON(v any) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == nil {
		return ErrNotConnected
	}
	h.conn.SetWriteDeadline(time.Now().Add(hlWriteTimeout))
	return h.conn.WriteJSON(v)
}

// Wire messages.

type hlSubscribeMsg struct {
	Method       string `json:"method"`
	Subscription struct {
		Type string `json:"type"`
		Coin string `json:"coin"`
	} `json:"subscription"`
}

type hlEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type hlL2Book struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"` // ms since epoch
	Levels [][]hlWSLevel `json:"levels"`
}

type hlWSLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type hlAssetCtx struct {
	Coin string `json:"coin"`
	Ctx  struct {
		MarkPx  string `json:"markPx"`
		MidPx   string `json:"midPx"`
		DayVlm  string `json:"dayNtlVlm"`
		Funding string `json:"funding"`
	} `json:"ctx"`
}

func (h *Hyperliquid) dispatchMessage(data []byte) {
	var env hlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch env.Channel {
	case "l2Book":
		var book hlL2Book
		if err := json.Unmarshal(env.Data, &book); err != nil {
			h.logger.Error("unmarshal l2Book", "error", err)
			h.norm.metrics.RecordMalformed(hlName)
			return
		}
		h.handleBook(book)

	case "activeAssetCtx":
		var ctx hlAssetCtx
		if err := json.Unmarshal(env.Data, &ctx); err != nil {
			h.logger.Error("unmarshal activeAssetCtx", "error", err)
			h.norm.metrics.RecordMalformed(hlName)
			return
		}
		h.handleAssetCtx(ctx)

	case "subscriptionResponse", "pong":
		// acknowledgements, nothing to route

	default:
		h.logger.Debug("unknown ws channel", "channel", env.Channel)
	}
}

func (h *Hyperliquid) handleBook(book hlL2Book) {
	if len(book.Levels) < 2 || len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return
	}
	bid, err1 := decimal.NewFromString(book.Levels[0][0].Px)
	ask, err2 := decimal.NewFromString(book.Levels[1][0].Px)
	if err1 != nil || err2 != nil {
		h.norm.metrics.RecordMalformed(hlName)
		return
	}

	ts := time.UnixMilli(book.Time)
	if q, ok := h.norm.FromBook(book.Coin, bid, ask, decimal.Decimal{}, ts); ok {
		h.emit(q)
	}
}

func (h *Hyperliquid) handleAssetCtx(ctx hlAssetCtx) {
	last, err := decimal.NewFromString(ctx.Ctx.MidPx)
	if err != nil {
		return
	}
	mark, _ := decimal.NewFromString(ctx.Ctx.MarkPx)
	vol, _ := decimal.NewFromString(ctx.Ctx.DayVlm)

	if q, ok := h.norm.FromTicker(ctx.Coin, decimal.Decimal{}, decimal.Decimal{}, last, mark, vol, time.Now()); ok {
		h.emit(q)
	}
}

// REST surface.

type hlRESTLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type hlBookResponse struct {
	Coin   string          `json:"coin"`
	Time   int64           `json:"time"`
	Levels [][]hlRESTLevel `json:"levels"`
}

// SnapshotBook fetches an L2 depth snapshot via the /info endpoint.
func (h *Hyperliquid) SnapshotBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	if err := h.limiter.Market.Wait(ctx); err != nil {
		return types.OrderBook{}, err
	}

	var out hlBookResponse
	resp, err := h.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "l2Book", "coin": symbol}).
		SetResult(&out).
		Post("/info")
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("l2Book %s: %w", symbol, err)
	}
	if resp.StatusCode() == 429 {
		return types.OrderBook{}, fmt.Errorf("%w: %s", ErrRateLimited, hlName)
	}
	if resp.IsError() {
		return types.OrderBook{}, fmt.Errorf("l2Book %s: http %d", symbol, resp.StatusCode())
	}
	if len(out.Levels) < 2 {
		return types.OrderBook{}, fmt.Errorf("l2Book %s: empty response", symbol)
	}

	book := types.OrderBook{Symbol: symbol, TsNanos: time.UnixMilli(out.Time).UnixNano()}
	for i, lvl := range out.Levels[0] {
		if depth > 0 && i >= depth {
			break
		}
		px, err1 := decimal.NewFromString(lvl.Px)
		sz, err2 := decimal.NewFromString(lvl.Sz)
		if err1 != nil || err2 != nil {
			continue
		}
		book.Bids = append(book.Bids, types.PriceLevel{Price: px, Size: sz})
	}
	for i, lvl := range out.Levels[1] {
		if depth > 0 && i >= depth {
			break
		}
		px, err1 := decimal.NewFromString(lvl.Px)
		sz, err2 := decimal.NewFromString(lvl.Sz)
		if err1 != nil || err2 != nil {
			continue
		}
		book.Asks = append(book.Asks, types.PriceLevel{Price: px, Size: sz})
	}
	return book, nil
}

// SnapshotTicker derives a quote from a shallow book snapshot; Hyperliquid
// has no dedicated REST ticker for perps.
func (h *Hyperliquid) SnapshotTicker(ctx context.Context, symbol string) (types.Quote, error) {
	book, err := h.SnapshotBook(ctx, symbol, 1)
	if err != nil {
		return types.Quote{}, err
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return types.Quote{}, fmt.Errorf("ticker %s: one-sided book", symbol)
	}
	q := types.Quote{
		Venue:   hlName,
		Symbol:  symbol,
		Bid:     book.Bids[0].Price,
		Ask:     book.Asks[0].Price,
		TsNanos: book.TsNanos,
	}
	if err := q.Validate(); err != nil {
		return types.Quote{}, err
	}
	return q, nil
}

// Trading surface. Order signing on Hyperliquid is wallet-based and not
// wired in this adapter; every trading call reports ErrNotAuthenticated.

func (h *Hyperliquid) PlaceOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal,
	typ types.OrderType, price decimal.Decimal, clientOrderID string) (types.Order, error) {
	return types.Order{}, fmt.Errorf("%w: %s trading requires wallet signing", ErrNotAuthenticated, hlName)
}

func (h *Hyperliquid) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	return false, fmt.Errorf("%w: %s trading requires wallet signing", ErrNotAuthenticated, hlName)
}

func (h *Hyperliquid) FetchOrder(ctx context.Context, orderID, symbol string) (types.Order, error) {
	return types.Order{}, fmt.Errorf("%w: %s trading requires wallet signing", ErrNotAuthenticated, hlName)
}

func (h *Hyperliquid) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return nil, fmt.Errorf("%w: %s trading requires wallet signing", ErrNotAuthenticated, hlName)
}

func (h *Hyperliquid) FetchBalances(ctx context.Context) (map[string]types.Balance, error) {
	return nil, fmt.Errorf("%w: %s account data requires wallet signing", ErrNotAuthenticated, hlName)
}

func (h *Hyperliquid) FetchPositions(ctx context.Context) ([]types.Position, error) {
	return nil, fmt.Errorf("%w: %s account data requires wallet signing", ErrNotAuthenticated, hlName)
}

// TradingFees returns the venue's flat taker schedule.
func (h *Hyperliquid) TradingFees(symbol string) types.Fees {
	return types.Fees{
		Maker: decimal.NewFromFloat(0.0001),
		Taker: decimal.NewFromFloat(0.000389),
	}
}
