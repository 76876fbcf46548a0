// Package stream maintains a websocket subscription to the retailer's
// live price feed. Connections are locked to the 5-minute interval
// boundary so the first message lines up with a fresh price event.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/levenlabs/go-lflag"
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/types"
)

const (
	// connectOffset delays the dial past the interval boundary so the
	// feed has published the new interval by the time we subscribe.
	connectOffset = 10 * time.Second

	// awaitTimeout bounds how long we wait for the first price message
	// after subscribing, and how long between messages before the
	// connection is considered dead.
	awaitTimeout = 60 * time.Second

	// errorSleep is how long to back off after a failed connection
	// before re-aligning to the next boundary.
	errorSleep = 30 * time.Second

	// maxCacheAge bounds how stale a cached snapshot Latest will serve.
	maxCacheAge = 360 * time.Second
)

// Health is a point-in-time view of the stream connection.
type Health struct {
	Connected     bool      `json:"connected"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	FetchCount    int64     `json:"fetch_count"`
	MessageCount  int64     `json:"message_count"`
	ErrorCount    int64     `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
}

// Client subscribes to the live price feed and caches the latest
// snapshot per channel.
type Client struct {
	url string
	clk clock.Clock

	mu          sync.Mutex
	token       string
	siteID      string
	latest      types.PriceSnapshot
	latestAt    time.Time
	health      Health
	subscribers []func(types.PriceSnapshot)
	cancel      context.CancelFunc
}

// Configured sets up flags for the stream client and returns the
// instance.
func Configured() *Client {
	c := New("")
	streamURL := lflag.String("price-stream-url", "wss://api.amber.com.au/v1/stream", "websocket URL for the live price feed")

	lflag.Do(func() {
		c.url = *streamURL
	})

	return c
}

// New creates a client for the given feed URL without flag wiring.
func New(url string) *Client {
	return &Client{url: url, clk: clock.Real()}
}

// SetCredentials updates the token and site used on subscribe. Takes
// effect on the next connection.
func (c *Client) SetCredentials(token, siteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.siteID = siteID
}

// Subscribe registers fn to be called with every snapshot received from
// the feed. fn is called from the stream goroutine and must not block.
func (c *Client) Subscribe(fn func(types.PriceSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Latest returns the cached snapshot if one was received within maxAge.
// maxAge <= 0 uses the default freshness bound.
func (c *Client) Latest(maxAge time.Duration) (types.PriceSnapshot, bool) {
	if maxAge <= 0 {
		maxAge = maxCacheAge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latestAt.IsZero() || c.clk.Now().Sub(c.latestAt) > maxAge {
		return types.PriceSnapshot{}, false
	}
	return c.latest, true
}

// Health reports the current connection state.
func (c *Client) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// EnsureRunning starts the supervision loop if it isn't already
// running. Safe to call repeatedly.
func (c *Client) EnsureRunning(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop tears down the supervision loop and any open connection.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) run(ctx context.Context) {
	for ctx.Err() == nil {
		// align the dial to boundary + offset
		now := c.clk.Now()
		c.clk.Sleep(ctx, clock.NextBoundary(now).Add(connectOffset).Sub(now))
		if ctx.Err() != nil {
			return
		}

		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).WarnContext(ctx, "price stream disconnected",
				slog.String("error", err.Error()))
			c.recordError(err)
			c.clk.Sleep(ctx, errorSleep)
		}
	}
}

type subscribeMessage struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	SiteID string `json:"siteId"`
}

type streamInterval struct {
	Type        string    `json:"type"`
	ChannelType string    `json:"channelType"`
	PerKwh      float64   `json:"perKwh"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
}

type streamMessage struct {
	Type   string           `json:"type"`
	Error  string           `json:"error,omitempty"`
	Prices []streamInterval `json:"prices,omitempty"`
}

// runOnce dials, subscribes, and consumes messages until the connection
// fails or ctx is done.
func (c *Client) runOnce(ctx context.Context) error {
	c.mu.Lock()
	token, siteID := c.token, c.siteID
	c.mu.Unlock()
	if token == "" || siteID == "" {
		return fmt.Errorf("stream credentials not configured")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial price stream: %w", err)
	}
	defer conn.Close()

	// tear the connection down if ctx is canceled mid-read
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(subscribeMessage{
		Type:   "subscribe",
		Token:  token,
		SiteID: siteID,
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.mu.Lock()
	c.health.Connected = true
	c.health.ConnectedAt = time.Now()
	c.health.FetchCount++
	c.health.LastError = ""
	c.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "price stream connected", slog.String("site", siteID))

	defer func() {
		c.mu.Lock()
		c.health.Connected = false
		c.mu.Unlock()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(awaitTimeout))
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && quietTimeout(err) {
				// a silent interval is a clean close: realign to the
				// next boundary without the error backoff
				log.Ctx(ctx).DebugContext(ctx, "price stream idle, reconnecting at next boundary")
				return nil
			}
			return fmt.Errorf("failed to read price stream: %w", err)
		}

		switch msg.Type {
		case "priceUpdate":
			c.handlePrices(ctx, msg.Prices)
		case "error":
			return fmt.Errorf("price stream error: %s", msg.Error)
		default:
			// heartbeats and unknown message types keep the deadline fresh
		}
	}
}

func (c *Client) handlePrices(ctx context.Context, prices []streamInterval) {
	snap := c.snapshotFromIntervals(prices)
	if !snap.Complete() && snap.Import == nil && snap.Export == nil {
		return
	}

	c.mu.Lock()
	// merge: an update may carry a single channel
	if snap.Import != nil {
		c.latest.Import = snap.Import
	}
	if snap.Export != nil {
		c.latest.Export = snap.Export
	}
	c.latestAt = c.clk.Now()
	c.health.LastMessageAt = time.Now()
	c.health.MessageCount++
	merged := c.latest
	subs := make([]func(types.PriceSnapshot), len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "price stream update",
		slog.Float64("import_cents", merged.ImportCents()),
		slog.Float64("export_cents", merged.ExportCents()))

	for _, fn := range subs {
		fn(merged)
	}
}

func (c *Client) snapshotFromIntervals(prices []streamInterval) types.PriceSnapshot {
	var snap types.PriceSnapshot
	for _, in := range prices {
		var ch types.Channel
		switch in.ChannelType {
		case "general":
			ch = types.ChannelImport
		case "feedIn":
			ch = types.ChannelExport
		default:
			continue
		}
		kind := types.PriceKindCurrent
		if in.Type == "ActualInterval" {
			kind = types.PriceKindSettled
		}
		p := &types.PricePoint{
			Provider:    "stream",
			TSStart:     in.StartTime,
			TSEnd:       in.EndTime,
			Channel:     ch,
			Kind:        kind,
			PerKWHCents: in.PerKwh,
		}
		switch ch {
		case types.ChannelImport:
			snap.Import = p
		case types.ChannelExport:
			snap.Export = p
		}
	}
	return snap
}

// quietTimeout reports whether err is a read-deadline expiry, meaning the
// feed simply had nothing to say this interval.
func quietTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// recordError stores the error for the health view.
func (c *Client) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.ErrorCount++
	c.health.LastError = err.Error()
}
