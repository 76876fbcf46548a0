package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/types"
)

func newTestStream(t *testing.T, handler func(*websocket.Conn)) *Client {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)

	c := &Client{
		url: "ws" + strings.TrimPrefix(server.URL, "http"),
		clk: clock.Real(),
	}
	c.SetCredentials("tok", "site1")
	return c
}

func TestStreamSubscribeAndUpdate(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestStream(t, func(conn *websocket.Conn) {
		var sub subscribeMessage
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "subscribe", sub.Type)
		assert.Equal(t, "tok", sub.Token)
		assert.Equal(t, "site1", sub.SiteID)

		require.NoError(t, conn.WriteJSON(streamMessage{
			Type: "priceUpdate",
			Prices: []streamInterval{
				{Type: "CurrentInterval", ChannelType: "general", PerKwh: 32.0, StartTime: start, EndTime: start.Add(5 * time.Minute)},
				{Type: "CurrentInterval", ChannelType: "feedIn", PerKwh: -11.0, StartTime: start, EndTime: start.Add(5 * time.Minute)},
			},
		}))
	})

	got := make(chan types.PriceSnapshot, 1)
	c.Subscribe(func(s types.PriceSnapshot) {
		select {
		case got <- s:
		default:
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- c.runOnce(context.Background()) }()

	select {
	case snap := <-got:
		require.True(t, snap.Complete())
		assert.Equal(t, 32.0, snap.ImportCents())
		assert.Equal(t, -11.0, snap.ExportCents())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	// server closed, runOnce surfaces the disconnect
	require.Error(t, <-errc)

	snap, ok := c.Latest(0)
	require.True(t, ok)
	assert.Equal(t, 32.0, snap.ImportCents())

	h := c.Health()
	assert.Equal(t, int64(1), h.FetchCount)
	assert.Equal(t, int64(1), h.MessageCount)
	assert.Equal(t, int64(0), h.ErrorCount)
	assert.False(t, h.LastMessageAt.IsZero())
}

func TestStreamSingleChannelMerge(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &Client{clk: clock.Real()}

	c.handlePrices(context.Background(), []streamInterval{
		{Type: "CurrentInterval", ChannelType: "general", PerKwh: 30.0, StartTime: start, EndTime: start.Add(5 * time.Minute)},
	})
	snap, ok := c.Latest(0)
	require.True(t, ok)
	assert.False(t, snap.Complete())

	c.handlePrices(context.Background(), []streamInterval{
		{Type: "CurrentInterval", ChannelType: "feedIn", PerKwh: -9.0, StartTime: start, EndTime: start.Add(5 * time.Minute)},
	})
	snap, ok = c.Latest(0)
	require.True(t, ok)
	require.True(t, snap.Complete())
	assert.Equal(t, 30.0, snap.ImportCents())
	assert.Equal(t, -9.0, snap.ExportCents())
}

func TestStreamLatestStale(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := &Client{clk: fake}

	start := fake.Now()
	c.handlePrices(context.Background(), []streamInterval{
		{Type: "CurrentInterval", ChannelType: "general", PerKwh: 30.0, StartTime: start, EndTime: start.Add(5 * time.Minute)},
		{Type: "CurrentInterval", ChannelType: "feedIn", PerKwh: -9.0, StartTime: start, EndTime: start.Add(5 * time.Minute)},
	})

	_, ok := c.Latest(0)
	require.True(t, ok)

	fake.Advance(maxCacheAge + time.Second)
	_, ok = c.Latest(0)
	assert.False(t, ok)
}

func TestStreamLatestCustomMaxAge(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := &Client{clk: fake}

	start := fake.Now()
	c.handlePrices(context.Background(), []streamInterval{
		{Type: "CurrentInterval", ChannelType: "general", PerKwh: 30.0, StartTime: start, EndTime: start.Add(5 * time.Minute)},
	})

	fake.Advance(2 * time.Minute)
	_, ok := c.Latest(time.Minute)
	assert.False(t, ok)
	_, ok = c.Latest(5 * time.Minute)
	assert.True(t, ok)
	// zero falls back to the default bound
	_, ok = c.Latest(0)
	assert.True(t, ok)
}

// timeoutErr mimics the deadline-expiry error a websocket read returns.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestStreamQuietTimeout(t *testing.T) {
	assert.True(t, quietTimeout(timeoutErr{}))
	assert.True(t, quietTimeout(fmt.Errorf("read failed: %w", timeoutErr{})))
	assert.False(t, quietTimeout(errors.New("connection reset")))
}

func TestStreamErrorCount(t *testing.T) {
	c := &Client{clk: clock.Real()}
	c.recordError(errors.New("dial failed"))
	c.recordError(errors.New("dial failed again"))

	h := c.Health()
	assert.Equal(t, int64(2), h.ErrorCount)
	assert.Equal(t, "dial failed again", h.LastError)
}

func TestStreamNoCredentials(t *testing.T) {
	c := &Client{clk: clock.Real()}
	require.Error(t, c.runOnce(context.Background()))
}

func TestStreamServerError(t *testing.T) {
	c := newTestStream(t, func(conn *websocket.Conn) {
		var sub subscribeMessage
		require.NoError(t, conn.ReadJSON(&sub))
		require.NoError(t, conn.WriteJSON(streamMessage{Type: "error", Error: "invalid token"}))
	})

	err := c.runOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
}
