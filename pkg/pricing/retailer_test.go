package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tousync/tousync/pkg/types"
)

func newTestRetailer(t *testing.T, handler http.HandlerFunc) (*Retailer, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	r := &Retailer{
		apiURL: server.URL,
		client: server.Client(),
	}
	r.SetCredentials("tok", "site1")
	require.NoError(t, r.ApplySettings(context.Background(), types.Settings{ForecastClass: "predicted"}))
	return r, server
}

func retailerIntervals(now time.Time) []retailerInterval {
	cur := now.Truncate(30 * time.Minute)
	return []retailerInterval{
		{
			Type: "CurrentInterval", ChannelType: "general", PerKwh: 25.0,
			StartTime: cur, EndTime: cur.Add(30 * time.Minute), Duration: 30,
		},
		{
			Type: "CurrentInterval", ChannelType: "feedIn", PerKwh: -8.0,
			StartTime: cur, EndTime: cur.Add(30 * time.Minute), Duration: 30,
		},
		{
			Type: "ForecastInterval", ChannelType: "general", PerKwh: 30.0,
			StartTime: cur.Add(30 * time.Minute), EndTime: cur.Add(time.Hour), Duration: 30,
			AdvancedPrice: &retailerAdvancedPrice{Low: 20.0, Predicted: 28.0, High: 40.0},
		},
		{
			Type: "ForecastInterval", ChannelType: "feedIn", PerKwh: -9.0,
			StartTime: cur.Add(30 * time.Minute), EndTime: cur.Add(time.Hour), Duration: 30,
		},
		// controlled load is ignored
		{
			Type: "CurrentInterval", ChannelType: "controlledLoad", PerKwh: 15.0,
			StartTime: cur, EndTime: cur.Add(30 * time.Minute), Duration: 30,
		},
	}
}

func TestRetailerCurrent(t *testing.T) {
	now := time.Now().UTC()
	r, _ := newTestRetailer(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
		assert.Contains(t, req.URL.Path, "/sites/site1/prices/current")
		json.NewEncoder(w).Encode(retailerIntervals(now))
	})

	snap, err := r.Current(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Complete())
	assert.Equal(t, 25.0, snap.Import.PerKWHCents)
	assert.Equal(t, -8.0, snap.Export.PerKWHCents)
	assert.Equal(t, types.PriceKindCurrent, snap.Import.Kind)
}

func TestRetailerForecastClass(t *testing.T) {
	now := time.Now().UTC()

	for _, tt := range []struct {
		class string
		want  float64
	}{
		{"predicted", 28.0},
		{"conservative", 40.0},
		{"optimistic", 20.0},
	} {
		t.Run(tt.class, func(t *testing.T) {
			r, _ := newTestRetailer(t, func(w http.ResponseWriter, req *http.Request) {
				json.NewEncoder(w).Encode(retailerIntervals(now))
			})
			require.NoError(t, r.ApplySettings(context.Background(), types.Settings{ForecastClass: tt.class}))

			points, err := r.Forecast(context.Background(), 2*time.Hour)
			require.NoError(t, err)

			var got *types.PricePoint
			for i := range points {
				if points[i].Kind == types.PriceKindForecast && points[i].Channel == types.ChannelImport {
					got = &points[i]
				}
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.PerKWHCents)
		})
	}
}

func TestRetailerForecastWithoutAdvancedPrice(t *testing.T) {
	now := time.Now().UTC()
	r, _ := newTestRetailer(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(retailerIntervals(now))
	})

	points, err := r.Forecast(context.Background(), 2*time.Hour)
	require.NoError(t, err)

	var exports []types.PricePoint
	for _, p := range points {
		if p.Kind == types.PriceKindForecast && p.Channel == types.ChannelExport {
			exports = append(exports, p)
		}
	}
	require.Len(t, exports, 1)
	// falls back to perKwh when no advanced price is published
	assert.Equal(t, -9.0, exports[0].PerKWHCents)
}

func TestRetailerErrors(t *testing.T) {
	t.Run("auth", func(t *testing.T) {
		r, _ := newTestRetailer(t, func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := r.Current(context.Background())
		require.ErrorIs(t, err, ErrAuth)
	})

	t.Run("transport", func(t *testing.T) {
		r, _ := newTestRetailer(t, func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := r.Current(context.Background())
		require.ErrorIs(t, err, ErrTransport)
	})

	t.Run("missing data", func(t *testing.T) {
		r, _ := newTestRetailer(t, func(w http.ResponseWriter, req *http.Request) {
			json.NewEncoder(w).Encode([]retailerInterval{})
		})
		_, err := r.Current(context.Background())
		require.ErrorIs(t, err, ErrMissingData)
	})

	t.Run("no credentials", func(t *testing.T) {
		r := &Retailer{apiURL: "http://localhost", client: http.DefaultClient}
		_, err := r.Current(context.Background())
		require.ErrorIs(t, err, ErrAuth)
	})
}
