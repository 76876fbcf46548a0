package battery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tousync/tousync/pkg/common"
	"github.com/tousync/tousync/pkg/tariff"
	"github.com/tousync/tousync/pkg/types"
)

func newTestCloud(t *testing.T, handler http.Handler) *Cloud {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &Cloud{
		client:  server.Client(),
		baseURL: server.URL,
		token:   "tok",
	}
}

func testDoc() types.TariffDocument {
	doc := types.TariffDocument{
		Name:      "Dynamic",
		Currency:  "AUD",
		BuyRates:  map[string]float64{},
		SellRates: map[string]float64{},
	}
	for _, label := range types.PeriodLabels() {
		doc.BuyRates[label] = 0.25
		doc.SellRates[label] = 0.08
	}
	return doc
}

func TestCloudUploadTariff(t *testing.T) {
	var got tariff.WireTariff
	c := newTestCloud(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/tariff", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))

	require.NoError(t, c.UploadTariff(context.Background(), testDoc()))
	assert.Equal(t, "Dynamic", got.Name)
	assert.Equal(t, 0.25, got.EnergyCharges["All"].Rates["10:00"])
}

func TestCloudUploadRetriesTransient(t *testing.T) {
	calls := 0
	c := newTestCloud(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))

	require.NoError(t, c.UploadTariff(context.Background(), testDoc()))
	assert.Equal(t, 2, calls)
}

func TestCloudUploadStopsOnClientError(t *testing.T) {
	calls := 0
	c := newTestCloud(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))

	err := c.UploadTariff(context.Background(), testDoc())
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var se *common.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestCloudSetExportRuleReadback(t *testing.T) {
	rule := "never"
	c := newTestCloud(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/export_rule":
			// write accepted
		case "/api/site_info":
			json.NewEncoder(w).Encode(cloudSiteInfo{
				OperationMode: "self_consumption",
				ExportRule:    &rule,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	got, err := c.SetExportRule(context.Background(), types.ExportRuleNever)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.ExportRuleNever, *got)
}

func TestCloudSetExportRuleReadbackOmitted(t *testing.T) {
	c := newTestCloud(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/export_rule":
		case "/api/site_info":
			// the API quirk: no export_rule field at all
			json.NewEncoder(w).Encode(cloudSiteInfo{OperationMode: "self_consumption"})
		}
	}))

	got, err := c.SetExportRule(context.Background(), types.ExportRuleBatteryOK)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCloudGetLiveStatus(t *testing.T) {
	c := newTestCloud(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/meters/aggregates", r.URL.Path)
		var res cloudAggregates
		res.BatterySOC = 72.5
		res.Site.InstantPower = -2500
		res.Solar.InstantPower = 3000
		res.Battery.InstantPower = -400
		res.Load.InstantPower = 900
		json.NewEncoder(w).Encode(res)
	}))

	s, err := c.GetLiveStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 72.5, s.BatterySOC)
	assert.True(t, s.Exporting())
	assert.True(t, s.BatteryCharging())
	assert.Equal(t, 900.0, s.LoadPowerW)
	assert.False(t, s.CapturedAt.IsZero())
}

func TestCloudBackupReserveRange(t *testing.T) {
	c := &Cloud{}
	require.Error(t, c.SetBackupReserve(context.Background(), -1))
	require.Error(t, c.SetBackupReserve(context.Background(), 101))
}

func TestEncodeDecodeRate(t *testing.T) {
	for _, dollars := range []float64{0, 0.25, -0.08, 25.0, -2.0} {
		assert.InDelta(t, dollars, decodeRate(encodeRate(dollars)), 0.0001)
	}
}
