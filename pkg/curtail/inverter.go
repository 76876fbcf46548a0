package curtail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/tousync/tousync/pkg/common"
)

// Inverter commands an AC-coupled solar inverter. Implementations talk to
// brand-specific local APIs; all of them expose the same three verbs.
type Inverter interface {
	// SetPowerLimit caps the inverter's AC output in watts.
	SetPowerLimit(ctx context.Context, watts float64) error
	// Shutdown stops production entirely.
	Shutdown(ctx context.Context) error
	// Restore lifts any limit and resumes normal production.
	Restore(ctx context.Context) error
}

// HTTPInverter drives an inverter through its local HTTP API.
type HTTPInverter struct {
	client  *http.Client
	baseURL string
}

// ConfiguredInverter sets up the inverter client based on flags. When no URL
// is configured a no-op inverter is returned so the controller can still run
// the battery-side decisions.
func ConfiguredInverter() Inverter {
	url := lflag.String("inverter-url", "", "Base URL of the local inverter API, empty to disable inverter control")

	var p struct{ Inverter }
	lflag.Do(func() {
		if *url == "" {
			p.Inverter = noopInverter{}
			return
		}
		p.Inverter = &HTTPInverter{
			client:  common.HTTPClient(10 * time.Second),
			baseURL: *url,
		}
	})
	return &p
}

func (h *HTTPInverter) post(ctx context.Context, path string, body interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("inverter request failed: %w", err)
	}
	defer res.Body.Close()
	return common.CheckResponse(res)
}

// SetPowerLimit caps output. Limits are issued frequently while load
// following, so transient failures are not retried here; the next recompute
// reissues anyway.
func (h *HTTPInverter) SetPowerLimit(ctx context.Context, watts float64) error {
	return h.post(ctx, "/api/v1/power_limit", map[string]interface{}{
		"limit_w": watts,
	})
}

// Shutdown stops production.
func (h *HTTPInverter) Shutdown(ctx context.Context) error {
	return h.post(ctx, "/api/v1/shutdown", nil)
}

// Restore resumes normal production.
func (h *HTTPInverter) Restore(ctx context.Context) error {
	return h.post(ctx, "/api/v1/restore", nil)
}

// noopInverter is used when no inverter is configured.
type noopInverter struct{}

func (noopInverter) SetPowerLimit(ctx context.Context, watts float64) error { return nil }
func (noopInverter) Shutdown(ctx context.Context) error                     { return nil }
func (noopInverter) Restore(ctx context.Context) error                      { return nil }
