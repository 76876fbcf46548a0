package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/types"
)

// SettingsRes is the response type for GET /api/settings.
type SettingsRes struct {
	types.Settings
	HasCredentials map[string]bool `json:"hasCredentials"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	current := s.deps.Settings.Get()
	creds, err := s.deps.Settings.DecryptCredentials(current.EncryptedCredentials)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		writeJSONError(w, "failed to read credentials", http.StatusInternalServerError)
		return
	}
	// never hand the sealed blob out
	current.EncryptedCredentials = nil

	writeJSON(w, SettingsRes{
		Settings:       current,
		HasCredentials: creds.Has(),
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		types.Settings
		Credentials *types.Credentials `json:"credentials,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := validateSettings(req.Settings); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// the provider must at least resolve with the new settings
	if _, err := s.deps.Pricing.Site(ctx, req.Settings); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid pricing provider settings: %v", err), http.StatusBadRequest)
		return
	}

	_, err := s.deps.Settings.Update(ctx, func(next *types.Settings) error {
		encrypted := next.EncryptedCredentials
		if req.Credentials != nil {
			var err error
			encrypted, err = s.deps.Settings.EncryptCredentials(*req.Credentials)
			if err != nil {
				return fmt.Errorf("failed to encrypt credentials: %w", err)
			}
		}
		*next = req.Settings
		next.EncryptedCredentials = encrypted
		return nil
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "settings updated")
	w.WriteHeader(http.StatusOK)
}

func validateSettings(s types.Settings) error {
	if s.PriceChangeThresholdCents < 0 {
		return fmt.Errorf("price change threshold cannot be negative")
	}
	if s.RestoreSOC < 0 || s.RestoreSOC > 100 {
		return fmt.Errorf("restore SOC must be between 0 and 100")
	}
	if s.SpikeThresholdMWhDollar < 0 {
		return fmt.Errorf("spike threshold cannot be negative")
	}
	if s.InverterReassertSeconds < 0 {
		return fmt.Errorf("inverter reassert seconds cannot be negative")
	}
	return nil
}

// StatusRes aggregates the live state of every worker for GET /api/status.
type StatusRes struct {
	Scheduler interface{}            `json:"scheduler"`
	Spike     types.SpikeState       `json:"spike"`
	Force     *types.ForceModeState  `json:"force,omitempty"`
	Curtail   types.CurtailmentState `json:"curtail"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res := StatusRes{
		Scheduler: s.deps.Scheduler.Status(),
		Spike:     s.deps.Spike.State(),
		Curtail:   s.deps.Curtail.State(),
	}
	if st := s.deps.Force.State(); st != nil {
		// the saved tariff is bulky and uninteresting in a status view
		st.SavedTariff = nil
		res.Force = st
	}
	writeJSON(w, res)
}

func (s *Server) handleInverterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Curtail.State())
}

// TariffPriceRes is the response for GET /api/tariff_price.
type TariffPriceRes struct {
	Current types.PriceSnapshot   `json:"current"`
	Tariff  *types.TariffDocument `json:"tariff,omitempty"`
}

func (s *Server) handleTariffPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings := s.deps.Settings.Get()

	var res TariffPriceRes
	if source, err := s.deps.Pricing.Site(ctx, settings); err == nil {
		if snap, err := source.Current(ctx); err == nil {
			res.Current = snap
		}
	}
	if ctrl, err := s.deps.Batteries.Site(ctx, settings); err == nil {
		if doc, err := ctrl.GetTariff(ctx); err == nil {
			res.Tariff = &doc
		} else {
			log.Ctx(ctx).WarnContext(ctx, "tariff read failed", slog.Any("error", err))
		}
	}
	writeJSON(w, res)
}

func (s *Server) handleBackendConfig(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Batteries.Infos()
	visible := make([]types.BatteryProviderInfo, 0, len(infos))
	for _, info := range infos {
		if !info.Hidden {
			visible = append(visible, info)
		}
	}
	writeJSON(w, struct {
		Providers []types.BatteryProviderInfo `json:"providers"`
		Selected  string                      `json:"selected"`
	}{Providers: visible, Selected: s.deps.Settings.Get().BatteryProvider})
}

func (s *Server) handleProviderConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Providers []types.PricingProviderInfo `json:"providers"`
		Selected  string                      `json:"selected"`
	}{Providers: s.deps.Pricing.Infos(), Selected: s.deps.Settings.Get().PricingProvider})
}

func (s *Server) handleStreamHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stream == nil {
		writeJSONError(w, "stream not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, s.deps.Stream.Health())
}
