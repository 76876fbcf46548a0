package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tousync/tousync/pkg/battery"
	"github.com/tousync/tousync/pkg/events"
	"github.com/tousync/tousync/pkg/force"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/types"
)

// serviceRequest carries the union of arguments across all services; each
// service reads only its own fields.
type serviceRequest struct {
	DurationMinutes float64              `json:"durationMinutes,omitempty"`
	Percent         *float64             `json:"percent,omitempty"`
	Mode            string               `json:"mode,omitempty"`
	Rule            string               `json:"rule,omitempty"`
	Enabled         *bool                `json:"enabled,omitempty"`
	Days            int                  `json:"days,omitempty"`
	Health          *types.BatteryHealth `json:"health,omitempty"`
}

// handleService dispatches POST /api/service/{name}.
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	var req serviceRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "service invoked", slog.String("service", name))

	var result interface{}
	var err error
	switch name {
	case "sync_now", "sync_tou":
		err = s.deps.Scheduler.SyncNow(ctx)
	case "force_charge":
		err = s.deps.Force.ForceCharge(ctx, s.serviceDuration(req))
	case "force_discharge":
		err = s.deps.Force.ForceDischarge(ctx, s.serviceDuration(req))
	case "restore_normal":
		err = s.deps.Force.RestoreNormal(ctx)
	case "set_backup_reserve":
		err = s.setBackupReserve(r, req)
	case "set_operation_mode":
		err = s.setOperationMode(r, req)
	case "set_grid_export":
		err = s.setGridExport(r, req)
	case "set_grid_charging":
		err = s.setGridCharging(r, req)
	case "curtail_inverter":
		err = s.deps.Curtail.CurtailInverter(ctx, types.CurtailMode(req.Mode))
	case "restore_inverter":
		err = s.deps.Curtail.RestoreInverter(ctx)
	case "sync_battery_health":
		err = s.syncBatteryHealth(r, req)
	case "get_calendar_history":
		result, err = s.getCalendarHistory(r, req)
	default:
		writeJSONError(w, fmt.Sprintf("unknown service: %s", name), http.StatusNotFound)
		return
	}

	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "service failed",
			slog.String("service", name),
			slog.Any("error", err),
		)
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if result == nil {
		result = struct {
			OK bool `json:"ok"`
		}{OK: true}
	}
	writeJSON(w, result)
}

func (s *Server) serviceDuration(req serviceRequest) time.Duration {
	if req.DurationMinutes <= 0 {
		return force.MinDuration
	}
	return time.Duration(req.DurationMinutes * float64(time.Minute))
}

func (s *Server) controller(r *http.Request) (battery.Controller, error) {
	return s.deps.Batteries.Site(r.Context(), s.deps.Settings.Get())
}

func (s *Server) setBackupReserve(r *http.Request, req serviceRequest) error {
	if req.Percent == nil || *req.Percent < 0 || *req.Percent > 100 {
		return fmt.Errorf("percent must be between 0 and 100")
	}
	ctrl, err := s.controller(r)
	if err != nil {
		return err
	}
	return ctrl.SetBackupReserve(r.Context(), *req.Percent)
}

func (s *Server) setOperationMode(r *http.Request, req serviceRequest) error {
	mode := types.OperationMode(req.Mode)
	if mode != types.OperationModeAutonomous && mode != types.OperationModeSelfConsumption {
		return fmt.Errorf("unknown operation mode: %s", req.Mode)
	}
	ctrl, err := s.controller(r)
	if err != nil {
		return err
	}
	return ctrl.SetOperationMode(r.Context(), mode)
}

func (s *Server) setGridExport(r *http.Request, req serviceRequest) error {
	if req.Rule == "auto" {
		return s.deps.Curtail.ClearExportOverride(r.Context())
	}
	rule := types.ExportRule(req.Rule)
	switch rule {
	case types.ExportRuleNever, types.ExportRuleBatteryOK, types.ExportRulePVOnly:
		return s.deps.Curtail.SetExportOverride(r.Context(), rule)
	}
	return fmt.Errorf("unknown export rule: %s", req.Rule)
}

func (s *Server) setGridCharging(r *http.Request, req serviceRequest) error {
	if req.Enabled == nil {
		return fmt.Errorf("enabled is required")
	}
	ctrl, err := s.controller(r)
	if err != nil {
		return err
	}
	return ctrl.SetGridCharging(r.Context(), *req.Enabled)
}

// syncBatteryHealth accepts a pack health reading pushed in from the host
// platform, persists it and rebroadcasts it.
func (s *Server) syncBatteryHealth(r *http.Request, req serviceRequest) error {
	ctx := r.Context()
	health := req.Health
	if health == nil {
		// no pushed reading, pull from the battery when it supports that
		ctrl, err := s.controller(r)
		if err != nil {
			return err
		}
		reader, ok := ctrl.(battery.HealthReader)
		if !ok {
			return fmt.Errorf("battery provider does not report health")
		}
		h, err := reader.GetBatteryHealth(ctx)
		if err != nil {
			return err
		}
		health = &h
	}
	if health.MeasuredAt.IsZero() {
		health.MeasuredAt = time.Now().UTC()
	}
	if err := s.deps.Store.Set(ctx, storage.KeyBatteryHealth, health); err != nil {
		return err
	}
	s.dispatch(ctx, events.BatteryHealthUpdate, health)
	return nil
}

func (s *Server) getCalendarHistory(r *http.Request, req serviceRequest) (interface{}, error) {
	ctrl, err := s.controller(r)
	if err != nil {
		return nil, err
	}
	reader, ok := ctrl.(battery.HistoryReader)
	if !ok {
		return nil, fmt.Errorf("battery provider does not report history")
	}

	days := req.Days
	if days <= 0 {
		days = 7
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	history, err := reader.GetCalendarHistory(r.Context(), start, end)
	if err != nil {
		return nil, err
	}
	return struct {
		Days []types.EnergyDay `json:"days"`
	}{Days: history}, nil
}
