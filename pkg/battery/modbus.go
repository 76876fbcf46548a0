package battery

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/tousync/tousync/pkg/common"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/types"
)

// Register map for the IP-gateway Modbus transport. Telemetry lives in
// input registers; control and the tariff block in holding registers.
const (
	regBatterySOC   = 0x0010 // u16, 0.1 %
	regGridPower    = 0x0012 // s32, W, import positive
	regSolarPower   = 0x0014 // u32, W
	regBatteryPower = 0x0016 // s32, W, charge negative
	regLoadPower    = 0x0018 // u32, W

	regOperationMode = 0x0100 // u16: 1 autonomous, 2 self consumption
	regBackupReserve = 0x0101 // u16, percent
	regExportRule    = 0x0102 // u16: 0 unknown, 1 never, 2 battery ok, 3 pv only
	regGridCharging  = 0x0103 // u16: 0 off, 1 on

	// the tariff block holds 48 buy + 48 sell rates as u16 in 0.01 c/kWh
	// with a fixed offset so negative rates encode as unsigned
	regTariffBase   = 0x0200
	tariffRateScale = 100.0
	tariffRateBias  = 20000 // -200.00 c/kWh encodes as 0
)

const modbusSlaveID = 1

// Modbus implements Controller against an inverter IP gateway speaking
// Modbus TCP.
type Modbus struct {
	mu       sync.Mutex
	handler  *modbus.TCPClientHandler
	client   modbus.Client
	host     string
	timezone string
	settings types.Settings

	uploadMu sync.Mutex
}

func configuredModbus() *Modbus {
	return &Modbus{}
}

// Info describes the modbus provider.
func (m *Modbus) Info() types.BatteryProviderInfo {
	return types.BatteryProviderInfo{
		ID:        "modbus",
		Name:      "Modbus IP Gateway",
		Transport: "modbus",
		Credentials: []types.BatteryCredential{
			{Field: "host", Name: "Gateway Address", Type: "string", Required: true,
				Description: "host:port of the Modbus TCP gateway"},
		},
	}
}

// ApplySettings applies the given settings to the controller.
func (m *Modbus) ApplySettings(ctx context.Context, settings types.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	m.timezone = settings.Timezone
	return nil
}

// Authenticate connects to the gateway. Modbus has no credentials beyond
// the address.
func (m *Modbus) Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error) {
	if creds.Battery == nil || creds.Battery.Host == "" {
		return creds, false, fmt.Errorf("missing gateway address")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectLocked(creds.Battery.Host); err != nil {
		return creds, false, err
	}
	return creds, false, nil
}

// connectLocked (re)establishes the TCP handler. Must be called with m.mu
// held.
func (m *Modbus) connectLocked(host string) error {
	if m.handler != nil && m.host == host {
		return nil
	}
	if m.handler != nil {
		m.handler.Close()
	}

	handler := modbus.NewTCPClientHandler(host)
	handler.SlaveId = modbusSlaveID
	handler.Timeout = 5 * time.Second
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", host, err)
	}

	m.handler = handler
	m.client = modbus.NewClient(handler)
	m.host = host
	return nil
}

func (m *Modbus) clientLocked() (modbus.Client, error) {
	if m.client == nil {
		if m.host == "" {
			return nil, fmt.Errorf("gateway not connected")
		}
		if err := m.connectLocked(m.host); err != nil {
			return nil, err
		}
	}
	return m.client, nil
}

// Close tears down the TCP connection.
func (m *Modbus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil {
		return nil
	}
	err := m.handler.Close()
	m.handler = nil
	m.client = nil
	return err
}

func encodeRate(dollars float64) uint16 {
	cents := dollars * 100
	v := cents*tariffRateScale + tariffRateBias
	if v < 0 {
		v = 0
	}
	if v > 65535 {
		v = 65535
	}
	return uint16(v + 0.5)
}

func decodeRate(raw uint16) float64 {
	cents := (float64(raw) - tariffRateBias) / tariffRateScale
	return cents / 100
}

// expandRates maps a rate table onto the 48 half-hour registers. A table
// with a single entry covers the whole day (the spike and force tariffs
// use one full-day slot); otherwise every period label must be present.
func expandRates(rates map[string]float64) (map[string]float64, error) {
	labels := types.PeriodLabels()
	if len(rates) == 1 {
		var v float64
		for _, v = range rates {
		}
		full := make(map[string]float64, len(labels))
		for _, label := range labels {
			full[label] = v
		}
		return full, nil
	}
	for _, label := range labels {
		if _, ok := rates[label]; !ok {
			return nil, fmt.Errorf("missing rate for period %s", label)
		}
	}
	return rates, nil
}

// UploadTariff writes the 96-register rate block: 48 buy rates then 48
// sell rates in period-label order.
func (m *Modbus) UploadTariff(ctx context.Context, doc types.TariffDocument) error {
	m.uploadMu.Lock()
	defer m.uploadMu.Unlock()

	buy, err := expandRates(doc.BuyRates)
	if err != nil {
		return fmt.Errorf("tariff not writable to register block: %w", err)
	}
	sell, err := expandRates(doc.SellRates)
	if err != nil {
		return fmt.Errorf("tariff not writable to register block: %w", err)
	}

	labels := types.PeriodLabels()
	block := make([]byte, 0, types.PeriodsPerDay*4)
	for _, label := range labels {
		block = binary.BigEndian.AppendUint16(block, encodeRate(buy[label]))
	}
	for _, label := range labels {
		block = binary.BigEndian.AppendUint16(block, encodeRate(sell[label]))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	client, err := m.clientLocked()
	if err != nil {
		return err
	}

	err = common.Retry(ctx, uploadAttempts, uploadRetryBase, func() error {
		_, err := client.WriteMultipleRegisters(regTariffBase, uint16(types.PeriodsPerDay*2), block)
		return err
	})
	if err != nil {
		return fmt.Errorf("tariff upload failed: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "uploaded tariff", slog.String("name", doc.Name))
	return nil
}

// GetTariff reads the rate block back into a document.
func (m *Modbus) GetTariff(ctx context.Context) (types.TariffDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, err := m.clientLocked()
	if err != nil {
		return types.TariffDocument{}, err
	}

	block, err := client.ReadHoldingRegisters(regTariffBase, uint16(types.PeriodsPerDay*2))
	if err != nil {
		return types.TariffDocument{}, err
	}
	if len(block) < types.PeriodsPerDay*4 {
		return types.TariffDocument{}, fmt.Errorf("short tariff block: %d bytes", len(block))
	}

	doc := types.TariffDocument{
		Name:      "Register Block",
		BuyRates:  make(map[string]float64, types.PeriodsPerDay),
		SellRates: make(map[string]float64, types.PeriodsPerDay),
	}
	for i, label := range types.PeriodLabels() {
		doc.BuyRates[label] = decodeRate(binary.BigEndian.Uint16(block[i*2:]))
		doc.SellRates[label] = decodeRate(binary.BigEndian.Uint16(block[(types.PeriodsPerDay+i)*2:]))
	}
	return doc, nil
}

// GetSiteInfo returns the battery-side configuration from the control
// registers.
func (m *Modbus) GetSiteInfo(ctx context.Context) (types.SiteInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, err := m.clientLocked()
	if err != nil {
		return types.SiteInfo{}, err
	}

	regs, err := client.ReadHoldingRegisters(regOperationMode, 3)
	if err != nil {
		return types.SiteInfo{}, err
	}
	if len(regs) < 6 {
		return types.SiteInfo{}, fmt.Errorf("short register read: %d bytes", len(regs))
	}

	info := types.SiteInfo{
		OperationMode:        types.OperationModeSelfConsumption,
		BackupReservePercent: float64(binary.BigEndian.Uint16(regs[2:])),
		Timezone:             m.timezone,
	}
	if binary.BigEndian.Uint16(regs[0:]) == 1 {
		info.OperationMode = types.OperationModeAutonomous
	}

	var rule types.ExportRule
	switch binary.BigEndian.Uint16(regs[4:]) {
	case 1:
		rule = types.ExportRuleNever
	case 2:
		rule = types.ExportRuleBatteryOK
	case 3:
		rule = types.ExportRulePVOnly
	}
	// register 0 means the gateway doesn't know; leave the rule nil
	if rule != "" {
		info.ExportRule = &rule
	}
	return info, nil
}

// SetOperationMode switches the battery's control mode.
func (m *Modbus) SetOperationMode(ctx context.Context, mode types.OperationMode) error {
	var v uint16 = 2
	if mode == types.OperationModeAutonomous {
		v = 1
	}
	log.Ctx(ctx).InfoContext(ctx, "setting operation mode", slog.String("mode", string(mode)))
	return m.writeRegister(regOperationMode, v)
}

// SetBackupReserve sets the SoC floor.
func (m *Modbus) SetBackupReserve(ctx context.Context, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("backup reserve %v out of range", percent)
	}
	log.Ctx(ctx).InfoContext(ctx, "setting backup reserve", slog.Float64("percent", percent))
	return m.writeRegister(regBackupReserve, uint16(percent+0.5))
}

// SetExportRule writes the export rule register and reads it back.
func (m *Modbus) SetExportRule(ctx context.Context, rule types.ExportRule) (*types.ExportRule, error) {
	var v uint16
	switch rule {
	case types.ExportRuleNever:
		v = 1
	case types.ExportRuleBatteryOK:
		v = 2
	case types.ExportRulePVOnly:
		v = 3
	default:
		return nil, fmt.Errorf("unknown export rule: %s", rule)
	}
	log.Ctx(ctx).InfoContext(ctx, "setting export rule", slog.String("rule", string(rule)))
	if err := m.writeRegister(regExportRule, v); err != nil {
		return nil, err
	}

	info, err := m.GetSiteInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.ExportRule, nil
}

// SetGridCharging enables or disables charging from the grid.
func (m *Modbus) SetGridCharging(ctx context.Context, enabled bool) error {
	var v uint16
	if enabled {
		v = 1
	}
	log.Ctx(ctx).InfoContext(ctx, "setting grid charging", slog.Bool("enabled", enabled))
	return m.writeRegister(regGridCharging, v)
}

func (m *Modbus) writeRegister(addr, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, err := m.clientLocked()
	if err != nil {
		return err
	}
	_, err = client.WriteSingleRegister(addr, value)
	return err
}

// GetLiveStatus reads the telemetry input registers.
func (m *Modbus) GetLiveStatus(ctx context.Context) (types.LiveStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, err := m.clientLocked()
	if err != nil {
		return types.LiveStatus{}, err
	}

	regs, err := client.ReadInputRegisters(regBatterySOC, 10)
	if err != nil {
		return types.LiveStatus{}, err
	}
	if len(regs) < 20 {
		return types.LiveStatus{}, fmt.Errorf("short register read: %d bytes", len(regs))
	}

	solar := float64(binary.BigEndian.Uint32(regs[8:]))
	return types.LiveStatus{
		BatterySOC:    float64(binary.BigEndian.Uint16(regs[0:])) / 10,
		GridPowerW:    float64(int32(binary.BigEndian.Uint32(regs[4:]))),
		SolarPowerW:   solar,
		BatteryPowerW: float64(int32(binary.BigEndian.Uint32(regs[12:]))),
		LoadPowerW:    float64(binary.BigEndian.Uint32(regs[16:])),
		CapturedAt:    time.Now(),
	}, nil
}
