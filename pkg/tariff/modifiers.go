package tariff

import (
	"strconv"
	"strings"

	"github.com/tousync/tousync/pkg/types"
)

// applyModifiers mutates the cents-denominated rate maps in the fixed
// modifier order: spike protection, export boost, chip mode, network
// overlay, provider export schedule.
func applyModifiers(buy, sell map[string]float64, doc *types.TariffDocument, in Input) {
	s := in.Settings

	if s.SpikeProtectionEnabled {
		applySpikeProtection(buy, s.SpikeProtectionCapCents, s.SpikeProtectionValueCents)
	}
	if s.ExportBoostEnabled {
		applyExportBoost(sell, s.ExportBoostStart, s.ExportBoostEnd,
			s.ExportBoostThresholdCents, s.ExportBoostOffsetCents, s.ExportBoostMinCents)
	}
	if s.ChipModeEnabled {
		applyChipMode(sell, s.ChipModeStart, s.ChipModeEnd, s.ChipModeThresholdCents)
	}
	if s.NetworkTariffEnabled && in.Wholesale {
		for label := range buy {
			buy[label] += s.NetworkTariffFeeCents
		}
		if s.NetworkDemandChargeKW > 0 {
			doc.DemandCharges = append(doc.DemandCharges, types.DemandCharge{
				Name:         "Network",
				DollarsPerKW: s.NetworkDemandChargeKW,
			})
		}
	}
	if s.ProviderExportEnabled {
		for label, cents := range s.ProviderExportSchedule {
			if _, ok := sell[label]; ok {
				sell[label] = cents
			}
		}
	}
}

// applySpikeProtection replaces any buy price exceeding the cap with the
// replacement value. The cap is inclusive: a price exactly equal to it is
// left alone.
func applySpikeProtection(buy map[string]float64, capCents, valueCents float64) {
	for label, c := range buy {
		if c > capCents {
			buy[label] = valueCents
		}
	}
}

// applyExportBoost shifts sell prices at or above the threshold by the
// offset within the window, clamping the result to min.
func applyExportBoost(sell map[string]float64, start, end string, thresholdCents, offsetCents, minCents float64) {
	for label, c := range sell {
		if !labelInWindow(label, start, end) || c < thresholdCents {
			continue
		}
		c += offsetCents
		if c < minCents {
			c = minCents
		}
		sell[label] = c
	}
}

// applyChipMode zeroes sell prices below the threshold within the window.
func applyChipMode(sell map[string]float64, start, end string, thresholdCents float64) {
	for label, c := range sell {
		if labelInWindow(label, start, end) && c < thresholdCents {
			sell[label] = 0
		}
	}
}

// InWindow reports whether the HH:MM time falls within [start, end) local.
// Windows may wrap midnight.
func InWindow(hhmm, start, end string) bool {
	return labelInWindow(hhmm, start, end)
}

// labelMinutes parses an HH:MM label into minutes past midnight. Returns
// -1 on a malformed label.
func labelMinutes(label string) int {
	h, m, ok := strings.Cut(label, ":")
	if !ok {
		return -1
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 24 {
		return -1
	}
	min, err := strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 {
		return -1
	}
	return hour*60 + min
}

// labelInWindow reports whether the slot label falls within [start, end)
// local. Windows may wrap midnight; an empty or degenerate window matches
// nothing.
func labelInWindow(label, start, end string) bool {
	m := labelMinutes(label)
	s := labelMinutes(start)
	e := labelMinutes(end)
	if m < 0 || s < 0 || e < 0 || s == e {
		return false
	}
	if s < e {
		return m >= s && m < e
	}
	return m >= s || m < e
}
