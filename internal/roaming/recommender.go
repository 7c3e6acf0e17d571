package roaming

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/findings"
	"github.com/fbettag/unifi-optimizer/internal/telemetry"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
)

// Strategy names for minimum-RSSI derivation.
const (
	StrategyOptimal         = "optimal"
	StrategyMaxConnectivity = "maxConnectivity"
)

// Percentiles of the RSSI-at-disconnect distribution.
type Percentiles struct {
	P10 float64 `json:"p10"`
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
}

// Recommendation is the derived minimum-RSSI threshold. Suppressed when the
// sample count is too small to trust: a guess is worse than no answer.
type Recommendation struct {
	Strategy     string      `json:"strategy"`
	ThresholdDBm int         `json:"threshold_dbm"`
	SampleCount  int         `json:"sample_count"`
	Confidence   float64     `json:"confidence"` // 0..1
	Percentiles  Percentiles `json:"percentiles"`
	Suppressed   bool        `json:"suppressed"`
	Reason       string      `json:"reason,omitempty"`
}

// Percentile computes the p-th percentile (0..100) of sorted values with
// linear interpolation between ranks.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Recommend derives the minimum-RSSI threshold from the RSSI-at-disconnect
// distribution across all clients in the window. The optimal strategy sits
// between the 25th and 50th percentile, pushing clients to roam earlier;
// maxConnectivity sits at the 10th, dropping only hopeless associations.
// The optimal threshold is therefore always >= the maxConnectivity one.
func Recommend(snap telemetry.Snapshot, cfg config.AnalysisConfig) Recommendation {
	strategy := cfg.MinRSSIStrategy
	rec := Recommendation{Strategy: strategy}

	var samples []float64
	for _, ev := range snap.Events {
		if ev.Kind == telemetry.EventDisconnect && ev.HasRSSI {
			samples = append(samples, float64(ev.RSSI))
		}
	}
	rec.SampleCount = len(samples)

	if len(samples) < cfg.MinSamples {
		rec.Suppressed = true
		rec.Reason = fmt.Sprintf("only %d disconnect samples with RSSI, need %d", len(samples), cfg.MinSamples)
		return rec
	}

	sort.Float64s(samples)
	rec.Percentiles = Percentiles{
		P10: Percentile(samples, 10),
		P25: Percentile(samples, 25),
		P50: Percentile(samples, 50),
		P90: Percentile(samples, 90),
	}

	var threshold float64
	switch strategy {
	case StrategyMaxConnectivity:
		threshold = rec.Percentiles.P10
	default:
		threshold = (rec.Percentiles.P25 + rec.Percentiles.P50) / 2
	}

	// Clamp to the range controllers accept.
	if threshold < -90 {
		threshold = -90
	}
	if threshold > -60 {
		threshold = -60
	}
	rec.ThresholdDBm = int(math.Round(threshold))

	rec.Confidence = float64(rec.SampleCount) / 100
	if rec.Confidence > 1 {
		rec.Confidence = 1
	}
	return rec
}

// RoamCounts tallies roam events per client in the window.
func RoamCounts(events []telemetry.Event) map[string]int {
	counts := make(map[string]int)
	for _, ev := range events {
		if ev.Kind == telemetry.EventRoam && ev.ClientMac != "" {
			counts[ev.ClientMac]++
		}
	}
	return counts
}

// DisconnectsByClient groups disconnect events per client.
func DisconnectsByClient(events []telemetry.Event) map[string][]telemetry.Event {
	out := make(map[string][]telemetry.Event)
	for _, ev := range events {
		if ev.Kind == telemetry.EventDisconnect && ev.ClientMac != "" {
			out[ev.ClientMac] = append(out[ev.ClientMac], ev)
		}
	}
	return out
}

// StrongerAPVisible estimates whether a client plausibly has a better AP in
// range: some other AP serves a same-band client at a signal at least
// marginDBm stronger. Client-side scan data is not available from the
// controller, so peer observations are the proxy.
func StrongerAPVisible(snap telemetry.Snapshot, client telemetry.Client, marginDBm int) bool {
	for _, other := range snap.Clients {
		if other.AssociatedApMac == client.AssociatedApMac || other.Band != client.Band {
			continue
		}
		if other.RSSI >= client.RSSI+marginDBm {
			return true
		}
	}
	return false
}

// Analyze produces roaming-related findings: the minimum-RSSI threshold per
// AP (when not suppressed), sticky clients, flapping clients, and a band
// steering proposal for APs hosting multiple flapping clients.
func Analyze(snap telemetry.Snapshot, cfg config.AnalysisConfig) ([]findings.Finding, Recommendation) {
	rec := Recommend(snap, cfg)
	var out []findings.Finding

	if !rec.Suppressed {
		for _, d := range snap.Devices {
			if d.Role == telemetry.RoleSwitch {
				continue
			}
			out = append(out, findings.Finding{
				Severity: findings.SeverityLow,
				Category: findings.CategoryMinRSSI,
				Title:    fmt.Sprintf("Enable minimum RSSI %ddBm on %s", rec.ThresholdDBm, d.Name),
				Description: fmt.Sprintf(
					"Across %d disconnects, clients held on until a median of %.0fdBm. Kicking associations below %ddBm (%s strategy, confidence %.0f%%) forces earlier roams.",
					rec.SampleCount, rec.Percentiles.P50, rec.ThresholdDBm, rec.Strategy, rec.Confidence*100),
				AffectedDevices: []string{d.Mac},
				Remediation: &findings.Remediation{
					DeviceMac:  d.Mac,
					Field:      unifi.FieldMinRSSI,
					Value:      strconv.Itoa(rec.ThresholdDBm),
					Revertible: true,
				},
			})
		}
	}

	out = append(out, clientFindings(snap, cfg)...)
	return out, rec
}

func clientFindings(snap telemetry.Snapshot, cfg config.AnalysisConfig) []findings.Finding {
	if !snap.HasEventData() {
		return nil
	}

	roams := RoamCounts(snap.Events)
	days := float64(cfg.LookbackDays)
	if days <= 0 {
		days = 1
	}

	var sticky []string
	flappingByAP := make(map[string][]string)
	for _, c := range snap.Clients {
		perDay := float64(roams[c.Mac]) / days
		if perDay > cfg.FlappingRoamsPerDay {
			flappingByAP[c.AssociatedApMac] = append(flappingByAP[c.AssociatedApMac], c.Mac)
			continue
		}
		if roams[c.Mac] == 0 && c.RSSI < cfg.RSSI.Fair && StrongerAPVisible(snap, c, cfg.StickyMarginDBm) {
			sticky = append(sticky, c.Mac)
		}
	}

	var out []findings.Finding
	if len(sticky) > 0 {
		sort.Strings(sticky)
		out = append(out, findings.Finding{
			Severity: findings.SeverityLow,
			Category: findings.CategoryClientRoaming,
			Title:    fmt.Sprintf("%d sticky clients refusing to roam", len(sticky)),
			Description: fmt.Sprintf(
				"These clients sat on signal below %ddBm for the whole %d-day window without roaming, while a stronger AP was in range. A minimum-RSSI threshold usually unsticks them.",
				cfg.RSSI.Fair, cfg.LookbackDays),
			AffectedClients: sticky,
		})
	}

	for apMac, clients := range flappingByAP {
		sort.Strings(clients)
		apName := apMac
		if d, ok := snap.DeviceByMac(apMac); ok {
			apName = d.Name
		}
		f := findings.Finding{
			Severity: findings.SeverityLow,
			Category: findings.CategoryClientRoaming,
			Title:    fmt.Sprintf("%d flapping clients on %s", len(clients), apName),
			Description: fmt.Sprintf(
				"Roam counts above %.0f/day point at steering misconfiguration, not client mobility.",
				cfg.FlappingRoamsPerDay),
			AffectedDevices: []string{apMac},
			AffectedClients: clients,
		}
		if len(clients) >= 2 {
			f.Severity = findings.SeverityMedium
			f.Category = findings.CategoryBandSteering
			f.Title = fmt.Sprintf("Enable band steering on %s (%d flapping clients)", apName, len(clients))
			f.Remediation = &findings.Remediation{
				DeviceMac:  apMac,
				Field:      unifi.FieldBandSteering,
				Value:      "prefer_5g",
				Revertible: true,
			}
		}
		out = append(out, f)
	}

	return out
}
