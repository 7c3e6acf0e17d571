package health

import (
	"math"
	"sort"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/telemetry"
)

// Sub-score weights. Fixed by contract: overall is always
// round(0.40*signal + 0.25*stability + 0.20*roaming + 0.15*throughput).
const (
	weightSignal     = 0.40
	weightStability  = 0.25
	weightRoaming    = 0.20
	weightThroughput = 0.15
)

const neutralScore = 70 // stands in for stability/roaming when event data is missing

// Score is the composite health of one client.
type Score struct {
	ClientMac     string  `json:"client_mac"`
	Hostname      string  `json:"hostname,omitempty"`
	Overall       int     `json:"overall"`
	Signal        float64 `json:"signal"`
	Stability     float64 `json:"stability"`
	Roaming       float64 `json:"roaming"`
	Throughput    float64 `json:"throughput"`
	Grade         string  `json:"grade"`
	LowConfidence bool    `json:"low_confidence"`
	Sticky        bool    `json:"sticky"`
	Flapping      bool    `json:"flapping"`
}

// DeviceHealth aggregates client health per access point.
type DeviceHealth struct {
	DeviceMac   string  `json:"device_mac"`
	Name        string  `json:"name"`
	ClientCount int     `json:"client_count"`
	MeanScore   float64 `json:"mean_score"`
	WorstScore  int     `json:"worst_score"`
	Grade       string  `json:"grade"`
}

// ClientInputs is everything needed to score one client. Callers derive it
// from the snapshot; scoring itself never touches ambient state.
type ClientInputs struct {
	Client            telemetry.Client
	Disconnects       []telemetry.Event // disconnect events for this client, in-window
	RoamCount         int
	WindowDays        float64
	HasEventData      bool // false when the event read failed or returned nothing
	StrongerAPVisible bool // another AP on the same band plausibly offers better signal
	Now               time.Time
}

// ScoreClient computes the composite health score for one client. Pure:
// same inputs, same score.
func ScoreClient(in ClientInputs, cfg config.AnalysisConfig) Score {
	s := Score{
		ClientMac: in.Client.Mac,
		Hostname:  in.Client.Hostname,
	}

	s.Signal = SignalScore(in.Client.RSSI, cfg)

	if in.HasEventData {
		s.Stability = StabilityScore(in.Disconnects, in.Now, cfg)
		s.Roaming, s.Sticky, s.Flapping = RoamingScore(in, cfg)
	} else {
		// Missing event data must not masquerade as a perfect or terrible
		// history.
		s.Stability = neutralScore
		s.Roaming = neutralScore
		s.LowConfidence = true
	}

	var tpOK bool
	s.Throughput, tpOK = ThroughputScore(in.Client, cfg)
	if !tpOK {
		s.LowConfidence = true
	}

	s.Overall = Combine(s.Signal, s.Stability, s.Roaming, s.Throughput)
	s.Grade = GradeFor(s.Overall)
	return s
}

// Combine applies the fixed weights and rounds.
func Combine(signal, stability, roaming, throughput float64) int {
	overall := weightSignal*signal + weightStability*stability +
		weightRoaming*roaming + weightThroughput*throughput
	return clampInt(int(math.Round(overall)), 0, 100)
}

// SignalScore maps RSSI onto 0-100 with a continuous clamp-and-interpolate
// curve between the configured floor and the excellent threshold. No
// bucketing: a client at -69dBm scores almost the same as one at -70dBm.
func SignalScore(rssi int, cfg config.AnalysisConfig) float64 {
	floor := float64(cfg.SignalFloor)
	top := float64(cfg.RSSI.Excellent)
	v := float64(rssi)
	if v >= top {
		return 100
	}
	if v <= floor {
		return 0
	}
	return (v - floor) / (top - floor) * 100
}

// StabilityScore starts at 100 and applies an exponential-decay penalty per
// disconnect, weighted by recency. A cluster of old disconnects recovers
// faster than a recent cluster of the same size. Floored at 0.
func StabilityScore(disconnects []telemetry.Event, now time.Time, cfg config.AnalysisConfig) float64 {
	score := 100.0
	halfLife := cfg.StabilityHalfLifeHours
	if halfLife <= 0 {
		halfLife = 24
	}
	for _, ev := range disconnects {
		ageHours := now.Sub(ev.Timestamp).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		weight := math.Pow(0.5, ageHours/halfLife)
		score -= cfg.StabilityPenalty * weight
	}
	if score < 0 {
		return 0
	}
	return score
}

// RoamingScore rewards roam rates inside the target band and penalizes both
// extremes: sticky clients that cling to a weak AP while a stronger one is
// visible, and flapping clients that bounce between APs.
func RoamingScore(in ClientInputs, cfg config.AnalysisConfig) (score float64, sticky, flapping bool) {
	days := in.WindowDays
	if days <= 0 {
		days = 1
	}
	perDay := float64(in.RoamCount) / days

	if perDay > cfg.FlappingRoamsPerDay {
		flapping = true
	}

	switch {
	case perDay > cfg.RoamMaxPerDay:
		// Above the band: lose 8 points per excess roam/day, floored.
		score = 100 - (perDay-cfg.RoamMaxPerDay)*8
		if score < 20 {
			score = 20
		}
	case perDay < cfg.RoamMinPerDay:
		weakSignal := in.Client.RSSI < cfg.RSSI.Fair
		if weakSignal && in.StrongerAPVisible {
			// Sticky: parked on a weak AP it should have left.
			sticky = true
			score = 40
		} else {
			// Not roaming on solid signal is the happy case.
			score = 100
		}
	default:
		score = 100
	}
	return score, sticky, flapping
}

// ThroughputScore relates the observed negotiated rate to the client's own
// capability ceiling, so a legacy device at its full rate is not punished
// for being legacy. Returns ok=false when no rate was observed.
func ThroughputScore(c telemetry.Client, cfg config.AnalysisConfig) (float64, bool) {
	observed := c.TxRateKbps
	if c.RxRateKbps > observed {
		observed = c.RxRateKbps
	}
	if observed <= 0 {
		return neutralScore, false
	}
	ceiling := c.Capability.CeilingKbps(c.Streams)
	if ceiling <= 0 {
		return neutralScore, false
	}
	full := cfg.ThroughputFullRatio
	if full <= 0 || full > 1 {
		full = 0.8
	}
	ratio := float64(observed) / float64(ceiling)
	score := ratio / full * 100
	if score > 100 {
		score = 100
	}
	return score, true
}

// GradeFor buckets an overall score A-F.
func GradeFor(overall int) string {
	switch {
	case overall >= 90:
		return "A"
	case overall >= 80:
		return "B"
	case overall >= 70:
		return "C"
	case overall >= 60:
		return "D"
	default:
		return "F"
	}
}

// AggregateByDevice rolls client scores up to their access points.
func AggregateByDevice(snap telemetry.Snapshot, scores []Score) []DeviceHealth {
	byClient := make(map[string]Score, len(scores))
	for _, s := range scores {
		byClient[s.ClientMac] = s
	}

	agg := make(map[string]*DeviceHealth)
	for _, c := range snap.Clients {
		s, ok := byClient[c.Mac]
		if !ok {
			continue
		}
		dh := agg[c.AssociatedApMac]
		if dh == nil {
			name := c.AssociatedApMac
			if dev, ok := snap.DeviceByMac(c.AssociatedApMac); ok {
				name = dev.Name
			}
			dh = &DeviceHealth{DeviceMac: c.AssociatedApMac, Name: name, WorstScore: 100}
			agg[c.AssociatedApMac] = dh
		}
		dh.ClientCount++
		dh.MeanScore += float64(s.Overall)
		if s.Overall < dh.WorstScore {
			dh.WorstScore = s.Overall
		}
	}

	out := make([]DeviceHealth, 0, len(agg))
	for _, dh := range agg {
		dh.MeanScore /= float64(dh.ClientCount)
		dh.Grade = GradeFor(int(math.Round(dh.MeanScore)))
		out = append(out, *dh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceMac < out[j].DeviceMac })
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
