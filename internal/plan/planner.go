package plan

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/fbettag/unifi-optimizer/internal/findings"
	"github.com/fbettag/unifi-optimizer/internal/telemetry"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle of a change. Valid transitions:
// Planned -> Previewed -> Applying -> {Applied, Failed}; Applied -> Reverted.
type State string

const (
	StatePlanned   State = "planned"
	StatePreviewed State = "previewed"
	StateApplying  State = "applying"
	StateApplied   State = "applied"
	StateFailed    State = "failed"
	StateReverted  State = "reverted"
)

var transitions = map[State][]State{
	StatePlanned:   {StatePreviewed},
	StatePreviewed: {StateApplying},
	StateApplying:  {StateApplied, StateFailed},
	StateApplied:   {StateReverted},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Risk classifies the blast radius of a change.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ChangePlan is one concrete device-field mutation derived from a finding.
type ChangePlan struct {
	ChangeID      string `json:"change_id"`
	FindingID     string `json:"finding_id"`
	DeviceMac     string `json:"device_mac"`
	DeviceName    string `json:"device_name,omitempty"`
	Setting       string `json:"setting"` // canonical field, possibly ":radio" qualified
	CurrentValue  string `json:"current_value"`
	ProposedValue string `json:"proposed_value"`
	Risk          Risk   `json:"risk"`
	Revertible    bool   `json:"revertible"`
	State         State  `json:"state"`
	Note          string `json:"note,omitempty"`
}

// ValidationError rejects a proposed value that violates a hard invariant,
// before any remote call is made.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %s", e.Value, e.Field, e.Reason)
}

// fieldOrder is the mandatory apply order within one device. Some firmware
// transiently invalidates power settings when channel or width changes, so
// power goes first.
var fieldOrder = map[string]int{
	unifi.FieldTxPowerMode:  0,
	unifi.FieldChannel:      1,
	unifi.FieldWidth:        2,
	unifi.FieldBandSteering: 3,
	unifi.FieldMinRSSI:      4,
}

// OrderIndex returns the apply position of a (possibly radio-qualified)
// setting within its device.
func OrderIndex(setting string) int {
	name := setting
	for i := 0; i < len(setting); i++ {
		if setting[i] == ':' {
			name = setting[:i]
			break
		}
	}
	if idx, ok := fieldOrder[name]; ok {
		return idx
	}
	return len(fieldOrder)
}

// SortPlans orders plans deterministically: by device, then by the fixed
// field order within each device.
func SortPlans(plans []ChangePlan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].DeviceMac != plans[j].DeviceMac {
			return plans[i].DeviceMac < plans[j].DeviceMac
		}
		return OrderIndex(plans[i].Setting) < OrderIndex(plans[j].Setting)
	})
}

// ValidateValue enforces hard invariants on a proposed value.
func ValidateValue(setting, value string) error {
	name, radio := splitSetting(setting)
	switch name {
	case unifi.FieldChannel:
		ch, err := strconv.Atoi(value)
		if err != nil {
			return &ValidationError{Field: setting, Value: value, Reason: "channel must be numeric"}
		}
		band, ok := telemetry.BandFromRadio(radio)
		if !ok {
			return &ValidationError{Field: setting, Value: value, Reason: "unknown radio qualifier"}
		}
		if !telemetry.LegalChannel(band, ch) {
			return &ValidationError{Field: setting, Value: value, Reason: fmt.Sprintf("channel %d illegal for band %s", ch, band)}
		}
	case unifi.FieldWidth:
		w, err := strconv.Atoi(value)
		if err != nil || (w != 20 && w != 40 && w != 80 && w != 160) {
			return &ValidationError{Field: setting, Value: value, Reason: "width must be 20, 40, 80 or 160"}
		}
	case unifi.FieldTxPowerMode:
		switch value {
		case "auto", "low", "medium", "high":
		default:
			return &ValidationError{Field: setting, Value: value, Reason: "power mode must be auto, low, medium or high"}
		}
	case unifi.FieldBandSteering:
		switch value {
		case "off", "prefer_5g", "equal":
		default:
			return &ValidationError{Field: setting, Value: value, Reason: "band steering mode must be off, prefer_5g or equal"}
		}
	case unifi.FieldMinRSSI:
		v, err := strconv.Atoi(value)
		if err != nil || v < -90 || v > -60 {
			return &ValidationError{Field: setting, Value: value, Reason: "min RSSI must be between -90 and -60 dBm"}
		}
	default:
		return &ValidationError{Field: setting, Value: value, Reason: "unknown setting"}
	}
	return nil
}

func splitSetting(setting string) (name, radio string) {
	for i := 0; i < len(setting); i++ {
		if setting[i] == ':' {
			return setting[:i], setting[i+1:]
		}
	}
	return setting, ""
}

// Planner turns selected findings into previewed change plans.
type Planner struct {
	client unifi.Controller
	logger *logrus.Logger
}

// NewPlanner creates a planner.
func NewPlanner(client unifi.Controller, logger *logrus.Logger) *Planner {
	return &Planner{client: client, logger: logger}
}

// Preview maps findings to change plans. It never mutates anything, and it
// re-reads each affected device's configuration immediately before diffing:
// the analysis snapshot may be minutes old and must not be trusted for
// current values. Findings whose proposal already matches the live value
// produce no plan.
func (p *Planner) Preview(ctx context.Context, snap telemetry.Snapshot, selected []findings.Finding) ([]ChangePlan, error) {
	configs := make(map[string]unifi.DeviceConfig)
	var plans []ChangePlan

	for _, f := range selected {
		if f.Remediation == nil {
			continue
		}
		rem := f.Remediation

		if err := ValidateValue(rem.Field, rem.Value); err != nil {
			return nil, err
		}

		cfg, ok := configs[rem.DeviceMac]
		if !ok {
			var err error
			cfg, err = p.client.GetDeviceConfig(ctx, rem.DeviceMac)
			if err != nil {
				return nil, fmt.Errorf("preview: fresh config read for %s: %w", rem.DeviceMac, err)
			}
			configs[rem.DeviceMac] = cfg
		}

		current := cfg.Fields[rem.Field]
		if current == rem.Value {
			p.logger.Debugf("Skipping plan for %s %s: already %s", rem.DeviceMac, rem.Field, current)
			continue
		}

		pl := ChangePlan{
			ChangeID:      uuid.New().String(),
			FindingID:     f.ID,
			DeviceMac:     rem.DeviceMac,
			Setting:       rem.Field,
			CurrentValue:  current,
			ProposedValue: rem.Value,
			Risk:          classifyRisk(snap, rem.DeviceMac),
			Revertible:    rem.Revertible,
			State:         StatePreviewed,
		}
		if dev, ok := snap.DeviceByMac(rem.DeviceMac); ok {
			pl.DeviceName = dev.Name
			if dev.IsMesh() {
				pl.Note = "mesh device: changes affect the wireless backhaul path"
			}
		}
		plans = append(plans, pl)
	}

	SortPlans(plans)
	return plans, nil
}

// classifyRisk derives risk from how many clients ride the device and
// whether it is a mesh node.
func classifyRisk(snap telemetry.Snapshot, mac string) Risk {
	if dev, ok := snap.DeviceByMac(mac); ok && dev.IsMesh() {
		return RiskHigh
	}
	switch n := len(snap.ClientsOf(mac)); {
	case n >= 10:
		return RiskHigh
	case n >= 3:
		return RiskMedium
	default:
		return RiskLow
	}
}
