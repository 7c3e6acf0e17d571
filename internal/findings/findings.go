package findings

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Severity orders findings by urgency.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// Category identifies what kind of remediation a finding suggests.
type Category string

const (
	CategoryChannelChange     Category = "channel_change"
	CategoryChannelCongestion Category = "channel_congestion"
	CategoryPowerChange       Category = "power_change"
	CategoryWidthChange       Category = "width_change"
	CategoryBandSteering      Category = "band_steering"
	CategoryMinRSSI           Category = "min_rssi"
	CategoryMeshReliability   Category = "mesh_reliability"
	CategoryPowerExclusion    Category = "power_exclusion"
	CategoryDFSExposure       Category = "dfs_exposure"
	CategoryClientRoaming     Category = "client_roaming"
)

// Remediation is the concrete device mutation a finding proposes, if any.
// Field uses the canonical names from the unifi package, with ":radio"
// qualifiers for radio-scoped settings.
type Remediation struct {
	DeviceMac  string `json:"device_mac"`
	Field      string `json:"field"`
	Value      string `json:"value"`
	Revertible bool   `json:"revertible"`
}

// Finding is a single ranked recommendation. Immutable within a run.
type Finding struct {
	ID              string       `json:"id"`
	Severity        Severity     `json:"severity"`
	Category        Category     `json:"category"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	AffectedDevices []string     `json:"affected_devices,omitempty"`
	AffectedClients []string     `json:"affected_clients,omitempty"`
	Remediation     *Remediation `json:"remediation,omitempty"`
	Note            string       `json:"note,omitempty"`
}

// Merge combines analyzer outputs into one ranked, deduplicated list and
// assigns finding IDs. Duplicates are findings with the same category and
// the same affected device set; the more severe one wins.
func Merge(groups ...[]Finding) []Finding {
	seen := make(map[string]int)
	var merged []Finding

	for _, group := range groups {
		for _, f := range group {
			key := dedupeKey(f)
			if idx, ok := seen[key]; ok {
				if severityRank[f.Severity] < severityRank[merged[idx].Severity] {
					f.ID = merged[idx].ID
					merged[idx] = f
				}
				continue
			}
			f.ID = uuid.New().String()
			seen[key] = len(merged)
			merged = append(merged, f)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if severityRank[merged[i].Severity] != severityRank[merged[j].Severity] {
			return severityRank[merged[i].Severity] < severityRank[merged[j].Severity]
		}
		// More affected devices/clients first within a severity.
		li := len(merged[i].AffectedDevices) + len(merged[i].AffectedClients)
		lj := len(merged[j].AffectedDevices) + len(merged[j].AffectedClients)
		if li != lj {
			return li > lj
		}
		return merged[i].Category < merged[j].Category
	})
	return merged
}

func dedupeKey(f Finding) string {
	devs := append([]string(nil), f.AffectedDevices...)
	sort.Strings(devs)
	return string(f.Category) + "|" + strings.Join(devs, ",")
}

// ByID returns the finding with the given ID.
func ByID(list []Finding, id string) (Finding, bool) {
	for _, f := range list {
		if f.ID == id {
			return f, true
		}
	}
	return Finding{}, false
}
