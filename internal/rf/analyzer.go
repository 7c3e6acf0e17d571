package rf

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/findings"
	"github.com/fbettag/unifi-optimizer/internal/telemetry"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
)

// nonOverlapping24 are the only 2.4GHz channels that do not bleed into each
// other at 20MHz.
var nonOverlapping24 = []int{1, 6, 11}

// Analyze inspects channel placement, DFS exposure, transmit power and
// channel width across the site. Pure given (snapshot, config).
func Analyze(snap telemetry.Snapshot, cfg config.AnalysisConfig) []findings.Finding {
	var out []findings.Finding
	out = append(out, channelFindings(snap)...)
	out = append(out, dfsFindings(snap, cfg)...)
	out = append(out, powerFindings(snap)...)
	out = append(out, widthFindings(snap, cfg)...)
	out = append(out, meshFindings(snap, cfg)...)
	return out
}

// RadioName maps a band back to the controller's radio identifier, used to
// qualify radio-scoped remediation fields.
func RadioName(band telemetry.Band) string {
	switch band {
	case telemetry.Band24:
		return "ng"
	case telemetry.Band5:
		return "na"
	case telemetry.Band6:
		return "6e"
	default:
		return string(band)
	}
}

// channelOccupancy counts APs per (band, channel).
func channelOccupancy(snap telemetry.Snapshot) map[telemetry.Band]map[int]int {
	occ := make(map[telemetry.Band]map[int]int)
	for _, d := range snap.Devices {
		for _, r := range d.Radios {
			if occ[r.Band] == nil {
				occ[r.Band] = make(map[int]int)
			}
			occ[r.Band][r.Channel]++
		}
	}
	return occ
}

func channelFindings(snap telemetry.Snapshot) []findings.Finding {
	var out []findings.Finding
	occ := channelOccupancy(snap)

	for _, d := range snap.Devices {
		r, ok := d.Radio(telemetry.Band24)
		if !ok || r.Channel == 0 {
			continue
		}
		if !isNonOverlapping24(r.Channel) {
			target := leastUsed24(occ[telemetry.Band24])
			out = append(out, findings.Finding{
				Severity: findings.SeverityHigh,
				Category: findings.CategoryChannelChange,
				Title:    fmt.Sprintf("%s is on overlapping 2.4GHz channel %d", d.Name, r.Channel),
				Description: fmt.Sprintf(
					"Channel %d overlaps its neighbors. Only channels 1, 6 and 11 avoid adjacent-channel interference on 2.4GHz; channel %d is the least used here.",
					r.Channel, target),
				AffectedDevices: []string{d.Mac},
				Remediation: &findings.Remediation{
					DeviceMac:  d.Mac,
					Field:      unifi.FieldChannel + ":" + RadioName(telemetry.Band24),
					Value:      strconv.Itoa(target),
					Revertible: true,
				},
			})
		}
	}

	// Co-channel congestion: more than two APs sharing a 2.4GHz channel.
	for ch, count := range occ[telemetry.Band24] {
		if ch == 0 || count <= 2 {
			continue
		}
		var macs []string
		for _, d := range snap.Devices {
			if r, ok := d.Radio(telemetry.Band24); ok && r.Channel == ch {
				macs = append(macs, d.Mac)
			}
		}
		sort.Strings(macs)
		out = append(out, findings.Finding{
			Severity: findings.SeverityMedium,
			Category: findings.CategoryChannelCongestion,
			Title:    fmt.Sprintf("%d access points share 2.4GHz channel %d", count, ch),
			Description: fmt.Sprintf(
				"%d devices are co-channel on %d and contend for the same airtime. Spread them across 1, 6 and 11.",
				count, ch),
			AffectedDevices: macs,
		})
	}

	return out
}

func isNonOverlapping24(ch int) bool {
	for _, c := range nonOverlapping24 {
		if ch == c {
			return true
		}
	}
	return false
}

// leastUsed24 picks the least occupied of 1/6/11, lowest channel winning
// ties so the proposal is deterministic.
func leastUsed24(occ map[int]int) int {
	best, bestCount := nonOverlapping24[0], int(^uint(0)>>1)
	for _, c := range nonOverlapping24 {
		if occ[c] < bestCount {
			best, bestCount = c, occ[c]
		}
	}
	return best
}

func dfsFindings(snap telemetry.Snapshot, cfg config.AnalysisConfig) []findings.Finding {
	radarByAP := make(map[string]int)
	for _, ev := range snap.Events {
		if ev.Kind == telemetry.EventDFSRadar {
			radarByAP[ev.ApMac]++
		}
	}

	var out []findings.Finding
	for _, d := range snap.Devices {
		r, ok := d.Radio(telemetry.Band5)
		if !ok || !r.DFS {
			continue
		}
		radar := radarByAP[d.Mac]
		if radar > cfg.MaxRadarEvents {
			out = append(out, findings.Finding{
				Severity: findings.SeverityHigh,
				Category: findings.CategoryDFSExposure,
				Title:    fmt.Sprintf("%s hit %d radar events on DFS channel %d", d.Name, radar, r.Channel),
				Description: fmt.Sprintf(
					"Channel %d requires vacating on radar detection; %d detections in the lookback window mean recurring outages. Move to a non-DFS channel.",
					r.Channel, radar),
				AffectedDevices: []string{d.Mac},
				Remediation: &findings.Remediation{
					DeviceMac:  d.Mac,
					Field:      unifi.FieldChannel + ":" + RadioName(telemetry.Band5),
					Value:      "36",
					Revertible: true,
				},
			})
		} else {
			out = append(out, findings.Finding{
				Severity: findings.SeverityInfo,
				Category: findings.CategoryDFSExposure,
				Title:    fmt.Sprintf("%s runs on DFS channel %d", d.Name, r.Channel),
				Description: fmt.Sprintf(
					"DFS channels are fine until radar shows up (%d detections in window). No action needed.", radar),
				AffectedDevices: []string{d.Mac},
			})
		}
	}
	return out
}

// powerFindings proposes medium power for radios pinned to high in
// multi-device deployments. Mesh devices are excluded unconditionally: a
// wireless uplink that loses power loses its backhaul, so the exclusion
// cannot be overridden here and is surfaced as a note instead.
func powerFindings(snap telemetry.Snapshot) []findings.Finding {
	apCount := 0
	for _, d := range snap.Devices {
		if d.Role != telemetry.RoleSwitch {
			apCount++
		}
	}
	if apCount < 2 {
		return nil
	}

	var out []findings.Finding
	for _, d := range snap.Devices {
		for _, r := range d.Radios {
			if r.TxPowerMode != "high" {
				continue
			}
			if d.IsMesh() {
				// Distinct category: a mesh device can carry an uplink
				// finding at the same time and the two must not collapse
				// into one during dedup.
				out = append(out, findings.Finding{
					Severity: findings.SeverityInfo,
					Category: findings.CategoryPowerExclusion,
					Title:    fmt.Sprintf("%s kept at high power (wireless uplink)", d.Name),
					Description: fmt.Sprintf(
						"%s runs its %s radio at high power, which would normally be reduced in a %d-AP deployment.",
						d.Name, r.Band, apCount),
					AffectedDevices: []string{d.Mac},
					Note:            "power reduction skipped: reducing a wireless-uplink device's power risks backhaul loss",
				})
				continue
			}
			clients := len(snap.ClientsOf(d.Mac))
			out = append(out, findings.Finding{
				Severity: findings.SeverityMedium,
				Category: findings.CategoryPowerChange,
				Title:    fmt.Sprintf("%s %s radio transmits at high power", d.Name, r.Band),
				Description: fmt.Sprintf(
					"With %d access points, high transmit power makes clients cling to distant APs instead of roaming (%d clients currently associated). Medium power shrinks cells and improves handoff.",
					apCount, clients),
				AffectedDevices: []string{d.Mac},
				Remediation: &findings.Remediation{
					DeviceMac:  d.Mac,
					Field:      unifi.FieldTxPowerMode + ":" + RadioName(r.Band),
					Value:      "medium",
					Revertible: true,
				},
			})
		}
	}
	return out
}

func widthFindings(snap telemetry.Snapshot, cfg config.AnalysisConfig) []findings.Finding {
	var out []findings.Finding
	for _, d := range snap.Devices {
		for _, r := range d.Radios {
			if r.Utilization <= cfg.SaturationThreshold || r.Width <= 20 {
				continue
			}
			target := r.Width / 2
			if max, ok := cfg.WidthPolicy[string(r.Band)]; ok && target > max {
				target = max
			}
			out = append(out, findings.Finding{
				Severity: findings.SeverityMedium,
				Category: findings.CategoryWidthChange,
				Title:    fmt.Sprintf("%s %s radio saturated at %dMHz width", d.Name, r.Band, r.Width),
				Description: fmt.Sprintf(
					"Airtime utilization is %d%% (threshold %d%%). Wider channels hear more interference; dropping to %dMHz trades peak rate for reliability.",
					r.Utilization, cfg.SaturationThreshold, target),
				AffectedDevices: []string{d.Mac},
				Remediation: &findings.Remediation{
					DeviceMac:  d.Mac,
					Field:      unifi.FieldWidth + ":" + RadioName(r.Band),
					Value:      strconv.Itoa(target),
					Revertible: true,
				},
			})
		}
	}
	return out
}

func meshFindings(snap telemetry.Snapshot, cfg config.AnalysisConfig) []findings.Finding {
	var out []findings.Finding
	for _, d := range snap.Devices {
		if !d.IsMesh() || d.Uplink.RSSI == 0 {
			continue
		}
		if d.Uplink.RSSI < cfg.MeshCriticalRSSI {
			parent := d.Uplink.ParentMac
			if p, ok := snap.DeviceByMac(parent); ok {
				parent = p.Name
			}
			out = append(out, findings.Finding{
				Severity: findings.SeverityCritical,
				Category: findings.CategoryMeshReliability,
				Title:    fmt.Sprintf("%s mesh uplink at %ddBm", d.Name, d.Uplink.RSSI),
				Description: fmt.Sprintf(
					"The wireless uplink to %s is at %ddBm, below the %ddBm reliability floor. Every client behind this AP rides that link. Move the AP closer to its uplink or add a wired drop.",
					parent, d.Uplink.RSSI, cfg.MeshCriticalRSSI),
				AffectedDevices: []string{d.Mac},
			})
		}
	}
	return out
}
