package telemetry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/unifi"
)

// Normalizer converts raw controller records into typed telemetry values
// with normalized units. It is pure: given the same raw input it always
// produces the same snapshot.
type Normalizer struct {
	matcher *CapabilityMatcher
}

// NewNormalizer creates a normalizer with the given capability rules.
func NewNormalizer(rules []CapabilityRule) *Normalizer {
	if rules == nil {
		rules = DefaultCapabilityRules()
	}
	return &Normalizer{matcher: NewCapabilityMatcher(rules, DefaultCapability())}
}

// Normalize builds an immutable snapshot from raw controller reads. Records
// that cannot be normalized are dropped and reported as warnings rather than
// failing the run.
func (n *Normalizer) Normalize(takenAt time.Time, rawDevices []unifi.RawDevice, rawClients []unifi.RawClient, rawEvents []unifi.RawEvent) Snapshot {
	snap := Snapshot{TakenAt: takenAt}

	for _, rd := range rawDevices {
		dev, ok := n.normalizeDevice(rd)
		if !ok {
			snap.Warnings = append(snap.Warnings, Warning{
				Source:  "devices",
				Message: fmt.Sprintf("skipped device %s: no usable identity", rd.Name),
			})
			continue
		}
		snap.Devices = append(snap.Devices, dev)
	}

	for _, rc := range rawClients {
		cl, ok := n.normalizeClient(rc)
		if !ok {
			snap.Warnings = append(snap.Warnings, Warning{
				Source:  "clients",
				Message: fmt.Sprintf("skipped client %s: wired or missing association", rc.Mac),
			})
			continue
		}
		snap.Clients = append(snap.Clients, cl)
	}

	for _, re := range rawEvents {
		ev, ok := normalizeEvent(re)
		if !ok {
			continue // event kinds we do not analyze
		}
		snap.Events = append(snap.Events, ev)
	}

	return snap
}

func (n *Normalizer) normalizeDevice(rd unifi.RawDevice) (Device, bool) {
	if rd.Mac == "" {
		return Device{}, false
	}

	dev := Device{
		Mac:   strings.ToLower(rd.Mac),
		Name:  rd.Name,
		Model: rd.Model,
	}

	switch {
	case strings.EqualFold(rd.Type, "usw"):
		dev.Role = RoleSwitch
	case strings.EqualFold(rd.UplinkType, "wireless"):
		dev.Role = RoleMeshAP
	default:
		dev.Role = RoleWiredAP
	}

	if strings.EqualFold(rd.UplinkType, "wireless") {
		dev.Uplink = Uplink{
			Type:      UplinkWireless,
			ParentMac: strings.ToLower(rd.UplinkMac),
			RSSI:      normalizeRSSI(rd.UplinkRSSI),
		}
	} else {
		dev.Uplink = Uplink{Type: UplinkWired}
	}

	for _, rr := range rd.Radios {
		band, ok := BandFromRadio(rr.Radio)
		if !ok {
			continue
		}
		dev.Radios = append(dev.Radios, RadioState{
			Band:        band,
			Channel:     rr.Channel,
			Width:       rr.Width,
			TxPower:     rr.TxPower,
			TxPowerMode: strings.ToLower(rr.TxPowerMode),
			IsAuto:      rr.ChannelAuto,
			DFS:         IsDFSChannel(band, rr.Channel),
			Utilization: rr.Utilization,
		})
	}

	return dev, true
}

func (n *Normalizer) normalizeClient(rc unifi.RawClient) (Client, bool) {
	if rc.Mac == "" || rc.IsWired || rc.ApMac == "" {
		return Client{}, false
	}

	band, ok := BandFromRadio(rc.Radio)
	if !ok {
		band = Band24
	}

	cap := n.matcher.Match(rc.RadioProto)
	streams := rc.NSS
	if streams <= 0 {
		streams = defaultStreams(cap)
	}

	hostname := rc.Hostname
	if hostname == "" {
		hostname = rc.Name
	}

	return Client{
		Mac:             strings.ToLower(rc.Mac),
		Hostname:        hostname,
		AssociatedApMac: strings.ToLower(rc.ApMac),
		Band:            band,
		RSSI:            normalizeRSSI(rc.Signal),
		Noise:           normalizeRSSI(rc.Noise),
		Capability:      cap,
		Streams:         streams,
		TxRateKbps:      rc.TxRate,
		RxRateKbps:      rc.RxRate,
	}, true
}

// defaultStreams guesses spatial streams when the controller omits them.
// Modern standards ship 2x2 at minimum in practice.
func defaultStreams(cap Capability) int {
	switch cap.Standard {
	case "802.11be", "802.11ax-6e", "802.11ax", "802.11ac":
		return 2
	default:
		return 1
	}
}

// normalizeRSSI coerces signal readings into negative dBm. Some controller
// endpoints report RSSI as a positive offset above the noise floor.
func normalizeRSSI(v int) int {
	if v > 0 {
		return v - 95
	}
	return v
}

// BandFromRadio maps controller radio names to bands.
func BandFromRadio(radio string) (Band, bool) {
	switch strings.ToLower(radio) {
	case "ng", "2g":
		return Band24, true
	case "na", "ac", "5g":
		return Band5, true
	case "6e", "6g", "axe":
		return Band6, true
	default:
		return "", false
	}
}

// IsDFSChannel reports whether a channel sits in a radar-protected range.
func IsDFSChannel(band Band, channel int) bool {
	if band != Band5 {
		return false
	}
	return (channel >= 52 && channel <= 64) || (channel >= 100 && channel <= 144)
}

// LegalChannel reports whether a channel is legal for the band at all.
// Stricter placement policy (2.4GHz 1/6/11) is the RF analyzer's job.
func LegalChannel(band Band, channel int) bool {
	switch band {
	case Band24:
		return channel >= 1 && channel <= 13
	case Band5:
		switch {
		case channel >= 36 && channel <= 64 && channel%4 == 0:
			return true
		case channel >= 100 && channel <= 144 && channel%4 == 0:
			return true
		case channel >= 149 && channel <= 165 && (channel-149)%4 == 0 || channel == 165:
			return true
		default:
			return false
		}
	case Band6:
		return channel >= 1 && channel <= 233 && channel%4 == 1
	default:
		return false
	}
}

var eventRSSIPattern = regexp.MustCompile(`(?i)(?:rssi|signal)[^\-0-9]{0,8}(-?\d{1,3})`)

// normalizeEvent classifies a raw controller event and extracts the RSSI at
// event time from the message text when present. Kinds we do not analyze
// are dropped.
func normalizeEvent(re unifi.RawEvent) (Event, bool) {
	key := strings.ToLower(re.Key)

	var kind EventKind
	switch {
	case strings.Contains(key, "roam"):
		kind = EventRoam
	case strings.Contains(key, "disconnect"):
		kind = EventDisconnect
	case strings.Contains(key, "radar") || strings.Contains(key, "dfs"):
		kind = EventDFSRadar
	case strings.Contains(key, "restart"):
		kind = EventDeviceRestart
	default:
		return Event{}, false
	}

	ev := Event{
		Timestamp: re.Time,
		Kind:      kind,
		ClientMac: strings.ToLower(re.ClientMac),
		ApMac:     strings.ToLower(re.ApMac),
	}

	if m := eventRSSIPattern.FindStringSubmatch(re.Msg); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v != 0 {
			ev.RSSI = normalizeRSSI(v)
			ev.HasRSSI = true
		}
	}

	return ev, true
}
