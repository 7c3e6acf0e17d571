package telemetry

import "time"

// Band identifies a radio band.
type Band string

const (
	Band24 Band = "2g"
	Band5  Band = "5g"
	Band6  Band = "6g"
)

// Role classifies a device within the site topology.
type Role string

const (
	RoleWiredAP Role = "wired-ap"
	RoleMeshAP  Role = "mesh-ap"
	RoleSwitch  Role = "switch"
)

// UplinkType describes how a device reaches the rest of the network.
type UplinkType string

const (
	UplinkWired    UplinkType = "wired"
	UplinkWireless UplinkType = "wireless"
)

// Uplink describes a device's backhaul.
type Uplink struct {
	Type      UplinkType `json:"type"`
	ParentMac string     `json:"parent_mac,omitempty"`
	RSSI      int        `json:"rssi,omitempty"` // dBm, wireless uplinks only
}

// RadioState is the normalized state of one radio on a device.
type RadioState struct {
	Band        Band   `json:"band"`
	Channel     int    `json:"channel"`
	Width       int    `json:"width"` // MHz
	TxPower     int    `json:"tx_power"`
	TxPowerMode string `json:"tx_power_mode"` // auto, low, medium, high
	IsAuto      bool   `json:"is_auto"`
	DFS         bool   `json:"dfs"`
	Utilization int    `json:"utilization"` // airtime %, 0 when unreported
}

// Device is a normalized access point or switch. Devices are created fresh
// per analysis run and never mutated afterwards.
type Device struct {
	Mac    string       `json:"mac"`
	Name   string       `json:"name"`
	Model  string       `json:"model"`
	Role   Role         `json:"role"`
	Radios []RadioState `json:"radios"`
	Uplink Uplink       `json:"uplink"`
}

// IsMesh reports whether the device backhauls over a wireless uplink.
func (d Device) IsMesh() bool {
	return d.Uplink.Type == UplinkWireless
}

// Radio returns the radio state for a band, if present.
func (d Device) Radio(band Band) (RadioState, bool) {
	for _, r := range d.Radios {
		if r.Band == band {
			return r, true
		}
	}
	return RadioState{}, false
}

// Client is a normalized wireless client.
type Client struct {
	Mac             string     `json:"mac"`
	Hostname        string     `json:"hostname"`
	AssociatedApMac string     `json:"ap_mac"`
	Band            Band       `json:"band"`
	RSSI            int        `json:"rssi"` // dBm, negative
	Noise           int        `json:"noise"`
	Capability      Capability `json:"capability"`
	Streams         int        `json:"streams"`
	TxRateKbps      int64      `json:"tx_rate_kbps"`
	RxRateKbps      int64      `json:"rx_rate_kbps"`
}

// EventKind classifies a historical event.
type EventKind string

const (
	EventRoam          EventKind = "roam"
	EventDisconnect    EventKind = "disconnect"
	EventDFSRadar      EventKind = "dfs_radar"
	EventDeviceRestart EventKind = "device_restart"
)

// Event is a normalized historical event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	ClientMac string    `json:"client_mac,omitempty"`
	ApMac     string    `json:"ap_mac,omitempty"`
	RSSI      int       `json:"rssi,omitempty"` // dBm at event time
	HasRSSI   bool      `json:"has_rssi"`
}

// Warning records a non-fatal data quality problem encountered while
// collecting or normalizing telemetry. Warnings ride alongside results so
// operators can tell a clean network from incomplete visibility.
type Warning struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Snapshot is the immutable input to all analysis stages for one run.
type Snapshot struct {
	TakenAt  time.Time `json:"taken_at"`
	Devices  []Device  `json:"devices"`
	Clients  []Client  `json:"clients"`
	Events   []Event   `json:"events"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// HasEventData reports whether the snapshot carries any historical events.
// Scoring treats an empty event window as missing data, not as zero events.
func (s Snapshot) HasEventData() bool {
	return len(s.Events) > 0
}

// DeviceByMac returns the device with the given MAC, if present.
func (s Snapshot) DeviceByMac(mac string) (Device, bool) {
	for _, d := range s.Devices {
		if d.Mac == mac {
			return d, true
		}
	}
	return Device{}, false
}

// ClientsOf returns the clients associated with a device.
func (s Snapshot) ClientsOf(mac string) []Client {
	var out []Client
	for _, c := range s.Clients {
		if c.AssociatedApMac == mac {
			out = append(out, c)
		}
	}
	return out
}
