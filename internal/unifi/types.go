package unifi

import "time"

// RawRadio is one radio entry as reported by the controller.
type RawRadio struct {
	Radio       string `json:"radio"` // ng, na, 6e
	Channel     int    `json:"channel"`
	Width       int    `json:"ht"` // MHz
	TxPower     int    `json:"tx_power"`
	TxPowerMode string `json:"tx_power_mode"`
	ChannelAuto bool   `json:"channel_auto"`
	Utilization int    `json:"cu_total"` // airtime %, 0 when unreported
}

// RawDevice is an adopted device as reported by the controller.
type RawDevice struct {
	ID         string     `json:"_id"`
	Mac        string     `json:"mac"`
	Name       string     `json:"name"`
	Model      string     `json:"model"`
	Type       string     `json:"type"` // uap, usw
	State      int        `json:"state"`
	Adopted    bool       `json:"adopted"`
	UplinkType string     `json:"uplink_type"` // wire, wireless
	UplinkMac  string     `json:"uplink_mac,omitempty"`
	UplinkRSSI int        `json:"uplink_rssi,omitempty"`
	Radios     []RawRadio `json:"radios,omitempty"`
}

// RawClient is an active wireless client as reported by the controller.
type RawClient struct {
	Mac        string `json:"mac"`
	Name       string `json:"name,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	ApMac      string `json:"ap_mac"`
	Radio      string `json:"radio"` // ng, na, 6e
	RadioProto string `json:"radio_proto"`
	Channel    int    `json:"channel"`
	Signal     int    `json:"signal"` // dBm
	Noise      int    `json:"noise"`
	NSS        int    `json:"nss"` // spatial streams
	TxRate     int64  `json:"tx_rate"`
	RxRate     int64  `json:"rx_rate"`
	LastSeen   int64  `json:"last_seen"`
	IsWired    bool   `json:"is_wired"`
}

// RawEvent is a historical controller event.
type RawEvent struct {
	Time      time.Time `json:"time"`
	Key       string    `json:"key"`
	Msg       string    `json:"msg"`
	ClientMac string    `json:"user,omitempty"`
	ApMac     string    `json:"ap,omitempty"`
	Channel   int       `json:"channel,omitempty"`
}

// DeviceConfig is the freshly read configuration of one device, reduced to
// the settings this tool mutates. Values are stringified so previews can
// diff them without caring about the controller's native types.
type DeviceConfig struct {
	ID     string            `json:"_id"`
	Mac    string            `json:"mac"`
	Fields map[string]string `json:"fields"`
}
