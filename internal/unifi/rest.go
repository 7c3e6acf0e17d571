package unifi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"
)

// Canonical field names accepted by SetDeviceField. Radio-scoped fields are
// qualified as "name:radio", e.g. "channel:ng".
const (
	FieldTxPowerMode  = "tx_power_mode"
	FieldChannel      = "channel"
	FieldWidth        = "width"
	FieldBandSteering = "band_steering"
	FieldMinRSSI      = "min_rssi"
)

// fieldToWire maps canonical field names to the controller's JSON keys.
var fieldToWire = map[string]string{
	FieldTxPowerMode:  "tx_power_mode",
	FieldChannel:      "channel",
	FieldWidth:        "ht",
	FieldBandSteering: "bandsteering_mode",
	FieldMinRSSI:      "min_rssi",
}

// restSession is a raw authenticated session against the controller's REST
// API, used for the pieces the unpoller library does not expose: full device
// detail, historical events, and the single-field device write.
type restSession struct {
	baseURL  string
	username string
	password string
	site     string
	http     *http.Client
	csrf     string
	logger   Logger

	// ids maps device MAC to controller _id. The _id never changes while a
	// device stays adopted, so any device read can warm it. Access is
	// serialized by the owning Client.
	ids map[string]string
}

func newRestSession(baseURL, username, password, site string, timeout time.Duration, logger Logger) *restSession {
	jar, _ := cookiejar.New(nil)
	return &restSession{
		baseURL:  baseURL,
		username: username,
		password: password,
		site:     site,
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		logger: logger,
		ids:    make(map[string]string),
	}
}

func (s *restSession) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": s.username,
		"password": s.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyErr("login", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus("login", resp.StatusCode)
	}
	if token := resp.Header.Get("X-Csrf-Token"); token != "" {
		s.csrf = token
	}
	return nil
}

// envelope is the controller's standard response wrapper.
type envelope struct {
	Meta struct {
		RC  string `json:"rc"`
		Msg string `json:"msg"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

func (s *restSession) get(ctx context.Context, op, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return s.do(op, req, out)
}

func (s *restSession) send(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode body: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(op, req, out)
}

func (s *restSession) do(op string, req *http.Request, out interface{}) error {
	if s.csrf != "" {
		req.Header.Set("X-Csrf-Token", s.csrf)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return classifyErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(op, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if env.Meta.RC != "" && env.Meta.RC != "ok" {
		return fmt.Errorf("%s: controller error: %s", op, env.Meta.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", op, err)
		}
	}
	return nil
}

// flexInt tolerates the controller's habit of reporting numeric fields as
// either numbers or strings ("auto" decodes as 0).
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		v, err := n.Int64()
		if err != nil {
			fv, ferr := n.Float64()
			if ferr != nil {
				return ferr
			}
			v = int64(fv)
		}
		*f = flexInt(v)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := strconv.Atoi(str)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(v)
	return nil
}

type wireRadio struct {
	Radio       string  `json:"radio"`
	Channel     flexInt `json:"channel"`
	Ht          flexInt `json:"ht"`
	TxPower     flexInt `json:"tx_power"`
	TxPowerMode string  `json:"tx_power_mode"`
}

type wireRadioStat struct {
	Radio   string  `json:"radio"`
	CuTotal flexInt `json:"cu_total"`
}

type wireUplink struct {
	Type      string  `json:"type"`
	UplinkMac string  `json:"uplink_mac"`
	RSSI      flexInt `json:"rssi"`
}

type wireDevice struct {
	ID              string          `json:"_id"`
	Mac             string          `json:"mac"`
	Name            string          `json:"name"`
	Model           string          `json:"model"`
	Type            string          `json:"type"`
	State           flexInt         `json:"state"`
	Adopted         bool            `json:"adopted"`
	Uplink          wireUplink      `json:"uplink"`
	RadioTable      []wireRadio     `json:"radio_table"`
	RadioTableStats []wireRadioStat `json:"radio_table_stats"`
	BandSteering    string          `json:"bandsteering_mode"`
	MinRSSI         flexInt         `json:"min_rssi"`
	MinRSSIEnabled  bool            `json:"min_rssi_enabled"`
}

func (d wireDevice) toRaw() RawDevice {
	util := make(map[string]int, len(d.RadioTableStats))
	for _, st := range d.RadioTableStats {
		util[st.Radio] = int(st.CuTotal)
	}
	raw := RawDevice{
		ID:         d.ID,
		Mac:        d.Mac,
		Name:       d.Name,
		Model:      d.Model,
		Type:       d.Type,
		State:      int(d.State),
		Adopted:    d.Adopted,
		UplinkType: d.Uplink.Type,
		UplinkMac:  d.Uplink.UplinkMac,
		UplinkRSSI: int(d.Uplink.RSSI),
	}
	for _, r := range d.RadioTable {
		raw.Radios = append(raw.Radios, RawRadio{
			Radio:       r.Radio,
			Channel:     int(r.Channel),
			Width:       int(r.Ht),
			TxPower:     int(r.TxPower),
			TxPowerMode: r.TxPowerMode,
			ChannelAuto: int(r.Channel) == 0,
			Utilization: util[r.Radio],
		})
	}
	return raw
}

func (s *restSession) listDevices(ctx context.Context) ([]RawDevice, error) {
	var wire []wireDevice
	path := fmt.Sprintf("/api/s/%s/stat/device", s.site)
	if err := s.get(ctx, "list devices", path, &wire); err != nil {
		return nil, err
	}
	out := make([]RawDevice, 0, len(wire))
	for _, d := range wire {
		if !d.Adopted {
			continue
		}
		s.ids[d.Mac] = d.ID
		out = append(out, d.toRaw())
	}
	return out, nil
}

type wireEvent struct {
	Key      string  `json:"key"`
	TimeMs   int64   `json:"time"`
	Datetime string  `json:"datetime"`
	Msg      string  `json:"msg"`
	User     string  `json:"user"`
	Ap       string  `json:"ap"`
	Channel  flexInt `json:"channel"`
}

func (s *restSession) listEvents(ctx context.Context, lookbackHours int) ([]RawEvent, error) {
	body := map[string]interface{}{
		"within": lookbackHours,
		"_limit": 3000,
	}
	var wire []wireEvent
	path := fmt.Sprintf("/api/s/%s/stat/event", s.site)
	if err := s.send(ctx, "list events", http.MethodPost, path, body, &wire); err != nil {
		return nil, err
	}

	out := make([]RawEvent, 0, len(wire))
	for _, e := range wire {
		ts := time.UnixMilli(e.TimeMs)
		if e.TimeMs == 0 && e.Datetime != "" {
			if parsed, err := time.Parse(time.RFC3339, e.Datetime); err == nil {
				ts = parsed
			}
		}
		out = append(out, RawEvent{
			Time:      ts,
			Key:       e.Key,
			Msg:       e.Msg,
			ClientMac: e.User,
			ApMac:     e.Ap,
			Channel:   int(e.Channel),
		})
	}
	return out, nil
}

func (s *restSession) getDeviceConfig(ctx context.Context, mac string) (DeviceConfig, error) {
	var wire []wireDevice
	path := fmt.Sprintf("/api/s/%s/stat/device/%s", s.site, mac)
	if err := s.get(ctx, "get device config", path, &wire); err != nil {
		return DeviceConfig{}, err
	}
	if len(wire) == 0 {
		return DeviceConfig{}, fmt.Errorf("get device config: device %s not found", mac)
	}
	d := wire[0]

	fields := map[string]string{
		FieldBandSteering: d.BandSteering,
		FieldMinRSSI:      strconv.Itoa(int(d.MinRSSI)),
	}
	for _, r := range d.RadioTable {
		fields[FieldChannel+":"+r.Radio] = strconv.Itoa(int(r.Channel))
		fields[FieldWidth+":"+r.Radio] = strconv.Itoa(int(r.Ht))
		fields[FieldTxPowerMode+":"+r.Radio] = r.TxPowerMode
	}
	s.ids[d.Mac] = d.ID
	return DeviceConfig{ID: d.ID, Mac: d.Mac, Fields: fields}, nil
}

// hasDeviceID reports whether the MAC's _id is already known, letting the
// Client pay for the resolving read before it spends the write's token.
func (s *restSession) hasDeviceID(mac string) bool {
	_, ok := s.ids[mac]
	return ok
}

// deviceID resolves a device's _id, hitting the controller only on a cache
// miss.
func (s *restSession) deviceID(ctx context.Context, mac string) (string, error) {
	if id, ok := s.ids[mac]; ok {
		return id, nil
	}
	cfg, err := s.getDeviceConfig(ctx, mac)
	if err != nil {
		return "", err
	}
	return cfg.ID, nil
}

// setDeviceField writes one configuration field. Radio-scoped fields carry a
// ":radio" suffix and are sent as a radio_table override; everything else is
// a top-level device property. A client-side timeout here is ambiguous (the
// write may have landed) and is reported as such for the caller to resolve
// with a read-back.
func (s *restSession) setDeviceField(ctx context.Context, mac, field, value string) error {
	name, radio := splitField(field)
	wireKey, ok := fieldToWire[name]
	if !ok {
		return fmt.Errorf("set device field: unknown field %q", field)
	}

	id, err := s.deviceID(ctx, mac)
	if err != nil {
		return err
	}

	var body map[string]interface{}
	if radio != "" {
		body = map[string]interface{}{
			"radio_table": []map[string]interface{}{
				{"radio": radio, wireKey: wireValue(value)},
			},
		}
	} else {
		body = map[string]interface{}{wireKey: wireValue(value)}
	}

	path := fmt.Sprintf("/api/s/%s/rest/device/%s", s.site, id)
	err = s.send(ctx, "set device field", http.MethodPut, path, body, nil)
	if err != nil && isTimeoutErr(err) {
		return &AmbiguousWriteError{Op: "set device field", Err: err}
	}
	return err
}

func splitField(field string) (name, radio string) {
	if i := strings.IndexByte(field, ':'); i >= 0 {
		return field[:i], field[i+1:]
	}
	return field, ""
}

// wireValue sends numeric strings as numbers, everything else verbatim.
func wireValue(v string) interface{} {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return v
}

func isTimeoutErr(err error) bool {
	var te *TransientError
	if !errors.As(err, &te) {
		return false
	}
	msg := strings.ToLower(te.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline")
}
