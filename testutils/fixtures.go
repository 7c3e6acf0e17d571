package testutils

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/audit"
	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// TestLogger returns a quiet logger for tests.
func TestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise in tests
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})
	return logger
}

// TestStore creates a throwaway sqlite audit store.
func TestStore(t *testing.T) *audit.Store {
	t.Helper()
	store, err := audit.Initialize(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestAnalysisConfig returns the default tuning used across tests.
func TestAnalysisConfig() config.AnalysisConfig {
	return config.DefaultAnalysis()
}

// WiredAP builds a wired access point with the given radios.
func WiredAP(mac, name string, radios ...telemetry.RadioState) telemetry.Device {
	return telemetry.Device{
		Mac:    mac,
		Name:   name,
		Model:  "U6-Pro",
		Role:   telemetry.RoleWiredAP,
		Radios: radios,
		Uplink: telemetry.Uplink{Type: telemetry.UplinkWired},
	}
}

// MeshAP builds an access point with a wireless uplink.
func MeshAP(mac, name, parentMac string, uplinkRSSI int, radios ...telemetry.RadioState) telemetry.Device {
	return telemetry.Device{
		Mac:    mac,
		Name:   name,
		Model:  "U6-Mesh",
		Role:   telemetry.RoleMeshAP,
		Radios: radios,
		Uplink: telemetry.Uplink{
			Type:      telemetry.UplinkWireless,
			ParentMac: parentMac,
			RSSI:      uplinkRSSI,
		},
	}
}

// Radio builds a radio state with DFS derived from band and channel.
func Radio(band telemetry.Band, channel, width int, powerMode string) telemetry.RadioState {
	return telemetry.RadioState{
		Band:        band,
		Channel:     channel,
		Width:       width,
		TxPowerMode: powerMode,
		DFS:         telemetry.IsDFSChannel(band, channel),
	}
}

// WirelessClient builds a normalized client with a sane modern capability.
func WirelessClient(mac, apMac string, band telemetry.Band, rssi int) telemetry.Client {
	return telemetry.Client{
		Mac:             mac,
		Hostname:        "host-" + mac,
		AssociatedApMac: apMac,
		Band:            band,
		RSSI:            rssi,
		Noise:           -95,
		Capability: telemetry.Capability{
			Standard:             "802.11ax",
			PerStreamCeilingKbps: 600000,
		},
		Streams:    2,
		TxRateKbps: 500000,
		RxRateKbps: 480000,
	}
}

// DisconnectEvent builds a disconnect event carrying the RSSI at event time.
func DisconnectEvent(ts time.Time, clientMac, apMac string, rssi int) telemetry.Event {
	return telemetry.Event{
		Timestamp: ts,
		Kind:      telemetry.EventDisconnect,
		ClientMac: clientMac,
		ApMac:     apMac,
		RSSI:      rssi,
		HasRSSI:   true,
	}
}

// RoamEvent builds a roam event.
func RoamEvent(ts time.Time, clientMac, apMac string) telemetry.Event {
	return telemetry.Event{
		Timestamp: ts,
		Kind:      telemetry.EventRoam,
		ClientMac: clientMac,
		ApMac:     apMac,
	}
}

// RadarEvent builds a DFS radar detection on an AP.
func RadarEvent(ts time.Time, apMac string) telemetry.Event {
	return telemetry.Event{
		Timestamp: ts,
		Kind:      telemetry.EventDFSRadar,
		ApMac:     apMac,
	}
}
