package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/apply"
	"github.com/fbettag/unifi-optimizer/internal/auth"
	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/pipeline"
	"github.com/fbettag/unifi-optimizer/internal/plan"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
	"github.com/fbettag/unifi-optimizer/testutils"
	"github.com/gorilla/mux"
)

// newTestServer wires a full application against a mock controller, the same
// way main does, and returns an HTTP client with a cookie jar.
func newTestServer(t *testing.T, ctrl *testutils.MockController) (*httptest.Server, *http.Client, *App) {
	t.Helper()

	cfg := &config.Config{
		Analysis:      config.DefaultAnalysis(),
		Apply:         config.DefaultApply(),
		SessionSecret: "test-session-secret-test-session",
		SetupComplete: true,
	}
	cfg.Admin.Username = "admin"
	if err := cfg.SetAdminPassword("correct horse"); err != nil {
		t.Fatalf("SetAdminPassword failed: %v", err)
	}
	cfg.UniFi.ControllerURL = "https://unifi.local:8443"
	cfg.UniFi.SiteID = "default"
	// Keep applier retries fast.
	cfg.Apply.RetryBackoffMS = 1
	cfg.Apply.RateLimitWaitSec = 1

	store := testutils.TestStore(t)
	logger := testutils.TestLogger()

	app := &App{
		Config:       cfg,
		ConfigPath:   filepath.Join(t.TempDir(), "config.yaml"),
		Store:        store,
		Logger:       logger,
		SessionStore: auth.NewSessionStore(cfg.SessionSecret),
		UniFiClient:  ctrl,
		Pipeline:     pipeline.NewManager(ctrl, store, cfg, logger, nil),
		Planner:      plan.NewPlanner(ctrl, logger),
		Applier:      apply.NewApplier(ctrl, store, cfg.Apply, logger, nil),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/setup", app.SetupAPIHandler).Methods("POST")
	router.HandleFunc("/api/login", app.LoginHandler).Methods("POST")
	router.HandleFunc("/api/status", app.GetStatusHandler).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(app.AuthMiddleware)
	api.HandleFunc("/logout", app.LogoutHandler).Methods("POST")
	api.HandleFunc("/analysis", app.StartAnalysisHandler).Methods("POST")
	api.HandleFunc("/analysis/latest", app.LatestResultHandler).Methods("GET")
	api.HandleFunc("/analysis/{id}/status", app.AnalysisStatusHandler).Methods("GET")
	api.HandleFunc("/analysis/{id}/result", app.AnalysisResultHandler).Methods("GET")
	api.HandleFunc("/analysis/{id}/cancel", app.CancelAnalysisHandler).Methods("POST")
	api.HandleFunc("/analysis/{id}/preview", app.PreviewHandler).Methods("POST")
	api.HandleFunc("/analysis/{id}/apply", app.ApplyHandler).Methods("POST")
	api.HandleFunc("/changes", app.ChangeHistoryHandler).Methods("GET")
	api.HandleFunc("/changes/{id}/revert", app.RevertHandler).Methods("POST")
	api.HandleFunc("/settings", app.GetSettingsHandler).Methods("GET")
	api.HandleFunc("/settings", app.UpdateSettingsHandler).Methods("PUT")

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	jar, _ := cookiejar.New(nil)
	return srv, &http.Client{Jar: jar}, app
}

// analysisController seeds a topology whose analysis yields a channel change
// finding on the third AP: two APs crowd channel 6 while it sits on the
// overlapping channel 4.
func analysisController() *testutils.MockController {
	ctrl := testutils.NewMockController()
	ctrl.Devices = []unifi.RawDevice{
		{ID: "d1", Mac: "aa:bb:cc:00:00:01", Name: "office", Type: "uap", Adopted: true, UplinkType: "wire",
			Radios: []unifi.RawRadio{{Radio: "ng", Channel: 6, Width: 20, TxPowerMode: "auto"}}},
		{ID: "d2", Mac: "aa:bb:cc:00:00:02", Name: "kitchen", Type: "uap", Adopted: true, UplinkType: "wire",
			Radios: []unifi.RawRadio{{Radio: "ng", Channel: 6, Width: 20, TxPowerMode: "auto"}}},
		{ID: "d3", Mac: "aa:bb:cc:00:00:03", Name: "garage", Type: "uap", Adopted: true, UplinkType: "wire",
			Radios: []unifi.RawRadio{{Radio: "ng", Channel: 4, Width: 20, TxPowerMode: "auto"}}},
	}
	ctrl.Clients = []unifi.RawClient{
		{Mac: "11:11:11:11:11:01", ApMac: "aa:bb:cc:00:00:01", Radio: "ng", RadioProto: "ax",
			Signal: -58, TxRate: 200000, RxRate: 180000, LastSeen: time.Now().Unix()},
	}
	ctrl.SetConfig("aa:bb:cc:00:00:03", map[string]string{"channel:ng": "4"})
	return ctrl
}

func postJSON(t *testing.T, client *http.Client, url string, body interface{}) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func login(t *testing.T, client *http.Client, base string) {
	t.Helper()
	resp := postJSON(t, client, base+"/api/login", map[string]string{
		"username": "admin",
		"password": "correct horse",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Login failed with status %d", resp.StatusCode)
	}
}

// waitForAnalysis polls the status endpoint until the job finishes.
func waitForAnalysis(t *testing.T, client *http.Client, base, jobID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(fmt.Sprintf("%s/api/analysis/%s/status", base, jobID))
		if err != nil {
			t.Fatalf("Status poll failed: %v", err)
		}
		var job struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		decodeBody(t, resp, &job)
		if job.Status != "running" && job.Status != "pending" {
			if job.Status != "completed" {
				t.Fatalf("Analysis ended %s: %s", job.Status, job.Error)
			}
			return job.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Analysis did not finish in time")
	return ""
}

func TestAuthenticationRequired(t *testing.T) {
	srv, client, _ := newTestServer(t, analysisController())

	resp, err := client.Get(srv.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Unauthenticated request should get 401, got %d", resp.StatusCode)
	}

	// Wrong password is also a 401, without a session cookie.
	resp = postJSON(t, client, srv.URL+"/api/login", map[string]string{
		"username": "admin", "password": "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Bad credentials should get 401, got %d", resp.StatusCode)
	}

	// The status endpoint stays public.
	resp, err = client.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status endpoint should be public, got %d", resp.StatusCode)
	}
}

func TestAnalysisPreviewApplyRevertFlow(t *testing.T) {
	ctrl := analysisController()
	srv, client, _ := newTestServer(t, ctrl)
	login(t, client, srv.URL)

	// Kick off an analysis.
	resp := postJSON(t, client, srv.URL+"/api/analysis", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Start analysis: status %d, want 202", resp.StatusCode)
	}
	var job struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &job)
	if job.ID == "" {
		t.Fatal("Start analysis should return a job ID")
	}

	waitForAnalysis(t, client, srv.URL, job.ID)

	// Fetch the result and pick the channel change finding.
	resp, err := client.Get(fmt.Sprintf("%s/api/analysis/%s/result", srv.URL, job.ID))
	if err != nil {
		t.Fatalf("Result fetch failed: %v", err)
	}
	var result struct {
		Findings []struct {
			ID          string `json:"id"`
			Category    string `json:"category"`
			Remediation *struct {
				Field string `json:"field"`
				Value string `json:"value"`
			} `json:"remediation"`
		} `json:"findings"`
	}
	decodeBody(t, resp, &result)

	var findingID string
	for _, f := range result.Findings {
		if f.Category == "channel_change" && f.Remediation != nil {
			findingID = f.ID
		}
	}
	if findingID == "" {
		t.Fatalf("Expected a channel change finding, got %+v", result.Findings)
	}

	// Preview never mutates.
	writesBefore := ctrl.SetCalls()
	resp = postJSON(t, client, fmt.Sprintf("%s/api/analysis/%s/preview", srv.URL, job.ID),
		map[string]interface{}{"finding_ids": []string{findingID}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Preview: status %d", resp.StatusCode)
	}
	var preview struct {
		Plans []plan.ChangePlan `json:"plans"`
	}
	decodeBody(t, resp, &preview)
	if len(preview.Plans) != 1 {
		t.Fatalf("Expected 1 plan, got %d", len(preview.Plans))
	}
	if preview.Plans[0].CurrentValue != "4" {
		t.Errorf("Preview should diff against the live config, got current=%s", preview.Plans[0].CurrentValue)
	}
	if ctrl.SetCalls() != writesBefore {
		t.Error("Preview must not write to the controller")
	}

	// Dry run applies nothing but reports what it would do.
	resp = postJSON(t, client, fmt.Sprintf("%s/api/analysis/%s/apply", srv.URL, job.ID),
		map[string]interface{}{"finding_ids": []string{findingID}, "dry_run": true})
	var dry struct {
		DryRun  bool           `json:"dry_run"`
		Applied int            `json:"applied"`
		Results []apply.Result `json:"results"`
	}
	decodeBody(t, resp, &dry)
	if !dry.DryRun || dry.Applied != 1 {
		t.Errorf("Dry run response = %+v", dry)
	}
	if ctrl.SetCalls() != writesBefore {
		t.Error("Dry run must not write to the controller")
	}

	// Real apply mutates the device and audits the change.
	resp = postJSON(t, client, fmt.Sprintf("%s/api/analysis/%s/apply", srv.URL, job.ID),
		map[string]interface{}{"finding_ids": []string{findingID}})
	var applied struct {
		Applied int            `json:"applied"`
		Failed  int            `json:"failed"`
		Results []apply.Result `json:"results"`
	}
	decodeBody(t, resp, &applied)
	if applied.Applied != 1 || applied.Failed != 0 {
		t.Fatalf("Apply response = %+v", applied)
	}
	changeID := applied.Results[0].ChangeID
	newValue := applied.Results[0].NewValue

	cfg, _ := ctrl.GetDeviceConfig(context.Background(), "aa:bb:cc:00:00:03")
	if cfg.Fields["channel:ng"] != newValue {
		t.Errorf("Device config = %s, want %s", cfg.Fields["channel:ng"], newValue)
	}

	// The change shows up in history, attributed to the session user.
	resp, err = client.Get(srv.URL + "/api/changes?device=aa:bb:cc:00:00:03")
	if err != nil {
		t.Fatalf("History fetch failed: %v", err)
	}
	var history struct {
		Changes []struct {
			ChangeID  string `json:"change_id"`
			AppliedBy string `json:"applied_by"`
			DryRun    bool   `json:"dry_run"`
		} `json:"changes"`
	}
	decodeBody(t, resp, &history)
	var audited bool
	for _, c := range history.Changes {
		if c.ChangeID == changeID && !c.DryRun {
			audited = true
			if c.AppliedBy != "admin" {
				t.Errorf("AppliedBy = %s, want admin", c.AppliedBy)
			}
		}
	}
	if !audited {
		t.Error("Applied change missing from history")
	}

	// Revert restores the original channel.
	resp = postJSON(t, client, fmt.Sprintf("%s/api/changes/%s/revert", srv.URL, changeID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Revert: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	cfg, _ = ctrl.GetDeviceConfig(context.Background(), "aa:bb:cc:00:00:03")
	if cfg.Fields["channel:ng"] != "4" {
		t.Errorf("Revert should restore channel 4, got %s", cfg.Fields["channel:ng"])
	}

	// A second revert is a conflict.
	resp = postJSON(t, client, fmt.Sprintf("%s/api/changes/%s/revert", srv.URL, changeID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Double revert should get 409, got %d", resp.StatusCode)
	}
}

func TestResultEndpoints(t *testing.T) {
	ctrl := analysisController()
	srv, client, app := newTestServer(t, ctrl)
	login(t, client, srv.URL)

	resp, err := client.Get(srv.URL + "/api/analysis/nope/result")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Unknown job should get 404, got %d", resp.StatusCode)
	}

	// Latest result 404s before any run completed.
	resp, err = client.Get(srv.URL + "/api/analysis/latest")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Latest with no runs should get 404, got %d", resp.StatusCode)
	}

	// After a completed run, the latest result is served from the cache even
	// by a fresh pipeline manager.
	r := postJSON(t, client, srv.URL+"/api/analysis", nil)
	var job struct {
		ID string `json:"id"`
	}
	decodeBody(t, r, &job)
	waitForAnalysis(t, client, srv.URL, job.ID)

	app.Pipeline = pipeline.NewManager(ctrl, app.Store, app.Config, app.Logger, nil)
	resp, err = client.Get(srv.URL + "/api/analysis/latest")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Cached latest result should survive a manager swap, got %d", resp.StatusCode)
	}
}

func TestPreviewRejectsStaleFindingIDs(t *testing.T) {
	ctrl := analysisController()
	srv, client, _ := newTestServer(t, ctrl)
	login(t, client, srv.URL)

	resp := postJSON(t, client, srv.URL+"/api/analysis", nil)
	var job struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &job)
	waitForAnalysis(t, client, srv.URL, job.ID)

	resp = postJSON(t, client, fmt.Sprintf("%s/api/analysis/%s/preview", srv.URL, job.ID),
		map[string]interface{}{"finding_ids": []string{"stale-id"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Stale finding ID should get 400, got %d", resp.StatusCode)
	}
}

func TestSettingsRoundtrip(t *testing.T) {
	srv, client, app := newTestServer(t, analysisController())
	login(t, client, srv.URL)

	resp, err := client.Get(srv.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET settings failed: %v", err)
	}
	var settings struct {
		Analysis config.AnalysisConfig `json:"analysis"`
	}
	decodeBody(t, resp, &settings)
	if settings.Analysis.LookbackDays != config.DefaultAnalysis().LookbackDays {
		t.Errorf("LookbackDays = %d", settings.Analysis.LookbackDays)
	}

	// Invalid settings are rejected without touching the config.
	bad := settings.Analysis
	bad.LookbackDays = 99
	raw, _ := json.Marshal(map[string]interface{}{"analysis": bad})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/settings", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r2, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT settings failed: %v", err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Invalid settings should get 422, got %d", r2.StatusCode)
	}
	if app.Config.Analysis.LookbackDays == 99 {
		t.Error("Rejected settings must not be persisted")
	}

	// Valid settings stick.
	good := settings.Analysis
	good.LookbackDays = 7
	raw, _ = json.Marshal(map[string]interface{}{"analysis": good})
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/settings", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r3, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT settings failed: %v", err)
	}
	r3.Body.Close()
	if r3.StatusCode != http.StatusOK {
		t.Errorf("Valid settings should get 200, got %d", r3.StatusCode)
	}
	if app.Config.Analysis.LookbackDays != 7 {
		t.Errorf("LookbackDays = %d, want 7", app.Config.Analysis.LookbackDays)
	}
}

func TestSetupOnceOnly(t *testing.T) {
	ctrl := analysisController()
	srv, client, app := newTestServer(t, ctrl)
	app.Config.SetupComplete = false
	app.Config.Admin.Username = ""

	// Weak password rejected.
	resp := postJSON(t, client, srv.URL+"/api/setup", map[string]string{
		"admin_username": "admin", "admin_password": "short",
		"controller_url": "https://unifi.local:8443", "username": "svc",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Weak password should get 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, client, srv.URL+"/api/setup", map[string]string{
		"admin_username": "admin", "admin_password": "longenough",
		"controller_url": "https://unifi.local:8443", "username": "svc", "password": "pw",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Setup should succeed, got %d", resp.StatusCode)
	}
	if !app.Config.SetupComplete || !app.Config.VerifyAdminPassword("longenough") {
		t.Error("Setup should set the admin password and flip setup_complete")
	}

	// Second attempt is locked out.
	resp = postJSON(t, client, srv.URL+"/api/setup", map[string]string{
		"admin_username": "evil", "admin_password": "hijacking1",
		"controller_url": "https://evil.local", "username": "evil",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Repeated setup should get 403, got %d", resp.StatusCode)
	}
}

func TestControllerNotConfigured(t *testing.T) {
	srv, client, app := newTestServer(t, analysisController())
	login(t, client, srv.URL)

	// Simulate a service booted before setup: no pipeline, planner, applier.
	app.Pipeline = nil
	app.Planner = nil
	app.Applier = nil

	resp := postJSON(t, client, srv.URL+"/api/analysis", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Analysis without a controller should get 503, got %d", resp.StatusCode)
	}
}
