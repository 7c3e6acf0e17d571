package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
	"github.com/fbettag/unifi-optimizer/testutils"
)

func testConfig() *config.Config {
	return &config.Config{
		Analysis: config.DefaultAnalysis(),
		Apply:    config.DefaultApply(),
	}
}

func fixtureController() *testutils.MockController {
	ctrl := testutils.NewMockController()
	ctrl.Devices = []unifi.RawDevice{
		{
			ID: "dev1", Mac: "aa:bb:cc:00:00:01", Name: "office", Type: "uap",
			Adopted: true, UplinkType: "wire",
			Radios: []unifi.RawRadio{
				{Radio: "ng", Channel: 6, Width: 20, TxPowerMode: "auto"},
				{Radio: "na", Channel: 36, Width: 80, TxPowerMode: "medium"},
			},
		},
		{
			ID: "dev2", Mac: "aa:bb:cc:00:00:02", Name: "kitchen", Type: "uap",
			Adopted: true, UplinkType: "wire",
			Radios: []unifi.RawRadio{
				{Radio: "ng", Channel: 6, Width: 20, TxPowerMode: "auto"},
			},
		},
	}
	ctrl.Clients = []unifi.RawClient{
		{
			Mac: "11:11:11:11:11:01", ApMac: "aa:bb:cc:00:00:01", Radio: "na",
			RadioProto: "ax", Signal: -55, Channel: 36,
			TxRate: 500000, RxRate: 480000, LastSeen: time.Now().Unix(),
		},
	}
	ctrl.Events = []unifi.RawEvent{
		{Time: time.Now().Add(-time.Hour), Key: "EVT_WU_Roam", ClientMac: "11:11:11:11:11:01", ApMac: "aa:bb:cc:00:00:01"},
	}
	return ctrl
}

// waitForJob polls until the job leaves the running state.
func waitForJob(t *testing.T, mgr *Manager, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := mgr.Get(id)
		if !ok {
			t.Fatalf("Job %s disappeared", id)
		}
		if job.Status != StatusRunning && job.Status != StatusPending {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish in time", id)
	return Job{}
}

func TestAnalysisCompletes(t *testing.T) {
	ctrl := fixtureController()
	store := testutils.TestStore(t)
	mgr := NewManager(ctrl, store, testConfig(), testutils.TestLogger(), nil)

	job, err := mgr.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := waitForJob(t, mgr, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %s (%s), want completed", done.Status, done.Error)
	}
	if done.Progress != 100 {
		t.Errorf("Completed job should report 100%%, got %d", done.Progress)
	}
	if done.FinishedAt == nil {
		t.Error("Completed job should carry a finish time")
	}

	res, ok := mgr.Result(job.ID)
	if !ok {
		t.Fatal("Completed job should expose its result")
	}
	if len(res.Snapshot.Devices) != 2 {
		t.Errorf("Expected 2 devices in the snapshot, got %d", len(res.Snapshot.Devices))
	}
	if len(res.Health) != 1 {
		t.Errorf("Expected 1 client score, got %d", len(res.Health))
	}
	if len(res.DeviceHealth) == 0 {
		t.Error("Expected device health aggregates")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Clean run should carry no warnings, got %v", res.Warnings)
	}
}

func TestDeviceReadFailureFailsTheRun(t *testing.T) {
	ctrl := fixtureController()
	ctrl.DevicesErr = &unifi.TransientError{Op: "list devices", Err: errors.New("status 503")}
	mgr := NewManager(ctrl, testutils.TestStore(t), testConfig(), testutils.TestLogger(), nil)

	job, err := mgr.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	done := waitForJob(t, mgr, job.ID)
	if done.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", done.Status)
	}
	if done.Error == "" {
		t.Error("Failed job must explain itself")
	}
	if _, ok := mgr.Result(job.ID); ok {
		t.Error("Failed job must not expose a result")
	}
}

func TestEmptyDeviceListFailsTheRun(t *testing.T) {
	ctrl := testutils.NewMockController()
	mgr := NewManager(ctrl, testutils.TestStore(t), testConfig(), testutils.TestLogger(), nil)

	job, _ := mgr.Start()
	done := waitForJob(t, mgr, job.ID)
	if done.Status != StatusFailed {
		t.Fatalf("Zero devices should fail the run, got %s", done.Status)
	}
}

func TestEventReadFailureDegradesToWarning(t *testing.T) {
	ctrl := fixtureController()
	ctrl.EventsErr = &unifi.TransientError{Op: "list events", Err: errors.New("status 503")}
	mgr := NewManager(ctrl, testutils.TestStore(t), testConfig(), testutils.TestLogger(), nil)

	job, _ := mgr.Start()
	done := waitForJob(t, mgr, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Event failure should degrade, not fail: %s (%s)", done.Status, done.Error)
	}

	res, _ := mgr.Result(job.ID)
	var warned bool
	for _, w := range res.Warnings {
		if w.Source == "events" {
			warned = true
		}
	}
	if !warned {
		t.Error("Event failure should surface as a warning")
	}
	// Without event data, scoring falls back to neutral with low confidence.
	for _, s := range res.Health {
		if !s.LowConfidence {
			t.Errorf("Score for %s should be low confidence without events", s.ClientMac)
		}
	}
}

func TestClientReadFailureDegradesToWarning(t *testing.T) {
	ctrl := fixtureController()
	ctrl.ClientsErr = errors.New("status 503")
	mgr := NewManager(ctrl, testutils.TestStore(t), testConfig(), testutils.TestLogger(), nil)

	job, _ := mgr.Start()
	done := waitForJob(t, mgr, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Client failure should degrade, not fail: %s (%s)", done.Status, done.Error)
	}
	res, _ := mgr.Result(job.ID)
	if len(res.Health) != 0 {
		t.Errorf("No clients means no scores, got %d", len(res.Health))
	}
	if len(res.Warnings) == 0 {
		t.Error("Client failure should surface as a warning")
	}
}

func TestOnlyOneJobAtATime(t *testing.T) {
	ctrl := fixtureController()
	mgr := NewManager(ctrl, testutils.TestStore(t), testConfig(), testutils.TestLogger(), nil)

	job, err := mgr.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := mgr.Start(); err == nil {
		// The first job may already have finished on a fast machine, in
		// which case a second start is legal. Only fail when it is still
		// running.
		if j, _ := mgr.Get(job.ID); j.Status == StatusRunning {
			t.Error("Second Start while running should be rejected")
		}
	}
	waitForJob(t, mgr, job.ID)

	// After completion a new job starts fine.
	again, err := mgr.Start()
	if err != nil {
		t.Fatalf("Start after completion failed: %v", err)
	}
	waitForJob(t, mgr, again.ID)
}

func TestCachedResultRoundtrip(t *testing.T) {
	ctrl := fixtureController()
	store := testutils.TestStore(t)
	mgr := NewManager(ctrl, store, testConfig(), testutils.TestLogger(), nil)

	job, _ := mgr.Start()
	done := waitForJob(t, mgr, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Run failed: %s", done.Error)
	}

	// A second manager over the same store replays the result without
	// touching the controller.
	replay := NewManager(testutils.NewMockController(), store, testConfig(), testutils.TestLogger(), nil)
	cached, err := replay.CachedResult()
	if err != nil {
		t.Fatalf("CachedResult failed: %v", err)
	}
	if cached == nil {
		t.Fatal("Expected a cached result")
	}
	if len(cached.Snapshot.Devices) != 2 {
		t.Errorf("Cached snapshot should carry 2 devices, got %d", len(cached.Snapshot.Devices))
	}

	// Empty store yields no result and no error.
	empty := NewManager(testutils.NewMockController(), testutils.TestStore(t), testConfig(), testutils.TestLogger(), nil)
	if cached, err := empty.CachedResult(); err != nil || cached != nil {
		t.Errorf("Empty cache should be (nil, nil), got (%v, %v)", cached, err)
	}
}

func TestUnknownJob(t *testing.T) {
	mgr := NewManager(testutils.NewMockController(), testutils.TestStore(t), testConfig(), testutils.TestLogger(), nil)
	if _, ok := mgr.Get("nope"); ok {
		t.Error("Unknown job ID should not resolve")
	}
	if _, ok := mgr.Result("nope"); ok {
		t.Error("Unknown job ID should not have a result")
	}
	if mgr.Cancel("nope") {
		t.Error("Unknown job ID should not cancel")
	}
}

func TestSettingsChangeTakesEffectNextRun(t *testing.T) {
	ctrl := fixtureController()
	cfg := testConfig()
	mgr := NewManager(ctrl, testutils.TestStore(t), cfg, testutils.TestLogger(), nil)

	job, _ := mgr.Start()
	waitForJob(t, mgr, job.ID)

	// The settings handler replaces the analysis tuning between runs.
	analysis := cfg.SnapshotAnalysis()
	analysis.LookbackDays = 7
	cfg.SetAnalysis(analysis)

	job, _ = mgr.Start()
	done := waitForJob(t, mgr, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Second run failed: %s", done.Error)
	}
	windows := ctrl.EventWindows()
	if len(windows) != 2 {
		t.Fatalf("Expected 2 event fetches, got %d", len(windows))
	}
	if windows[0] != 3*24 || windows[1] != 7*24 {
		t.Errorf("Event windows = %v, want [72 168]", windows)
	}
}

// Settings writes land while a job goroutine is reading the shared config;
// run with -race. Each run must still see a coherent tuning snapshot.
func TestSettingsUpdateDuringRun(t *testing.T) {
	ctrl := fixtureController()
	cfg := testConfig()
	mgr := NewManager(ctrl, testutils.TestStore(t), cfg, testutils.TestLogger(), nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lookback := 1
		for {
			select {
			case <-stop:
				return
			default:
			}
			analysis := config.DefaultAnalysis()
			lookback = lookback%30 + 1
			analysis.LookbackDays = lookback
			cfg.SetAnalysis(analysis)
		}
	}()

	for i := 0; i < 5; i++ {
		job, err := mgr.Start()
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		done := waitForJob(t, mgr, job.ID)
		if done.Status != StatusCompleted {
			t.Fatalf("Run %d ended %s: %s", i, done.Status, done.Error)
		}
	}
	close(stop)
	wg.Wait()

	// Every event fetch must reflect a whole-day lookback, never a torn one.
	for _, hours := range ctrl.EventWindows() {
		if hours%24 != 0 || hours < 24 || hours > 30*24 {
			t.Errorf("Event window %d hours is not a valid lookback", hours)
		}
	}
}
