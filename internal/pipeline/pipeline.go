package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/audit"
	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/findings"
	"github.com/fbettag/unifi-optimizer/internal/health"
	"github.com/fbettag/unifi-optimizer/internal/metrics"
	"github.com/fbettag/unifi-optimizer/internal/rf"
	"github.com/fbettag/unifi-optimizer/internal/roaming"
	"github.com/fbettag/unifi-optimizer/internal/telemetry"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle of an analysis job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is everything one completed analysis produced. It is immutable
// once the job completes and is what preview and apply operate against.
type Result struct {
	GeneratedAt    time.Time              `json:"generated_at"`
	Snapshot       telemetry.Snapshot     `json:"snapshot"`
	Health         []health.Score         `json:"health"`
	DeviceHealth   []health.DeviceHealth  `json:"device_health"`
	Findings       []findings.Finding     `json:"findings"`
	Recommendation roaming.Recommendation `json:"recommendation"`
	Warnings       []telemetry.Warning    `json:"warnings,omitempty"`
}

// Job tracks one analysis run. Progress only ever moves forward.
type Job struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"` // 0-100
	Message    string     `json:"message"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`

	result *Result
	cancel context.CancelFunc
}

// Manager owns analysis jobs. One analysis at a time: the controller's
// rate budget is too small to share between concurrent runs.
type Manager struct {
	client     unifi.Controller
	store      *audit.Store
	config     *config.Config
	normalizer *telemetry.Normalizer
	logger     *logrus.Logger
	m          *metrics.Metrics

	mu      sync.RWMutex
	jobs    map[string]*Job
	running bool
}

// NewManager creates a job manager. The config pointer is shared with the
// settings handler so tuning changes take effect on the next run without a
// restart. Metrics may be nil in tests.
func NewManager(client unifi.Controller, store *audit.Store, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		client:     client,
		store:      store,
		config:     cfg,
		normalizer: telemetry.NewNormalizer(nil),
		logger:     logger,
		m:          m,
		jobs:       make(map[string]*Job),
	}
}

// Start launches an analysis job and returns immediately. Only one job may
// run at a time.
func (mgr *Manager) Start() (Job, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.running {
		return Job{}, fmt.Errorf("an analysis is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.New().String(),
		Status:    StatusRunning,
		Message:   "starting",
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	mgr.jobs[job.ID] = job
	mgr.running = true

	go mgr.run(ctx, job.ID)
	return *job, nil
}

// Get returns a copy of the job's current state.
func (mgr *Manager) Get(id string) (Job, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	job, ok := mgr.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Result returns the completed result of a job.
func (mgr *Manager) Result(id string) (*Result, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	job, ok := mgr.jobs[id]
	if !ok || job.result == nil {
		return nil, false
	}
	return job.result, true
}

// Cancel requests cancellation of a running job. The current stage finishes;
// a mutation in flight is never interrupted (analysis never mutates anyway).
func (mgr *Manager) Cancel(id string) bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	job, ok := mgr.jobs[id]
	if !ok || job.cancel == nil {
		return false
	}
	job.cancel()
	return true
}

// CachedResult loads the most recent completed result from the store, for
// replay after a restart without touching the controller.
func (mgr *Manager) CachedResult() (*Result, error) {
	payload, _, err := mgr.store.LoadResult()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("corrupt cached result: %w", err)
	}
	return &res, nil
}

// setProgress advances job progress; it never moves backwards.
func (mgr *Manager) setProgress(id string, progress int, message string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	job, ok := mgr.jobs[id]
	if !ok {
		return
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.Message = message
}

func (mgr *Manager) finish(id string, status Status, errMsg string, res *Result) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	job, ok := mgr.jobs[id]
	if ok {
		now := time.Now().UTC()
		job.Status = status
		job.Error = errMsg
		job.FinishedAt = &now
		job.result = res
		if status == StatusCompleted {
			job.Progress = 100
		}
		if job.cancel != nil {
			job.cancel()
			job.cancel = nil
		}
	}
	mgr.running = false

	if mgr.m != nil {
		mgr.m.AnalysesTotal.WithLabelValues(string(status)).Inc()
	}
}

func (mgr *Manager) stage(name string, start time.Time) {
	if mgr.m != nil {
		mgr.m.StageSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	mgr.logger.Debugf("Pipeline stage %s took %s", name, time.Since(start))
}

// run executes the stage-sequential pipeline. The device read is the only
// fatal one: without devices there is nothing to analyze. Client and event
// read failures degrade the run to a warning instead, and scoring treats
// the missing data as missing rather than as zeros.
func (mgr *Manager) run(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Errorf("Analysis job %s panicked: %v", jobID, r)
			mgr.finish(jobID, StatusFailed, fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	cfg := mgr.config.SnapshotAnalysis()
	var warnings []telemetry.Warning

	// Collect.
	mgr.setProgress(jobID, 5, "reading devices")
	start := time.Now()
	rawDevices, err := mgr.client.ListDevices(ctx)
	mgr.stage("devices", start)
	if err != nil {
		mgr.finish(jobID, StatusFailed, fmt.Sprintf("device read failed: %v", err), nil)
		return
	}
	if len(rawDevices) == 0 {
		mgr.finish(jobID, StatusFailed, "controller returned no devices", nil)
		return
	}
	if cancelled(ctx) {
		mgr.finish(jobID, StatusCancelled, "cancelled", nil)
		return
	}

	mgr.setProgress(jobID, 20, "reading clients")
	start = time.Now()
	rawClients, err := mgr.client.ListClients(ctx)
	mgr.stage("clients", start)
	if err != nil {
		mgr.logger.Warnf("Client read failed, continuing without: %v", err)
		warnings = append(warnings, telemetry.Warning{Source: "clients", Message: err.Error()})
		rawClients = nil
	}
	if cancelled(ctx) {
		mgr.finish(jobID, StatusCancelled, "cancelled", nil)
		return
	}

	mgr.setProgress(jobID, 35, "reading events")
	start = time.Now()
	rawEvents, err := mgr.client.ListEvents(ctx, cfg.LookbackDays*24)
	mgr.stage("events", start)
	if err != nil {
		mgr.logger.Warnf("Event read failed, scoring with reduced confidence: %v", err)
		warnings = append(warnings, telemetry.Warning{Source: "events", Message: err.Error()})
		rawEvents = nil
	}
	if cancelled(ctx) {
		mgr.finish(jobID, StatusCancelled, "cancelled", nil)
		return
	}

	// Normalize.
	mgr.setProgress(jobID, 50, "normalizing telemetry")
	start = time.Now()
	snap := mgr.normalizer.Normalize(time.Now().UTC(), rawDevices, rawClients, rawEvents)
	snap.Warnings = append(warnings, snap.Warnings...)
	mgr.stage("normalize", start)

	// Score.
	mgr.setProgress(jobID, 60, "scoring client health")
	start = time.Now()
	scores := scoreClients(snap, cfg)
	deviceHealth := health.AggregateByDevice(snap, scores)
	mgr.stage("health", start)
	if cancelled(ctx) {
		mgr.finish(jobID, StatusCancelled, "cancelled", nil)
		return
	}

	// Analyze.
	mgr.setProgress(jobID, 75, "analyzing RF and roaming")
	start = time.Now()
	rfFindings := rf.Analyze(snap, cfg)
	roamFindings, recommendation := roaming.Analyze(snap, cfg)
	merged := findings.Merge(rfFindings, roamFindings)
	mgr.stage("analyze", start)

	res := &Result{
		GeneratedAt:    time.Now().UTC(),
		Snapshot:       snap,
		Health:         scores,
		DeviceHealth:   deviceHealth,
		Findings:       merged,
		Recommendation: recommendation,
		Warnings:       snap.Warnings,
	}

	// Cache for replay. A cache failure does not fail the run; the result
	// still lives in memory.
	mgr.setProgress(jobID, 90, "caching result")
	if payload, err := json.Marshal(res); err != nil {
		mgr.logger.Warnf("Failed to encode analysis result for caching: %v", err)
	} else if err := mgr.store.SaveResult(res.GeneratedAt, payload); err != nil {
		mgr.logger.Warnf("Failed to cache analysis result: %v", err)
	}

	mgr.logger.Infof("Analysis %s completed: %d devices, %d clients, %d findings",
		jobID, len(snap.Devices), len(snap.Clients), len(merged))
	mgr.finish(jobID, StatusCompleted, "", res)
}

// scoreClients derives per-client inputs from the snapshot and scores each
// one. Kept separate from the scorer itself so the scorer stays pure.
func scoreClients(snap telemetry.Snapshot, cfg config.AnalysisConfig) []health.Score {
	roams := roaming.RoamCounts(snap.Events)
	disconnects := roaming.DisconnectsByClient(snap.Events)
	now := snap.TakenAt

	scores := make([]health.Score, 0, len(snap.Clients))
	for _, c := range snap.Clients {
		scores = append(scores, health.ScoreClient(health.ClientInputs{
			Client:            c,
			Disconnects:       disconnects[c.Mac],
			RoamCount:         roams[c.Mac],
			WindowDays:        float64(cfg.LookbackDays),
			HasEventData:      snap.HasEventData(),
			StrongerAPVisible: roaming.StrongerAPVisible(snap, c, cfg.StickyMarginDBm),
			Now:               now,
		}, cfg))
	}
	return scores
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
