package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fbettag/unifi-optimizer/internal/apply"
	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/findings"
	"github.com/fbettag/unifi-optimizer/internal/plan"
	"github.com/gorilla/mux"
)

// Login endpoint
func (app *App) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.sendJSONError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.Username != app.Config.Admin.Username || !app.Config.VerifyAdminPassword(req.Password) {
		app.Logger.Warnf("Failed login attempt for user %q from %s", req.Username, r.RemoteAddr)
		app.sendJSONError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	if err := app.SessionStore.Login(r, w, req.Username); err != nil {
		app.Logger.Errorf("Failed to create session: %v", err)
		app.sendJSONError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	app.sendJSON(w, map[string]interface{}{"success": true})
}

// Logout endpoint
func (app *App) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.SessionStore.Logout(r, w); err != nil {
		app.Logger.Errorf("Failed to clear session: %v", err)
	}
	app.sendJSON(w, map[string]interface{}{"success": true})
}

// Start a new analysis job
func (app *App) StartAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	if !app.requireController(w) {
		return
	}
	job, err := app.Pipeline.Start()
	if err != nil {
		app.sendJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	app.Logger.Infof("Analysis %s started by %s", job.ID, app.SessionStore.Username(r))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(job); err != nil {
		app.Logger.Errorf("Failed to encode response: %v", err)
	}
}

// Poll job status
func (app *App) AnalysisStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !app.requireController(w) {
		return
	}
	job, ok := app.Pipeline.Get(mux.Vars(r)["id"])
	if !ok {
		app.sendJSONError(w, "Unknown analysis job", http.StatusNotFound)
		return
	}
	app.sendJSON(w, job)
}

// Cancel a running job
func (app *App) CancelAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	if !app.requireController(w) {
		return
	}
	if !app.Pipeline.Cancel(mux.Vars(r)["id"]) {
		app.sendJSONError(w, "Unknown analysis job", http.StatusNotFound)
		return
	}
	app.sendJSON(w, map[string]interface{}{"success": true})
}

// Fetch the completed result of a job
func (app *App) AnalysisResultHandler(w http.ResponseWriter, r *http.Request) {
	if !app.requireController(w) {
		return
	}
	id := mux.Vars(r)["id"]
	res, ok := app.Pipeline.Result(id)
	if !ok {
		job, exists := app.Pipeline.Get(id)
		if !exists {
			app.sendJSONError(w, "Unknown analysis job", http.StatusNotFound)
			return
		}
		app.sendJSONError(w, fmt.Sprintf("Analysis is %s, no result yet", job.Status), http.StatusConflict)
		return
	}
	app.sendJSON(w, res)
}

// Fetch the most recent cached result, surviving restarts
func (app *App) LatestResultHandler(w http.ResponseWriter, r *http.Request) {
	if !app.requireController(w) {
		return
	}
	res, err := app.Pipeline.CachedResult()
	if err != nil {
		app.Logger.Errorf("Failed to load cached result: %v", err)
		app.sendJSONError(w, "Failed to load cached result", http.StatusInternalServerError)
		return
	}
	if res == nil {
		app.sendJSONError(w, "No analysis has completed yet", http.StatusNotFound)
		return
	}
	app.sendJSON(w, res)
}

// selectFindings resolves requested finding IDs against a result. Unknown
// IDs are an error: the caller is working from a stale result.
func selectFindings(res []findings.Finding, ids []string) ([]findings.Finding, error) {
	selected := make([]findings.Finding, 0, len(ids))
	for _, id := range ids {
		f, ok := findings.ByID(res, id)
		if !ok {
			return nil, fmt.Errorf("unknown finding %s", id)
		}
		selected = append(selected, f)
	}
	return selected, nil
}

// Preview changes for selected findings. Never mutates; re-reads each
// affected device's live configuration first.
func (app *App) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	if !app.requireController(w) {
		return
	}
	id := mux.Vars(r)["id"]
	res, ok := app.Pipeline.Result(id)
	if !ok {
		app.sendJSONError(w, "Unknown or incomplete analysis job", http.StatusNotFound)
		return
	}

	var req struct {
		FindingIDs []string `json:"finding_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.sendJSONError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	selected, err := selectFindings(res.Findings, req.FindingIDs)
	if err != nil {
		app.sendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	plans, err := app.Planner.Preview(r.Context(), res.Snapshot, selected)
	if err != nil {
		if _, ok := err.(*plan.ValidationError); ok {
			app.sendJSONError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		app.Logger.Errorf("Preview failed: %v", err)
		app.sendJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	app.sendJSON(w, map[string]interface{}{"plans": plans})
}

// Apply changes for selected findings. The preview runs again server-side so
// the applied diff is always computed against live device state, not against
// whatever the caller last saw.
func (app *App) ApplyHandler(w http.ResponseWriter, r *http.Request) {
	if !app.requireController(w) {
		return
	}
	id := mux.Vars(r)["id"]
	res, ok := app.Pipeline.Result(id)
	if !ok {
		app.sendJSONError(w, "Unknown or incomplete analysis job", http.StatusNotFound)
		return
	}

	var req struct {
		FindingIDs []string `json:"finding_ids"`
		DryRun     bool     `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.sendJSONError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	selected, err := selectFindings(res.Findings, req.FindingIDs)
	if err != nil {
		app.sendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	plans, err := app.Planner.Preview(r.Context(), res.Snapshot, selected)
	if err != nil {
		if _, ok := err.(*plan.ValidationError); ok {
			app.sendJSONError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		app.Logger.Errorf("Pre-apply preview failed: %v", err)
		app.sendJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	results := app.Applier.Apply(r.Context(), plans, apply.Options{
		DryRun:    req.DryRun,
		AppliedBy: app.SessionStore.Username(r),
	})

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	app.sendJSON(w, map[string]interface{}{
		"dry_run": req.DryRun,
		"applied": len(results) - failed,
		"failed":  failed,
		"results": results,
	})
}

// Revert a previously applied change
func (app *App) RevertHandler(w http.ResponseWriter, r *http.Request) {
	if !app.requireController(w) {
		return
	}
	changeID := mux.Vars(r)["id"]

	result, err := app.Applier.Revert(r.Context(), changeID, apply.Options{
		AppliedBy: app.SessionStore.Username(r),
	})
	if err != nil {
		app.sendJSONError(w, err.Error(), http.StatusConflict)
		return
	}

	app.sendJSON(w, map[string]interface{}{
		"success": result.Success,
		"result":  result,
	})
}

// Change history, optionally filtered by device
func (app *App) ChangeHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	var records interface{}
	var err error
	if mac := r.URL.Query().Get("device"); mac != "" {
		records, err = app.Store.HistoryByDevice(mac, limit)
	} else {
		records, err = app.Store.History(limit, offset)
	}
	if err != nil {
		app.Logger.Errorf("Failed to read change history: %v", err)
		app.sendJSONError(w, "Failed to read change history", http.StatusInternalServerError)
		return
	}

	app.sendJSON(w, map[string]interface{}{"changes": records})
}

// Read the analysis tuning settings
func (app *App) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	app.sendJSON(w, map[string]interface{}{
		"analysis": app.Config.SnapshotAnalysis(),
		"apply":    app.Config.Apply,
	})
}

// Update the analysis tuning settings
func (app *App) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Analysis config.AnalysisConfig `json:"analysis"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.sendJSONError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := req.Analysis.Validate(); err != nil {
		app.sendJSONError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	app.Config.SetAnalysis(req.Analysis)
	if err := config.SaveConfig(app.ConfigPath, app.Config); err != nil {
		app.Logger.Errorf("Failed to save configuration: %v", err)
		app.sendJSONError(w, "Failed to save configuration", http.StatusInternalServerError)
		return
	}

	app.sendJSON(w, map[string]interface{}{"success": true})
}

// Service status
func (app *App) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	app.sendJSON(w, map[string]interface{}{
		"configured": app.Config.IsConfigured(),
		"site":       app.Config.UniFi.SiteID,
	})
}
