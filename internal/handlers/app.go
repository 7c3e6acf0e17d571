package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fbettag/unifi-optimizer/internal/apply"
	"github.com/fbettag/unifi-optimizer/internal/audit"
	"github.com/fbettag/unifi-optimizer/internal/auth"
	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/pipeline"
	"github.com/fbettag/unifi-optimizer/internal/plan"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
	"github.com/sirupsen/logrus"
)

// App wires the HTTP layer to the pipeline, planner and applier.
type App struct {
	Config       *config.Config
	ConfigPath   string
	Store        *audit.Store
	Logger       *logrus.Logger
	SessionStore *auth.SessionStore
	UniFiClient  unifi.Controller
	Pipeline     *pipeline.Manager
	Planner      *plan.Planner
	Applier      *apply.Applier
}

// AuthMiddleware rejects unauthenticated API calls. This is a JSON API, so
// it answers 401 instead of redirecting anywhere.
func (app *App) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !app.SessionStore.IsAuthenticated(r) {
			app.sendJSONError(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireController guards endpoints that need a live controller
// connection, which only exists once setup is complete.
func (app *App) requireController(w http.ResponseWriter) bool {
	if app.Pipeline == nil || app.Planner == nil || app.Applier == nil {
		app.sendJSONError(w, "Controller not configured, complete setup and restart", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// Helper function to send JSON error responses
func (app *App) sendJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	}); err != nil {
		app.Logger.Errorf("Failed to encode error response: %v", err)
	}
}

func (app *App) sendJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		app.Logger.Errorf("Failed to encode response: %v", err)
	}
}
