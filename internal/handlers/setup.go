package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fbettag/unifi-optimizer/internal/config"
)

// One-time setup endpoint. Sets the admin credentials and controller
// connection, then locks itself out by flipping setup_complete.
func (app *App) SetupAPIHandler(w http.ResponseWriter, r *http.Request) {
	if app.Config.SetupComplete {
		app.sendJSONError(w, "Setup already completed", http.StatusForbidden)
		return
	}

	var req struct {
		AdminUsername string `json:"admin_username"`
		AdminPassword string `json:"admin_password"`
		ControllerURL string `json:"controller_url"`
		Username      string `json:"username"`
		Password      string `json:"password"`
		SiteID        string `json:"site_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.sendJSONError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.AdminUsername == "" || len(req.AdminPassword) < 8 {
		app.sendJSONError(w, "Admin username required and password must be at least 8 characters", http.StatusBadRequest)
		return
	}
	if req.ControllerURL == "" || req.Username == "" {
		app.sendJSONError(w, "Controller URL and username are required", http.StatusBadRequest)
		return
	}

	app.Config.Admin.Username = req.AdminUsername
	if err := app.Config.SetAdminPassword(req.AdminPassword); err != nil {
		app.Logger.Errorf("Failed to hash admin password: %v", err)
		app.sendJSONError(w, "Failed to set admin password", http.StatusInternalServerError)
		return
	}

	app.Config.UniFi.ControllerURL = req.ControllerURL
	app.Config.UniFi.Username = req.Username
	app.Config.UniFi.Password = req.Password
	if req.SiteID != "" {
		app.Config.UniFi.SiteID = req.SiteID
	}
	app.Config.SetupComplete = true

	if err := config.SaveConfig(app.ConfigPath, app.Config); err != nil {
		app.Logger.Errorf("Failed to save configuration: %v", err)
		app.sendJSONError(w, "Failed to save configuration", http.StatusInternalServerError)
		return
	}

	app.Logger.Infof("Setup completed, controller %s site %s", req.ControllerURL, app.Config.UniFi.SiteID)
	app.sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Setup complete. Restart the service to connect to the controller.",
	})
}
