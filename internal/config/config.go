package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Config is shared between the HTTP handlers and the analysis pipeline. The
// Analysis section is the only part written after startup (via the settings
// API) while a job goroutine may be reading it, so those accesses go through
// SnapshotAnalysis and SetAnalysis.
type Config struct {
	Admin         AdminConfig    `mapstructure:"admin"`
	UniFi         UniFiConfig    `mapstructure:"unifi"`
	Analysis      AnalysisConfig `mapstructure:"analysis"`
	Apply         ApplyConfig    `mapstructure:"apply"`
	DatabasePath  string         `mapstructure:"database_path"`
	SessionSecret string         `mapstructure:"session_secret"`
	SetupComplete bool           `mapstructure:"setup_complete"`

	mu sync.RWMutex // guards Analysis
}

// SnapshotAnalysis returns an independent copy of the analysis tuning. A run
// keeps the snapshot it started with even if the settings change underneath.
func (c *Config) SnapshotAnalysis() AnalysisConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.Analysis
	a.WidthPolicy = make(map[string]int, len(c.Analysis.WidthPolicy))
	for band, width := range c.Analysis.WidthPolicy {
		a.WidthPolicy[band] = width
	}
	return a
}

// SetAnalysis replaces the analysis tuning. It takes effect on the next
// analysis run.
func (c *Config) SetAnalysis(a AnalysisConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Analysis = a
}

type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

type UniFiConfig struct {
	ControllerURL     string  `mapstructure:"controller_url"`
	Username          string  `mapstructure:"username"`
	Password          string  `mapstructure:"password"`
	SiteID            string  `mapstructure:"site_id"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RequestTimeoutSec int     `mapstructure:"request_timeout_sec"`
}

// RSSIThresholds bucket signal quality in dBm. More negative is weaker.
type RSSIThresholds struct {
	Excellent int `mapstructure:"excellent" json:"excellent"`
	Good      int `mapstructure:"good" json:"good"`
	Fair      int `mapstructure:"fair" json:"fair"`
	Poor      int `mapstructure:"poor" json:"poor"`
}

// AnalysisConfig is the full tuning surface of the pipeline. It is loaded
// once and passed by value into scoring and analysis functions, which never
// read ambient state.
type AnalysisConfig struct {
	LookbackDays    int            `mapstructure:"lookback_days" json:"lookback_days"`
	MinRSSIStrategy string         `mapstructure:"min_rssi_strategy" json:"min_rssi_strategy"` // optimal | maxConnectivity
	RSSI            RSSIThresholds `mapstructure:"rssi_thresholds" json:"rssi_thresholds"`

	// Health scoring.
	SignalFloor            int     `mapstructure:"signal_floor" json:"signal_floor"` // dBm mapping to score 0
	StabilityPenalty       float64 `mapstructure:"stability_penalty" json:"stability_penalty"`
	StabilityHalfLifeHours float64 `mapstructure:"stability_half_life_hours" json:"stability_half_life_hours"`
	RoamMinPerDay          float64 `mapstructure:"roam_min_per_day" json:"roam_min_per_day"`
	RoamMaxPerDay          float64 `mapstructure:"roam_max_per_day" json:"roam_max_per_day"`
	ThroughputFullRatio    float64 `mapstructure:"throughput_full_ratio" json:"throughput_full_ratio"`

	// RF analysis.
	MeshToleranceDBm    int            `mapstructure:"mesh_tolerance_dbm" json:"mesh_tolerance_dbm"`
	MeshCriticalRSSI    int            `mapstructure:"mesh_critical_rssi" json:"mesh_critical_rssi"`
	SaturationThreshold int            `mapstructure:"saturation_threshold" json:"saturation_threshold"` // airtime %
	MaxRadarEvents      int            `mapstructure:"max_radar_events" json:"max_radar_events"`
	WidthPolicy         map[string]int `mapstructure:"width_policy" json:"width_policy"` // band -> max MHz

	// Roaming thresholds.
	MinSamples          int     `mapstructure:"min_samples" json:"min_samples"`
	StickyMarginDBm     int     `mapstructure:"sticky_margin_dbm" json:"sticky_margin_dbm"`
	FlappingRoamsPerDay float64 `mapstructure:"flapping_roams_per_day" json:"flapping_roams_per_day"`
}

// ApplyConfig tunes the change applier.
type ApplyConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts" json:"max_attempts"`
	RetryBackoffMS   int `mapstructure:"retry_backoff_ms" json:"retry_backoff_ms"`
	RateLimitWaitSec int `mapstructure:"rate_limit_wait_sec" json:"rate_limit_wait_sec"`
	RetentionDays    int `mapstructure:"retention_days" json:"retention_days"`
}

// Lookback returns the event window as a duration.
func (a AnalysisConfig) Lookback() time.Duration {
	return time.Duration(a.LookbackDays) * 24 * time.Hour
}

// Validate rejects configurations the pipeline cannot run with.
func (a AnalysisConfig) Validate() error {
	if a.LookbackDays < 1 || a.LookbackDays > 30 {
		return fmt.Errorf("lookback_days must be between 1 and 30, got %d", a.LookbackDays)
	}
	if a.MinRSSIStrategy != "optimal" && a.MinRSSIStrategy != "maxConnectivity" {
		return fmt.Errorf("min_rssi_strategy must be optimal or maxConnectivity, got %q", a.MinRSSIStrategy)
	}
	if a.RSSI.Excellent <= a.RSSI.Good || a.RSSI.Good <= a.RSSI.Fair || a.RSSI.Fair <= a.RSSI.Poor {
		return fmt.Errorf("rssi thresholds must be strictly ordered excellent > good > fair > poor")
	}
	return nil
}

// DefaultAnalysis returns the tuning defaults. The numbers are operational
// defaults, not contracts; only their ordering relationships matter.
func DefaultAnalysis() AnalysisConfig {
	return AnalysisConfig{
		LookbackDays:    3,
		MinRSSIStrategy: "optimal",
		RSSI: RSSIThresholds{
			Excellent: -50,
			Good:      -60,
			Fair:      -70,
			Poor:      -80,
		},
		SignalFloor:            -85,
		StabilityPenalty:       15,
		StabilityHalfLifeHours: 24,
		RoamMinPerDay:          0.1,
		RoamMaxPerDay:          8,
		ThroughputFullRatio:    0.8,
		MeshToleranceDBm:       10,
		MeshCriticalRSSI:       -80,
		SaturationThreshold:    60,
		MaxRadarEvents:         2,
		WidthPolicy:            map[string]int{"2g": 20, "5g": 80, "6g": 160},
		MinSamples:             20,
		StickyMarginDBm:        10,
		FlappingRoamsPerDay:    12,
	}
}

// DefaultApply returns applier defaults.
func DefaultApply() ApplyConfig {
	return ApplyConfig{
		MaxAttempts:      3,
		RetryBackoffMS:   500,
		RateLimitWaitSec: 60,
		RetentionDays:    90,
	}
}

func LoadOrInitialize(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	setDefaults()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &Config{
			DatabasePath:  viper.GetString("database_path"),
			SessionSecret: generateSessionSecret(),
			UniFi: UniFiConfig{
				SiteID:            viper.GetString("unifi.site_id"),
				RequestsPerSecond: viper.GetFloat64("unifi.requests_per_second"),
				RequestTimeoutSec: viper.GetInt("unifi.request_timeout_sec"),
			},
			Analysis:      DefaultAnalysis(),
			Apply:         DefaultApply(),
			SetupComplete: false,
		}
		if err := SaveConfig(configPath, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Ensure session secret exists
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = generateSessionSecret()
		if err := SaveConfig(configPath, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Analysis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	def := DefaultAnalysis()
	app := DefaultApply()

	viper.SetDefault("database_path", "unifi_optimizer.db")
	viper.SetDefault("unifi.site_id", "default")
	viper.SetDefault("unifi.requests_per_second", 2.0)
	viper.SetDefault("unifi.request_timeout_sec", 30)
	viper.SetDefault("setup_complete", false)

	viper.SetDefault("analysis.lookback_days", def.LookbackDays)
	viper.SetDefault("analysis.min_rssi_strategy", def.MinRSSIStrategy)
	viper.SetDefault("analysis.rssi_thresholds.excellent", def.RSSI.Excellent)
	viper.SetDefault("analysis.rssi_thresholds.good", def.RSSI.Good)
	viper.SetDefault("analysis.rssi_thresholds.fair", def.RSSI.Fair)
	viper.SetDefault("analysis.rssi_thresholds.poor", def.RSSI.Poor)
	viper.SetDefault("analysis.signal_floor", def.SignalFloor)
	viper.SetDefault("analysis.stability_penalty", def.StabilityPenalty)
	viper.SetDefault("analysis.stability_half_life_hours", def.StabilityHalfLifeHours)
	viper.SetDefault("analysis.roam_min_per_day", def.RoamMinPerDay)
	viper.SetDefault("analysis.roam_max_per_day", def.RoamMaxPerDay)
	viper.SetDefault("analysis.throughput_full_ratio", def.ThroughputFullRatio)
	viper.SetDefault("analysis.mesh_tolerance_dbm", def.MeshToleranceDBm)
	viper.SetDefault("analysis.mesh_critical_rssi", def.MeshCriticalRSSI)
	viper.SetDefault("analysis.saturation_threshold", def.SaturationThreshold)
	viper.SetDefault("analysis.max_radar_events", def.MaxRadarEvents)
	viper.SetDefault("analysis.width_policy", def.WidthPolicy)
	viper.SetDefault("analysis.min_samples", def.MinSamples)
	viper.SetDefault("analysis.sticky_margin_dbm", def.StickyMarginDBm)
	viper.SetDefault("analysis.flapping_roams_per_day", def.FlappingRoamsPerDay)

	viper.SetDefault("apply.max_attempts", app.MaxAttempts)
	viper.SetDefault("apply.retry_backoff_ms", app.RetryBackoffMS)
	viper.SetDefault("apply.rate_limit_wait_sec", app.RateLimitWaitSec)
	viper.SetDefault("apply.retention_days", app.RetentionDays)
}

func SaveConfig(configPath string, cfg *Config) error {
	viper.Set("admin.username", cfg.Admin.Username)
	viper.Set("admin.password_hash", cfg.Admin.PasswordHash)

	viper.Set("unifi.controller_url", cfg.UniFi.ControllerURL)
	viper.Set("unifi.username", cfg.UniFi.Username)
	viper.Set("unifi.password", cfg.UniFi.Password)
	viper.Set("unifi.site_id", cfg.UniFi.SiteID)
	viper.Set("unifi.requests_per_second", cfg.UniFi.RequestsPerSecond)
	viper.Set("unifi.request_timeout_sec", cfg.UniFi.RequestTimeoutSec)

	analysis := cfg.SnapshotAnalysis()
	viper.Set("analysis.lookback_days", analysis.LookbackDays)
	viper.Set("analysis.min_rssi_strategy", analysis.MinRSSIStrategy)
	viper.Set("analysis.rssi_thresholds.excellent", analysis.RSSI.Excellent)
	viper.Set("analysis.rssi_thresholds.good", analysis.RSSI.Good)
	viper.Set("analysis.rssi_thresholds.fair", analysis.RSSI.Fair)
	viper.Set("analysis.rssi_thresholds.poor", analysis.RSSI.Poor)
	viper.Set("analysis.signal_floor", analysis.SignalFloor)
	viper.Set("analysis.stability_penalty", analysis.StabilityPenalty)
	viper.Set("analysis.stability_half_life_hours", analysis.StabilityHalfLifeHours)
	viper.Set("analysis.roam_min_per_day", analysis.RoamMinPerDay)
	viper.Set("analysis.roam_max_per_day", analysis.RoamMaxPerDay)
	viper.Set("analysis.throughput_full_ratio", analysis.ThroughputFullRatio)
	viper.Set("analysis.mesh_tolerance_dbm", analysis.MeshToleranceDBm)
	viper.Set("analysis.mesh_critical_rssi", analysis.MeshCriticalRSSI)
	viper.Set("analysis.saturation_threshold", analysis.SaturationThreshold)
	viper.Set("analysis.max_radar_events", analysis.MaxRadarEvents)
	viper.Set("analysis.width_policy", analysis.WidthPolicy)
	viper.Set("analysis.min_samples", analysis.MinSamples)
	viper.Set("analysis.sticky_margin_dbm", analysis.StickyMarginDBm)
	viper.Set("analysis.flapping_roams_per_day", analysis.FlappingRoamsPerDay)

	viper.Set("apply.max_attempts", cfg.Apply.MaxAttempts)
	viper.Set("apply.retry_backoff_ms", cfg.Apply.RetryBackoffMS)
	viper.Set("apply.rate_limit_wait_sec", cfg.Apply.RateLimitWaitSec)
	viper.Set("apply.retention_days", cfg.Apply.RetentionDays)

	viper.Set("database_path", cfg.DatabasePath)
	viper.Set("session_secret", cfg.SessionSecret)
	viper.Set("setup_complete", cfg.SetupComplete)

	return viper.WriteConfigAs(configPath)
}

func (c *Config) IsConfigured() bool {
	return c.SetupComplete && c.Admin.Username != "" && c.UniFi.ControllerURL != ""
}

func (c *Config) SetAdminPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.Admin.PasswordHash = string(hash)
	return nil
}

func (c *Config) VerifyAdminPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(c.Admin.PasswordHash), []byte(password))
	return err == nil
}

func generateSessionSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// This should never happen with crypto/rand
		panic(err)
	}
	return base64.URLEncoding.EncodeToString(b)
}
