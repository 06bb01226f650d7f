package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Monitor MonitorConfig `yaml:"monitor"`
	Proctor ProctorConfig `yaml:"proctor"`
	Quiz    QuizConfig    `yaml:"quiz"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

// MonitorConfig holds the escalation thresholds and probe cadences.
// Thresholds are policy knobs, not hardcoded constants: a session copies
// them at creation time and keeps them for its whole lifetime.
type MonitorConfig struct {
	MaxTabSwitches          int           `yaml:"max_tab_switches"`
	MaxSoundAlerts          int           `yaml:"max_sound_alerts"`
	MaxFullscreenWarnings   int           `yaml:"max_fullscreen_warnings"`
	SoundThreshold          float64       `yaml:"sound_threshold"`
	SoundCheckInterval      time.Duration `yaml:"sound_check_interval"`
	FrameInterval           time.Duration `yaml:"frame_interval"`
	FullscreenCheckInterval time.Duration `yaml:"fullscreen_check_interval"`
	AlertDuration           time.Duration `yaml:"alert_duration"`
	FrameJPEGQuality        float64       `yaml:"frame_jpeg_quality"`
	HealthWarningThreshold  int           `yaml:"health_warning_threshold"`
	BroadcastThrottle       time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval        time.Duration `yaml:"snapshot_interval"`
}

type ProctorConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type QuizConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Monitor: MonitorConfig{
			MaxTabSwitches:          10,
			MaxSoundAlerts:          30,
			MaxFullscreenWarnings:   3,
			SoundThreshold:          0.3,
			SoundCheckInterval:      150 * time.Millisecond,
			FrameInterval:           200 * time.Millisecond,
			FullscreenCheckInterval: 2 * time.Second,
			AlertDuration:           3 * time.Second,
			FrameJPEGQuality:        0.7,
			HealthWarningThreshold:  3,
			BroadcastThrottle:       100 * time.Millisecond,
			SnapshotInterval:        5 * time.Second,
		},
		Proctor: ProctorConfig{
			BaseURL: "http://localhost:4000",
			Timeout: 5 * time.Second,
		},
		Quiz: QuizConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 30 * time.Second,
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied, for running without a config file.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads the YAML config at path on top of the built-in defaults.
// Environment variables PROCTOR_URL and QUIZ_URL override the service
// base URLs after the file is applied; PROCTOR_AUTH_TOKEN overrides the
// API token.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PROCTOR_URL"); v != "" {
		c.Proctor.BaseURL = v
	}
	if v := os.Getenv("QUIZ_URL"); v != "" {
		c.Quiz.BaseURL = v
	}
	if v := os.Getenv("PROCTOR_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
}

func (c *Config) validate() error {
	if c.Monitor.SoundThreshold <= 0 || c.Monitor.SoundThreshold >= 1 {
		return fmt.Errorf("sound_threshold %v outside (0,1)", c.Monitor.SoundThreshold)
	}
	if c.Monitor.FrameJPEGQuality <= 0 || c.Monitor.FrameJPEGQuality > 1 {
		return fmt.Errorf("frame_jpeg_quality %v outside (0,1]", c.Monitor.FrameJPEGQuality)
	}
	for name, d := range map[string]time.Duration{
		"sound_check_interval":      c.Monitor.SoundCheckInterval,
		"frame_interval":            c.Monitor.FrameInterval,
		"fullscreen_check_interval": c.Monitor.FullscreenCheckInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}

// Thresholds returns the escalation limits in the form the session
// aggregate expects. The values are copied; later config reloads do not
// affect sessions already created.
func (c *Config) Thresholds() (maxTabSwitches, maxSoundAlerts, maxFullscreenWarnings int) {
	return c.Monitor.MaxTabSwitches, c.Monitor.MaxSoundAlerts, c.Monitor.MaxFullscreenWarnings
}
