// Package config loads the process-wide InstrumentConfig from YAML and
// supports optional hot-reload: a filesystem watcher observes the config
// file's directory and, on a write, validates the candidate and swaps it
// into place atomically. A reload that fails validation never takes effect;
// the previous snapshot remains active.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ArmRamp carries the per-arm IR ramp-timing parameters from §4.6.
type ArmRamp struct {
	ReadTime float64 `yaml:"readTime"`
}

// Ramp carries the ramp-discipline parameters shared by every IR detector.
type Ramp struct {
	NReadMin   int                `yaml:"nReadMin"`
	NExtraRead int                `yaml:"nExtraRead"`
	Arms       map[string]ArmRamp `yaml:"arms"`
}

// Timeouts carries the per-command time limits (seconds) applied to remote
// calls dispatched by internal/remote.
type Timeouts struct {
	Default   float64 `yaml:"default"`
	Wipe      float64 `yaml:"wipe"`
	Read      float64 `yaml:"read"`
	Shutters  float64 `yaml:"shutters"`
	Lamps     float64 `yaml:"lamps"`
	SlitMove  float64 `yaml:"slitMove"`
	HxRamp    float64 `yaml:"hxRamp"`
	RdaMove   float64 `yaml:"rdaMove"`
	CcdMotors float64 `yaml:"ccdMotors"`
}

// InstrumentConfig is the complete, validated snapshot of process-wide
// configuration consulted by every exposure orchestration component. It is
// never partially applied: Load and the hot-reload watcher either produce a
// fully valid InstrumentConfig or leave the previous one untouched.
type InstrumentConfig struct {
	DoSyncSpectrograph bool `yaml:"doSyncSpectrograph"`

	ExpTimeOverHead float64 `yaml:"expTimeOverHead"`
	ShutterOverHead float64 `yaml:"shutterOverHead"`

	Ramp Ramp `yaml:"ramp"`

	DoUpdateEngineeringFiberStatus bool `yaml:"doUpdateEngineeringFiberStatus"`
	DoUpdateScienceFiberStatus     bool `yaml:"doUpdateScienceFiberStatus"`

	Timeouts Timeouts `yaml:"timeouts"`

	DBURI       string `yaml:"dbURI"`
	RawDataRoot string `yaml:"rawDataRoot"`
}

// Default returns a conservative InstrumentConfig usable when no config
// file is present, matching the constants used throughout SPEC_FULL.md's
// worked examples (e.g. readTime=10.857s for the IR arm).
func Default() *InstrumentConfig {
	return &InstrumentConfig{
		DoSyncSpectrograph: true,
		ExpTimeOverHead:    3.0,
		ShutterOverHead:    0.5,
		Ramp: Ramp{
			NReadMin:   3,
			NExtraRead: 1,
			Arms: map[string]ArmRamp{
				"n": {ReadTime: 10.857},
			},
		},
		DoUpdateEngineeringFiberStatus: true,
		DoUpdateScienceFiberStatus:     true,
		Timeouts: Timeouts{
			Default:   60,
			Wipe:      60,
			Read:      120,
			Shutters:  15,
			Lamps:     30,
			SlitMove:  60,
			HxRamp:    1800,
			RdaMove:   60,
			CcdMotors: 60,
		},
		RawDataRoot: "/data/raw",
	}
}

// Validate enforces the InstrumentConfig invariants: all durations and
// timeouts must be non-negative, every configured readTime must be positive,
// and a raw data root must be present. An empty database URI is accepted.
func (c *InstrumentConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil InstrumentConfig")
	}
	if c.ExpTimeOverHead < 0 {
		return fmt.Errorf("config: expTimeOverHead must be non-negative")
	}
	if c.ShutterOverHead < 0 {
		return fmt.Errorf("config: shutterOverHead must be non-negative")
	}
	if c.Ramp.NReadMin < 0 || c.Ramp.NExtraRead < 0 {
		return fmt.Errorf("config: ramp.nReadMin and ramp.nExtraRead must be non-negative")
	}
	for arm, r := range c.Ramp.Arms {
		if r.ReadTime <= 0 {
			return fmt.Errorf("config: ramp.arms[%s].readTime must be positive", arm)
		}
	}
	if c.RawDataRoot == "" {
		return fmt.Errorf("config: rawDataRoot is required")
	}
	t := c.Timeouts
	for name, v := range map[string]float64{
		"default": t.Default, "wipe": t.Wipe, "read": t.Read, "shutters": t.Shutters,
		"lamps": t.Lamps, "slitMove": t.SlitMove, "hxRamp": t.HxRamp, "rdaMove": t.RdaMove,
		"ccdMotors": t.CcdMotors,
	} {
		if v < 0 {
			return fmt.Errorf("config: timeouts.%s must be non-negative", name)
		}
	}
	return nil
}

// ReadTimeForArm returns the per-read duration configured for arm (e.g.
// "n"), falling back to the default IR value when unconfigured.
func (c *InstrumentConfig) ReadTimeForArm(arm string) float64 {
	if r, ok := c.Ramp.Arms[arm]; ok && r.ReadTime > 0 {
		return r.ReadTime
	}
	return 10.857
}

// Load reads and validates an InstrumentConfig from path. If path does not
// exist, Default() is returned.
func Load(path string) (*InstrumentConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *InstrumentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
