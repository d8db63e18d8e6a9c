// Package config loads the accessoryscan configuration file.
//
// The file lives in the OS configuration directory:
//   - Linux: $XDG_CONFIG_HOME/accessoryscan/config.yaml or $HOME/.config/accessoryscan/config.yaml
//   - macOS: $HOME/.config/accessoryscan/config.yaml
//   - Windows: %LOCALAPPDATA%\accessoryscan\config.yaml
//
// Every key is optional. A missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"accessoryscan/internal/engine"
)

const (
	appName    = "accessoryscan"
	configFile = "config.yaml"

	// CurrentVersion is the only file version understood.
	CurrentVersion = 1
)

// ErrUnsupportedVersion is returned for files written by a newer release.
var ErrUnsupportedVersion = errors.New("config: unsupported version")

// Duration is a time.Duration written as a Go duration string ("300ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Engine mirrors engine.Config.
type Engine struct {
	MinListenWindow      Duration `yaml:"min_listen_window"`
	MaxListenWindow      Duration `yaml:"max_listen_window"`
	EarlyExitQuietPeriod Duration `yaml:"early_exit_quiet_period"`
	ListenTick           Duration `yaml:"listen_tick"`
	MaxConcurrency       int      `yaml:"max_concurrency"`
	PerAttemptTimeout    Duration `yaml:"per_attempt_timeout"`
	MaxRecords           int      `yaml:"max_records"`
	RateLimitPerMinute   int      `yaml:"rate_limit_per_minute"`
	CacheTimeout         Duration `yaml:"cache_timeout"`
	PhaseTimeout         Duration `yaml:"phase_timeout"`
	NameLookupTimeout    Duration `yaml:"name_lookup_timeout"`
	CommonRanges         []string `yaml:"common_ranges"`
	HoppingThreshold     int      `yaml:"hopping_threshold"`
	FlappingThreshold    int      `yaml:"flapping_threshold"`
}

// File is the on-disk configuration.
type File struct {
	Version         int      `yaml:"version"`
	Engine          Engine   `yaml:"engine"`
	Roster          []string `yaml:"roster"`
	Targets         []string `yaml:"targets"`
	KnownAddresses  []string `yaml:"known_addresses"`
	Ports           []int    `yaml:"ports"`
	FullCoverage    bool     `yaml:"full_coverage"`
	ExpectedDevices int      `yaml:"expected_devices"`
	PreviouslyKnown []string `yaml:"previously_known"`
	Services        []string `yaml:"services"`
}

// Default returns a File holding the engine defaults.
func Default() *File {
	d := engine.DefaultConfig()
	ranges := make([]string, 0, len(d.CommonRanges))
	for _, r := range d.CommonRanges {
		ranges = append(ranges, r.String())
	}
	return &File{
		Version: CurrentVersion,
		Engine: Engine{
			MinListenWindow:      Duration(d.MinListenWindow),
			MaxListenWindow:      Duration(d.MaxListenWindow),
			EarlyExitQuietPeriod: Duration(d.EarlyExitQuietPeriod),
			ListenTick:           Duration(d.ListenTick),
			MaxConcurrency:       d.MaxConcurrency,
			PerAttemptTimeout:    Duration(d.PerAttemptTimeout),
			MaxRecords:           d.MaxRecords,
			RateLimitPerMinute:   d.RateLimitPerMinute,
			CacheTimeout:         Duration(d.CacheTimeout),
			PhaseTimeout:         Duration(d.PhaseTimeout),
			NameLookupTimeout:    Duration(d.NameLookupTimeout),
			CommonRanges:         ranges,
			HoppingThreshold:     d.HoppingThreshold,
			FlappingThreshold:    d.FlappingThreshold,
		},
	}
}

// Dir returns the OS-appropriate configuration directory.
func Dir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName), nil
		}
		profile := os.Getenv("USERPROFILE")
		if profile == "" {
			return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
		}
		return filepath.Join(profile, "AppData", "Local", appName), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".config", appName), nil
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".config", appName), nil
	}
}

// DefaultPath returns the full path of the configuration file.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads path over the defaults. An empty path selects DefaultPath. A
// missing file is not an error.
func Load(path string) (*File, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}

	f := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes data into f. Keys absent from data keep f's values.
func Parse(data []byte, f *File) error {
	f.Version = 0
	if err := yaml.Unmarshal(data, f); err != nil {
		return err
	}
	switch f.Version {
	case 0:
		f.Version = CurrentVersion
	case CurrentVersion:
	default:
		return fmt.Errorf("%w: %d (expected %d)", ErrUnsupportedVersion, f.Version, CurrentVersion)
	}
	return nil
}

// EngineConfig converts the engine block. The result is not validated;
// engine.New does that.
func (f *File) EngineConfig() (engine.Config, error) {
	e := f.Engine
	cfg := engine.Config{
		MinListenWindow:      time.Duration(e.MinListenWindow),
		MaxListenWindow:      time.Duration(e.MaxListenWindow),
		EarlyExitQuietPeriod: time.Duration(e.EarlyExitQuietPeriod),
		ListenTick:           time.Duration(e.ListenTick),
		Services:             append([]string(nil), f.Services...),
		MaxConcurrency:       e.MaxConcurrency,
		PerAttemptTimeout:    time.Duration(e.PerAttemptTimeout),
		MaxRecords:           e.MaxRecords,
		RateLimitPerMinute:   e.RateLimitPerMinute,
		CacheTimeout:         time.Duration(e.CacheTimeout),
		PhaseTimeout:         time.Duration(e.PhaseTimeout),
		NameLookupTimeout:    time.Duration(e.NameLookupTimeout),
		HoppingThreshold:     e.HoppingThreshold,
		FlappingThreshold:    e.FlappingThreshold,
	}
	for _, s := range e.CommonRanges {
		r, err := engine.ParseOctetRange(s)
		if err != nil {
			return engine.Config{}, fmt.Errorf("%w: %v", engine.ErrInvalidConfig, err)
		}
		cfg.CommonRanges = append(cfg.CommonRanges, r)
	}
	return cfg, nil
}

// Request builds the run request described by the file.
func (f *File) Request() engine.Request {
	return engine.Request{
		Roster:          append([]string(nil), f.Roster...),
		Targets:         append([]string(nil), f.Targets...),
		KnownAddresses:  append([]string(nil), f.KnownAddresses...),
		Ports:           append([]int(nil), f.Ports...),
		FullCoverage:    f.FullCoverage,
		ExpectedDevices: f.ExpectedDevices,
		PreviouslyKnown: append([]string(nil), f.PreviouslyKnown...),
	}
}
