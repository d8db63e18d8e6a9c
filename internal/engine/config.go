package engine

import (
	"fmt"
	"time"

	"accessoryscan/internal/announce"
	"accessoryscan/internal/ratelimit"
)

// OctetRange selects hosts by the last octet of an IPv4 address.
type OctetRange struct {
	From int `json:"from" yaml:"from"`
	To   int `json:"to" yaml:"to"`
}

// Contains reports whether octet is inside the range.
func (r OctetRange) Contains(octet int) bool { return octet >= r.From && octet <= r.To }

func (r OctetRange) String() string { return fmt.Sprintf("%d-%d", r.From, r.To) }

// DefaultCommonRanges are the host numbers routers and DHCP servers hand
// out most often.
var DefaultCommonRanges = []OctetRange{{1, 50}, {100, 150}, {200, 254}}

// Config holds the engine options. Zero values are not defaults; start
// from DefaultConfig.
type Config struct {
	MinListenWindow      time.Duration
	MaxListenWindow      time.Duration
	EarlyExitQuietPeriod time.Duration
	ListenTick           time.Duration
	Services             []string

	MaxConcurrency    int
	PerAttemptTimeout time.Duration

	MaxRecords         int
	RateLimitPerMinute int

	CacheTimeout      time.Duration
	PhaseTimeout      time.Duration
	NameLookupTimeout time.Duration

	CommonRanges []OctetRange

	HoppingThreshold  int
	FlappingThreshold int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MinListenWindow:      announce.DefaultMinWindow,
		MaxListenWindow:      announce.DefaultMaxWindow,
		EarlyExitQuietPeriod: announce.DefaultQuietPeriod,
		ListenTick:           announce.DefaultTick,
		MaxConcurrency:       32,
		PerAttemptTimeout:    400 * time.Millisecond,
		MaxRecords:           1024,
		RateLimitPerMinute:   ratelimit.DefaultPerMinute,
		CacheTimeout:         750 * time.Millisecond,
		PhaseTimeout:         60 * time.Second,
		NameLookupTimeout:    1500 * time.Millisecond,
		CommonRanges:         append([]OctetRange(nil), DefaultCommonRanges...),
		HoppingThreshold:     ratelimit.DefaultHoppingThreshold,
		FlappingThreshold:    ratelimit.DefaultFlappingThreshold,
	}
}

// Validate rejects caller misuse. Listen-window settings are not checked
// here; they are clamped by Normalise.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"maxConcurrency", c.MaxConcurrency},
		{"maxRecords", c.MaxRecords},
		{"rateLimitPerMinute", c.RateLimitPerMinute},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be greater than 0, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"perAttemptTimeout", c.PerAttemptTimeout},
		{"cacheTimeout", c.CacheTimeout},
		{"phaseTimeout", c.PhaseTimeout},
		{"nameLookupTimeout", c.NameLookupTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, d.name, d.value)
		}
	}
	for _, r := range c.CommonRanges {
		if r.From < 0 || r.To > 255 || r.From > r.To {
			return fmt.Errorf("%w: common range %s outside 0-255", ErrInvalidConfig, r)
		}
	}
	if c.HoppingThreshold < 0 || c.FlappingThreshold < 0 {
		return fmt.Errorf("%w: anomaly thresholds cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Normalise clamps the listen-window settings, which are treated as
// malformed input rather than misuse.
func (c Config) Normalise() Config {
	l := c.listenConfig().Normalised()
	c.MinListenWindow = l.MinWindow
	c.MaxListenWindow = l.MaxWindow
	c.EarlyExitQuietPeriod = l.QuietPeriod
	c.ListenTick = l.Tick
	c.Services = l.Services
	return c
}

func (c Config) listenConfig() announce.Config {
	return announce.Config{
		MinWindow:   c.MinListenWindow,
		MaxWindow:   c.MaxListenWindow,
		QuietPeriod: c.EarlyExitQuietPeriod,
		Tick:        c.ListenTick,
		Services:    c.Services,
	}
}
