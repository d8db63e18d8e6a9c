// Package announce listens for multicast service announcements over a
// bounded window and turns each one into a discovery candidate.
package announce

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"accessoryscan/internal/device"
	"accessoryscan/internal/metadata"
)

// DefaultServices are browsed when the caller supplies none.
var DefaultServices = []string{
	"_hap._tcp",
	"_hap._udp",
	"_matterc._udp",
	"_matter._tcp",
	"_mashc._udp",
	"_airplay._tcp",
	"_googlecast._tcp",
	"_sonos._tcp",
	"_hue._tcp",
	"_http._tcp",
}

// Listener defaults.
const (
	DefaultTick        = time.Second
	DefaultMinWindow   = time.Second
	DefaultMaxWindow   = 10 * time.Second
	DefaultQuietPeriod = 3 * time.Second
)

// Exit reasons reported in Summary.
const (
	ExitQuiet     = "quiet"
	ExitWindow    = "window"
	ExitCancelled = "cancelled"
)

// Entry is one received announcement.
type Entry struct {
	Instance  string
	Service   string
	HostName  string
	Port      int
	Addresses []string
	Text      []string
}

// Source delivers announcements to emit until ctx is done. emit must not be
// called after Browse returns.
type Source interface {
	Browse(ctx context.Context, services []string, emit func(Entry)) error
}

// Config bounds one listen window. The window is counted in ticks: the
// listener exits early once the distinct identity count has been unchanged
// for QuietPeriod worth of consecutive ticks, but never before MinWindow.
type Config struct {
	MinWindow   time.Duration
	MaxWindow   time.Duration
	QuietPeriod time.Duration
	Tick        time.Duration
	Services    []string
}

// Normalised clamps out-of-range settings and fills defaults.
func (c Config) Normalised() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = DefaultMaxWindow
	}
	if c.MinWindow < 0 {
		c.MinWindow = 0
	}
	if c.MinWindow > c.MaxWindow {
		c.MinWindow = c.MaxWindow
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = DefaultQuietPeriod
	}
	if len(c.Services) == 0 {
		c.Services = DefaultServices
	}
	return c
}

// quietTicks is the number of unchanged ticks that ends the window.
func (c Config) quietTicks() int {
	n := int((c.QuietPeriod + c.Tick - 1) / c.Tick)
	if n < 1 {
		n = 1
	}
	return n
}

// Summary describes a finished window.
type Summary struct {
	Announcements int
	Identities    int
	Skipped       int
	Ticks         int
	Elapsed       time.Duration
	Reason        string
	Err           error
}

// EarlyExit reports whether the window ended on the quiet rule.
func (s Summary) EarlyExit() bool { return s.Reason == ExitQuiet }

// Listener runs listen windows against a Source.
type Listener struct {
	src    Source
	cfg    Config
	logger *zap.Logger
}

// NewListener returns a Listener. Out-of-range window settings are clamped.
func NewListener(src Source, cfg Config, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{src: src, cfg: cfg.Normalised(), logger: logger}
}

// Config returns the effective, clamped configuration.
func (l *Listener) Config() Config { return l.cfg }

// Listen runs one window, calling emit for every announcement that carries
// an address. emit is only ever called from the calling goroutine.
func (l *Listener) Listen(ctx context.Context, emit func(device.Candidate)) Summary {
	start := time.Now()
	listenCtx, cancel := context.WithTimeout(ctx, l.cfg.MaxWindow)
	defer cancel()

	entries := make(chan Entry, 64)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- l.src.Browse(listenCtx, l.cfg.Services, func(e Entry) {
			select {
			case entries <- e:
			case <-listenCtx.Done():
			}
		})
	}()

	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()

	var (
		sum       Summary
		seen      = make(map[string]struct{})
		lastCount int
		stable    int
		quiet     = l.cfg.quietTicks()
		browseErr error
		browsing  = true
	)

	handle := func(e Entry) {
		c, ok := Candidate(e, time.Now())
		if !ok {
			sum.Skipped++
			l.logger.Debug("announcement without address", zap.String("instance", e.Instance), zap.String("service", e.Service))
			return
		}
		sum.Announcements++
		seen[c.Identity()] = struct{}{}
		if emit != nil {
			emit(c)
		}
	}

loop:
	for {
		select {
		case e := <-entries:
			handle(e)
		case err := <-browseDone:
			// The source stopped early. The window stays open on the
			// quiet rule alone.
			browseErr = err
			browsing = false
			browseDone = nil
		case <-ticker.C:
			sum.Ticks++
			if len(seen) == lastCount {
				stable++
			} else {
				stable = 0
				lastCount = len(seen)
			}
			if stable >= quiet && time.Since(start) >= l.cfg.MinWindow {
				sum.Reason = ExitQuiet
				break loop
			}
		case <-listenCtx.Done():
			if ctx.Err() != nil {
				sum.Reason = ExitCancelled
			} else {
				sum.Reason = ExitWindow
			}
			break loop
		}
	}

	cancel()
	if browsing {
		browseErr = <-browseDone
	}
	for drained := false; !drained; {
		select {
		case e := <-entries:
			handle(e)
		default:
			drained = true
		}
	}

	sum.Identities = len(seen)
	sum.Elapsed = time.Since(start)
	if browseErr != nil && ctx.Err() == nil {
		sum.Err = browseErr
	}
	l.logger.Info("announcement window closed",
		zap.String("reason", sum.Reason),
		zap.Int("identities", sum.Identities),
		zap.Int("announcements", sum.Announcements),
		zap.Int("ticks", sum.Ticks),
		zap.Duration("elapsed", sum.Elapsed),
		zap.Error(sum.Err))
	return sum
}

// Candidate converts an announcement into a discovery candidate. It reports
// false when the announcement carries no address.
func Candidate(e Entry, seenAt time.Time) (device.Candidate, bool) {
	if len(e.Addresses) == 0 {
		return device.Candidate{}, false
	}
	addr := e.Addresses[0]
	for _, a := range e.Addresses {
		if !strings.Contains(a, ":") {
			addr = a
			break
		}
	}

	service := metadata.NormalizeService(e.Service)
	c := device.Candidate{
		Source:         device.SourceAnnouncement,
		NetworkAddress: addr,
		DisplayName:    unescapeInstance(e.Instance),
		Metadata:       metadata.ParseAnnouncement(service, e.Text),
		SeenAt:         seenAt,
	}
	if e.Port > 0 && e.Port <= 65535 && strings.HasSuffix(service, "._tcp") {
		c.OpenPorts = []device.Port{{Number: e.Port, Service: service}}
	}
	return c, true
}

// unescapeInstance removes DNS-SD backslash escapes from an instance label.
func unescapeInstance(s string) string {
	if !strings.Contains(s, `\`) {
		return strings.TrimSpace(s)
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
