// Package engine runs discovery sessions: a passive cache read, up to three
// probe phases and an overlapping announcement window, merged into one
// bounded record set and scored against the caller's roster.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessoryscan/internal/announce"
	"accessoryscan/internal/device"
	"accessoryscan/internal/identify"
	"accessoryscan/internal/neighbor"
	"accessoryscan/internal/probe"
	"accessoryscan/internal/score"
)

// maxPhaseErrors bounds the per-attempt errors kept in a PhaseReport.
const maxPhaseErrors = 32

// CacheReader reads the neighbour cache.
type CacheReader interface {
	Read(ctx context.Context) ([]neighbor.Entry, error)
}

// Prober probes a batch of addresses.
type Prober interface {
	Probe(ctx context.Context, req probe.Request, hooks probe.Hooks) ([]probe.HostResult, error)
}

// Listener runs one announcement window.
type Listener interface {
	Listen(ctx context.Context, emit func(device.Candidate)) announce.Summary
}

// Identifier resolves names for an alive host.
type Identifier interface {
	Identify(ctx context.Context, host identify.Host) identify.Result
}

// Scorer assesses a record against the roster.
type Scorer interface {
	Assess(d device.DiscoveredDevice, roster []string) score.Assessment
}

// Engine owns the state of at most one session at a time. It is safe for
// concurrent use; a second Run while one is active fails.
type Engine struct {
	cfg        Config
	logger     *zap.Logger
	cache      CacheReader
	prober     Prober
	listener   Listener
	identifier Identifier
	scorer     Scorer
	now        func() time.Time

	noListener   bool
	noIdentifier bool

	running atomic.Bool

	mu     sync.Mutex
	last   *session
	roster []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. nil selects a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCache replaces the neighbour cache reader.
func WithCache(c CacheReader) Option { return func(e *Engine) { e.cache = c } }

// WithProber replaces the active prober.
func WithProber(p Prober) Option { return func(e *Engine) { e.prober = p } }

// WithListener replaces the announcement listener.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listener, e.noListener = l, false }
}

// WithoutListener disables the announcement window.
func WithoutListener() Option { return func(e *Engine) { e.noListener = true } }

// WithIdentifier replaces the name resolver used after probe phases.
func WithIdentifier(i Identifier) Option {
	return func(e *Engine) { e.identifier, e.noIdentifier = i, false }
}

// WithoutIdentifier disables name resolution.
func WithoutIdentifier() Option { return func(e *Engine) { e.noIdentifier = true } }

// WithScorer replaces the confidence scorer.
func WithScorer(s Scorer) Option { return func(e *Engine) { e.scorer = s } }

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New validates cfg and returns an Engine. Collaborators not supplied
// through options talk to the real network.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg.Normalise(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = neighbor.NewReader(e.logger.Named("neighbor"), neighbor.DefaultSources()...)
	}
	if e.prober == nil {
		e.prober = probe.New(probe.WithLogger(e.logger.Named("probe")))
	}
	if e.noListener {
		e.listener = nil
	} else if e.listener == nil {
		src := announce.Multi(
			announce.Zeroconf{Logger: e.logger.Named("zeroconf")},
			announce.SSDP{Logger: e.logger.Named("ssdp")},
		)
		e.listener = announce.NewListener(src, e.cfg.listenConfig(), e.logger.Named("announce"))
	}
	if e.noIdentifier {
		e.identifier = nil
	} else if e.identifier == nil {
		e.identifier = identify.NewResolver(
			identify.WithTimeout(e.cfg.NameLookupTimeout),
			identify.WithLogger(e.logger.Named("identify")),
		)
	}
	if e.scorer == nil {
		e.scorer = score.New()
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Request describes one run.
type Request struct {
	// Roster holds names and identifiers of devices the user already owns.
	Roster []string
	// Targets are IPv4 addresses or CIDR blocks forming the address space
	// of the common and full phases.
	Targets []string
	// KnownAddresses are probed first, in the targeted phase.
	KnownAddresses []string
	// Ports to probe. Empty selects probe.DefaultPorts.
	Ports []int
	// FullCoverage forces the full phase.
	FullCoverage bool
	// ExpectedDevices triggers the full phase when earlier phases found
	// fewer records. Zero disables the check.
	ExpectedDevices int
	// PreviouslyKnown seeds identities from an earlier session. Their names
	// merge one trust rank higher, and network addresses among them join
	// the targeted phase.
	PreviouslyKnown []string
}

// Validate rejects caller misuse before any I/O.
func (r Request) Validate() error {
	for _, p := range r.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: port %d outside 1-65535", ErrInvalidRequest, p)
		}
	}
	if r.ExpectedDevices < 0 {
		return fmt.Errorf("%w: expected devices cannot be negative", ErrInvalidRequest)
	}
	for _, a := range r.KnownAddresses {
		if ip := net.ParseIP(a); ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: known address %q is not an IPv4 address", ErrInvalidRequest, a)
		}
	}
	if _, err := resolveTargets(r.Targets); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

type plan struct {
	ports    []int
	targeted []string
	common   []string
	rest     []string
}

func (e *Engine) plan(r Request) (plan, error) {
	space, err := resolveTargets(r.Targets)
	if err != nil {
		return plan{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	p := plan{ports: r.Ports}
	if len(p.ports) == 0 {
		p.ports = probe.DefaultPorts
	}

	skip := make(map[string]struct{})
	for _, list := range [][]string{r.KnownAddresses, r.PreviouslyKnown} {
		for _, a := range list {
			ip := net.ParseIP(a).To4()
			if ip == nil {
				continue
			}
			addr := ip.String()
			if _, dup := skip[addr]; dup {
				continue
			}
			skip[addr] = struct{}{}
			p.targeted = append(p.targeted, addr)
		}
	}
	p.common, p.rest = partition(space, e.cfg.CommonRanges, skip)
	return p, nil
}

// Run executes one session. Cancelling ctx stops new attempts, lets the ones
// in flight finish and returns the partial result with a nil error; the
// phase reports say which phases did not finish.
func (e *Engine) Run(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	p, err := e.plan(req)
	if err != nil {
		return Result{}, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrRunInProgress
	}
	defer e.running.Store(false)

	s := newSession(uuid.NewString(), e.cfg, req.PreviouslyKnown, e.now, e.logger)
	e.mu.Lock()
	e.last = s
	e.roster = append([]string(nil), req.Roster...)
	e.mu.Unlock()

	logger := e.logger.With(zap.String("session", s.id))
	rep := newReporter(progress)
	started := time.Now()
	logger.Info("discovery started",
		zap.Int("targeted", len(p.targeted)),
		zap.Int("common", len(p.common)),
		zap.Int("remaining", len(p.rest)),
		zap.Int("ports", len(p.ports)))

	var wg sync.WaitGroup
	announcements := PhaseReport{Phase: PhaseAnnouncements, Status: StatusSkipped, Detail: "listener disabled"}
	if e.listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			announcements = e.listen(ctx, s, rep)
		}()
	}

	phases := []PhaseReport{e.cachePhase(ctx, s, rep)}
	phases = append(phases, e.probePhase(ctx, s, rep, PhaseTargeted, p.targeted, p.ports))
	phases = append(phases, e.probePhase(ctx, s, rep, PhaseCommon, p.common, p.ports))

	delivered := s.countSources(device.SourceCache | device.SourceProbe)
	switch {
	case req.FullCoverage, req.ExpectedDevices > 0 && delivered < req.ExpectedDevices:
		phases = append(phases, e.probePhase(ctx, s, rep, PhaseFull, p.rest, p.ports))
	default:
		phases = append(phases, PhaseReport{
			Phase:  PhaseFull,
			Status: StatusSkipped,
			Detail: fmt.Sprintf("not requested; %d devices found", delivered),
		})
	}

	wg.Wait()
	phases = append(phases, announcements)

	for _, ph := range phases {
		if ph.Status == StatusTimedOut {
			s.note(Advisory{Kind: AdvisoryPhaseTimeout, Subject: ph.Phase.String(), Detail: ph.Detail})
		}
	}

	res := e.result(s, req.Roster)
	res.Phases = phases
	res.Started = started
	res.Finished = time.Now()
	logger.Info("discovery finished",
		zap.Int("devices", len(res.Devices)),
		zap.Int("advisories", len(res.Advisories)),
		zap.Bool("complete", res.Complete()),
		zap.Duration("elapsed", res.Finished.Sub(started)))
	for _, a := range res.Advisories {
		logger.Warn("advisory", zap.String("kind", string(a.Kind)), zap.String("subject", a.Subject), zap.String("detail", a.Detail))
	}
	return res, nil
}

func (e *Engine) result(s *session, roster []string) Result {
	devices := s.devices()
	return Result{
		SessionID:        s.id,
		Devices:          e.entries(devices, roster),
		Advisories:       s.advisories(),
		MergeSuggestions: suggestions(devices),
	}
}

// entries scores records, highest score first, then by identity.
func (e *Engine) entries(devices []device.DiscoveredDevice, roster []string) []Entry {
	out := make([]Entry, 0, len(devices))
	for _, d := range devices {
		out = append(out, Entry{Device: d, Assessment: e.scorer.Assess(d, roster)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Assessment.Score != out[j].Assessment.Score {
			return out[i].Assessment.Score > out[j].Assessment.Score
		}
		return out[i].Device.Identity < out[j].Device.Identity
	})
	return out
}

func (e *Engine) cachePhase(ctx context.Context, s *session, rep *reporter) PhaseReport {
	start := time.Now()
	report := PhaseReport{Phase: PhaseCache}
	if ctx.Err() != nil {
		report.Status = StatusCancelled
		return report
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()

	type read struct {
		entries []neighbor.Entry
		err     error
	}
	done := make(chan read, 1)
	go func() {
		entries, err := e.cache.Read(cctx)
		done <- read{entries, err}
	}()

	var r read
	select {
	case r = <-done:
	case <-cctx.Done():
		r.err = cctx.Err()
	}

	now := e.now()
	for _, entry := range r.entries {
		report.Attempted++
		if s.merge(device.Candidate{
			Source:          device.SourceCache,
			NetworkAddress:  entry.NetworkAddress,
			HardwareAddress: entry.HardwareAddress,
			SeenAt:          now,
		}) {
			report.Responded++
		}
	}

	switch {
	case r.err == nil:
		report.Status = StatusCompleted
	case ctx.Err() != nil:
		report.Status = StatusCancelled
	case errors.Is(r.err, context.DeadlineExceeded):
		report.Status = StatusTimedOut
		report.Detail = fmt.Sprintf("cache read exceeded %s", e.cfg.CacheTimeout)
	default:
		report.Status = StatusFailed
		report.Errors = []string{r.err.Error()}
		s.note(Advisory{Kind: AdvisorySourceFailure, Subject: PhaseCache.String(), Detail: r.err.Error()})
	}
	report.Elapsed = time.Since(start)
	rep.report(Progress{Phase: PhaseCache, Fraction: 1, Devices: s.count()})
	e.logger.Info("phase finished", zap.Stringer("phase", PhaseCache), zap.String("status", string(report.Status)),
		zap.Int("entries", report.Attempted), zap.Duration("elapsed", report.Elapsed))
	return report
}

func (e *Engine) probePhase(ctx context.Context, s *session, rep *reporter, phase Phase, addrs []string, ports []int) PhaseReport {
	report := PhaseReport{Phase: phase}
	switch {
	case len(addrs) == 0:
		report.Status = StatusSkipped
		report.Detail = "no addresses"
		return report
	case ctx.Err() != nil:
		report.Status = StatusCancelled
		return report
	}

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	total := float64(len(addrs))
	var finished atomic.Int64
	hooks := probe.Hooks{
		OnStart: s.beginProbe,
		OnResult: func(r probe.HostResult) {
			if r.Outcome != probe.OutcomeCancelled {
				if r.Alive() {
					s.merge(device.Candidate{
						Source:          device.SourceProbe,
						NetworkAddress:  r.Address,
						HardwareAddress: r.HardwareAddress,
						OpenPorts:       r.OpenPorts,
						Reachable:       r.Reachable,
						SeenAt:          e.now(),
					})
				}
				s.endProbe(r.Address)
			}
			n := finished.Add(1)
			rep.report(Progress{Phase: phase, Fraction: float64(n) / total, Devices: s.count()})
		},
	}

	results, err := e.prober.Probe(pctx, probe.Request{
		Addresses:         addrs,
		Ports:             ports,
		PerAttemptTimeout: e.cfg.PerAttemptTimeout,
		MaxConcurrency:    e.cfg.MaxConcurrency,
	}, hooks)
	if err != nil {
		report.Status = StatusFailed
		report.Errors = []string{err.Error()}
		report.Elapsed = time.Since(start)
		s.note(Advisory{Kind: AdvisorySourceFailure, Subject: phase.String(), Detail: err.Error()})
		return report
	}

	var alive []probe.HostResult
	for _, r := range results {
		if r.Outcome == probe.OutcomeCancelled {
			continue
		}
		report.Attempted++
		if r.Alive() {
			report.Responded++
			alive = append(alive, r)
		}
		if r.Outcome == probe.OutcomeFailed && len(r.Errors) > 0 {
			if len(report.Errors) < maxPhaseErrors {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", r.Address, r.Errors[0]))
			}
		}
	}

	e.enrich(pctx, s, alive)

	switch {
	case ctx.Err() != nil:
		report.Status = StatusCancelled
		report.Detail = fmt.Sprintf("%d of %d addresses attempted", report.Attempted, len(addrs))
	case pctx.Err() != nil:
		report.Status = StatusTimedOut
		report.Detail = fmt.Sprintf("%d of %d addresses attempted within %s", report.Attempted, len(addrs), e.cfg.PhaseTimeout)
	default:
		report.Status = StatusCompleted
	}
	report.Elapsed = time.Since(start)
	e.logger.Info("phase finished",
		zap.Stringer("phase", phase),
		zap.String("status", string(report.Status)),
		zap.Int("attempted", report.Attempted),
		zap.Int("responded", report.Responded),
		zap.Duration("elapsed", report.Elapsed))
	return report
}

func (e *Engine) listen(ctx context.Context, s *session, rep *reporter) PhaseReport {
	window := e.cfg.MaxListenWindow
	start := time.Now()
	sum := e.listener.Listen(ctx, func(c device.Candidate) {
		s.merge(c)
		fraction := float64(time.Since(start)) / float64(window)
		if fraction > 1 {
			fraction = 1
		}
		rep.report(Progress{Phase: PhaseAnnouncements, Fraction: fraction, Devices: s.count()})
	})
	rep.report(Progress{Phase: PhaseAnnouncements, Fraction: 1, Devices: s.count()})

	report := PhaseReport{
		Phase:     PhaseAnnouncements,
		Attempted: sum.Announcements,
		Responded: sum.Identities,
		Elapsed:   sum.Elapsed,
		Detail:    fmt.Sprintf("closed on %s after %d ticks", sum.Reason, sum.Ticks),
	}
	switch {
	case sum.Reason == announce.ExitCancelled:
		report.Status = StatusCancelled
	case sum.Err != nil:
		report.Status = StatusFailed
		report.Errors = []string{sum.Err.Error()}
		s.note(Advisory{Kind: AdvisorySourceFailure, Subject: PhaseAnnouncements.String(), Detail: sum.Err.Error()})
	default:
		report.Status = StatusCompleted
	}
	return report
}

// Snapshot returns the scored records of the current or last session.
func (e *Engine) Snapshot() ([]Entry, error) {
	e.mu.Lock()
	s, roster := e.last, e.roster
	e.mu.Unlock()
	if s == nil {
		return nil, ErrNoSession
	}
	return e.entries(s.devices(), roster), nil
}

// ConfirmMerge folds the record retire into keep after the caller confirmed
// they are the same device, typically from a MergeSuggestion.
func (e *Engine) ConfirmMerge(keep, retire string) (Entry, error) {
	e.mu.Lock()
	s, roster := e.last, e.roster
	e.mu.Unlock()
	if s == nil {
		return Entry{}, ErrNoSession
	}
	d, err := s.absorb(keep, retire)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Device: d, Assessment: e.scorer.Assess(d, roster)}, nil
}

// Reset discards the last session.
func (e *Engine) Reset() error {
	if e.running.Load() {
		return ErrRunInProgress
	}
	e.mu.Lock()
	e.last = nil
	e.roster = nil
	e.mu.Unlock()
	return nil
}

// reporter serialises progress callbacks.
type reporter struct {
	mu sync.Mutex
	fn ProgressFunc
}

func newReporter(fn ProgressFunc) *reporter { return &reporter{fn: fn} }

func (r *reporter) report(p Progress) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fn(p)
}
