// Package probe performs bounded-concurrency reachability checks: TCP
// connect attempts against a port set, plus lower-level ICMP and ARP checks
// that can prove a host alive even when every probed port is closed.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"accessoryscan/internal/device"
)

// ErrInvalidRequest is wrapped by every error Probe returns for caller misuse.
var ErrInvalidRequest = errors.New("probe: invalid request")

// maxPortFanout bounds the dials in flight for a single host. The host as a
// whole holds one admission slot.
const maxPortFanout = 8

// Outcome is the terminal state of one address.
type Outcome int

const (
	// OutcomeResponded means an open port or a reachability check answered.
	OutcomeResponded Outcome = iota + 1
	// OutcomeTimeout means the attempt deadline expired with no answer.
	OutcomeTimeout
	// OutcomeFailed means every check errored before the deadline.
	OutcomeFailed
	// OutcomeCancelled means the address was never admitted because the
	// caller cancelled the run.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponded:
		return "responded"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request describes one probe sweep.
type Request struct {
	Addresses         []string
	Ports             []int
	PerAttemptTimeout time.Duration
	MaxConcurrency    int
}

// Validate rejects caller misuse before any I/O starts.
func (r Request) Validate() error {
	if r.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: max concurrency must be positive, got %d", ErrInvalidRequest, r.MaxConcurrency)
	}
	if r.PerAttemptTimeout <= 0 {
		return fmt.Errorf("%w: per-attempt timeout must be positive, got %s", ErrInvalidRequest, r.PerAttemptTimeout)
	}
	for _, port := range r.Ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: port %d outside 1-65535", ErrInvalidRequest, port)
		}
	}
	for _, addr := range r.Addresses {
		if net.ParseIP(addr) == nil {
			return fmt.Errorf("%w: %q is not an IP address", ErrInvalidRequest, addr)
		}
	}
	return nil
}

// HostResult is the terminal outcome for one address.
type HostResult struct {
	Address         string
	Outcome         Outcome
	OpenPorts       []device.Port
	Reachable       bool
	HardwareAddress string
	Errors          []error
	Elapsed         time.Duration
}

// Alive reports whether the host answered in any way.
func (h HostResult) Alive() bool {
	return len(h.OpenPorts) > 0 || h.Reachable
}

// Hooks observe a sweep. Both callbacks may run concurrently from several
// goroutines. OnStart runs after the address is admitted and before any I/O;
// OnResult runs once per address, including addresses that were never
// admitted, before the admission slot is released.
type Hooks struct {
	OnStart  func(address string)
	OnResult func(HostResult)
}

// Dialer opens TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Reachability is a lower-level liveness check.
type Reachability interface {
	Name() string
	Reach(ctx context.Context, address string) (Reach, error)
}

// Reach is what a reachability check learned.
type Reach struct {
	Reachable       bool
	HardwareAddress string
}

// Prober runs sweeps. The zero value is not usable; call New.
type Prober struct {
	dialer Dialer
	checks []Reachability
	logger *zap.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(p *Prober) { p.dialer = d }
}

// WithReachability replaces the lower-level checks. Passing none disables
// them.
func WithReachability(checks ...Reachability) Option {
	return func(p *Prober) { p.checks = checks }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Prober using the system dialer plus ICMP and ARP checks.
func New(opts ...Option) *Prober {
	p := &Prober{
		dialer: &net.Dialer{},
		checks: []Reachability{NewICMP(), NewARP()},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe sweeps every address in req and returns exactly one result per
// distinct address, in request order.
//
// Admission is gated by a semaphore of req.MaxConcurrency slots acquired
// before an attempt goroutine is spawned. Cancelling ctx stops admission
// immediately; attempts already running finish under their own deadline and
// addresses never admitted report OutcomeCancelled.
func (p *Prober) Probe(ctx context.Context, req Request, hooks Hooks) ([]HostResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	addresses := uniqueAddresses(req.Addresses)
	results := make([]HostResult, len(addresses))
	if len(addresses) == 0 {
		return results, nil
	}

	sem := semaphore.NewWeighted(int64(req.MaxConcurrency))
	attemptCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, addr := range addresses {
		if err := sem.Acquire(ctx, 1); err != nil {
			p.logger.Debug("probe admission stopped",
				zap.Int("admitted", i),
				zap.Int("remaining", len(addresses)-i),
				zap.Error(err))
			for j := i; j < len(addresses); j++ {
				results[j] = HostResult{Address: addresses[j], Outcome: OutcomeCancelled, Errors: []error{err}}
				if hooks.OnResult != nil {
					hooks.OnResult(results[j])
				}
			}
			break
		}
		if hooks.OnStart != nil {
			hooks.OnStart(addr)
		}

		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			defer sem.Release(1)

			res := p.probeHost(attemptCtx, addr, req)
			results[i] = res
			if hooks.OnResult != nil {
				hooks.OnResult(res)
			}
		}(i, addr)
	}
	wg.Wait()

	return results, nil
}

func (p *Prober) probeHost(parent context.Context, addr string, req Request) HostResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, req.PerAttemptTimeout)
	defer cancel()

	res := HostResult{Address: addr}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, check := range p.checks {
		wg.Add(1)
		go func(check Reachability) {
			defer wg.Done()
			reach, err := check.Reach(ctx, addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, ErrNotApplicable) {
					res.Errors = append(res.Errors, fmt.Errorf("%s: %w", check.Name(), err))
				}
				return
			}
			if reach.Reachable {
				res.Reachable = true
			}
			if reach.HardwareAddress != "" && res.HardwareAddress == "" {
				res.HardwareAddress = reach.HardwareAddress
			}
		}(check)
	}

	ports, refused, errs := p.scanPorts(parent, addr, req.Ports, req.PerAttemptTimeout)
	wg.Wait()

	res.OpenPorts = ports
	res.Errors = append(res.Errors, errs...)
	if refused {
		// A reset is an answer from the host's stack.
		res.Reachable = true
	}
	res.Elapsed = time.Since(start)

	switch {
	case res.Alive():
		res.Outcome = OutcomeResponded
	case ctx.Err() != nil || allTimeouts(res.Errors):
		res.Outcome = OutcomeTimeout
	default:
		res.Outcome = OutcomeFailed
	}

	p.logger.Debug("probe attempt finished",
		zap.String("address", addr),
		zap.Stringer("outcome", res.Outcome),
		zap.Int("open_ports", len(res.OpenPorts)),
		zap.Bool("reachable", res.Reachable),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

// scanPorts dials each port under its own timeout, started once the dial
// holds a fan-out slot, so a host takes at most ceil(len(ports)/maxPortFanout)
// timeouts. Ports left undialed when ctx ends are reported as errors.
func (p *Prober) scanPorts(ctx context.Context, host string, ports []int, timeout time.Duration) ([]device.Port, bool, []error) {
	if len(ports) == 0 {
		return nil, false, nil
	}

	sem := make(chan struct{}, min(len(ports), maxPortFanout))
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		open    []device.Port
		errs    []error
		refused bool
	)

	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, fmt.Errorf("tcp/%d: not dialed: %w", port, ctx.Err()))
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			conn, err := p.dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isRefused(err) {
					refused = true
					return
				}
				errs = append(errs, fmt.Errorf("tcp/%d: %w", port, err))
				return
			}
			_ = conn.Close()
			open = append(open, device.Port{Number: port, Service: ServiceName(port)})
		}(port)
	}
	wg.Wait()

	return device.UnionPorts(nil, open), refused, errs
}

func uniqueAddresses(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, addr := range in {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func allTimeouts(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			continue
		}
		return false
	}
	return true
}
