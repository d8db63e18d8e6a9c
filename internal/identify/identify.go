// Package identify resolves human names for hosts the prober found alive,
// and reads AirPlay device info and TLS certificates where they are offered.
package identify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"accessoryscan/internal/device"
)

// DefaultTimeout bounds all lookups for one host.
const DefaultTimeout = 1500 * time.Millisecond

// ErrNotApplicable is returned by a lookup that cannot run for a host.
var ErrNotApplicable = errors.New("identify: lookup not applicable")

// Lookup resolves names for an address.
type Lookup interface {
	Name() string
	Lookup(ctx context.Context, address string) ([]string, error)
}

// PortGated is implemented by lookups that only run when a TCP port was
// found open.
type PortGated interface {
	RequiredPort() int
}

// Host is an alive host to identify.
type Host struct {
	Address   string
	OpenPorts []device.Port
}

func (h Host) hasPort(port int) bool {
	for _, p := range h.OpenPorts {
		if p.Number == port {
			return true
		}
	}
	return false
}

// Result is what was learned about a host. Name is empty when no lookup
// answered.
type Result struct {
	Name         string
	NameSource   string
	Manufacturer string
	Extra        map[string]string
}

// IsZero reports whether nothing was learned.
func (r Result) IsZero() bool {
	return r.Name == "" && r.Manufacturer == "" && len(r.Extra) == 0
}

// Resolver runs every applicable lookup for a host concurrently and picks
// the name by source precedence.
type Resolver struct {
	names   []Lookup
	airplay *AirPlay
	tls     *TLSCert
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookups replaces the name lookups. Order is precedence order.
func WithLookups(l ...Lookup) Option {
	return func(r *Resolver) { r.names = l }
}

// WithAirPlay replaces the AirPlay client. nil disables it.
func WithAirPlay(a *AirPlay) Option {
	return func(r *Resolver) { r.airplay = a }
}

// WithTLS replaces the certificate reader. nil disables it.
func WithTLS(c *TLSCert) Option {
	return func(r *Resolver) { r.tls = c }
}

// WithTimeout bounds all lookups for one host.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver returns a Resolver with NetBIOS, LLMNR, SMB and DNS PTR
// lookups, in that precedence, plus AirPlay info and TLS certificates.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		names:   []Lookup{NetBIOS{}, LLMNR{}, SMB{}, PTR{}},
		airplay: &AirPlay{},
		tls:     &TLSCert{},
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identify never fails: lookups that error or time out simply contribute
// nothing.
func (r *Resolver) Identify(ctx context.Context, host Host) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	lookups := make([]Lookup, 0, len(r.names))
	for _, l := range r.names {
		if g, ok := l.(PortGated); ok && !host.hasPort(g.RequiredPort()) {
			continue
		}
		lookups = append(lookups, l)
	}

	names := make([][]string, len(lookups))
	var wg sync.WaitGroup
	for i, l := range lookups {
		wg.Add(1)
		go func(i int, l Lookup) {
			defer wg.Done()
			got, err := l.Lookup(ctx, host.Address)
			if err != nil {
				if !errors.Is(err, ErrNotApplicable) {
					r.logger.Debug("name lookup failed",
						zap.String("lookup", l.Name()),
						zap.String("address", host.Address),
						zap.Error(err))
				}
				return
			}
			names[i] = got
		}(i, l)
	}

	var res Result
	if r.airplay != nil && host.hasPort(AirPlayPort) {
		fields, err := r.airplay.Fetch(ctx, host.Address)
		if err != nil {
			r.logger.Debug("airplay info failed", zap.String("address", host.Address), zap.Error(err))
		}
		applyAirPlay(&res, fields)
	}
	if r.tls != nil {
		for _, port := range r.tls.ports(host) {
			fields, err := r.tls.Fetch(ctx, host.Address, port)
			if err != nil {
				r.logger.Debug("tls certificate failed", zap.String("address", host.Address), zap.Int("port", port), zap.Error(err))
				continue
			}
			applyTLS(&res, fields)
			break
		}
	}
	wg.Wait()

	for i, got := range names {
		if name := firstName(got); name != "" {
			res.Name = name
			res.NameSource = lookups[i].Name()
			break
		}
	}
	if res.Name == "" && res.Extra["airplay.name"] != "" {
		res.Name = res.Extra["airplay.name"]
		res.NameSource = "airplay"
	}
	return res
}

func applyAirPlay(res *Result, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	res.Extra = make(map[string]string, len(fields))
	for k, v := range fields {
		res.Extra["airplay."+k] = v
	}
	if m := fields["manufacturer"]; m != "" {
		res.Manufacturer = m
	}
}

func firstName(names []string) string {
	for _, n := range names {
		if n = cleanName(n); n != "" {
			return n
		}
	}
	return ""
}

func cleanName(name string) string {
	name = strings.TrimSpace(strings.Trim(name, "\x00"))
	name = strings.TrimSuffix(name, ".")
	name = strings.TrimSuffix(name, ".local")
	return name
}

func uniqueNames(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = cleanName(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
