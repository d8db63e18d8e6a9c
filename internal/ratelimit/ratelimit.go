// Package ratelimit gates how fast any single discovery key may update the
// record set and flags naming patterns worth a human's attention.
package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultPerMinute is the default number of accepted updates per key.
const DefaultPerMinute = 100

// pruneEvery is how many Allow calls pass between sweeps of idle keys.
const pruneEvery = 256

// Limiter is a sliding-window log keyed by discovery key. Rejected updates
// are counted and dropped; nothing is queued.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	hits    map[string][]time.Time
	dropped map[string]int
	calls   int
}

// NewLimiter accepts at most perMinute updates per key in any rolling minute.
// A non-positive limit selects DefaultPerMinute.
func NewLimiter(perMinute int) *Limiter {
	return NewLimiterWindow(perMinute, time.Minute)
}

// NewLimiterWindow is NewLimiter with an arbitrary window.
func NewLimiterWindow(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		hits:    make(map[string][]time.Time),
		dropped: make(map[string]int),
	}
}

// Key builds the discovery key for a source and address.
func Key(source, address string) string {
	return source + ":" + address
}

// Allow records an update for key at now and reports whether it is within
// the limit.
func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%pruneEvery == 0 {
		l.pruneLocked(now)
	}

	hits := trim(l.hits[key], now.Add(-l.window))
	if len(hits) >= l.limit {
		l.hits[key] = hits
		l.dropped[key]++
		return false
	}
	l.hits[key] = append(hits, now)
	return true
}

// Dropped returns the number of rejected updates per key.
func (l *Limiter) Dropped() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.dropped))
	for k, v := range l.dropped {
		out[k] = v
	}
	return out
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, hits := range l.hits {
		if hits = trim(hits, cutoff); len(hits) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = hits
		}
	}
}

// trim drops timestamps at or before cutoff. hits is in arrival order.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// Kind classifies an anomaly.
type Kind string

const (
	// AddressHopping: one display name seen on too many addresses.
	AddressHopping Kind = "address-hopping"
	// IdentityFlapping: one address announcing too many display names.
	IdentityFlapping Kind = "identity-flapping"
)

// Anomaly is an advisory signal. It never blocks a merge.
type Anomaly struct {
	Kind    Kind     `json:"kind"`
	Subject string   `json:"subject"`
	Values  []string `json:"values"`
}

// Detector defaults.
const (
	DefaultHoppingThreshold  = 3
	DefaultFlappingThreshold = 5
)

// Detector tracks name/address pairings for a session.
type Detector struct {
	mu          sync.Mutex
	hopping     int
	flapping    int
	addrsByName map[string]map[string]struct{}
	namesByAddr map[string]map[string]struct{}
	display     map[string]string
}

// NewDetector flags a name seen on more than hopping distinct addresses and
// an address seen with more than flapping distinct names. Non-positive
// thresholds select the defaults.
func NewDetector(hopping, flapping int) *Detector {
	if hopping <= 0 {
		hopping = DefaultHoppingThreshold
	}
	if flapping <= 0 {
		flapping = DefaultFlappingThreshold
	}
	return &Detector{
		hopping:     hopping,
		flapping:    flapping,
		addrsByName: make(map[string]map[string]struct{}),
		namesByAddr: make(map[string]map[string]struct{}),
		display:     make(map[string]string),
	}
}

// Observe records that address announced name. Names compare
// case-insensitively; empty names and addresses are ignored.
func (d *Detector) Observe(name, address string) {
	name = strings.TrimSpace(name)
	if name == "" || address == "" {
		return
	}
	key := strings.ToLower(name)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.display[key]; !ok {
		d.display[key] = name
	}
	add(d.addrsByName, key, address)
	add(d.namesByAddr, address, key)
}

// Anomalies returns every pattern over threshold, sorted by kind then
// subject.
func (d *Detector) Anomalies() []Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Anomaly
	for key, addrs := range d.addrsByName {
		if len(addrs) > d.hopping {
			out = append(out, Anomaly{Kind: AddressHopping, Subject: d.display[key], Values: sortedKeys(addrs, nil)})
		}
	}
	for addr, names := range d.namesByAddr {
		if len(names) > d.flapping {
			out = append(out, Anomaly{Kind: IdentityFlapping, Subject: addr, Values: sortedKeys(names, d.display)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

func add(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

func sortedKeys(set map[string]struct{}, display map[string]string) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		if display != nil {
			k = display[k]
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
