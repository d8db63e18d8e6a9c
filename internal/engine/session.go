package engine

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"accessoryscan/internal/device"
	"accessoryscan/internal/fuzzy"
	"accessoryscan/internal/ratelimit"
	"accessoryscan/internal/vendor"
)

// mergeSuggestionThreshold is the display-name similarity above which two
// identities are offered to the caller as possibly the same device.
const mergeSuggestionThreshold = 0.85

// session owns the record set of one run. Every write goes through merge,
// which holds mu for its whole duration.
type session struct {
	mu       sync.Mutex
	id       string
	logger   *zap.Logger
	now      func() time.Time
	store    *store
	limiter  *ratelimit.Limiter
	detector *ratelimit.Detector
	seeds    map[string]struct{}

	evicted []string
	dropped []string
	notes   []Advisory
}

func newSession(id string, cfg Config, seeds []string, now func() time.Time, logger *zap.Logger) *session {
	s := &session{
		id:       id,
		logger:   logger,
		now:      now,
		store:    newStore(cfg.MaxRecords),
		limiter:  ratelimit.NewLimiter(cfg.RateLimitPerMinute),
		detector: ratelimit.NewDetector(cfg.HoppingThreshold, cfg.FlappingThreshold),
		seeds:    make(map[string]struct{}, len(seeds)),
	}
	for _, seed := range seeds {
		seed = strings.TrimSpace(seed)
		if _, err := net.ParseMAC(seed); err == nil {
			seed = device.NormalizeHardwareAddress(seed)
		}
		if seed != "" {
			s.seeds[seed] = struct{}{}
		}
	}
	return s
}

// merge folds one candidate into the record set. It reports whether the
// candidate was accepted.
func (s *session) merge(c device.Candidate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.HardwareAddress = device.NormalizeHardwareAddress(c.HardwareAddress)
	hw := c.HardwareAddress
	if hw == "" && c.NetworkAddress == "" {
		return false
	}
	if c.SeenAt.IsZero() {
		c.SeenAt = s.now()
	}

	keyAddr := c.NetworkAddress
	if keyAddr == "" {
		keyAddr = hw
	}
	if !s.limiter.Allow(ratelimit.Key(c.Source.String(), keyAddr), c.SeenAt) {
		return false
	}

	id := c.Identity()
	if hw == "" {
		if owner, ok := s.store.lookup(c.NetworkAddress); ok {
			id = owner
		}
	}
	if s.seeded(id) && c.Trust == device.TrustNone {
		if t := device.TrustOf(c.Source); t < device.TrustAnnouncement {
			c.Trust = t + 1
		}
	}

	existing, ok := s.store.get(id)
	if hw != "" && c.NetworkAddress != "" {
		if owner, found := s.store.lookup(c.NetworkAddress); found && owner != hw {
			if old, _ := s.store.get(owner); old.HardwareAddress == "" {
				s.store.remove(owner)
				if ok {
					existing = device.Absorb(existing, old)
				} else {
					old.Identity = hw
					existing, ok = old, true
				}
				s.logger.Debug("identity migrated", zap.String("from", owner), zap.String("to", hw))
			}
		}
	}

	var rec device.DiscoveredDevice
	if ok {
		rec = device.Merge(existing, c)
	} else {
		rec = device.New(c)
	}
	if rec.Manufacturer == "" && rec.HardwareAddress != "" {
		if m := vendor.Lookup(rec.HardwareAddress); m != "" {
			rec = device.Merge(rec, device.Candidate{Manufacturer: m, Trust: device.TrustCache})
		}
	}

	evicted, dropped := s.store.put(rec)
	if dropped {
		s.dropped = append(s.dropped, rec.Identity)
		s.logger.Warn("record dropped at bound", zap.String("identity", rec.Identity))
		return false
	}
	if evicted != nil {
		s.evicted = append(s.evicted, evicted.Identity)
		s.logger.Debug("record evicted", zap.String("identity", evicted.Identity))
	}
	if c.DisplayName != "" && c.NetworkAddress != "" {
		s.detector.Observe(c.DisplayName, c.NetworkAddress)
	}
	return true
}

func (s *session) seeded(id string) bool {
	_, ok := s.seeds[id]
	return ok
}

func (s *session) beginProbe(address string) {
	s.mu.Lock()
	s.store.beginProbe(address)
	s.mu.Unlock()
}

func (s *session) endProbe(address string) {
	s.mu.Lock()
	s.store.endProbe(address)
	s.mu.Unlock()
}

func (s *session) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.len()
}

// countSources counts records carrying any of the flags in mask.
func (s *session) countSources(mask device.Source) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for el := s.store.order.Front(); el != nil; el = el.Next() {
		if el.Value.(device.DiscoveredDevice).Sources&mask != 0 {
			n++
		}
	}
	return n
}

func (s *session) note(a Advisory) {
	s.mu.Lock()
	s.notes = append(s.notes, a)
	s.mu.Unlock()
}

func (s *session) devices() []device.DiscoveredDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.all()
}

// absorb merges retire into keep and retires the second identity.
func (s *session) absorb(keep, retire string) (device.DiscoveredDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep == retire {
		return device.DiscoveredDevice{}, fmt.Errorf("%w: cannot merge %s into itself", ErrInvalidRequest, keep)
	}
	k, ok := s.store.get(keep)
	if !ok {
		return device.DiscoveredDevice{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, keep)
	}
	r, ok := s.store.get(retire)
	if !ok {
		return device.DiscoveredDevice{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, retire)
	}
	merged := device.Absorb(k, r)
	s.store.remove(retire)
	s.store.put(merged)
	for _, addr := range r.PreviousAddresses {
		s.store.aliases[addr] = keep
	}
	if r.NetworkAddress != "" {
		s.store.aliases[r.NetworkAddress] = keep
	}
	s.logger.Info("identities merged", zap.String("keep", keep), zap.String("retire", retire))
	return merged.Clone(), nil
}

// advisories collects every advisory raised so far, resource and rate
// advisories first.
func (s *session) advisories() []Advisory {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Advisory
	if len(s.evicted) > 0 {
		out = append(out, Advisory{
			Kind:    AdvisoryEvicted,
			Subject: "record bound",
			Detail:  fmt.Sprintf("%d least recently seen records evicted", len(s.evicted)),
			Values:  sortedCopy(s.evicted),
		})
	}
	if len(s.dropped) > 0 {
		out = append(out, Advisory{
			Kind:    AdvisoryDropped,
			Subject: "record bound",
			Detail:  fmt.Sprintf("%d candidates dropped while every record was being probed", len(s.dropped)),
			Values:  sortedCopy(s.dropped),
		})
	}

	dropped := s.limiter.Dropped()
	keys := make([]string, 0, len(dropped))
	for k := range dropped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, Advisory{
			Kind:    AdvisoryRateLimited,
			Subject: k,
			Detail:  fmt.Sprintf("%d updates dropped", dropped[k]),
		})
	}

	for _, a := range s.detector.Anomalies() {
		kind := AdvisoryAddressHopping
		if a.Kind == ratelimit.IdentityFlapping {
			kind = AdvisoryIdentityFlapping
		}
		out = append(out, Advisory{Kind: kind, Subject: a.Subject, Values: a.Values})
	}
	return append(out, s.notes...)
}

// suggestions pairs up identities with near-identical display names.
func suggestions(devices []device.DiscoveredDevice) []MergeSuggestion {
	named := make([]device.DiscoveredDevice, 0, len(devices))
	for _, d := range devices {
		if d.DisplayName != "" {
			named = append(named, d)
		}
	}
	sort.Slice(named, func(i, j int) bool { return named[i].Identity < named[j].Identity })

	var out []MergeSuggestion
	for i := 0; i < len(named); i++ {
		for j := i + 1; j < len(named); j++ {
			sim := fuzzy.Similarity(named[i].DisplayName, named[j].DisplayName)
			if sim <= mergeSuggestionThreshold {
				continue
			}
			keep, retire := named[i], named[j]
			if preferRetire(keep, retire) {
				keep, retire = retire, keep
			}
			out = append(out, MergeSuggestion{
				Keep:       keep.Identity,
				Retire:     retire.Identity,
				Names:      []string{keep.DisplayName, retire.DisplayName},
				Similarity: sim,
			})
		}
	}
	return out
}

// preferRetire reports whether b is the better record to keep: hardware
// identity first, then the earlier FirstSeen.
func preferRetire(a, b device.DiscoveredDevice) bool {
	if (a.HardwareAddress == "") != (b.HardwareAddress == "") {
		return a.HardwareAddress == ""
	}
	return b.FirstSeen.Before(a.FirstSeen)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
