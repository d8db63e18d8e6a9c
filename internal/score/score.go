// Package score rates how likely a discovered device is an accessory that
// still waits to be paired, as opposed to one the user already owns.
//
// Scoring is an ordered list of rules. Each rule that fires contributes a
// weighted reason; the sum is clamped to [0, 100]. Assess is pure.
package score

import (
	"fmt"
	"strings"

	"accessoryscan/internal/device"
	"accessoryscan/internal/fuzzy"
	"accessoryscan/internal/metadata"
)

// Classification buckets a score.
type Classification string

const (
	DefiniteMatch Classification = "definite-match"
	LikelyMatch   Classification = "likely-match"
	PossibleMatch Classification = "possible-match"
	LikelyKnown   Classification = "likely-known"
	Unknown       Classification = "unknown"
)

// Score bounds and classification thresholds.
const (
	MinScore = 0
	MaxScore = 100

	DefiniteThreshold = 70
	LikelyThreshold   = 40
	PossibleThreshold = 20
)

// Roster similarity bands.
const (
	StrongSimilarity = 0.85
	WeakSimilarity   = 0.60
)

// Reason is one weighted contribution, in the order applied.
type Reason struct {
	Weight      int    `json:"weight"`
	Description string `json:"description"`
}

// Assessment is derived from a record and never mutates it.
type Assessment struct {
	Score          int            `json:"score"`
	Reasons        []Reason       `json:"reasons"`
	Classification Classification `json:"classification"`
}

// RosterMatch is the best match of a device against the known-names roster.
// Applicable is false when the roster is empty or there is nothing to
// compare.
type RosterMatch struct {
	Name       string
	Similarity float64
	Applicable bool
}

// MatchRoster compares the display name by normalised edit distance and the
// identifiers (identity, hardware and network address) by exact,
// case-insensitive equality.
func MatchRoster(d device.DiscoveredDevice, roster []string) RosterMatch {
	if len(roster) == 0 {
		return RosterMatch{}
	}
	for _, id := range []string{d.Identity, d.HardwareAddress, d.NetworkAddress} {
		if id == "" {
			continue
		}
		for _, known := range roster {
			if strings.EqualFold(strings.TrimSpace(known), id) {
				return RosterMatch{Name: known, Similarity: 1, Applicable: true}
			}
		}
	}
	if strings.TrimSpace(d.DisplayName) == "" {
		return RosterMatch{}
	}
	sim, name := fuzzy.Best(d.DisplayName, roster)
	return RosterMatch{Name: name, Similarity: sim, Applicable: true}
}

// Input is what a rule sees.
type Input struct {
	Device device.DiscoveredDevice
	Match  RosterMatch
}

// Rule is one scoring signal. Evaluate returns the contribution and whether
// the rule fired. A firing Dominant rule forces the final score to
// MinScore, whatever else fired.
type Rule struct {
	Name     string
	Dominant bool
	Evaluate func(Input) (Reason, bool)
}

// DefaultRules returns the rule set in application order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "not-paired", Evaluate: notPaired},
		{Name: "commissioning-service", Evaluate: commissioningService},
		{Name: "setup-hash", Evaluate: setupHash},
		{Name: "roster-match", Evaluate: rosterMatch},
		{Name: "paired", Dominant: true, Evaluate: paired},
		{Name: "liveness", Evaluate: liveness},
		{Name: "cached", Evaluate: cached},
	}
}

// Scorer applies a fixed rule list.
type Scorer struct {
	rules []Rule
}

// New returns a Scorer over rules, or over DefaultRules when none are given.
func New(rules ...Rule) *Scorer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Scorer{rules: rules}
}

var defaultScorer = New()

// Assess scores d against roster with the default rules.
func Assess(d device.DiscoveredDevice, roster []string) Assessment {
	return defaultScorer.Assess(d, roster)
}

// Assess scores d against roster.
func (s *Scorer) Assess(d device.DiscoveredDevice, roster []string) Assessment {
	in := Input{Device: d, Match: MatchRoster(d, roster)}

	var (
		a         Assessment
		total     int
		dominated bool
	)
	for _, rule := range s.rules {
		reason, ok := rule.Evaluate(in)
		if !ok {
			continue
		}
		a.Reasons = append(a.Reasons, reason)
		total += reason.Weight
		if rule.Dominant {
			dominated = true
		}
	}

	switch {
	case dominated:
		a.Score = MinScore
	case total < MinScore:
		a.Score = MinScore
	case total > MaxScore:
		a.Score = MaxScore
	default:
		a.Score = total
	}
	a.Classification = classify(a.Score, d.Metadata.Paired())
	return a
}

func classify(score int, isPaired bool) Classification {
	switch {
	case score >= DefiniteThreshold:
		return DefiniteMatch
	case score >= LikelyThreshold:
		return LikelyMatch
	case score >= PossibleThreshold:
		return PossibleMatch
	case isPaired:
		return LikelyKnown
	default:
		return Unknown
	}
}

func notPaired(in Input) (Reason, bool) {
	if !in.Device.Metadata.NotPaired() {
		return Reason{}, false
	}
	return Reason{Weight: 50, Description: "status flags report not paired"}, true
}

// commissioningServices are announced only while a device accepts a new
// controller.
var commissioningServices = map[metadata.Family]string{
	metadata.FamilyMatterCommissionable: "Matter commissionable",
	metadata.FamilyMASHCommissionable:   "MASH commissionable",
}

func commissioningService(in Input) (Reason, bool) {
	for _, svc := range in.Device.Metadata.ServiceTypes {
		if label, ok := commissioningServices[metadata.FamilyForService(svc)]; ok {
			return Reason{Weight: 45, Description: fmt.Sprintf("announces %s service %s", label, svc)}, true
		}
	}
	return Reason{}, false
}

func setupHash(in Input) (Reason, bool) {
	if !in.Device.Metadata.SetupHashPresent {
		return Reason{}, false
	}
	return Reason{Weight: 35, Description: "setup hash present"}, true
}

func rosterMatch(in Input) (Reason, bool) {
	m := in.Match
	if !m.Applicable {
		return Reason{}, false
	}
	switch {
	case m.Similarity > StrongSimilarity:
		return Reason{Weight: -40, Description: fmt.Sprintf("matches known device %q (similarity %.2f)", m.Name, m.Similarity)}, true
	case m.Similarity > WeakSimilarity:
		return Reason{Weight: -20, Description: fmt.Sprintf("resembles known device %q (similarity %.2f)", m.Name, m.Similarity)}, true
	default:
		return Reason{Weight: 25, Description: fmt.Sprintf("no known device resembles it (best similarity %.2f)", m.Similarity)}, true
	}
}

func paired(in Input) (Reason, bool) {
	if !in.Device.Metadata.Paired() {
		return Reason{}, false
	}
	return Reason{Weight: -50, Description: "status flags report already paired; overrides other signals"}, true
}

// liveness keeps the kinds of probe evidence apart in the audit trail
// without weighting them.
func liveness(in Input) (Reason, bool) {
	d := in.Device
	switch {
	case len(d.OpenPorts) > 0:
		return Reason{Description: fmt.Sprintf("%d open TCP port(s)", len(d.OpenPorts))}, true
	case d.Reachable:
		return Reason{Description: "reachable with no open probed port"}, true
	default:
		return Reason{}, false
	}
}

func cached(in Input) (Reason, bool) {
	if !in.Device.Sources.Has(device.SourceCache) {
		return Reason{}, false
	}
	return Reason{Description: "present in neighbour cache"}, true
}
