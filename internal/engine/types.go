package engine

import (
	"errors"
	"time"

	"accessoryscan/internal/device"
	"accessoryscan/internal/score"
)

var (
	// ErrRunInProgress indicates a run is already active on the engine.
	ErrRunInProgress = errors.New("engine: run already in progress")
	// ErrNoSession indicates there is no finished session to act on.
	ErrNoSession = errors.New("engine: no session")
	// ErrInvalidConfig wraps configuration misuse.
	ErrInvalidConfig = errors.New("engine: invalid config")
	// ErrInvalidRequest wraps request misuse.
	ErrInvalidRequest = errors.New("engine: invalid request")
	// ErrUnknownIdentity indicates an identity not present in the session.
	ErrUnknownIdentity = errors.New("engine: unknown identity")
)

// Phase identifies a discovery phase. The zero value is invalid.
type Phase int

const (
	PhaseCache Phase = iota + 1
	PhaseTargeted
	PhaseCommon
	PhaseFull
	PhaseAnnouncements
)

func (p Phase) String() string {
	switch p {
	case PhaseCache:
		return "cache"
	case PhaseTargeted:
		return "targeted"
	case PhaseCommon:
		return "common"
	case PhaseFull:
		return "full"
	case PhaseAnnouncements:
		return "announcements"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase name for JSON output.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// PhaseStatus is how a phase ended.
type PhaseStatus string

const (
	StatusCompleted PhaseStatus = "completed"
	StatusTimedOut  PhaseStatus = "timed-out"
	StatusCancelled PhaseStatus = "cancelled"
	StatusSkipped   PhaseStatus = "skipped"
	StatusFailed    PhaseStatus = "failed"
)

// PhaseReport summarises one phase. A timed-out phase is a partial success.
type PhaseReport struct {
	Phase     Phase         `json:"phase"`
	Status    PhaseStatus   `json:"status"`
	Attempted int           `json:"attempted"`
	Responded int           `json:"responded"`
	Errors    []string      `json:"errors,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Progress is one live progress event.
type Progress struct {
	Phase    Phase   `json:"phase"`
	Fraction float64 `json:"fractionComplete"`
	Devices  int     `json:"deviceCountSoFar"`
}

// ProgressFunc receives progress events. Calls are serialised; the function
// must not block for long.
type ProgressFunc func(Progress)

// AdvisoryKind classifies an advisory.
type AdvisoryKind string

const (
	AdvisoryEvicted          AdvisoryKind = "record-evicted"
	AdvisoryDropped          AdvisoryKind = "record-dropped"
	AdvisoryRateLimited      AdvisoryKind = "rate-limited"
	AdvisoryAddressHopping   AdvisoryKind = "address-hopping"
	AdvisoryIdentityFlapping AdvisoryKind = "identity-flapping"
	AdvisoryPhaseTimeout     AdvisoryKind = "phase-timeout"
	AdvisorySourceFailure    AdvisoryKind = "source-failure"
)

// Advisory is a signal for a human. None of them fail a run.
type Advisory struct {
	Kind    AdvisoryKind `json:"kind"`
	Subject string       `json:"subject"`
	Detail  string       `json:"detail,omitempty"`
	Values  []string     `json:"values,omitempty"`
}

// Entry pairs a record with its assessment.
type Entry struct {
	Device     device.DiscoveredDevice `json:"device"`
	Assessment score.Assessment        `json:"assessment"`
}

// MergeSuggestion names two identities whose display names are near
// duplicates. The engine never merges them on its own; see ConfirmMerge.
type MergeSuggestion struct {
	Keep       string   `json:"keep"`
	Retire     string   `json:"retire"`
	Names      []string `json:"names"`
	Similarity float64  `json:"similarity"`
}

// Result is the outcome of a run, complete or partial.
type Result struct {
	SessionID        string            `json:"sessionId"`
	Devices          []Entry           `json:"devices"`
	Phases           []PhaseReport     `json:"phases"`
	Advisories       []Advisory        `json:"advisories,omitempty"`
	MergeSuggestions []MergeSuggestion `json:"mergeSuggestions,omitempty"`
	Started          time.Time         `json:"started"`
	Finished         time.Time         `json:"finished"`
}

// Complete reports whether every phase that ran finished.
func (r Result) Complete() bool {
	for _, p := range r.Phases {
		if p.Status != StatusCompleted && p.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// Phase returns the report for p.
func (r Result) Phase(p Phase) (PhaseReport, bool) {
	for _, rep := range r.Phases {
		if rep.Phase == p {
			return rep, true
		}
	}
	return PhaseReport{}, false
}
