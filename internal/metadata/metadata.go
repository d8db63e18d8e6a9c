// Package metadata turns announcement TXT records into typed fields.
//
// Everything here handles untrusted network input. Parse never fails: a
// missing field is simply absent, and a field that fails validation is
// dropped from the typed view and named in ServiceMetadata.Invalid.
package metadata

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Family tags the protocol an announcement belongs to.
type Family string

const (
	FamilyUnknown              Family = ""
	FamilyHAP                  Family = "hap"
	FamilyMatter               Family = "matter"
	FamilyMatterCommissionable Family = "matter-commissionable"
	FamilyMASHCommissionable   Family = "mash-commissionable"
	FamilyOther                Family = "other"
)

// familyRank orders families by how much they say about pairing state.
var familyRank = map[Family]int{
	FamilyUnknown:              0,
	FamilyOther:                1,
	FamilyMatter:               2,
	FamilyHAP:                  3,
	FamilyMASHCommissionable:   4,
	FamilyMatterCommissionable: 5,
}

// StatusNotPaired is bit 0 of the pairing status bitfield.
const StatusNotPaired uint8 = 1 << 0

// Validation bounds.
const (
	MinCategory = 1
	MaxCategory = 32

	MinProtocolMajor = 1
	MaxProtocolMajor = 99
	MaxProtocolMinor = 999

	// MaxExtraFields caps how many unmodelled fields are retained per record.
	MaxExtraFields = 64
	// MaxValueLength caps retained value length in bytes.
	MaxValueLength = 255
)

// TXT keys with modelled meaning. Matching is case-insensitive.
const (
	KeyStatusFlags     = "sf"
	KeyCategory        = "ci"
	KeySetupHash       = "sh"
	KeyProtocolVersion = "pv"
	KeyCommissioning   = "cm"
)

// ServiceMetadata is the typed view of one or more announcements.
type ServiceMetadata struct {
	Family       Family   `json:"family,omitempty"`
	ServiceTypes []string `json:"serviceTypes,omitempty"`

	StatusFlags    uint8 `json:"statusFlags"`
	HasStatusFlags bool  `json:"hasStatusFlags"`

	// Category is 0 when absent or outside [MinCategory, MaxCategory].
	Category int `json:"category,omitempty"`

	SetupHashPresent bool   `json:"setupHashPresent"`
	ProtocolVersion  string `json:"protocolVersion,omitempty"`

	Extra   map[string]string `json:"extra,omitempty"`
	Invalid []string          `json:"invalid,omitempty"`
}

// NotPaired reports whether the status bitfield says the accessory is
// waiting to be paired.
func (m ServiceMetadata) NotPaired() bool {
	return m.HasStatusFlags && m.StatusFlags&StatusNotPaired != 0
}

// Paired reports whether the status bitfield says the accessory already
// belongs to a controller. Absence of the bitfield is neither paired nor
// unpaired.
func (m ServiceMetadata) Paired() bool {
	return m.HasStatusFlags && m.StatusFlags&StatusNotPaired == 0
}

// CategoryKnown reports whether a valid category code was seen.
func (m ServiceMetadata) CategoryKnown() bool {
	return m.Category >= MinCategory && m.Category <= MaxCategory
}

// HasServiceType reports whether the service type was announced.
func (m ServiceMetadata) HasServiceType(service string) bool {
	service = NormalizeService(service)
	for _, s := range m.ServiceTypes {
		if s == service {
			return true
		}
	}
	return false
}

// IsZero reports whether nothing at all has been recorded.
func (m ServiceMetadata) IsZero() bool {
	return m.Family == FamilyUnknown && len(m.ServiceTypes) == 0 && !m.HasStatusFlags &&
		m.Category == 0 && !m.SetupHashPresent && m.ProtocolVersion == "" &&
		len(m.Extra) == 0 && len(m.Invalid) == 0
}

// Clone returns a deep copy.
func (m ServiceMetadata) Clone() ServiceMetadata {
	out := m
	if m.ServiceTypes != nil {
		out.ServiceTypes = append([]string(nil), m.ServiceTypes...)
	}
	if m.Invalid != nil {
		out.Invalid = append([]string(nil), m.Invalid...)
	}
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Parse converts raw fields into ServiceMetadata.
func Parse(fields map[string]string) ServiceMetadata {
	var m ServiceMetadata

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var commissioning string
	for _, key := range keys {
		value := truncate(strings.TrimSpace(fields[key]))
		name := strings.ToLower(strings.TrimSpace(key))
		if name == "" {
			continue
		}
		switch name {
		case KeyStatusFlags:
			flags, ok := parseStatusFlags(value)
			if !ok {
				m.markInvalid(name)
				continue
			}
			m.StatusFlags = flags
			m.HasStatusFlags = true
		case KeyCategory:
			n, err := strconv.Atoi(value)
			if err != nil || n < MinCategory || n > MaxCategory {
				m.markInvalid(name)
				continue
			}
			m.Category = n
		case KeySetupHash:
			m.SetupHashPresent = value != ""
		case KeyProtocolVersion:
			pv, ok := parseProtocolVersion(value)
			if !ok {
				m.markInvalid(name)
				continue
			}
			m.ProtocolVersion = pv
		case KeyCommissioning:
			commissioning = value
		default:
			m.addExtra(strings.TrimSpace(key), value)
		}
	}

	// An explicit status bitfield beats the commissioning-mode hint.
	if commissioning != "" && !m.HasStatusFlags {
		n, err := strconv.Atoi(commissioning)
		switch {
		case err != nil || n < 0 || n > 2:
			m.markInvalid(KeyCommissioning)
		case n > 0:
			m.StatusFlags = StatusNotPaired
			m.HasStatusFlags = true
		}
	}

	return m
}

// ParseRecords parses "key=value" TXT strings. A bare "key" is a flag with an
// empty value, matching how DNS-SD encodes boolean attributes.
func ParseRecords(records []string) ServiceMetadata {
	return Parse(RecordsToMap(records))
}

// ParseAnnouncement parses records announced under the given service type
// and tags the result with the service's family.
func ParseAnnouncement(service string, records []string) ServiceMetadata {
	m := ParseRecords(records)
	service = NormalizeService(service)
	if service != "" {
		m.ServiceTypes = []string{service}
		m.Family = FamilyForService(service)
	}
	return m
}

// RecordsToMap splits TXT strings. When a key repeats, the first occurrence
// wins as RFC 6763 section 6.4 requires.
func RecordsToMap(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		key, value, _ := strings.Cut(rec, "=")
		if key == "" {
			continue
		}
		lower := strings.ToLower(key)
		if _, dup := out[lower]; dup {
			continue
		}
		out[lower] = value
	}
	return out
}

// NormalizeService lower-cases a service type and strips the domain and any
// trailing dot, so "_hap._tcp.local." becomes "_hap._tcp".
func NormalizeService(service string) string {
	s := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(service), "."))
	s = strings.TrimSuffix(s, ".local")
	return s
}

// FamilyForService maps a DNS-SD service type to its protocol family.
func FamilyForService(service string) Family {
	s := NormalizeService(service)
	if i := strings.LastIndex(s, "._sub."); i >= 0 {
		s = s[i+len("._sub."):]
	}
	switch s {
	case "":
		return FamilyUnknown
	case "_hap._tcp", "_hap._udp":
		return FamilyHAP
	case "_matterc._udp":
		return FamilyMatterCommissionable
	case "_matter._tcp":
		return FamilyMatter
	case "_mashc._udp":
		return FamilyMASHCommissionable
	default:
		return FamilyOther
	}
}

// Merge folds update into base. Service types, extra fields and invalid
// markers union; scalar fields take the update's value only when the update
// actually carries one, so absence never erases knowledge.
func Merge(base, update ServiceMetadata) ServiceMetadata {
	out := base.Clone()

	if familyRank[update.Family] > familyRank[out.Family] {
		out.Family = update.Family
	}
	out.ServiceTypes = unionSorted(out.ServiceTypes, update.ServiceTypes)
	if update.HasStatusFlags {
		out.StatusFlags = update.StatusFlags
		out.HasStatusFlags = true
	}
	if update.CategoryKnown() {
		out.Category = update.Category
	}
	if update.SetupHashPresent {
		out.SetupHashPresent = true
	}
	if update.ProtocolVersion != "" {
		out.ProtocolVersion = update.ProtocolVersion
	}
	keys := make([]string, 0, len(update.Extra))
	for k := range update.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.addExtra(k, update.Extra[k])
	}
	out.Invalid = unionSorted(out.Invalid, update.Invalid)
	return out
}

func (m *ServiceMetadata) addExtra(key, value string) {
	if key == "" {
		return
	}
	if m.Extra == nil {
		m.Extra = make(map[string]string)
	}
	if _, exists := m.Extra[key]; !exists && len(m.Extra) >= MaxExtraFields {
		return
	}
	m.Extra[key] = truncate(value)
}

func (m *ServiceMetadata) markInvalid(key string) {
	m.Invalid = unionSorted(m.Invalid, []string{key})
}

func parseStatusFlags(value string) (uint8, bool) {
	base := 10
	digits := value
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		base = 16
		digits = digits[2:]
	}
	n, err := strconv.ParseUint(digits, base, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}

func parseProtocolVersion(value string) (string, bool) {
	majorStr, minorStr, hasMinor := strings.Cut(value, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < MinProtocolMajor || major > MaxProtocolMajor {
		return "", false
	}
	if !hasMinor {
		return strconv.Itoa(major) + ".0", true
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil || minor < 0 || minor > MaxProtocolMinor {
		return "", false
	}
	return strconv.Itoa(major) + "." + strconv.Itoa(minor), true
}

func truncate(s string) string {
	if len(s) <= MaxValueLength {
		return s
	}
	n := MaxValueLength
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func unionSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
