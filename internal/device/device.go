// Package device defines the unified record produced by a discovery session
// and the rules for folding a new observation into it.
package device

import (
	"sort"
	"strings"
	"time"

	"accessoryscan/internal/metadata"
)

// Source is a bitset of the discovery phases that contributed to a record.
type Source uint8

const (
	SourceCache Source = 1 << iota
	SourceProbe
	SourceAnnouncement
)

// Has reports whether every bit in f is set.
func (s Source) Has(f Source) bool { return s&f == f && f != 0 }

func (s Source) String() string {
	var parts []string
	if s.Has(SourceCache) {
		parts = append(parts, "cache")
	}
	if s.Has(SourceProbe) {
		parts = append(parts, "probe")
	}
	if s.Has(SourceAnnouncement) {
		parts = append(parts, "announcement")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// MarshalText renders the flags for JSON output.
func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Trust ranks sources for naming fields: cache < probe < announcement.
type Trust int

const (
	TrustNone Trust = iota
	TrustCache
	TrustProbe
	TrustAnnouncement
)

// TrustOf returns the trust rank of the strongest source in s.
func TrustOf(s Source) Trust {
	switch {
	case s.Has(SourceAnnouncement):
		return TrustAnnouncement
	case s.Has(SourceProbe):
		return TrustProbe
	case s.Has(SourceCache):
		return TrustCache
	default:
		return TrustNone
	}
}

// maxAddressHistory bounds how many earlier addresses a record remembers.
const maxAddressHistory = 8

// Port is an open TCP port and the service inferred for it.
type Port struct {
	Number  int    `json:"port"`
	Service string `json:"service,omitempty"`
}

// DiscoveredDevice is the unit of work of a discovery session.
type DiscoveredDevice struct {
	// Identity is the hardware address when known, the network address
	// otherwise.
	Identity          string                   `json:"identity"`
	NetworkAddress    string                   `json:"networkAddress"`
	PreviousAddresses []string                 `json:"previousAddresses,omitempty"`
	HardwareAddress   string                   `json:"hardwareAddress,omitempty"`
	DisplayName       string                   `json:"displayName,omitempty"`
	Manufacturer      string                   `json:"manufacturer,omitempty"`
	Metadata          metadata.ServiceMetadata `json:"serviceMetadata"`
	OpenPorts         []Port                   `json:"openPorts,omitempty"`
	// Reachable is set when a lower-level reachability probe (ICMP, ARP)
	// succeeded, independent of open ports.
	Reachable bool      `json:"reachable"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Sources   Source    `json:"sourceFlags"`

	NameTrust         Trust `json:"-"`
	ManufacturerTrust Trust `json:"-"`
}

// Candidate is one observation emitted by a discovery source.
type Candidate struct {
	Source          Source
	NetworkAddress  string
	HardwareAddress string
	DisplayName     string
	Manufacturer    string
	Metadata        metadata.ServiceMetadata
	OpenPorts       []Port
	Reachable       bool
	SeenAt          time.Time

	// Trust overrides the rank derived from Source when non-zero.
	Trust Trust
}

// Identity returns the key the candidate would be stored under.
func (c Candidate) Identity() string {
	if hw := NormalizeHardwareAddress(c.HardwareAddress); hw != "" {
		return hw
	}
	return c.NetworkAddress
}

func (c Candidate) trust() Trust {
	if c.Trust != TrustNone {
		return c.Trust
	}
	return TrustOf(c.Source)
}

// New creates a record from its first observation.
func New(c Candidate) DiscoveredDevice {
	d := DiscoveredDevice{
		Identity:        c.Identity(),
		NetworkAddress:  c.NetworkAddress,
		HardwareAddress: NormalizeHardwareAddress(c.HardwareAddress),
		FirstSeen:       c.SeenAt,
		LastSeen:        c.SeenAt,
	}
	return Merge(d, c)
}

// Merge folds c into d and returns the updated record. d is not modified.
//
// Display name and manufacturer take the candidate's non-empty value only
// when its trust is at least the trust of the current value. Open ports and
// service metadata always union. The hardware address is never cleared and
// FirstSeen never changes.
func Merge(d DiscoveredDevice, c Candidate) DiscoveredDevice {
	out := d.Clone()
	trust := c.trust()

	if out.HardwareAddress == "" {
		out.HardwareAddress = NormalizeHardwareAddress(c.HardwareAddress)
	}
	if c.NetworkAddress != "" && c.NetworkAddress != out.NetworkAddress {
		if out.NetworkAddress == "" || !c.SeenAt.Before(out.LastSeen) {
			out.rememberAddress(out.NetworkAddress)
			out.NetworkAddress = c.NetworkAddress
			out.forgetAddress(c.NetworkAddress)
		} else {
			out.rememberAddress(c.NetworkAddress)
		}
	}
	if name := strings.TrimSpace(c.DisplayName); name != "" && trust >= out.NameTrust {
		out.DisplayName = name
		out.NameTrust = trust
	}
	if m := strings.TrimSpace(c.Manufacturer); m != "" && trust >= out.ManufacturerTrust {
		out.Manufacturer = m
		out.ManufacturerTrust = trust
	}
	out.OpenPorts = UnionPorts(out.OpenPorts, c.OpenPorts)
	out.Metadata = metadata.Merge(out.Metadata, c.Metadata)
	out.Reachable = out.Reachable || c.Reachable
	out.Sources |= c.Source
	if c.SeenAt.After(out.LastSeen) {
		out.LastSeen = c.SeenAt
	}
	return out
}

// Absorb folds every observation recorded in other into keep. keep's
// identity and FirstSeen survive. other's address becomes current only when
// other was seen more recently; otherwise it joins the history. On equal
// trust keep's name and manufacturer win.
func Absorb(keep, other DiscoveredDevice) DiscoveredDevice {
	addr := other.NetworkAddress
	if !other.LastSeen.After(keep.LastSeen) {
		addr = ""
	}
	merged := Merge(keep, Candidate{
		Source:          other.Sources,
		NetworkAddress:  addr,
		HardwareAddress: other.HardwareAddress,
		Metadata:        other.Metadata,
		OpenPorts:       other.OpenPorts,
		Reachable:       other.Reachable,
		SeenAt:          other.LastSeen,
	})
	if other.DisplayName != "" && other.NameTrust > merged.NameTrust {
		merged.DisplayName = other.DisplayName
		merged.NameTrust = other.NameTrust
	}
	if other.Manufacturer != "" && other.ManufacturerTrust > merged.ManufacturerTrust {
		merged.Manufacturer = other.Manufacturer
		merged.ManufacturerTrust = other.ManufacturerTrust
	}
	merged.rememberAddress(other.NetworkAddress)
	for _, addr := range other.PreviousAddresses {
		merged.rememberAddress(addr)
	}
	return merged
}

// Clone returns a deep copy.
func (d DiscoveredDevice) Clone() DiscoveredDevice {
	out := d
	if d.PreviousAddresses != nil {
		out.PreviousAddresses = append([]string(nil), d.PreviousAddresses...)
	}
	if d.OpenPorts != nil {
		out.OpenPorts = append([]Port(nil), d.OpenPorts...)
	}
	out.Metadata = d.Metadata.Clone()
	return out
}

// HasPort reports whether the port was found open.
func (d DiscoveredDevice) HasPort(port int) bool {
	for _, p := range d.OpenPorts {
		if p.Number == port {
			return true
		}
	}
	return false
}

func (d *DiscoveredDevice) rememberAddress(addr string) {
	if addr == "" || addr == d.NetworkAddress {
		return
	}
	for _, a := range d.PreviousAddresses {
		if a == addr {
			return
		}
	}
	d.PreviousAddresses = append(d.PreviousAddresses, addr)
	if len(d.PreviousAddresses) > maxAddressHistory {
		d.PreviousAddresses = d.PreviousAddresses[len(d.PreviousAddresses)-maxAddressHistory:]
	}
}

func (d *DiscoveredDevice) forgetAddress(addr string) {
	for i, a := range d.PreviousAddresses {
		if a == addr {
			d.PreviousAddresses = append(d.PreviousAddresses[:i:i], d.PreviousAddresses[i+1:]...)
			return
		}
	}
}

// UnionPorts returns the sorted union of a and b. A named service beats an
// unnamed entry for the same port.
func UnionPorts(a, b []Port) []Port {
	if len(b) == 0 {
		return a
	}
	byNumber := make(map[int]Port, len(a)+len(b))
	for _, list := range [][]Port{a, b} {
		for _, p := range list {
			if existing, ok := byNumber[p.Number]; ok && existing.Service != "" {
				continue
			}
			byNumber[p.Number] = p
		}
	}
	out := make([]Port, 0, len(byNumber))
	for _, p := range byNumber {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// NormalizeHardwareAddress upper-cases a MAC and uses ':' separators. The
// all-zero address, which neighbour caches use for incomplete entries, is
// treated as absent.
func NormalizeHardwareAddress(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	mac = strings.ReplaceAll(mac, "-", ":")
	if mac == "" || strings.Trim(mac, "0:") == "" {
		return ""
	}
	return mac
}
