package engine

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// maxTargets caps the address space of one run (a /16).
const maxTargets = 1 << 16

// ParseOctetRange parses "from-to" or a single host number.
func ParseOctetRange(s string) (OctetRange, error) {
	fromStr, toStr, isRange := strings.Cut(strings.TrimSpace(s), "-")
	if !isRange {
		toStr = fromStr
	}
	from, err := strconv.Atoi(strings.TrimSpace(fromStr))
	if err != nil {
		return OctetRange{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	to, err := strconv.Atoi(strings.TrimSpace(toStr))
	if err != nil {
		return OctetRange{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	r := OctetRange{From: from, To: to}
	if r.From < 0 || r.To > 255 || r.From > r.To {
		return OctetRange{}, fmt.Errorf("invalid range %q: outside 0-255", s)
	}
	return r, nil
}

// resolveTargets expands IPv4 addresses and CIDR blocks, in order and
// without duplicates. Network and broadcast addresses of blocks larger than
// /31 are skipped.
func resolveTargets(inputs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var targets []string
	add := func(ip string) error {
		if _, ok := seen[ip]; ok {
			return nil
		}
		if len(targets) >= maxTargets {
			return fmt.Errorf("more than %d targets", maxTargets)
		}
		seen[ip] = struct{}{}
		targets = append(targets, ip)
		return nil
	}

	for _, raw := range inputs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if ip := net.ParseIP(raw); ip != nil {
			ipv4 := ip.To4()
			if ipv4 == nil {
				return nil, fmt.Errorf("only IPv4 addresses are supported: %s", raw)
			}
			if err := add(ipv4.String()); err != nil {
				return nil, err
			}
			continue
		}

		ip, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid target: %w", err)
		}
		if ip.To4() == nil {
			return nil, fmt.Errorf("only IPv4 CIDR ranges are supported: %s", raw)
		}
		ones, bits := ipNet.Mask.Size()
		if bits-ones > 16 {
			return nil, fmt.Errorf("target %s is larger than a /16", raw)
		}
		first := ipNet.IP.To4()
		last := broadcast(ipNet)
		for current := cloneIP(first); ipNet.Contains(current); incrementIP(current) {
			if ones < 31 && (current.Equal(first) || current.Equal(last)) {
				continue
			}
			if err := add(current.String()); err != nil {
				return nil, err
			}
		}
	}
	return targets, nil
}

// partition splits space into the addresses whose last octet falls in one
// of ranges and the rest. Addresses in skip are dropped from both.
func partition(space []string, ranges []OctetRange, skip map[string]struct{}) (common, rest []string) {
	for _, addr := range space {
		if _, ok := skip[addr]; ok {
			continue
		}
		ip := net.ParseIP(addr).To4()
		if ip != nil && inRanges(int(ip[3]), ranges) {
			common = append(common, addr)
		} else {
			rest = append(rest, addr)
		}
	}
	return common, rest
}

func inRanges(octet int, ranges []OctetRange) bool {
	for _, r := range ranges {
		if r.Contains(octet) {
			return true
		}
	}
	return false
}

func broadcast(n *net.IPNet) net.IP {
	ip := cloneIP(n.IP.To4())
	for i := range ip {
		ip[i] |= ^n.Mask[len(n.Mask)-len(ip)+i]
	}
	return ip
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] != 0 {
			break
		}
	}
}
