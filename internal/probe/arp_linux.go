package probe

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/mdlayher/arp"
)

// ARP resolves the hardware address of an on-link IPv4 host. It needs
// CAP_NET_RAW; without it every attempt fails and is recorded as a
// per-attempt error.
type ARP struct{}

// NewARP returns an ARP check.
func NewARP() *ARP { return &ARP{} }

func (*ARP) Name() string { return "arp" }

// Reach sends an ARP request on the interface whose subnet holds address.
func (*ARP) Reach(ctx context.Context, address string) (Reach, error) {
	ip, err := netip.ParseAddr(address)
	if err != nil || !ip.Is4() {
		return Reach{}, ErrNotApplicable
	}
	ifi, ok := interfaceFor(ip)
	if !ok {
		return Reach{}, ErrNotApplicable
	}

	c, err := arp.Dial(ifi)
	if err != nil {
		return Reach{}, err
	}
	defer c.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := c.SetDeadline(deadline); err != nil {
		return Reach{}, err
	}

	hw, err := c.Resolve(ip)
	if err != nil {
		return Reach{}, err
	}
	return Reach{Reachable: true, HardwareAddress: strings.ToUpper(hw.String())}, nil
}

func interfaceFor(ip netip.Addr) (*net.Interface, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, false
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 || len(ifi.HardwareAddr) == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			pfx, err := netip.ParsePrefix(ipnet.String())
			if err != nil {
				continue
			}
			if pfx.Masked().Contains(ip) {
				return ifi, true
			}
		}
	}
	return nil, false
}
