package identify

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
)

var llmnrGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 252), Port: 5355}

// LLMNR asks for the host's PTR name both by multicast and unicast to UDP
// 5355. Replies to the multicast query arrive from the host's unicast
// address, so the socket is left unconnected.
type LLMNR struct{}

func (LLMNR) Name() string { return "llmnr" }

func (LLMNR) Lookup(ctx context.Context, address string) ([]string, error) {
	ip := net.ParseIP(address).To4()
	if ip == nil {
		return nil, ErrNotApplicable
	}
	arpa, err := dns.ReverseAddr(address)
	if err != nil {
		return nil, err
	}

	query := new(dns.Msg)
	query.SetQuestion(arpa, dns.TypePTR)
	query.RecursionDesired = false
	wire, err := query.Pack()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	_, _ = conn.WriteToUDP(wire, llmnrGroup)
	if _, err := conn.WriteToUDP(wire, &net.UDPAddr{IP: ip, Port: 5355}); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !from.IP.Equal(ip) {
			continue
		}
		names, err := parsePTRReply(buf[:n], query.Id)
		if err != nil {
			continue
		}
		return names, nil
	}
}

var errNotReply = errors.New("not a reply to our query")

func parsePTRReply(data []byte, id uint16) ([]string, error) {
	var msg dns.Msg
	if err := msg.Unpack(data); err != nil {
		return nil, err
	}
	if !msg.Response || msg.Id != id {
		return nil, errNotReply
	}
	var names []string
	for _, rr := range msg.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	return uniqueNames(names), nil
}
