package identify

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessoryscan/internal/device"
)

type fakeLookup struct {
	name  string
	names []string
	err   error
	port  int
	calls *atomic.Int32
}

func (f fakeLookup) Name() string { return f.name }

func (f fakeLookup) Lookup(context.Context, string) ([]string, error) {
	if f.calls != nil {
		f.calls.Add(1)
	}
	return f.names, f.err
}

type gatedLookup struct{ fakeLookup }

func (g gatedLookup) RequiredPort() int { return g.port }

func TestIdentifyNamePrecedence(t *testing.T) {
	var smbCalls atomic.Int32
	r := NewResolver(
		WithAirPlay(nil),
		WithLookups(
			fakeLookup{name: "netbios", err: errors.New("timeout")},
			fakeLookup{name: "llmnr", names: []string{"", "lamp.local."}},
			gatedLookup{fakeLookup{name: "smb", names: []string{"NAS"}, port: 445, calls: &smbCalls}},
			fakeLookup{name: "dns", names: []string{"lamp.lan."}},
		),
	)

	res := r.Identify(context.Background(), Host{Address: "10.0.0.5"})
	assert.Equal(t, "lamp", res.Name)
	assert.Equal(t, "llmnr", res.NameSource)
	assert.Zero(t, smbCalls.Load(), "smb is skipped without port 445")

	r = NewResolver(
		WithAirPlay(nil),
		WithLookups(
			fakeLookup{name: "netbios"},
			gatedLookup{fakeLookup{name: "smb", names: []string{"NAS"}, port: 445, calls: &smbCalls}},
			fakeLookup{name: "dns", names: []string{"nas.lan"}},
		),
	)
	res = r.Identify(context.Background(), Host{Address: "10.0.0.6", OpenPorts: []device.Port{{Number: 445}}})
	assert.Equal(t, "NAS", res.Name)
	assert.Equal(t, int32(1), smbCalls.Load())
}

func TestIdentifyNothingLearned(t *testing.T) {
	r := NewResolver(WithAirPlay(nil), WithTimeout(50*time.Millisecond), WithLookups(
		fakeLookup{name: "netbios", err: ErrNotApplicable},
	))
	res := r.Identify(context.Background(), Host{Address: "10.0.0.7"})
	assert.True(t, res.IsZero())
}

func TestIdentifyAirPlay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(airPlaySample))
	}))
	defer srv.Close()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	r := NewResolver(WithLookups(), WithAirPlay(&AirPlay{Client: srv.Client(), Port: port}))
	res := r.Identify(context.Background(), Host{Address: host, OpenPorts: []device.Port{{Number: AirPlayPort}}})

	assert.Equal(t, "Living Room", res.Name)
	assert.Equal(t, "airplay", res.NameSource)
	assert.Equal(t, "Apple Inc.", res.Manufacturer)
	assert.Equal(t, "AppleTV6,2", res.Extra["airplay.model"])
}

func TestIdentifyTLSCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	r := NewResolver(WithLookups(), WithAirPlay(nil), WithTLS(&TLSCert{Port: port}))
	res := r.Identify(context.Background(), Host{Address: host})
	assert.True(t, res.IsZero(), "the port must be open")

	res = r.Identify(context.Background(), Host{Address: host, OpenPorts: []device.Port{{Number: port}}})
	assert.Empty(t, res.Name)
	assert.Equal(t, "Acme Co", res.Manufacturer)
	assert.Equal(t, "example.com", res.Extra["tls.sans"])
	assert.NotEmpty(t, res.Extra["tls.expires"])
}

func nodeStatusEntry(name string, suffix byte, flags uint16) []byte {
	entry := make([]byte, netbiosEntrySize)
	copy(entry, []byte(name+"               ")[:netbiosNameSize])
	entry[netbiosNameSize] = suffix
	binary.BigEndian.PutUint16(entry[16:], flags)
	return entry
}

func TestParseNodeStatus(t *testing.T) {
	pkt := []byte{0x82, 0x28, 0x84, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	pkt = append(pkt, nbstatQuery[12:46]...) // echoed name
	pkt = append(pkt, 0x00, 0x21, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x41)
	pkt = append(pkt, 4)
	pkt = append(pkt, nodeStatusEntry("WORKGROUP", 0x00, netbiosGroup|netbiosActive)...)
	pkt = append(pkt, nodeStatusEntry("MEDIABOX", 0x20, netbiosActive)...)
	pkt = append(pkt, nodeStatusEntry("MEDIABOX", 0x00, netbiosActive)...)
	pkt = append(pkt, nodeStatusEntry("STALE", 0x00, 0)...)

	assert.Equal(t, []string{"MEDIABOX"}, parseNodeStatus(pkt))
	assert.Nil(t, parseNodeStatus(pkt[:20]))
	assert.Nil(t, parseNodeStatus(nbstatQuery), "queries are not responses")
}

func TestParsePTRReply(t *testing.T) {
	query := new(dns.Msg)
	query.SetQuestion("5.0.0.10.in-addr.arpa.", dns.TypePTR)

	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Answer = append(reply.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: "5.0.0.10.in-addr.arpa.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 30},
		Ptr: "hue-bridge.local.",
	})
	wire, err := reply.Pack()
	require.NoError(t, err)

	names, err := parsePTRReply(wire, query.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"hue-bridge"}, names)

	_, err = parsePTRReply(wire, query.Id+1)
	assert.ErrorIs(t, err, errNotReply)
}

func TestLLMNRSkipsIPv6(t *testing.T) {
	_, err := LLMNR{}.Lookup(context.Background(), "fe80::1")
	assert.ErrorIs(t, err, ErrNotApplicable)
}
