package identify

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"time"
)

const (
	netbiosPort      = "137"
	netbiosEntrySize = 18
	netbiosNameSize  = 15

	// Name flag bits.
	netbiosGroup  = 0x8000
	netbiosActive = 0x0400
)

// nbstatQuery is a node status request for the wildcard name "*".
var nbstatQuery = []byte{
	0x82, 0x28, // transaction id
	0x00, 0x00, // flags
	0x00, 0x01, // qdcount
	0x00, 0x00,
	0x00, 0x00,
	0x00, 0x00,
	0x20, 'C', 'K', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A',
	'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A',
	0x00,
	0x00, 0x21, // NBSTAT
	0x00, 0x01, // IN
}

// NetBIOS sends a node status request to UDP 137.
type NetBIOS struct{}

func (NetBIOS) Name() string { return "netbios" }

func (NetBIOS) Lookup(ctx context.Context, address string) ([]string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(address, netbiosPort))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(nbstatQuery); err != nil {
		return nil, err
	}
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return parseNodeStatus(buf[:n]), nil
}

// parseNodeStatus returns the active unique workstation (0x00) and server
// (0x20) names of a node status response, workstation names first.
func parseNodeStatus(data []byte) []string {
	if len(data) < 12 || data[2]&0x80 == 0 || binary.BigEndian.Uint16(data[6:8]) == 0 {
		return nil
	}

	off := 12
	if data[off]&0xC0 == 0xC0 {
		off += 2
	} else {
		off += 34
	}
	off += 10 // type, class, ttl, rdlength
	if off >= len(data) {
		return nil
	}
	count := int(data[off])
	off++

	var workstation, server []string
	for i := 0; i < count && off+netbiosEntrySize <= len(data); i++ {
		entry := data[off : off+netbiosEntrySize]
		off += netbiosEntrySize

		name := strings.TrimRight(string(entry[:netbiosNameSize]), " \x00")
		flags := binary.BigEndian.Uint16(entry[16:18])
		if name == "" || flags&netbiosGroup != 0 || flags&netbiosActive == 0 {
			continue
		}
		switch entry[netbiosNameSize] {
		case 0x00:
			workstation = append(workstation, name)
		case 0x20:
			server = append(server, name)
		}
	}
	return uniqueNames(append(workstation, server...))
}
