package identify

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
)

// TLSPorts are the ports certificates are read from, in order.
var TLSPorts = []int{443, 8443}

const maxSANs = 3

var errNoCertificate = errors.New("tls: peer sent no certificate")

// TLSCert reads the leaf certificate a host presents. The chain is not
// verified.
type TLSCert struct {
	// Port overrides TLSPorts; tests point it at a local server.
	Port int
}

func (c *TLSCert) ports(host Host) []int {
	candidates := TLSPorts
	if c.Port != 0 {
		candidates = []int{c.Port}
	}
	var out []int
	for _, p := range candidates {
		if host.hasPort(p) {
			out = append(out, p)
		}
	}
	return out
}

// Fetch returns the fields of the certificate served on port.
func (c *TLSCert) Fetch(ctx context.Context, host string, port int) (map[string]string, error) {
	dialer := &tls.Dialer{Config: &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         host,
	}}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errNoCertificate
	}
	cert := state.PeerCertificates[0]

	fields := make(map[string]string, 5)
	if cert.Subject.CommonName != "" {
		fields["cn"] = cert.Subject.CommonName
	}
	if len(cert.Subject.Organization) > 0 {
		fields["org"] = cert.Subject.Organization[0]
	}
	if len(cert.DNSNames) > 0 {
		fields["sans"] = strings.Join(cert.DNSNames[:min(maxSANs, len(cert.DNSNames))], ",")
	}
	if !cert.NotAfter.IsZero() {
		fields["expires"] = cert.NotAfter.Format("2006-01-02")
	}
	if cert.Issuer.CommonName != "" && cert.Issuer.CommonName != cert.Subject.CommonName {
		fields["issuer"] = cert.Issuer.CommonName
	}
	return fields, nil
}

func applyTLS(res *Result, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	if res.Extra == nil {
		res.Extra = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		res.Extra["tls."+k] = v
	}
	if res.Manufacturer == "" && fields["org"] != "" {
		res.Manufacturer = fields["org"]
	}
}
