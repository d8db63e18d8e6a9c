package identify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oiweiwei/go-msrpc/dcerpc"
	"github.com/oiweiwei/go-msrpc/msrpc/dtyp"
	srvsvc "github.com/oiweiwei/go-msrpc/msrpc/srvs/srvsvc/v3"
	wkssvc "github.com/oiweiwei/go-msrpc/msrpc/wkst/wkssvc/v1"
	"github.com/oiweiwei/go-msrpc/ssp"
	"github.com/oiweiwei/go-msrpc/ssp/credential"
	"github.com/oiweiwei/go-msrpc/ssp/gssapi"
)

const smbPort = 445

var errEmptySMBName = errors.New("smb: empty computer name")

// SMB asks the workstation service, then the server service, for the
// computer name over an anonymous RPC session on TCP 445. NAS boxes and
// media servers on a home network commonly answer.
type SMB struct {
	Timeout time.Duration
}

func (SMB) Name() string { return "smb" }

// RequiredPort gates the lookup on TCP 445 having been found open.
func (SMB) RequiredPort() int { return smbPort }

func (s SMB) Lookup(ctx context.Context, address string) ([]string, error) {
	var errs []error
	for _, q := range []struct {
		pipe  string
		fetch func(context.Context, dcerpc.Conn) (string, error)
	}{
		{"wkssvc", workstationName},
		{"srvsvc", serverName},
	} {
		name, err := s.query(ctx, address, q.pipe, q.fetch)
		if err == nil {
			return []string{name}, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (s SMB) query(ctx context.Context, address, pipe string, fetch func(context.Context, dcerpc.Conn) (string, error)) (string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	secCtx := gssapi.NewSecurityContext(ctx,
		gssapi.WithCredential(credential.Anonymous()),
		gssapi.WithMechanismFactory(ssp.NTLM),
		gssapi.WithMechanismFactory(ssp.SPNEGO),
	)

	conn, err := dcerpc.Dial(secCtx, address,
		dcerpc.WithEndpoint("ncacn_np:["+pipe+"]"),
		dcerpc.WithTimeout(timeout),
		dcerpc.WithSMBPort(smbPort),
	)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close(secCtx) }()

	name, err := fetch(secCtx, conn)
	if err != nil {
		return "", err
	}
	if name = strings.TrimSpace(strings.Trim(name, "\x00")); name == "" {
		return "", errEmptySMBName
	}
	return name, nil
}

func workstationName(ctx context.Context, conn dcerpc.Conn) (string, error) {
	client, err := wkssvc.NewWkssvcClient(ctx, conn, dcerpc.WithInsecure())
	if err != nil {
		return "", err
	}
	resp, err := client.GetInfo(ctx, &wkssvc.GetInfoRequest{Level: 100})
	if err != nil {
		return "", err
	}
	if resp.WorkstationInfo == nil {
		return "", errors.New("wkssvc: missing workstation info")
	}
	info, ok := resp.WorkstationInfo.GetValue().(*wkssvc.WorkstationInfo100)
	if !ok || info == nil {
		return "", errors.New("wkssvc: unexpected info type")
	}
	return info.ComputerName, nil
}

func serverName(ctx context.Context, conn dcerpc.Conn) (string, error) {
	client, err := srvsvc.NewSrvsvcClient(ctx, conn, dcerpc.WithInsecure())
	if err != nil {
		return "", err
	}
	resp, err := client.GetInfo(ctx, &srvsvc.GetInfoRequest{Level: 100})
	if err != nil {
		return "", err
	}
	if resp.Info == nil {
		return "", errors.New("srvsvc: missing server info")
	}
	info, ok := resp.Info.GetValue().(*dtyp.ServerInfo100)
	if !ok || info == nil {
		return "", errors.New("srvsvc: unexpected info type")
	}
	return info.Name, nil
}
