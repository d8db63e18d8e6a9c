package probe

import (
	"context"
	"errors"
	"runtime"
	"time"

	ping "github.com/go-ping/ping"
)

// ErrNotApplicable is returned by a check that cannot run for an address,
// such as ARP for a host outside every local subnet. It is not recorded as
// an attempt error.
var ErrNotApplicable = errors.New("probe: check not applicable")

var errNoReply = errors.New("no echo reply")

// ICMP sends a single echo request.
type ICMP struct {
	// Privileged selects raw sockets over unprivileged datagram sockets.
	Privileged bool
}

// NewICMP returns an ICMP check. Windows only supports privileged mode.
func NewICMP() *ICMP {
	return &ICMP{Privileged: runtime.GOOS == "windows"}
}

func (*ICMP) Name() string { return "icmp" }

// Reach pings the address once, bounded by ctx's deadline.
func (c *ICMP) Reach(ctx context.Context, address string) (Reach, error) {
	pinger, err := ping.NewPinger(address)
	if err != nil {
		return Reach{}, err
	}
	pinger.SetPrivileged(c.Privileged)
	pinger.Count = 1
	pinger.Timeout = time.Second
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	}
	if pinger.Timeout <= 0 {
		return Reach{}, context.DeadlineExceeded
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- pinger.Run()
	}()

	select {
	case <-ctx.Done():
		pinger.Stop()
		<-errCh
		return Reach{}, ctx.Err()
	case err := <-errCh:
		if err != nil {
			return Reach{}, err
		}
	}

	if stats := pinger.Statistics(); stats == nil || stats.PacketsRecv == 0 {
		return Reach{}, errNoReply
	}
	return Reach{Reachable: true}, nil
}
