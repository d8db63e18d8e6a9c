package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"accessoryscan/internal/device"
)

type fakeDialer struct {
	mu   sync.Mutex
	open map[string][]int
	dead map[string]bool

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, _ := strconv.Atoi(portStr)

	f.mu.Lock()
	dead := f.dead[host]
	open := f.open[host]
	f.mu.Unlock()

	if dead {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, p := range open {
		if p == port {
			client, server := net.Pipe()
			_ = server.Close()
			return client, nil
		}
	}
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

type fakeReach struct {
	name  string
	reach map[string]Reach
	err   error
}

func (f fakeReach) Name() string { return f.name }

func (f fakeReach) Reach(_ context.Context, address string) (Reach, error) {
	if f.err != nil {
		return Reach{}, f.err
	}
	r, ok := f.reach[address]
	if !ok {
		return Reach{}, errors.New("no reply")
	}
	return r, nil
}

func TestValidateRejectsMisuse(t *testing.T) {
	base := Request{Addresses: []string{"10.0.0.1"}, Ports: []int{80}, PerAttemptTimeout: time.Second, MaxConcurrency: 4}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"zero concurrency", func(r *Request) { r.MaxConcurrency = 0 }},
		{"negative timeout", func(r *Request) { r.PerAttemptTimeout = -time.Second }},
		{"port too high", func(r *Request) { r.Ports = []int{65536} }},
		{"port zero", func(r *Request) { r.Ports = []int{0} }},
		{"bad address", func(r *Request) { r.Addresses = []string{"lamp.local"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			p := New(WithDialer(&fakeDialer{}), WithReachability())
			_, err := p.Probe(context.Background(), req, Hooks{})
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestProbeReportsEveryAddress(t *testing.T) {
	dialer := &fakeDialer{
		open: map[string][]int{"10.0.0.2": {80, 51826}},
		dead: map[string]bool{"10.0.0.4": true},
	}
	p := New(WithDialer(dialer), WithReachability(), WithLogger(zaptest.NewLogger(t)))

	results, err := p.Probe(context.Background(), Request{
		Addresses:         []string{"10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.2"},
		Ports:             []int{80, 443, 51826},
		PerAttemptTimeout: 100 * time.Millisecond,
		MaxConcurrency:    4,
	}, Hooks{})
	require.NoError(t, err)
	require.Len(t, results, 3, "duplicate addresses are probed once")

	open := results[0]
	assert.Equal(t, OutcomeResponded, open.Outcome)
	assert.Equal(t, []device.Port{{Number: 80, Service: "HTTP"}, {Number: 51826, Service: "HomeKit HAP"}}, open.OpenPorts)

	refused := results[1]
	assert.Equal(t, OutcomeResponded, refused.Outcome, "a reset proves the host is up")
	assert.Empty(t, refused.OpenPorts)
	assert.True(t, refused.Reachable)

	dead := results[2]
	assert.Equal(t, OutcomeTimeout, dead.Outcome)
	assert.False(t, dead.Alive())
	assert.NotEmpty(t, dead.Errors)
}

func TestProbeReachabilityWithoutOpenPorts(t *testing.T) {
	dialer := &fakeDialer{dead: map[string]bool{"10.0.0.7": true, "10.0.0.8": true}}
	p := New(WithDialer(dialer), WithReachability(
		fakeReach{name: "icmp", reach: map[string]Reach{"10.0.0.7": {Reachable: true}}},
		fakeReach{name: "arp", err: ErrNotApplicable},
		fakeReach{name: "arp2", reach: map[string]Reach{"10.0.0.7": {Reachable: true, HardwareAddress: "AA:BB:CC:00:11:22"}}},
	))

	results, err := p.Probe(context.Background(), Request{
		Addresses:         []string{"10.0.0.7", "10.0.0.8"},
		Ports:             []int{80},
		PerAttemptTimeout: 50 * time.Millisecond,
		MaxConcurrency:    2,
	}, Hooks{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeResponded, results[0].Outcome)
	assert.True(t, results[0].Reachable)
	assert.Empty(t, results[0].OpenPorts)
	assert.Equal(t, "AA:BB:CC:00:11:22", results[0].HardwareAddress)

	assert.Equal(t, OutcomeTimeout, results[1].Outcome)
	for _, err := range results[1].Errors {
		assert.NotErrorIs(t, err, ErrNotApplicable)
	}
}

func TestProbeBoundedParallelism(t *testing.T) {
	const (
		hosts       = 300
		deadHosts   = 50
		concurrency = 10
		timeout     = 300 * time.Millisecond
	)

	dialer := &fakeDialer{open: map[string][]int{}, dead: map[string]bool{}}
	addresses := make([]string, 0, hosts)
	for i := 0; i < hosts; i++ {
		addr := fmt.Sprintf("10.1.%d.%d", i/250, i%250+1)
		addresses = append(addresses, addr)
		if i%(hosts/deadHosts) == 0 {
			dialer.dead[addr] = true
		} else {
			dialer.open[addr] = []int{80}
		}
	}
	require.Len(t, dialer.dead, deadHosts)

	var inFlight, maxInFlight atomic.Int32
	var outcomes sync.Map
	hooks := Hooks{
		OnStart: func(string) {
			n := inFlight.Add(1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
		},
		OnResult: func(r HostResult) {
			inFlight.Add(-1)
			_, loaded := outcomes.LoadOrStore(r.Address, r.Outcome)
			assert.False(t, loaded, "address %s reported twice", r.Address)
		},
	}

	p := New(WithDialer(dialer), WithReachability())
	start := time.Now()
	results, err := p.Probe(context.Background(), Request{
		Addresses:         addresses,
		Ports:             []int{80},
		PerAttemptTimeout: timeout,
		MaxConcurrency:    concurrency,
	}, hooks)
	elapsed := time.Since(start)
	require.NoError(t, err)

	// Serialised this would take 50 * 300ms for the dead hosts alone.
	assert.Less(t, elapsed, 9*time.Second)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(concurrency))
	assert.LessOrEqual(t, dialer.maxActive.Load(), int32(concurrency))

	require.Len(t, results, hosts)
	var responded, timedOut int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeResponded:
			responded++
		case OutcomeTimeout:
			timedOut++
		default:
			t.Fatalf("unexpected outcome %s for %s", r.Outcome, r.Address)
		}
	}
	assert.Equal(t, hosts-deadHosts, responded)
	assert.Equal(t, deadHosts, timedOut)
}

func TestProbeCancellationStopsAdmission(t *testing.T) {
	dialer := &fakeDialer{dead: map[string]bool{}}
	addresses := make([]string, 10)
	for i := range addresses {
		addresses[i] = fmt.Sprintf("10.2.0.%d", i+1)
		dialer.dead[addresses[i]] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int32
	hooks := Hooks{OnStart: func(string) {
		if started.Add(1) == 2 {
			cancel()
		}
	}}

	p := New(WithDialer(dialer), WithReachability())
	results, err := p.Probe(ctx, Request{
		Addresses:         addresses,
		Ports:             []int{80},
		PerAttemptTimeout: 150 * time.Millisecond,
		MaxConcurrency:    2,
	}, hooks)
	require.NoError(t, err)
	require.Len(t, results, len(addresses))

	assert.Equal(t, int32(2), started.Load())
	for i, r := range results {
		if i < 2 {
			assert.Equal(t, OutcomeTimeout, r.Outcome, "admitted attempts run to their own deadline")
			assert.GreaterOrEqual(t, r.Elapsed, 100*time.Millisecond)
			continue
		}
		assert.Equal(t, OutcomeCancelled, r.Outcome)
	}
}

func TestProbeEmptyRequest(t *testing.T) {
	p := New(WithDialer(&fakeDialer{}), WithReachability())
	results, err := p.Probe(context.Background(), Request{PerAttemptTimeout: time.Second, MaxConcurrency: 1}, Hooks{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "HomeKit HAP", ServiceName(51826))
	assert.Equal(t, "Matter", ServiceName(5540))
	assert.Equal(t, "TCP 12345", ServiceName(12345))
}

// filteringDialer drops every attempt silently except those to one port.
type filteringDialer struct{ open int }

func (f filteringDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if port, _ := strconv.Atoi(portStr); port == f.open {
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProbeFilteredPortsDoNotHideLaterOpenPort(t *testing.T) {
	p := New(WithDialer(filteringDialer{open: 5540}), WithReachability())
	const timeout = 100 * time.Millisecond

	start := time.Now()
	results, err := p.Probe(context.Background(), Request{
		Addresses:         []string{"10.0.0.9"},
		Ports:             DefaultPorts,
		PerAttemptTimeout: timeout,
		MaxConcurrency:    1,
	}, Hooks{})
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, OutcomeResponded, res.Outcome)
	require.Len(t, res.OpenPorts, 1)
	assert.Equal(t, 5540, res.OpenPorts[0].Number)
	assert.Len(t, res.Errors, len(DefaultPorts)-1, "every filtered port is reported")
	for _, e := range res.Errors {
		assert.ErrorIs(t, e, context.DeadlineExceeded)
	}

	windows := (len(DefaultPorts) + maxPortFanout - 1) / maxPortFanout
	assert.Less(t, elapsed, time.Duration(windows+2)*timeout)
}
