package announce

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SSDPService is the service type SSDP responses are reported under.
const SSDPService = "_ssdp._udp"

const (
	ssdpGroup    = "239.255.255.250:1900"
	ssdpInterval = 3 * time.Second
	ssdpMaxReply = 2048
)

// SSDP searches for UPnP devices with M-SEARCH and reports each responding
// address once per browse.
type SSDP struct {
	// Group overrides the multicast destination; tests point it at a local
	// responder.
	Group string
	// Interval between searches. Zero means every three seconds.
	Interval time.Duration
	Logger   *zap.Logger
}

func searchMessage(group string) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + group + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 1\r\n" +
		"ST: ssdp:all\r\n" +
		"\r\n")
}

// Browse ignores the DNS-SD service list; SSDP has a single search target.
func (s SSDP) Browse(ctx context.Context, _ []string, emit func(Entry)) error {
	group := s.Group
	if group == "" {
		group = ssdpGroup
	}
	interval := s.Interval
	if interval <= 0 {
		interval = ssdpInterval
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dst, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return fmt.Errorf("ssdp: %w", err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("ssdp: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	msg := searchMessage(group)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := conn.WriteToUDP(msg, dst); err != nil && ctx.Err() == nil {
				logger.Debug("ssdp search failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	seen := make(map[string]struct{})
	buf := make([]byte, ssdpMaxReply)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ssdp: %w", err)
		}
		e, ok := parseSSDPResponse(buf[:n], from.IP)
		if !ok {
			continue
		}
		if _, dup := seen[e.Addresses[0]]; dup {
			continue
		}
		seen[e.Addresses[0]] = struct{}{}
		emit(e)
	}
}

// parseSSDPResponse reads a unicast M-SEARCH reply. It reports false for
// anything that is not a 200 response.
func parseSSDPResponse(data []byte, from net.IP) (Entry, bool) {
	if from == nil || from.To4() == nil {
		return Entry{}, false
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return Entry{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Entry{}, false
	}

	e := Entry{
		Service:   SSDPService,
		Addresses: []string{from.To4().String()},
	}
	for _, key := range []string{"Server", "St", "Usn", "Location"} {
		if v := strings.TrimSpace(resp.Header.Get(key)); v != "" {
			e.Text = append(e.Text, strings.ToLower(key)+"="+v)
		}
	}
	return e, true
}
