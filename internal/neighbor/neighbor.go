// Package neighbor reads the operating system's neighbour (ARP) cache
// without generating any traffic.
package neighbor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// ErrUnavailable is returned when no source could read the cache.
var ErrUnavailable = errors.New("neighbor: cache unavailable")

var (
	macPattern        = regexp.MustCompile(`(?i)\b([0-9a-f]{1,2}[:-]){5}[0-9a-f]{1,2}\b`)
	ipv4Pattern       = regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Entry is one resolved neighbour.
type Entry struct {
	NetworkAddress  string
	HardwareAddress string
	Interface       string
}

// Source yields cache entries.
type Source interface {
	Name() string
	Entries(ctx context.Context) ([]Entry, error)
}

// Reader tries each source in order and returns the first successful read.
type Reader struct {
	sources []Source
	logger  *zap.Logger
}

// NewReader returns a Reader over the given sources, or over the platform
// defaults when none are given.
func NewReader(logger *zap.Logger, sources ...Source) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	return &Reader{sources: sources, logger: logger}
}

// DefaultSources returns /proc/net/arp on Linux followed by the arp command.
func DefaultSources() []Source {
	var out []Source
	if runtime.GOOS == "linux" {
		out = append(out, ProcFile{Path: "/proc/net/arp"})
	}
	return append(out, Command{})
}

// Read returns the distinct entries of the first source that succeeds.
func (r *Reader) Read(ctx context.Context) ([]Entry, error) {
	var errs []error
	for _, src := range r.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := src.Entries(ctx)
		if err != nil {
			r.logger.Debug("neighbour source failed", zap.String("source", src.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		entries = dedupe(entries)
		r.logger.Debug("neighbour cache read", zap.String("source", src.Name()), zap.Int("entries", len(entries)))
		return entries, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

// ProcFile reads the Linux /proc/net/arp table.
type ProcFile struct {
	Path string
}

func (p ProcFile) Name() string { return "proc" }

func (p ProcFile) Entries(context.Context) ([]Entry, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseProc(f)
}

// ParseProc parses the /proc/net/arp format:
//
//	IP address  HW type  Flags  HW address  Mask  Device
func ParseProc(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := whitespacePattern.Split(strings.TrimSpace(sc.Text()), -1)
		if len(fields) < 4 || net.ParseIP(fields[0]) == nil {
			continue
		}
		// Flags 0x0 marks an incomplete entry.
		if fields[2] == "0x0" {
			continue
		}
		mac := normaliseMAC(fields[3])
		if mac == "" {
			continue
		}
		e := Entry{NetworkAddress: fields[0], HardwareAddress: mac}
		if len(fields) >= 6 {
			e.Interface = fields[5]
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Command runs the platform arp tool.
type Command struct {
	Run Runner
}

func (Command) Name() string { return "arp" }

func (c Command) Entries(ctx context.Context) ([]Entry, error) {
	run := c.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	args := []string{"-an"}
	if runtime.GOOS == "windows" {
		args = []string{"-a"}
	}
	out, err := run(ctx, "arp", args...)
	if err != nil {
		return nil, err
	}
	return ParseCommand(out), nil
}

// ParseCommand extracts entries from BSD, Linux or Windows arp output. Lines
// without both an IPv4 address and a hardware address are skipped.
func ParseCommand(output []byte) []Entry {
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		ip := ipv4Pattern.FindString(line)
		if ip == "" || net.ParseIP(ip) == nil {
			continue
		}
		mac := normaliseMAC(macPattern.FindString(line))
		if mac == "" {
			continue
		}
		e := Entry{NetworkAddress: ip, HardwareAddress: mac}
		if _, rest, ok := strings.Cut(line, " on "); ok {
			if f := strings.Fields(rest); len(f) > 0 {
				e.Interface = f[0]
			}
		}
		out = append(out, e)
	}
	return out
}

func dedupe(entries []Entry) []Entry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.NetworkAddress]; ok {
			continue
		}
		seen[e.NetworkAddress] = struct{}{}
		out = append(out, e)
	}
	return out
}

// normaliseMAC upper-cases, uses ':' separators and pads single-digit octets
// (macOS prints 0:1f:...). Broadcast, all-zero and multicast addresses are
// rejected.
func normaliseMAC(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = strings.ToUpper(strings.ReplaceAll(raw, "-", ":"))
	parts := strings.Split(raw, ":")
	if len(parts) != 6 {
		return ""
	}
	for i, p := range parts {
		switch len(p) {
		case 1:
			parts[i] = "0" + p
		case 2:
		default:
			return ""
		}
	}
	mac := strings.Join(parts, ":")
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return ""
	}
	if hw[0]&0x01 != 0 || bytes.Equal(hw, make(net.HardwareAddr, 6)) {
		return ""
	}
	return mac
}
