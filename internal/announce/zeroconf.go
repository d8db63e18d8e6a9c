package announce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// Zeroconf browses mDNS/DNS-SD through grandcat/zeroconf.
type Zeroconf struct {
	Domain string
	Logger *zap.Logger
}

// Browse starts one resolver per service type and forwards every entry to
// emit until ctx is done. A resolver multiplexes a single socket pair, so
// sharing one across concurrent browses would split its responses.
func (z Zeroconf) Browse(ctx context.Context, services []string, emit func(Entry)) error {
	domain := z.Domain
	if domain == "" {
		domain = "local."
	}
	logger := z.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	started := 0
	for _, service := range services {
		resolver, err := zeroconf.NewResolver()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", service, err))
			continue
		}

		entries := make(chan *zeroconf.ServiceEntry, 16)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range entries {
				if entry == nil {
					continue
				}
				e := fromServiceEntry(entry)
				mu.Lock()
				emit(e)
				mu.Unlock()
			}
		}()

		if err := resolver.Browse(ctx, service, domain, entries); err != nil {
			logger.Debug("mdns browse failed", zap.String("service", service), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", service, err))
			continue
		}
		started++
	}

	<-ctx.Done()
	wg.Wait()

	if started == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func fromServiceEntry(entry *zeroconf.ServiceEntry) Entry {
	e := Entry{
		Instance: entry.Instance,
		Service:  entry.Service,
		HostName: entry.HostName,
		Port:     entry.Port,
		Text:     append([]string(nil), entry.Text...),
	}
	for _, ip := range entry.AddrIPv4 {
		e.Addresses = append(e.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		e.Addresses = append(e.Addresses, ip.String())
	}
	return e
}
