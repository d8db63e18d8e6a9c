package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"accessoryscan/internal/device"
	"accessoryscan/internal/identify"
	"accessoryscan/internal/metadata"
	"accessoryscan/internal/probe"
)

// enrich resolves names for the hosts a probe phase found alive. ctx is the
// phase context: once it ends no new lookup is admitted, and lookups in flight
// run to their own timeout.
func (e *Engine) enrich(ctx context.Context, s *session, hosts []probe.HostResult) {
	if e.identifier == nil || len(hosts) == 0 {
		return
	}

	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrency))
	lookupCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i, h := range hosts {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			e.logger.Debug("name lookups stopped",
				zap.Int("started", i),
				zap.Int("remaining", len(hosts)-i),
				zap.Error(err))
			break
		}
		s.beginProbe(h.Address)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer s.endProbe(h.Address)
			lctx, cancel := context.WithTimeout(lookupCtx, e.cfg.NameLookupTimeout)
			defer cancel()

			res := e.identifier.Identify(lctx, identify.Host{Address: h.Address, OpenPorts: h.OpenPorts})
			if res.IsZero() {
				return
			}
			e.logger.Debug("host identified",
				zap.String("address", h.Address),
				zap.String("name", res.Name),
				zap.String("source", res.NameSource))
			s.merge(device.Candidate{
				Source:          device.SourceProbe,
				NetworkAddress:  h.Address,
				HardwareAddress: h.HardwareAddress,
				DisplayName:     res.Name,
				Manufacturer:    res.Manufacturer,
				Metadata:        metadata.ServiceMetadata{Extra: res.Extra},
				SeenAt:          e.now(),
			})
		}()
	}
	wg.Wait()
}
