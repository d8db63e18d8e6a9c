package announce

import (
	"context"
	"errors"
	"sync"
)

// Multi browses every source concurrently. It fails only when all of them
// fail.
func Multi(sources ...Source) Source { return multi(sources) }

type multi []Source

func (m multi) Browse(ctx context.Context, services []string, emit func(Entry)) error {
	errs := make([]error, len(m))
	var wg sync.WaitGroup
	for i, src := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = src.Browse(ctx, services, emit)
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if len(m) > 0 && failed == len(m) {
		return errors.Join(errs...)
	}
	return nil
}
