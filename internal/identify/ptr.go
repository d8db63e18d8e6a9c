package identify

import (
	"context"
	"net"
)

// PTR performs a reverse lookup through the system resolver, which also
// consults /etc/hosts.
type PTR struct {
	Resolver *net.Resolver
}

func (PTR) Name() string { return "dns" }

func (p PTR) Lookup(ctx context.Context, address string) ([]string, error) {
	r := p.Resolver
	if r == nil {
		r = &net.Resolver{PreferGo: false}
	}
	names, err := r.LookupAddr(ctx, address)
	if err != nil {
		return nil, err
	}
	return uniqueNames(names), nil
}
