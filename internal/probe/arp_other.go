//go:build !linux

package probe

import "context"

// ARP is unavailable outside Linux; the neighbour cache still supplies
// hardware addresses there.
type ARP struct{}

// NewARP returns an ARP check that never applies.
func NewARP() *ARP { return &ARP{} }

func (*ARP) Name() string { return "arp" }

func (*ARP) Reach(context.Context, string) (Reach, error) {
	return Reach{}, ErrNotApplicable
}
