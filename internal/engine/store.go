package engine

import (
	"container/list"

	"accessoryscan/internal/device"
)

// store is the bounded record set of one session. Records are ordered by
// LastSeen; the front is the most recent. It is not safe
// for concurrent use; the session serialises access.
type store struct {
	max   int
	order *list.List
	items map[string]*list.Element
	// aliases maps every network address observed to the identity that
	// currently owns it.
	aliases map[string]string
	// inflight counts active probe attempts per network address.
	inflight map[string]int
}

func newStore(max int) *store {
	return &store{
		max:      max,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		aliases:  make(map[string]string),
		inflight: make(map[string]int),
	}
}

func (s *store) len() int { return s.order.Len() }

func (s *store) get(identity string) (device.DiscoveredDevice, bool) {
	el, ok := s.items[identity]
	if !ok {
		return device.DiscoveredDevice{}, false
	}
	return el.Value.(device.DiscoveredDevice), true
}

// lookup resolves an address to the identity owning it.
func (s *store) lookup(address string) (string, bool) {
	id, ok := s.aliases[address]
	if !ok {
		return "", false
	}
	if _, exists := s.items[id]; !exists {
		delete(s.aliases, address)
		return "", false
	}
	return id, true
}

// put stores d ordered by LastSeen, ahead of records seen at the same time.
// An update that does not advance LastSeen keeps its position. When a new
// identity would exceed the bound, the least recently seen record without an
// in-flight probe is evicted and returned. If every record is in flight, d is
// not stored and dropped is true.
func (s *store) put(d device.DiscoveredDevice) (evicted *device.DiscoveredDevice, dropped bool) {
	if el, ok := s.items[d.Identity]; ok {
		advanced := d.LastSeen.After(el.Value.(device.DiscoveredDevice).LastSeen)
		el.Value = d
		if advanced {
			s.place(el)
		}
		s.alias(d)
		return nil, false
	}
	if s.order.Len() >= s.max {
		victim := s.victim()
		if victim == nil {
			return nil, true
		}
		old := s.remove(victim.Value.(device.DiscoveredDevice).Identity)
		evicted = &old
	}
	el := s.order.PushFront(d)
	s.items[d.Identity] = el
	s.place(el)
	s.alias(d)
	return evicted, false
}

// place moves el in front of the first other record seen no later than it.
func (s *store) place(el *list.Element) {
	seen := el.Value.(device.DiscoveredDevice).LastSeen
	for at := s.order.Front(); at != nil; at = at.Next() {
		if at == el {
			continue
		}
		if !at.Value.(device.DiscoveredDevice).LastSeen.After(seen) {
			s.order.MoveBefore(el, at)
			return
		}
	}
	s.order.MoveToBack(el)
}

func (s *store) victim() *list.Element {
	for el := s.order.Back(); el != nil; el = el.Prev() {
		if !s.probing(el.Value.(device.DiscoveredDevice)) {
			return el
		}
	}
	return nil
}

func (s *store) probing(d device.DiscoveredDevice) bool {
	return s.inflight[d.NetworkAddress] > 0
}

// remove deletes a record and every alias pointing at it.
func (s *store) remove(identity string) device.DiscoveredDevice {
	el, ok := s.items[identity]
	if !ok {
		return device.DiscoveredDevice{}
	}
	d := s.order.Remove(el).(device.DiscoveredDevice)
	delete(s.items, identity)
	for addr, id := range s.aliases {
		if id == identity {
			delete(s.aliases, addr)
		}
	}
	return d
}

func (s *store) alias(d device.DiscoveredDevice) {
	if d.NetworkAddress != "" {
		s.aliases[d.NetworkAddress] = d.Identity
	}
}

func (s *store) beginProbe(address string) { s.inflight[address]++ }

func (s *store) endProbe(address string) {
	if s.inflight[address] <= 1 {
		delete(s.inflight, address)
		return
	}
	s.inflight[address]--
}

// all returns the records, most recently seen first.
func (s *store) all() []device.DiscoveredDevice {
	out := make([]device.DiscoveredDevice, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(device.DiscoveredDevice).Clone())
	}
	return out
}
