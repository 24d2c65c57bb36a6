/*
 * Copyright (c) 2024, Lightway Server Contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package ippool allocates inside IPs for sessions from a CIDR range and
provides the inside-IP to session reverse lookup used for inbound tun
traffic.

Allocation hands out addresses in insertion-time order. A released
address is not immediately reusable: it sits in a quarantine until a
configurable delay has elapsed, so a just-disconnected session's inbound
traffic cannot reach a newly admitted client.

*/
package ippool

import (
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/lightway-server/lightway/common/errors"
)

var (
	// ErrPoolExhausted is returned by Allocate when no address is free.
	ErrPoolExhausted = errors.TraceNew("ip pool exhausted")

	// ErrNotAllocated is returned by Release for addresses that are not
	// currently allocated, including double releases.
	ErrNotAllocated = errors.TraceNew("ip not allocated")

	// ErrInvalidPool is returned by NewPool for unusable CIDRs.
	ErrInvalidPool = errors.TraceNew("invalid pool configuration")
)

// DefaultQuarantine covers the largest plausible DTLS retransmit window.
const DefaultQuarantine = 2 * time.Minute

// Pool is an inside IP allocator. All methods are safe for concurrent
// use; Owner is the read-mostly hot path.
type Pool struct {
	mutex      sync.RWMutex
	free       []netip.Addr
	allocated  map[netip.Addr]any
	reserved   map[netip.Addr]bool
	quarantine *cache.Cache

	// reclaimed receives addresses whose quarantine has elapsed; the
	// eviction callback must not take mutex, as Allocate triggers
	// evictions while holding it.
	reclaimMutex sync.Mutex
	reclaimed    []netip.Addr
}

// NewPool creates a pool over the IPv4 prefix, excluding the network and
// broadcast addresses and every address in reserved. quarantineDelay <= 0
// selects DefaultQuarantine.
func NewPool(prefix netip.Prefix, reserved []netip.Addr, quarantineDelay time.Duration) (*Pool, error) {

	if !prefix.Addr().Is4() {
		return nil, errors.TraceMsg(ErrInvalidPool, "pool must be IPv4")
	}
	prefix = prefix.Masked()
	if prefix.Bits() < 8 || prefix.Bits() > 30 {
		return nil, errors.TraceMsg(ErrInvalidPool, "pool prefix length must be /8 to /30")
	}
	if quarantineDelay <= 0 {
		quarantineDelay = DefaultQuarantine
	}

	pool := &Pool{
		allocated: make(map[netip.Addr]any),
		reserved:  make(map[netip.Addr]bool),
	}

	network := prefix.Addr()
	broadcast := lastAddr(prefix)
	pool.reserved[network] = true
	pool.reserved[broadcast] = true
	for _, addr := range reserved {
		pool.reserved[addr.Unmap()] = true
	}

	for addr := network.Next(); prefix.Contains(addr); addr = addr.Next() {
		if pool.reserved[addr] {
			continue
		}
		pool.free = append(pool.free, addr)
	}
	if len(pool.free) == 0 {
		return nil, errors.TraceMsg(ErrInvalidPool, "no allocatable addresses")
	}

	pool.quarantine = cache.New(quarantineDelay, quarantineDelay/4)
	pool.quarantine.OnEvicted(func(_ string, value interface{}) {
		addr := value.(netip.Addr)
		pool.reclaimMutex.Lock()
		pool.reclaimed = append(pool.reclaimed, addr)
		pool.reclaimMutex.Unlock()
	})

	return pool, nil
}

func lastAddr(prefix netip.Prefix) netip.Addr {
	addr4 := prefix.Addr().As4()
	hostBits := 32 - prefix.Bits()
	for i := 0; i < hostBits; i++ {
		addr4[3-i/8] |= 1 << (i % 8)
	}
	return netip.AddrFrom4(addr4)
}

// Allocate returns the next free address, recording owner as its session
// handle. Returns ErrPoolExhausted when every address is allocated or
// quarantined.
func (p *Pool) Allocate(owner any) (netip.Addr, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.free) == 0 {
		// Force reclamation rather than waiting for the janitor.
		p.quarantine.DeleteExpired()
	}
	p.drainReclaimedLocked()

	if len(p.free) == 0 {
		return netip.Addr{}, errors.Trace(ErrPoolExhausted)
	}
	addr := p.free[0]
	p.free = p.free[1:]
	p.allocated[addr] = owner
	return addr, nil
}

// Release returns an allocated address to the pool by way of quarantine.
// Releasing an address that is not allocated, including a second release
// of the same address, returns ErrNotAllocated.
func (p *Pool) Release(addr netip.Addr) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.allocated[addr]; !ok {
		return errors.Trace(ErrNotAllocated)
	}
	delete(p.allocated, addr)
	p.quarantine.SetDefault(addr.String(), addr)
	return nil
}

// Owner returns the session handle that holds addr.
func (p *Pool) Owner(addr netip.Addr) (any, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	owner, ok := p.allocated[addr]
	return owner, ok
}

// FreeCount returns the number of immediately allocatable addresses.
func (p *Pool) FreeCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.drainReclaimedLocked()
	return len(p.free)
}

// AllocatedCount returns the number of live allocations.
func (p *Pool) AllocatedCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.allocated)
}

// QuarantinedCount returns the number of addresses still aging out.
func (p *Pool) QuarantinedCount() int {
	return p.quarantine.ItemCount()
}

func (p *Pool) drainReclaimedLocked() {
	p.reclaimMutex.Lock()
	reclaimed := p.reclaimed
	p.reclaimed = nil
	p.reclaimMutex.Unlock()
	p.free = append(p.free, reclaimed...)
}
