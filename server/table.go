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

package server

import (
	"net/netip"
	"sync"

	"github.com/lightway-server/lightway/common/errors"
	"github.com/lightway-server/lightway/common/wire"
)

var (
	// ErrDuplicateSessionID is returned by insert on a session id
	// collision; the caller regenerates the id and retries.
	ErrDuplicateSessionID = errors.TraceNew("duplicate session id")

	// ErrSessionNotFound is returned by operations on sessions that have
	// already been removed.
	ErrSessionNotFound = errors.TraceNew("session not found")
)

// sessionTable maps outside address and session id to the owning session.
// The two maps are kept in lockstep: every mutation updates both under
// the write lock. Lookups are the outside-ingress hot path and take the
// read lock only.
type sessionTable struct {
	mutex     sync.RWMutex
	byAddress map[netip.AddrPort]*session
	byID      map[wire.SessionID]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byAddress: make(map[netip.AddrPort]*session),
		byID:      make(map[wire.SessionID]*session),
	}
}

// insert adds a session under its outside address and session id. If the
// address is already mapped, the previous session is returned as evicted
// and replaced. A session id collision fails without mutating the table.
func (table *sessionTable) insert(sess *session) (evicted *session, err error) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	if _, ok := table.byID[sess.sessionID()]; ok {
		return nil, errors.Trace(ErrDuplicateSessionID)
	}
	address := sess.outsideAddr()
	if previous, ok := table.byAddress[address]; ok {
		evicted = previous
		delete(table.byID, previous.sessionID())
	}
	table.byAddress[address] = sess
	table.byID[sess.sessionID()] = sess
	return evicted, nil
}

// remove deletes a session from both maps. The address entry is deleted
// only while it still points at this session, so a removal racing a
// rebind or an eviction cannot clobber a successor's entry.
func (table *sessionTable) remove(sess *session) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	if current, ok := table.byID[sess.sessionID()]; !ok || current != sess {
		return
	}
	delete(table.byID, sess.sessionID())
	for address, mapped := range table.byAddress {
		if mapped == sess {
			delete(table.byAddress, address)
		}
	}
}

// lookupByAddress returns the session keyed by an outside address.
func (table *sessionTable) lookupByAddress(address netip.AddrPort) (*session, bool) {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	sess, ok := table.byAddress[address]
	return sess, ok
}

// lookupByID returns the session keyed by a session id.
func (table *sessionTable) lookupByID(id wire.SessionID) (*session, bool) {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	sess, ok := table.byID[id]
	return sess, ok
}

// rebindAddress atomically rekeys a session to a new outside address:
// the floating operation. If the new address was held by another
// session, that session is returned as evicted and removed.
func (table *sessionTable) rebindAddress(sess *session, newAddress netip.AddrPort) (evicted *session, err error) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	if current, ok := table.byID[sess.sessionID()]; !ok || current != sess {
		return nil, errors.Trace(ErrSessionNotFound)
	}
	if previous, ok := table.byAddress[newAddress]; ok && previous != sess {
		evicted = previous
		delete(table.byID, previous.sessionID())
	}
	for address, mapped := range table.byAddress {
		if mapped == sess {
			delete(table.byAddress, address)
		}
	}
	table.byAddress[newAddress] = sess
	return evicted, nil
}

// rebindID atomically rekeys a session to a new session id, used when a
// key rotation also rotates the id. Fails on collision, leaving the old
// id in place. On success the session's id is updated under the table
// lock; only the session's own task calls rebindID.
func (table *sessionTable) rebindID(sess *session, newID wire.SessionID) error {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	if current, ok := table.byID[sess.sessionID()]; !ok || current != sess {
		return errors.Trace(ErrSessionNotFound)
	}
	if _, ok := table.byID[newID]; ok {
		return errors.Trace(ErrDuplicateSessionID)
	}
	delete(table.byID, sess.sessionID())
	table.byID[newID] = sess
	sess.idValue.Store(uint64(newID))
	return nil
}

// snapshot returns the live sessions at a point in time.
func (table *sessionTable) snapshot() []*session {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	sessions := make([]*session, 0, len(table.byID))
	for _, sess := range table.byID {
		sessions = append(sessions, sess)
	}
	return sessions
}

// count returns the number of live sessions.
func (table *sessionTable) count() int {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	return len(table.byID)
}
