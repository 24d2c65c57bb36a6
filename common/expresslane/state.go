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

Package expresslane implements the AES-256-GCM bypass data plane: per
session key slots with previous-key decrypt fallback, monotonic packet
counters bound into the GCM associated data, and the sliding replay
window.

All state is owned by the session task; nothing here is safe for
concurrent use.

*/
package expresslane

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"time"

	"github.com/lightway-server/lightway/common/errors"
	"github.com/lightway-server/lightway/common/wire"
)

var (
	// ErrNotReady is returned by Seal before an own-key has been staged
	// and committed.
	ErrNotReady = errors.TraceNew("expresslane not ready")

	// ErrNoPeerKey is returned by Open before a peer-key is installed.
	ErrNoPeerKey = errors.TraceNew("no peer key installed")

	// ErrDecrypt is returned when a packet authenticates under neither
	// the current nor the previous peer-key.
	ErrDecrypt = errors.TraceNew("packet authentication failed")

	// ErrReplay is returned when a packet decrypts but its counter has
	// already been accepted or is outside the replay window.
	ErrReplay = errors.TraceNew("replayed or stale counter")
)

// PreviousKeyGrace bounds how long a replaced peer-key remains usable for
// decryption.
const PreviousKeyGrace = 60 * time.Second

type peerKey struct {
	aead    cipher.AEAD
	key     wire.ExpresslaneKey
	version uint32
}

// State holds one session's data plane cryptographic material.
//
// Own-key direction: the staged key is advertised to the peer in a Config
// frame; it becomes the active encrypt key only when the peer's ack
// commits it. Peer-key direction: a key advertised by the peer is
// installed immediately, retiring the prior key into the previous slot
// for a bounded fallback window.
type State struct {
	sessionID wire.SessionID

	ownAEAD    cipher.AEAD
	ownKey     wire.ExpresslaneKey
	ownCounter uint64
	ownVersion uint32

	stagedAEAD cipher.AEAD
	stagedKey  wire.ExpresslaneKey
	staged     bool

	currentPeer     *peerKey
	previousPeer    *peerKey
	previousExpires time.Time

	replay ReplayWindow

	nowFunc func() time.Time
}

// NewState returns an empty data plane state bound to a session id. The
// session id participates in every packet's associated data.
func NewState(sessionID wire.SessionID) *State {
	return &State{
		sessionID: sessionID,
		nowFunc:   time.Now,
	}
}

// NewKey generates a fresh random data plane key.
func NewKey() (wire.ExpresslaneKey, error) {
	var key wire.ExpresslaneKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, errors.Trace(err)
	}
	return key, nil
}

func newAEAD(key wire.ExpresslaneKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return aead, nil
}

// StageOwnKey prepares a new own-key for advertisement. The key is not
// used for encryption until CommitOwnKey. Staging again before the commit
// replaces the staged key.
func (s *State) StageOwnKey(key wire.ExpresslaneKey) error {
	aead, err := newAEAD(key)
	if err != nil {
		return errors.Trace(err)
	}
	s.stagedAEAD = aead
	s.stagedKey = key
	s.staged = true
	return nil
}

// CommitOwnKey activates the staged own-key for encryption. The packet
// counter continues monotonically across key changes so a counter value
// is never reused within a session. Returns false when nothing is staged.
func (s *State) CommitOwnKey() bool {
	if !s.staged {
		return false
	}
	s.ownAEAD = s.stagedAEAD
	s.ownKey = s.stagedKey
	s.ownVersion++
	s.stagedAEAD = nil
	s.staged = false
	return true
}

// StagedKey returns the own-key currently awaiting acknowledgement, for
// Config frame (re)transmission.
func (s *State) StagedKey() (wire.ExpresslaneKey, bool) {
	return s.stagedKey, s.staged
}

// OwnKey returns the active encrypt key.
func (s *State) OwnKey() (wire.ExpresslaneKey, bool) {
	return s.ownKey, s.ownAEAD != nil
}

// Ready reports whether outbound packets can be sealed.
func (s *State) Ready() bool {
	return s.ownAEAD != nil
}

// Counter returns the last used outbound packet counter.
func (s *State) Counter() uint64 {
	return s.ownCounter
}

// InstallPeerKey installs a peer-advertised decrypt key. The replaced key
// is retained for fallback until the next install or the grace expiry,
// whichever comes first.
//
// Peer packet counters are monotonic across key changes, so the replay
// window runs continuously over a rotation: it is seeded at baseCounter
// on the first install only. In-flight packets sealed under the replaced
// key keep their place in the window and remain decryptable via the
// fallback slot.
func (s *State) InstallPeerKey(key wire.ExpresslaneKey, baseCounter uint64) error {
	aead, err := newAEAD(key)
	if err != nil {
		return errors.Trace(err)
	}
	version := uint32(1)
	if s.currentPeer != nil {
		s.previousPeer = s.currentPeer
		s.previousExpires = s.nowFunc().Add(PreviousKeyGrace)
		version = s.currentPeer.version + 1
	} else {
		s.replay.Init(baseCounter)
	}
	s.currentPeer = &peerKey{aead: aead, key: key, version: version}
	return nil
}

// CurrentPeerKey returns the active decrypt key.
func (s *State) CurrentPeerKey() (wire.ExpresslaneKey, bool) {
	if s.currentPeer == nil {
		return wire.ExpresslaneKey{}, false
	}
	return s.currentPeer.key, true
}

// PeerKeyVersion returns the install count of the current peer-key, or 0
// when none is installed.
func (s *State) PeerKeyVersion() uint32 {
	if s.currentPeer == nil {
		return 0
	}
	return s.currentPeer.version
}

// OwnKeyVersion returns the commit count of the active own-key.
func (s *State) OwnKeyVersion() uint32 {
	return s.ownVersion
}

// HasPeerKey reports whether inbound packets can be decrypted.
func (s *State) HasPeerKey() bool {
	return s.currentPeer != nil
}

// Seal encrypts one inside packet as a bypass data packet body, appending
// to dst. The counter is incremented before use, so the first packet of a
// session carries counter 1.
func (s *State) Seal(dst []byte, payload []byte) ([]byte, error) {
	if s.ownAEAD == nil {
		return nil, errors.Trace(ErrNotReady)
	}

	s.ownCounter++
	packet := &wire.ExpresslaneDataPacket{Counter: s.ownCounter}
	if _, err := rand.Read(packet.IV[:]); err != nil {
		return nil, errors.Trace(err)
	}

	var aad [wire.ExpresslaneAADSize]byte
	wire.AppendExpresslaneAAD(aad[:0], s.sessionID, packet.Counter)

	sealed := s.ownAEAD.Seal(nil, packet.IV[:], payload, aad[:])
	ciphertextLength := len(sealed) - wire.ExpresslaneTagSize
	packet.Ciphertext = sealed[:ciphertextLength]
	copy(packet.Tag[:], sealed[ciphertextLength:])

	return wire.AppendExpresslaneDataPacket(dst, packet), nil
}

// Open authenticates and decrypts a bypass data packet body, returning
// the inside packet. Decryption is attempted with the current peer-key
// and then, within its grace window, the previous peer-key. A packet that
// decrypts but fails the replay window returns ErrReplay.
func (s *State) Open(body []byte) ([]byte, error) {
	if s.currentPeer == nil {
		return nil, errors.Trace(ErrNoPeerKey)
	}

	packet, err := wire.ParseExpresslaneDataPacket(body)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var aad [wire.ExpresslaneAADSize]byte
	wire.AppendExpresslaneAAD(aad[:0], s.sessionID, packet.Counter)

	sealed := make([]byte, 0, len(packet.Ciphertext)+wire.ExpresslaneTagSize)
	sealed = append(sealed, packet.Ciphertext...)
	sealed = append(sealed, packet.Tag[:]...)

	payload, err := s.currentPeer.aead.Open(nil, packet.IV[:], sealed, aad[:])
	if err != nil {
		if s.previousPeer == nil || s.nowFunc().After(s.previousExpires) {
			return nil, errors.Trace(ErrDecrypt)
		}
		payload, err = s.previousPeer.aead.Open(nil, packet.IV[:], sealed, aad[:])
		if err != nil {
			return nil, errors.Trace(ErrDecrypt)
		}
	}

	if !s.replay.Accept(packet.Counter) {
		return nil, errors.Trace(ErrReplay)
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, nil
}
