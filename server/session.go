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
	"context"
	"crypto/tls"
	std_errors "errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/lightway-server/lightway/common/expresslane"
	"github.com/lightway-server/lightway/common/wire"
)

// sessionState is the protocol state machine position. Sessions only
// move forward: LinkUp -> WaitingForAuth -> Online -> Disconnecting.
type sessionState int

const (
	stateLinkUp = sessionState(iota)
	stateWaitingForAuth
	stateOnline
	stateDisconnecting
)

func (state sessionState) String() string {
	switch state {
	case stateLinkUp:
		return "LinkUp"
	case stateWaitingForAuth:
		return "WaitingForAuth"
	case stateOnline:
		return "Online"
	case stateDisconnecting:
		return "Disconnecting"
	}
	return "Invalid"
}

type eventType int

const (
	eventOutsideRecord = eventType(iota)
	eventExpresslaneData
	eventControlFrame
	eventHandshakeComplete
	eventInsidePacket
	eventTick
	eventClose
)

type sessionEvent struct {
	event  eventType
	data   []byte
	from   netip.AddrPort
	frame  wire.Frame
	conn   net.Conn
	err    error
	reason wire.DisconnectReason
}

// sessionInboxSize bounds events queued to a session task. UDP producers
// tail-drop on overflow; stream producers block.
const sessionInboxSize = 256

// session drives one client's lifecycle. All state below is owned by the
// session task, the goroutine running run(); producers only push events
// into the inbox. The exceptions, accessed from producer goroutines and
// guarded accordingly, are the session id, the outside address and the
// handshake-complete flag.
type session struct {
	manager *Manager

	idValue      atomic.Uint64
	established  atomic.Bool
	transportUDP bool
	version      wire.ProtocolVersion

	remoteMutex sync.Mutex
	remoteAddr  netip.AddrPort

	inbox chan sessionEvent
	done  chan struct{}

	virtualConn *datagramConn // UDP control plane feed
	streamConn  net.Conn      // TCP raw connection
	control     net.Conn      // established DTLS/TLS endpoint

	state        sessionState
	identity     string
	insideIP     netip.Addr
	pendingFloat netip.AddrPort

	lane               *expresslane.State
	laneDisabled       bool
	laneEstablished    bool
	laneAckPending     bool
	retransmitAttempts int
	nextRetransmit     time.Time
	retransmitSchedule []time.Duration
	nextKeyUpdate      time.Time

	createdAt         time.Time
	lastActivity      time.Time
	authDeadline      time.Time
	keepaliveSentAt   time.Time
	awaitingKeepalive bool

	writeBuffer []byte
}

func newSession(
	manager *Manager,
	id wire.SessionID,
	transportUDP bool,
	remoteAddr netip.AddrPort,
	version wire.ProtocolVersion,
	streamConn net.Conn) *session {

	now := time.Now()
	sess := &session{
		manager:            manager,
		transportUDP:       transportUDP,
		version:            version,
		remoteAddr:         remoteAddr,
		inbox:              make(chan sessionEvent, sessionInboxSize),
		done:               make(chan struct{}),
		streamConn:         streamConn,
		state:              stateLinkUp,
		lane:               expresslane.NewState(id),
		retransmitSchedule: manager.config.retransmitSchedule(),
		createdAt:          now,
		lastActivity:       now,
	}
	sess.idValue.Store(uint64(id))

	if transportUDP {
		sess.virtualConn = newDatagramConn(
			manager.outsideLocalAddr(),
			net.UDPAddrFromAddrPort(remoteAddr),
			sess.sendControlRecord)
	}
	return sess
}

func (s *session) sessionID() wire.SessionID {
	return wire.SessionID(s.idValue.Load())
}

func (s *session) outsideAddr() netip.AddrPort {
	s.remoteMutex.Lock()
	defer s.remoteMutex.Unlock()
	return s.remoteAddr
}

func (s *session) setOutsideAddr(addr netip.AddrPort) {
	s.remoteMutex.Lock()
	s.remoteAddr = addr
	s.remoteMutex.Unlock()
}

// sendControlRecord wraps one DTLS record in the outside prologue and
// sends it to the session's current outside address. Called from the
// DTLS endpoint, which may write from its own timer goroutines.
func (s *session) sendControlRecord(record []byte) error {
	packet := make([]byte, 0, wire.DatagramPrologueSize+len(record))
	packet = wire.AppendPrologue(
		packet, wire.Header{Version: s.version}, s.sessionID())
	packet = append(packet, record...)
	return s.manager.sendDatagram(s.outsideAddr(), packet)
}

// queueOutside delivers an outside packet body to the session task. UDP
// tail-drop policy: a full inbox drops the packet.
func (s *session) queueOutside(event sessionEvent) {
	select {
	case s.inbox <- event:
	case <-s.done:
	default:
		s.manager.metrics.InboxDrops.Inc()
	}
}

// queueInside delivers an inside IP packet for outbound send. A full
// inbox drops the packet.
func (s *session) queueInside(packet []byte) {
	select {
	case s.inbox <- sessionEvent{event: eventInsidePacket, data: packet}:
	case <-s.done:
	default:
		s.manager.metrics.OutQueueDrops.Inc()
	}
}

// queueTick delivers a timer tick; ticks are droppable, another follows.
func (s *session) queueTick() {
	select {
	case s.inbox <- sessionEvent{event: eventTick}:
	case <-s.done:
	default:
	}
}

// queueClose requests teardown with the given reason.
func (s *session) queueClose(reason wire.DisconnectReason) {
	select {
	case s.inbox <- sessionEvent{event: eventClose, reason: reason}:
	case <-s.done:
	default:
		// Inbox full: force the reason through by draining one slot.
		select {
		case <-s.inbox:
		default:
		}
		select {
		case s.inbox <- sessionEvent{event: eventClose, reason: reason}:
		case <-s.done:
		default:
		}
	}
}

// postEvent blocks until delivered or the session is gone; used by the
// session's own control plane goroutine.
func (s *session) postEvent(event sessionEvent) bool {
	select {
	case s.inbox <- event:
		return true
	case <-s.done:
		return false
	}
}

// run is the session task: the only goroutine that mutates session state
// or drives the TLS endpoint's plaintext side.
func (s *session) run() {
	go s.runControlPlane()

	for {
		select {
		case event := <-s.inbox:
			s.handleEvent(event)
		case <-s.done:
			return
		}
		if s.state == stateDisconnecting {
			return
		}
	}
}

func (s *session) handleEvent(event sessionEvent) {
	switch event.event {

	case eventOutsideRecord:
		s.handleOutsideRecord(event)

	case eventExpresslaneData:
		s.handleExpresslaneData(event)

	case eventHandshakeComplete:
		s.handleHandshakeComplete(event)

	case eventControlFrame:
		s.touchActivity()
		s.confirmFloat()
		s.handleFrame(event.frame)

	case eventInsidePacket:
		s.handleInsidePacket(event.data)

	case eventTick:
		s.handleTick(time.Now())

	case eventClose:
		s.close(event.reason, true)
	}
}

func (s *session) handleOutsideRecord(event sessionEvent) {
	if event.from.IsValid() && event.from != s.outsideAddr() {
		// A control record from an unknown source: a float candidate.
		// The rebind happens only after the record survives decryption.
		s.pendingFloat = event.from
	}
	if s.virtualConn == nil || !s.virtualConn.deliver(event.data) {
		s.manager.metrics.InboxDrops.Inc()
	}
}

func (s *session) handleHandshakeComplete(event sessionEvent) {
	if event.err != nil {
		log.WithContextFields(LogFields{
			"session_id": s.sessionID(),
			"peer":       s.outsideAddr(),
			"error":      event.err,
		}).Debug("handshake failed")
		s.close(wire.DisconnectReasonProtocolError, false)
		return
	}
	s.control = event.conn
	s.state = stateWaitingForAuth
	s.established.Store(true)
	s.authDeadline = time.Now().Add(s.manager.config.authTimeout())

	log.WithContextFields(LogFields{
		"session_id": s.sessionID(),
		"peer":       s.outsideAddr(),
	}).Debug("handshake complete")
}

// handleFrame dispatches one control frame against the state machine.
func (s *session) handleFrame(frame wire.Frame) {
	switch s.state {

	case stateLinkUp:
		// No plaintext exists before the handshake completes; the
		// control plane goroutine cannot deliver frames here.
		s.close(wire.DisconnectReasonProtocolError, true)

	case stateWaitingForAuth:
		switch frame := frame.(type) {
		case *wire.AuthRequest:
			s.handleAuthRequest(frame)
		case *wire.Ping:
			s.writeFrame(&wire.Pong{Cookie: frame.Cookie, Payload: frame.Payload})
		case *wire.NoOp:
		case *wire.Disconnect:
			s.close(frame.Reason, false)
		default:
			s.close(wire.DisconnectReasonProtocolError, true)
		}

	case stateOnline:
		switch frame := frame.(type) {
		case *wire.Data:
			s.manager.forwardInside(s, frame.Packet)
		case *wire.Keepalive:
			s.awaitingKeepalive = false
			s.writeFrame(&wire.Keepalive{})
		case *wire.Ping:
			s.writeFrame(&wire.Pong{Cookie: frame.Cookie, Payload: frame.Payload})
		case *wire.Pong:
		case *wire.NoOp:
		case *wire.ExpresslaneConfig:
			s.handleExpresslaneConfig(frame)
		case *wire.Disconnect:
			s.close(frame.Reason, false)
		default:
			s.close(wire.DisconnectReasonProtocolError, true)
		}

	case stateDisconnecting:
	}
}

func (s *session) handleAuthRequest(frame *wire.AuthRequest) {

	decision := s.manager.authenticator.Authenticate(frame)
	if !decision.Accepted {
		s.manager.metrics.AuthFailures.Inc()
		s.writeFrame(&wire.AuthFailure{Reason: decision.Reason})
		log.WithContextFields(LogFields{
			"session_id": s.sessionID(),
			"peer":       s.outsideAddr(),
			"user":       frame.Username,
			"reason":     decision.Reason,
		}).Info("authentication rejected")
		s.close(wire.DisconnectReasonAuthFailed, true)
		return
	}

	insideIP, err := s.manager.allocateInsideIP(s)
	if err != nil {
		s.manager.metrics.AuthFailures.Inc()
		s.writeFrame(&wire.AuthFailure{Reason: wire.AuthFailureNoAddressAvailable})
		log.WithContextFields(LogFields{
			"session_id": s.sessionID(),
			"peer":       s.outsideAddr(),
			"error":      err,
		}).Warning("inside IP allocation failed")
		s.close(wire.DisconnectReasonAuthFailed, true)
		return
	}

	s.identity = decision.Identity
	s.insideIP = insideIP
	s.state = stateOnline

	s.writeFrame(&wire.AuthSuccess{Identity: decision.Identity})
	s.writeFrame(s.serverConfigFrame())

	log.WithContextFields(LogFields{
		"session_id": s.sessionID(),
		"peer":       s.outsideAddr(),
		"user":       s.identity,
		"inside_ip":  insideIP,
	}).Info("session online")

	s.nextKeyUpdate = time.Now().Add(s.manager.config.keyUpdateInterval())
	s.maybeStartExpresslane()
}

func (s *session) serverConfigFrame() *wire.ServerConfig {
	return &wire.ServerConfig{
		InsideIP:  s.insideIP,
		Netmask:   s.manager.insideNetmask,
		DNS:       s.manager.insideDNS,
		MTU:       uint16(s.manager.config.MTU),
		SessionID: s.sessionID(),
	}
}

// maybeStartExpresslane begins the bypass data plane handshake when the
// preconditions hold: datagram transport, protocol version 1.3 or later,
// the feature allowed by configuration, and no prior permanent disable.
func (s *session) maybeStartExpresslane() {
	if !s.transportUDP ||
		!s.version.SupportsExpresslane() ||
		!s.manager.config.expresslaneAllowed() ||
		s.laneDisabled {
		return
	}
	s.startKeyExchange()
}

// startKeyExchange stages a fresh own-key and advertises it, entering
// the retransmit schedule. Used for both the initial handshake and every
// rotation.
func (s *session) startKeyExchange() {
	key, err := expresslane.NewKey()
	if err != nil {
		log.WithTrace(err).Error("key generation failed")
		return
	}
	if err := s.lane.StageOwnKey(key); err != nil {
		log.WithTrace(err).Error("key staging failed")
		return
	}
	s.laneAckPending = true
	s.retransmitAttempts = 0
	s.nextRetransmit = time.Now().Add(s.retransmitSchedule[0])
	s.sendLaneConfig()
}

func (s *session) sendLaneConfig() {
	key, ok := s.lane.StagedKey()
	if !ok {
		return
	}
	s.writeFrame(&wire.ExpresslaneConfig{
		Version: 1,
		Enabled: true,
		Counter: s.lane.Counter(),
		Key:     key,
	})
}

func (s *session) handleExpresslaneConfig(frame *wire.ExpresslaneConfig) {

	if s.laneDisabled || !s.transportUDP {
		return
	}

	if frame.Ack {
		if !s.laneAckPending {
			return
		}
		rotation := s.lane.OwnKeyVersion() > 0
		if !s.lane.CommitOwnKey() {
			return
		}
		s.laneAckPending = false
		s.nextRetransmit = time.Time{}
		if !s.laneEstablished {
			s.laneEstablished = true
			s.manager.metrics.ExpresslaneActive.Inc()
		}
		if rotation {
			s.manager.metrics.KeyRotations.Inc()
			s.rotateSessionID()
		}
		s.notifyKeyUpdate()
		log.WithContextFields(LogFields{
			"session_id":  s.sessionID(),
			"key_version": s.lane.OwnKeyVersion(),
		}).Debug("expresslane key committed")
		return
	}

	if !frame.Enabled {
		return
	}

	// The peer advertises its own-key; install it for decryption and
	// acknowledge. The ack carries no key.
	if err := s.lane.InstallPeerKey(frame.Key, frame.Counter); err != nil {
		log.WithTrace(err).Error("peer key install failed")
		s.close(wire.DisconnectReasonProtocolError, true)
		return
	}
	s.writeFrame(&wire.ExpresslaneConfig{
		Version: frame.Version,
		Enabled: true,
		Ack:     true,
		Counter: frame.Counter,
	})
	s.notifyKeyUpdate()
}

// rotateSessionID mints a fresh session id alongside a completed key
// rotation and announces it in an updated ServerConfig. In-flight
// packets carrying the old id still reach the session by address demux.
func (s *session) rotateSessionID() {
	newID, err := s.manager.mintSessionID()
	if err != nil {
		return
	}
	if err := s.manager.table.rebindID(s, newID); err != nil {
		return
	}
	s.writeFrame(s.serverConfigFrame())
}

func (s *session) notifyKeyUpdate() {
	callback := s.manager.keyUpdateCallback
	if callback == nil {
		return
	}
	ownKey, _ := s.lane.OwnKey()
	peerKey, _ := s.lane.CurrentPeerKey()
	callback(s.sessionID(), ownKey, peerKey)
}

func (s *session) handleExpresslaneData(event sessionEvent) {
	if s.state != stateOnline || !s.transportUDP {
		return
	}
	payload, err := s.lane.Open(event.data)
	if err != nil {
		switch {
		case std_errors.Is(err, expresslane.ErrReplay):
			s.manager.metrics.ReplayDropped.Inc()
		default:
			s.manager.metrics.DecryptErrors.Inc()
			logPacketError("expresslane packet dropped", err, LogFields{
				"session_id": s.sessionID(),
			})
		}
		return
	}

	s.touchActivity()

	// A successful authenticated decrypt from a new source address is
	// the cryptographic proof required before floating.
	if event.from.IsValid() && event.from != s.outsideAddr() {
		s.float(event.from)
	}

	s.manager.forwardInside(s, payload)
}

// confirmFloat applies a pending float candidate once a control record
// from the candidate address has produced an authenticated frame.
func (s *session) confirmFloat() {
	if !s.pendingFloat.IsValid() {
		return
	}
	candidate := s.pendingFloat
	s.pendingFloat = netip.AddrPort{}
	if s.state != stateOnline {
		return
	}
	s.float(candidate)
}

func (s *session) float(newAddr netip.AddrPort) {
	if newAddr == s.outsideAddr() {
		return
	}
	if err := s.manager.floatSession(s, newAddr); err != nil {
		return
	}
	log.WithContextFields(LogFields{
		"session_id": s.sessionID(),
		"peer":       newAddr,
	}).Info("session floated")
}

func (s *session) handleInsidePacket(packet []byte) {
	if s.state != stateOnline {
		return
	}

	if s.laneEstablished && !s.laneDisabled && s.lane.Ready() {
		buffer := wire.AppendPrologue(
			s.scratchBuffer(),
			wire.Header{Expresslane: true, Version: s.version},
			s.sessionID())
		buffer, err := s.lane.Seal(buffer, packet)
		if err != nil {
			log.WithTrace(err).Error("seal failed")
			return
		}
		_ = s.manager.sendDatagram(s.outsideAddr(), buffer)
		return
	}

	s.writeFrame(&wire.Data{Packet: packet})
}

func (s *session) handleTick(now time.Time) {
	switch s.state {

	case stateWaitingForAuth:
		// The deadline is inclusive on the reply-received side: an auth
		// frame queued in the same tick sits ahead of this event in the
		// inbox and has already been processed.
		if !s.authDeadline.IsZero() && now.After(s.authDeadline) {
			log.WithContextFields(LogFields{
				"session_id": s.sessionID(),
				"peer":       s.outsideAddr(),
			}).Info("authentication deadline expired")
			s.close(wire.DisconnectReasonAuthTimeout, false)
		}

	case stateOnline:
		s.tickKeepalive(now)
		if s.state != stateOnline {
			return
		}
		s.tickExpresslane(now)

	case stateLinkUp:
		// Half-open handshakes are reaped by the manager.

	case stateDisconnecting:
	}
}

func (s *session) tickKeepalive(now time.Time) {

	idleTimeout := s.manager.config.idleTimeout()
	if idleTimeout > 0 && now.Sub(s.lastActivity) > idleTimeout {
		s.close(wire.DisconnectReasonIdleTimeout, true)
		return
	}

	interval := s.manager.config.keepaliveInterval()
	if interval <= 0 {
		return
	}
	if s.awaitingKeepalive {
		if now.Sub(s.keepaliveSentAt) > s.manager.config.keepaliveTimeout() {
			s.close(wire.DisconnectReasonIdleTimeout, true)
		}
		return
	}
	if now.Sub(s.lastActivity) >= interval {
		s.awaitingKeepalive = true
		s.keepaliveSentAt = now
		s.writeFrame(&wire.Keepalive{})
	}
}

func (s *session) tickExpresslane(now time.Time) {

	if s.laneAckPending && !s.laneDisabled &&
		!s.nextRetransmit.IsZero() && !now.Before(s.nextRetransmit) {

		if s.retransmitAttempts >= len(s.retransmitSchedule) {
			// Retransmits exhausted: the bypass data plane is off for
			// this session's lifetime; traffic continues over the
			// control path.
			s.laneDisabled = true
			s.laneAckPending = false
			s.nextRetransmit = time.Time{}
			if s.laneEstablished {
				s.laneEstablished = false
				s.manager.metrics.ExpresslaneActive.Dec()
			}
			log.WithContextFields(LogFields{
				"session_id": s.sessionID(),
			}).Info("expresslane disabled after retransmit exhaustion")
			return
		}

		s.sendLaneConfig()
		s.retransmitAttempts++
		index := s.retransmitAttempts
		if index >= len(s.retransmitSchedule) {
			index = len(s.retransmitSchedule) - 1
		}
		s.nextRetransmit = now.Add(s.retransmitSchedule[index])
	}

	if s.laneEstablished && !s.laneDisabled && !s.laneAckPending &&
		!s.nextKeyUpdate.IsZero() && !now.Before(s.nextKeyUpdate) {
		s.nextKeyUpdate = now.Add(s.manager.config.keyUpdateInterval())
		s.startKeyExchange()
	}
}

func (s *session) touchActivity() {
	s.lastActivity = time.Now()
	s.awaitingKeepalive = false
}

func (s *session) scratchBuffer() []byte {
	if s.writeBuffer == nil {
		s.writeBuffer = make([]byte, 0, 2048)
	}
	return s.writeBuffer[:0]
}

// writeFrame emits one control frame over the TLS/DTLS endpoint.
func (s *session) writeFrame(frame wire.Frame) {
	if s.control == nil {
		return
	}
	encoded := wire.AppendFrame(s.scratchBuffer(), frame)
	if _, err := s.control.Write(encoded); err != nil {
		logPacketError("control write failed", err, LogFields{
			"session_id": s.sessionID(),
			"frame":      frame.FrameType(),
		})
	}
}

// close transitions to Disconnecting, emits a best-effort goodbye, and
// releases every resource the session holds. Idempotent.
func (s *session) close(reason wire.DisconnectReason, sendGoodbye bool) {
	if s.state == stateDisconnecting {
		return
	}
	previousState := s.state
	s.state = stateDisconnecting

	if sendGoodbye {
		s.writeFrame(&wire.Disconnect{Reason: reason})
	}

	if s.insideIP.IsValid() {
		s.manager.releaseInsideIP(s)
		s.insideIP = netip.Addr{}
	}
	if s.laneEstablished {
		s.laneEstablished = false
		s.manager.metrics.ExpresslaneActive.Dec()
	}

	s.manager.unregister(s)

	if s.control != nil {
		s.control.Close()
	}
	if s.virtualConn != nil {
		s.virtualConn.Close()
	}
	if s.streamConn != nil {
		s.streamConn.Close()
	}
	close(s.done)

	log.WithContextFields(LogFields{
		"session_id": s.sessionID(),
		"peer":       s.outsideAddr(),
		"user":       s.identity,
		"state":      previousState,
		"reason":     reason,
		"duration":   time.Since(s.createdAt),
	}).Info("session closed")
}

// runControlPlane performs the TLS/DTLS handshake and then decodes
// control frames from the endpoint's plaintext stream, posting each to
// the session task. Runs on its own goroutine; it never touches session
// state directly.
func (s *session) runControlPlane() {

	conn, err := s.handshake()
	if !s.postEvent(sessionEvent{event: eventHandshakeComplete, conn: conn, err: err}) {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		return
	}

	readBuffer := make([]byte, 8192)
	var pending []byte

	for {
		n, err := conn.Read(readBuffer)
		if err != nil {
			select {
			case <-s.done:
			default:
				if err != io.EOF {
					s.queueClose(wire.DisconnectReasonProtocolError)
				} else {
					s.queueClose(wire.DisconnectReasonIdleTimeout)
				}
			}
			return
		}

		data := readBuffer[:n]
		if len(pending) > 0 {
			pending = append(pending, data...)
			data = pending
		}

		for len(data) > 0 {
			frame, consumed, err := wire.DecodeFrame(data)
			if std_errors.Is(err, wire.ErrFrameIncomplete) {
				break
			}
			if err != nil {
				logPacketError("malformed control frame", err, LogFields{
					"session_id": s.sessionID(),
				})
				s.queueClose(wire.DisconnectReasonProtocolError)
				return
			}
			data = data[consumed:]
			if !s.postEvent(sessionEvent{event: eventControlFrame, frame: frame}) {
				return
			}
		}

		if len(data) > 0 {
			pending = append(pending[:0], data...)
		} else if pending != nil {
			pending = pending[:0]
		}
	}
}

func (s *session) handshake() (net.Conn, error) {
	if s.transportUDP {
		return dtls.Server(s.virtualConn, s.manager.dtlsConfig)
	}

	// Stream transport: a fixed header exchange precedes TLS.
	deadline := time.Now().Add(10 * time.Second)
	s.streamConn.SetDeadline(deadline)

	headerBytes := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(s.streamConn, headerBytes); err != nil {
		return nil, err
	}
	header, err := wire.ParseHeader(headerBytes)
	if err != nil || header.Expresslane {
		return nil, wire.ErrInvalidHeader
	}
	s.version = header.Version

	if _, err := s.streamConn.Write(
		wire.AppendHeader(nil, wire.Header{Version: wire.ProtocolVersion1_3})); err != nil {
		return nil, err
	}
	s.streamConn.SetDeadline(time.Time{})

	tlsConn := tls.Server(s.streamConn, s.manager.tlsConfig)
	handshakeContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeContext); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
