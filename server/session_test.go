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
	std_errors "errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lightway-server/lightway/common/expresslane"
	"github.com/lightway-server/lightway/common/wire"
)

// frameCollector decodes control frames a session writes to its
// endpoint, standing in for the client side of the control plane.
type frameCollector struct {
	conn   net.Conn
	frames chan wire.Frame
}

func collectFrames(conn net.Conn) *frameCollector {
	collector := &frameCollector{
		conn:   conn,
		frames: make(chan wire.Frame, 64),
	}
	go collector.run()
	return collector
}

func (collector *frameCollector) run() {
	defer close(collector.frames)
	readBuffer := make([]byte, 8192)
	var pending []byte
	for {
		n, err := collector.conn.Read(readBuffer)
		if err != nil {
			return
		}
		pending = append(pending, readBuffer[:n]...)
		for len(pending) > 0 {
			frame, consumed, err := wire.DecodeFrame(pending)
			if std_errors.Is(err, wire.ErrFrameIncomplete) {
				break
			}
			if err != nil {
				return
			}
			pending = pending[consumed:]
			collector.frames <- frame
		}
	}
}

func (collector *frameCollector) next(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case frame, ok := <-collector.frames:
		require.True(t, ok, "control endpoint closed")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for control frame")
		return nil
	}
}

// newAuthedSession builds a session in WaitingForAuth with a pipe
// control endpoint and a collector on the client side.
func newAuthedSession(
	t *testing.T, manager *Manager,
	transportUDP bool) (*session, *frameCollector) {

	t.Helper()
	sess := newSession(
		manager, 42, transportUDP,
		netip.MustParseAddrPort("192.0.2.1:1000"),
		wire.ProtocolVersion1_3, nil)
	_, err := manager.table.insert(sess)
	require.NoError(t, err)

	serverEnd, clientEnd := net.Pipe()
	sess.control = serverEnd
	sess.state = stateWaitingForAuth
	sess.established.Store(true)
	return sess, collectFrames(clientEnd)
}

func TestAuthSuccess(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newAuthedSession(t, manager, false)

	sess.handleFrame(&wire.AuthRequest{
		Method:   wire.AuthMethodUserPassword,
		Username: "alice",
		Password: "hunter2",
	})

	success, ok := collector.next(t).(*wire.AuthSuccess)
	require.True(t, ok)
	require.Equal(t, "tester", success.Identity)

	serverConfig, ok := collector.next(t).(*wire.ServerConfig)
	require.True(t, ok)
	require.Equal(t, sess.insideIP, serverConfig.InsideIP)
	require.Equal(t, netip.MustParseAddr("255.255.255.0"), serverConfig.Netmask)
	require.Equal(t, uint16(1350), serverConfig.MTU)
	require.Equal(t, wire.SessionID(42), serverConfig.SessionID)

	require.Equal(t, stateOnline, sess.state)
	require.Equal(t, "tester", sess.identity)
	require.True(t, sess.insideIP.IsValid())
	require.Equal(t, 1, manager.pool.AllocatedCount())
}

func TestAuthReject(t *testing.T) {

	manager := newTestManager(t)
	manager.authenticator = stubAuthenticator{
		decision: authReject(wire.AuthFailureInvalidCredentials)}
	sess, collector := newAuthedSession(t, manager, false)

	sess.handleFrame(&wire.AuthRequest{
		Method:   wire.AuthMethodUserPassword,
		Username: "mallory",
		Password: "guess",
	})

	failure, ok := collector.next(t).(*wire.AuthFailure)
	require.True(t, ok)
	require.Equal(t, wire.AuthFailureInvalidCredentials, failure.Reason)

	goodbye, ok := collector.next(t).(*wire.Disconnect)
	require.True(t, ok)
	require.Equal(t, wire.DisconnectReasonAuthFailed, goodbye.Reason)

	require.Equal(t, stateDisconnecting, sess.state)
	require.Equal(t, 0, manager.table.count())
	require.Equal(t, 1.0, testutil.ToFloat64(manager.metrics.AuthFailures))
}

func TestAuthPoolExhausted(t *testing.T) {

	manager := newTestManager(t)
	for {
		if _, err := manager.pool.Allocate("filler"); err != nil {
			break
		}
	}
	sess, collector := newAuthedSession(t, manager, false)

	sess.handleFrame(&wire.AuthRequest{
		Method:   wire.AuthMethodUserPassword,
		Username: "alice",
		Password: "hunter2",
	})

	failure, ok := collector.next(t).(*wire.AuthFailure)
	require.True(t, ok)
	require.Equal(t, wire.AuthFailureNoAddressAvailable, failure.Reason)
	require.Equal(t, stateDisconnecting, sess.state)
}

func TestAuthDeadline(t *testing.T) {

	manager := newTestManager(t)
	sess, _ := newAuthedSession(t, manager, false)
	sess.authDeadline = time.Now().Add(-time.Second)

	sess.handleTick(time.Now())
	require.Equal(t, stateDisconnecting, sess.state)
}

func TestIdleTimeout(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newAuthedSession(t, manager, false)
	sess.state = stateOnline
	sess.lastActivity = time.Now().Add(-manager.config.idleTimeout() - time.Second)

	sess.handleTick(time.Now())

	goodbye, ok := collector.next(t).(*wire.Disconnect)
	require.True(t, ok)
	require.Equal(t, wire.DisconnectReasonIdleTimeout, goodbye.Reason)
	require.Equal(t, stateDisconnecting, sess.state)
}

func TestKeepaliveProbe(t *testing.T) {

	manager := newTestManager(t)
	manager.config.KeepaliveIntervalSeconds = 10
	manager.config.KeepaliveTimeoutSeconds = 5
	sess, collector := newAuthedSession(t, manager, false)
	sess.state = stateOnline
	sess.lastActivity = time.Now().Add(-11 * time.Second)

	sess.handleTick(time.Now())

	_, ok := collector.next(t).(*wire.Keepalive)
	require.True(t, ok)
	require.True(t, sess.awaitingKeepalive)

	// The client's keepalive clears the probe and is echoed.
	sess.handleEvent(sessionEvent{
		event: eventControlFrame, frame: &wire.Keepalive{}})
	require.False(t, sess.awaitingKeepalive)
	_, ok = collector.next(t).(*wire.Keepalive)
	require.True(t, ok)

	// An unanswered probe terminates the session.
	sess.awaitingKeepalive = true
	sess.keepaliveSentAt = time.Now().Add(-6 * time.Second)
	sess.lastActivity = time.Now()
	sess.handleTick(time.Now())
	require.Equal(t, stateDisconnecting, sess.state)
}

func TestPingPong(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newAuthedSession(t, manager, false)

	sess.handleFrame(&wire.Ping{Cookie: 7, Payload: []byte("probe")})
	pong, ok := collector.next(t).(*wire.Pong)
	require.True(t, ok)
	require.Equal(t, uint16(7), pong.Cookie)
	require.Equal(t, []byte("probe"), pong.Payload)
}

func TestProtocolViolation(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newAuthedSession(t, manager, false)

	// Data before authentication is a protocol violation.
	sess.handleFrame(&wire.Data{Packet: []byte{0x45}})

	goodbye, ok := collector.next(t).(*wire.Disconnect)
	require.True(t, ok)
	require.Equal(t, wire.DisconnectReasonProtocolError, goodbye.Reason)
	require.Equal(t, stateDisconnecting, sess.state)
}

// newLaneSession builds an Online datagram session ready for the bypass
// data plane handshake.
func newLaneSession(
	t *testing.T, manager *Manager) (*session, *frameCollector) {

	t.Helper()
	sess, collector := newAuthedSession(t, manager, true)
	sess.state = stateOnline
	sess.identity = "tester"
	addr, err := manager.allocateInsideIP(sess)
	require.NoError(t, err)
	sess.insideIP = addr
	return sess, collector
}

func TestExpresslaneHandshake(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newLaneSession(t, manager)

	sess.startKeyExchange()
	require.True(t, sess.laneAckPending)

	config, ok := collector.next(t).(*wire.ExpresslaneConfig)
	require.True(t, ok)
	require.True(t, config.Enabled)
	require.False(t, config.Ack)

	// The client acks; the advertised key becomes the encrypt key.
	sess.handleFrame(&wire.ExpresslaneConfig{Version: 1, Enabled: true, Ack: true})
	require.False(t, sess.laneAckPending)
	require.True(t, sess.laneEstablished)
	require.True(t, sess.lane.Ready())

	ownKey, ok := sess.lane.OwnKey()
	require.True(t, ok)
	require.Equal(t, config.Key, ownKey)

	// The client advertises its own key, which is acked without a key.
	clientKey, err := expresslane.NewKey()
	require.NoError(t, err)
	sess.handleFrame(&wire.ExpresslaneConfig{
		Version: 1, Enabled: true, Counter: 0, Key: clientKey})

	ack, ok := collector.next(t).(*wire.ExpresslaneConfig)
	require.True(t, ok)
	require.True(t, ack.Ack)
	require.Equal(t, wire.ExpresslaneKey{}, ack.Key)
	require.True(t, sess.lane.HasPeerKey())
}

// establishLane completes both key directions and returns the client's
// mirrored data plane state.
func establishLane(
	t *testing.T, sess *session,
	collector *frameCollector) *expresslane.State {

	t.Helper()
	sess.startKeyExchange()
	config := collector.next(t).(*wire.ExpresslaneConfig)
	sess.handleFrame(&wire.ExpresslaneConfig{Version: 1, Enabled: true, Ack: true})

	client := expresslane.NewState(sess.sessionID())
	require.NoError(t, client.InstallPeerKey(config.Key, config.Counter))

	clientKey, err := expresslane.NewKey()
	require.NoError(t, err)
	require.NoError(t, client.StageOwnKey(clientKey))
	require.True(t, client.CommitOwnKey())
	sess.handleFrame(&wire.ExpresslaneConfig{
		Version: 1, Enabled: true, Counter: 0, Key: clientKey})
	collector.next(t) // ack
	return client
}

func TestExpresslaneDataPath(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newLaneSession(t, manager)
	client := establishLane(t, sess, collector)

	// Client to server: sealed packets decrypt and forward inside.
	inbound := testIPv4Packet(
		sess.insideIP, netip.MustParseAddr("8.8.8.8"), []byte("hello"))
	body, err := client.Seal(nil, inbound)
	require.NoError(t, err)

	sess.handleExpresslaneData(sessionEvent{data: body, from: sess.outsideAddr()})
	delivered := manager.inside.(*fakeInside).delivered()
	require.Len(t, delivered, 1)
	require.Equal(t, inbound, delivered[0])

	// A replayed packet is dropped and counted.
	sess.handleExpresslaneData(sessionEvent{data: body, from: sess.outsideAddr()})
	require.Len(t, manager.inside.(*fakeInside).delivered(), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(manager.metrics.ReplayDropped))

	// Server to client: inside packets bypass the control path.
	outbound := testIPv4Packet(
		netip.MustParseAddr("8.8.8.8"), sess.insideIP, []byte("reply"))
	sess.handleInsidePacket(outbound)

	sent := manager.outside.(*fakeOutside).sent()
	require.Len(t, sent, 1)
	header, sessionID, packetBody, err := wire.ParsePrologue(sent[0])
	require.NoError(t, err)
	require.True(t, header.Expresslane)
	require.Equal(t, sess.sessionID(), sessionID)

	decrypted, err := client.Open(packetBody)
	require.NoError(t, err)
	require.Equal(t, outbound, decrypted)
}

func TestExpresslaneFloat(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newLaneSession(t, manager)
	client := establishLane(t, sess, collector)

	newAddr := netip.MustParseAddrPort("203.0.113.9:2000")
	packet := testIPv4Packet(
		sess.insideIP, netip.MustParseAddr("8.8.8.8"), nil)
	body, err := client.Seal(nil, packet)
	require.NoError(t, err)

	sess.handleExpresslaneData(sessionEvent{data: body, from: newAddr})

	require.Equal(t, newAddr, sess.outsideAddr())
	found, ok := manager.table.lookupByAddress(newAddr)
	require.True(t, ok)
	require.Same(t, sess, found)
	require.Equal(t, 1.0, testutil.ToFloat64(manager.metrics.SessionFloats))

	// A packet that fails authentication must not float the session.
	garbage := append([]byte(nil), body...)
	garbage[len(garbage)-1] ^= 1
	sess.handleExpresslaneData(sessionEvent{
		data: garbage, from: netip.MustParseAddrPort("198.51.100.1:3000")})
	require.Equal(t, newAddr, sess.outsideAddr())
}

func TestExpresslaneRetransmitExhaustion(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newLaneSession(t, manager)

	sess.startKeyExchange()
	collector.next(t) // initial advertisement

	now := time.Now()
	schedule := sess.retransmitSchedule
	for i := 0; i < len(schedule); i++ {
		now = now.Add(schedule[i] + 100*time.Millisecond)
		sess.handleTick(now)
		retransmit, ok := collector.next(t).(*wire.ExpresslaneConfig)
		require.True(t, ok)
		require.True(t, retransmit.Enabled)
	}

	// The schedule is spent; the next expiry disables the data plane for
	// the session's lifetime.
	now = now.Add(schedule[len(schedule)-1] + 100*time.Millisecond)
	sess.handleTick(now)
	require.True(t, sess.laneDisabled)
	require.False(t, sess.laneAckPending)

	// Inside traffic falls back to the control path.
	outbound := testIPv4Packet(
		netip.MustParseAddr("8.8.8.8"), sess.insideIP, nil)
	sess.handleInsidePacket(outbound)
	data, ok := collector.next(t).(*wire.Data)
	require.True(t, ok)
	require.Equal(t, outbound, data.Packet)
}

func TestExpresslaneKeyRotation(t *testing.T) {

	manager := newTestManager(t)
	sess, collector := newLaneSession(t, manager)
	client := establishLane(t, sess, collector)
	firstID := sess.sessionID()

	// The rotation interval elapses; a fresh key is advertised while the
	// old one keeps encrypting.
	sess.nextKeyUpdate = time.Now().Add(-time.Second)
	sess.lastActivity = time.Now()
	sess.handleTick(time.Now())

	rotation, ok := collector.next(t).(*wire.ExpresslaneConfig)
	require.True(t, ok)
	require.True(t, rotation.Enabled)
	require.True(t, sess.laneAckPending)

	previousKey, _ := sess.lane.OwnKey()
	require.NotEqual(t, previousKey, rotation.Key)

	// The ack commits the rotated key and mints a fresh session id,
	// announced in an updated ServerConfig.
	sess.handleFrame(&wire.ExpresslaneConfig{Version: 1, Enabled: true, Ack: true})
	require.Equal(t, 1.0, testutil.ToFloat64(manager.metrics.KeyRotations))

	newKey, _ := sess.lane.OwnKey()
	require.Equal(t, rotation.Key, newKey)
	require.NotEqual(t, firstID, sess.sessionID())

	serverConfig, ok := collector.next(t).(*wire.ServerConfig)
	require.True(t, ok)
	require.Equal(t, sess.sessionID(), serverConfig.SessionID)

	_, ok = manager.table.lookupByID(sess.sessionID())
	require.True(t, ok)
	_, ok = manager.table.lookupByID(firstID)
	require.False(t, ok)

	// Counters continue monotonically: a packet sealed after rotation
	// still decrypts at the client once it installs the new key.
	require.NoError(t, client.InstallPeerKey(rotation.Key, rotation.Counter))
	outbound := testIPv4Packet(
		netip.MustParseAddr("8.8.8.8"), sess.insideIP, nil)
	sess.handleInsidePacket(outbound)
	sent := manager.outside.(*fakeOutside).sent()
	_, _, body, err := wire.ParsePrologue(sent[len(sent)-1])
	require.NoError(t, err)
	decrypted, err := client.Open(body)
	require.NoError(t, err)
	require.Equal(t, outbound, decrypted)
}

func TestCloseIdempotent(t *testing.T) {

	manager := newTestManager(t)
	sess, _ := newAuthedSession(t, manager, false)
	sess.state = stateOnline
	addr, err := manager.allocateInsideIP(sess)
	require.NoError(t, err)
	sess.insideIP = addr

	sess.close(wire.DisconnectReasonServerShutdown, false)
	sess.close(wire.DisconnectReasonServerShutdown, false)

	require.Equal(t, stateDisconnecting, sess.state)
	require.Equal(t, 0, manager.table.count())
	require.Equal(t, 0, manager.pool.AllocatedCount())
}
