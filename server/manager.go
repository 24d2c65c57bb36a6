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
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/marusama/semaphore"
	"github.com/pion/dtls/v2"
	"golang.org/x/time/rate"

	"github.com/lightway-server/lightway/common/errors"
	"github.com/lightway-server/lightway/common/ippool"
	"github.com/lightway-server/lightway/common/wire"
)

// sessionHandshakeTimeout bounds the time from first packet to a
// completed TLS/DTLS handshake. Sessions stuck in LinkUp past it are
// reaped by the manager tick.
const sessionHandshakeTimeout = 60 * time.Second

// outsideSender is the outside transport's datagram write surface, used
// by sessions and the manager to emit packets toward clients.
type outsideSender interface {
	WriteToPeer(packet []byte, peer netip.AddrPort) error
	LocalAddr() net.Addr
}

// insideSender delivers decrypted inside IP packets toward the tun
// device. Deliver reports false when the packet was dropped on a full
// queue.
type insideSender interface {
	Deliver(packet []byte) bool
}

// Manager owns the session table, the inside address pool, and session
// admission. It demultiplexes outside datagrams to session tasks and
// drives the periodic tick that sessions use for their timers.
type Manager struct {
	config        *Config
	metrics       *Metrics
	authenticator Authenticator

	table *sessionTable
	pool  *ippool.Pool

	admission semaphore.Semaphore

	dtlsConfig *dtls.Config
	tlsConfig  *tls.Config

	insideNetmask netip.Addr
	insideDNS     netip.Addr

	outside outsideSender
	inside  insideSender

	// keyUpdateCallback publishes committed data plane keys, letting the
	// outside transport maintain a kernel offload or cache. May be nil.
	keyUpdateCallback func(
		sessionID wire.SessionID,
		ownKey wire.ExpresslaneKey,
		peerKey wire.ExpresslaneKey)

	rejectLimiter *rate.Limiter

	runWaitGroup sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewManager assembles a Manager from validated configuration. The
// outside and inside senders are attached later, before Run, because the
// transports need the manager for demultiplexing.
func NewManager(
	config *Config,
	metrics *Metrics,
	authenticator Authenticator) (*Manager, error) {

	poolPrefix, err := netip.ParsePrefix(config.IPPool)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var reserved []netip.Addr
	var tunIP, dnsIP netip.Addr
	if config.TunIP != "" {
		tunIP, err = netip.ParseAddr(config.TunIP)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reserved = append(reserved, tunIP)
	}
	if config.DNSIP != "" {
		dnsIP, err = netip.ParseAddr(config.DNSIP)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reserved = append(reserved, dnsIP)
	}

	pool, err := ippool.NewPool(poolPrefix, reserved, config.quarantineDelay())
	if err != nil {
		return nil, errors.Trace(err)
	}

	manager := &Manager{
		config:        config,
		metrics:       metrics,
		authenticator: authenticator,
		table:         newSessionTable(),
		pool:          pool,
		insideNetmask: netmaskAddr(poolPrefix),
		insideDNS:     dnsIP,
		rejectLimiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 32),
		stopped:       make(chan struct{}),
	}

	if config.MaxSessions > 0 {
		manager.admission = semaphore.New(config.MaxSessions)
	}

	certificate, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.Mode == ModeUDP {
		if config.EnablePQC {
			log.WithContext().Warning(
				"enable_pqc has no effect on the udp control plane; ignored")
		}
		manager.dtlsConfig = &dtls.Config{
			Certificates: []tls.Certificate{certificate},
			CipherSuites: []dtls.CipherSuiteID{
				dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
			ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
			ConnectContextMaker: func() (context.Context, func()) {
				return context.WithTimeout(context.Background(), 30*time.Second)
			},
		}
	} else {
		manager.tlsConfig = newStreamTLSConfig(config, certificate)
	}

	return manager, nil
}

// newStreamTLSConfig builds the TLS control plane parameters: TLS 1.3
// only, with the post-quantum key exchange option applied. The cipher
// option is not read here.
func newStreamTLSConfig(config *Config, certificate tls.Certificate) *tls.Config {

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS13,
	}

	// TLS 1.3 cipher preference is advisory only; chacha20 selection
	// relies on the client offering it first.
	if config.EnablePQC {
		tlsConfig.CurvePreferences = []tls.CurveID{tls.X25519MLKEM768}
	}
	return tlsConfig
}

// netmaskAddr renders a prefix length as a dotted-quad netmask for the
// ServerConfig frame.
func netmaskAddr(prefix netip.Prefix) netip.Addr {
	bits := prefix.Bits()
	var mask [4]byte
	binary.BigEndian.PutUint32(mask[:], ^uint32(0)<<(32-bits))
	return netip.AddrFrom4(mask)
}

// SetOutside attaches the outside transport. Must be called before Run.
func (manager *Manager) SetOutside(outside outsideSender) {
	manager.outside = outside
}

// SetInside attaches the inside packet sink. Must be called before Run.
func (manager *Manager) SetInside(inside insideSender) {
	manager.inside = inside
}

// SetKeyUpdateCallback registers a listener for committed data plane
// keys. Must be called before Run.
func (manager *Manager) SetKeyUpdateCallback(
	callback func(wire.SessionID, wire.ExpresslaneKey, wire.ExpresslaneKey)) {
	manager.keyUpdateCallback = callback
}

// Run drives the shared session tick until the context is canceled, then
// shuts down: every session is sent a shutdown goodbye and Run waits up
// to the shutdown grace period for the session tasks to finish. Session
// tasks still running when the grace period expires are not stopped.
func (manager *Manager) Run(ctx context.Context) {

	ticker := time.NewTicker(defaultTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			manager.shutdown()
			return
		case now := <-ticker.C:
			manager.tick(now)
		}
	}
}

func (manager *Manager) tick(now time.Time) {
	manager.metrics.PoolFree.Set(float64(manager.pool.FreeCount()))
	for _, sess := range manager.table.snapshot() {
		if !sess.established.Load() &&
			now.Sub(sess.createdAt) > sessionHandshakeTimeout {
			sess.queueClose(wire.DisconnectReasonAuthTimeout)
			continue
		}
		sess.queueTick()
	}
}

// shutdown sends every session a shutdown goodbye and waits for the
// session tasks to drain, bounded by the shutdown grace period.
func (manager *Manager) shutdown() {
	manager.stopOnce.Do(func() {
		close(manager.stopped)
	})

	sessions := manager.table.snapshot()
	log.WithContextFields(LogFields{
		"sessions": len(sessions),
	}).Info("shutdown: disconnecting sessions")

	for _, sess := range sessions {
		sess.queueClose(wire.DisconnectReasonServerShutdown)
	}

	drained := make(chan struct{})
	go func() {
		manager.runWaitGroup.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(defaultShutdownGrace):
		log.WithContextFields(LogFields{
			"sessions": manager.table.count(),
		}).Warning("shutdown grace expired with sessions remaining")
	}
}

// RouteDatagram demultiplexes one outside datagram, creating a session
// for an unknown source's handshake flight. Called from the outside
// reader; the packet buffer is owned by the callee.
func (manager *Manager) RouteDatagram(from netip.AddrPort, packet []byte) {

	manager.metrics.OutsideRxPackets.Inc()

	header, sessionID, body, err := wire.ParsePrologue(packet)
	if err != nil {
		manager.metrics.OutsideRxMalformed.Inc()
		return
	}

	if header.Expresslane {
		sess, ok := manager.table.lookupByID(sessionID)
		if !ok {
			// After a session id rotation the client may briefly keep
			// sending under the old id from its established address.
			sess, ok = manager.table.lookupByAddress(from)
		}
		if !ok {
			manager.sendReject(from)
			return
		}
		sess.queueOutside(sessionEvent{
			event: eventExpresslaneData,
			data:  body,
			from:  from,
		})
		return
	}

	// Control plane record. Demux by session id first so an established
	// session keeps receiving across an address change, then by address.
	if sessionID != wire.SessionIDNone && sessionID != wire.SessionIDRejected {
		if sess, ok := manager.table.lookupByID(sessionID); ok {
			sess.queueOutside(sessionEvent{
				event: eventOutsideRecord,
				data:  body,
				from:  from,
			})
			return
		}
	}
	if sess, ok := manager.table.lookupByAddress(from); ok {
		sess.queueOutside(sessionEvent{
			event: eventOutsideRecord,
			data:  body,
			from:  from,
		})
		return
	}

	if sessionID != wire.SessionIDNone {
		// Not a handshake flight and not a live session.
		manager.sendReject(from)
		return
	}

	manager.createDatagramSession(from, header, body)
}

func (manager *Manager) createDatagramSession(
	from netip.AddrPort, header wire.Header, firstRecord []byte) {

	select {
	case <-manager.stopped:
		return
	default:
	}

	if manager.admission != nil && !manager.admission.TryAcquire(1) {
		manager.metrics.AdmissionRefused.Inc()
		manager.sendReject(from)
		return
	}

	sess, err := manager.startSession(true, from, header.Version, nil)
	if err != nil {
		if manager.admission != nil {
			manager.admission.Release(1)
		}
		log.WithTrace(err).Error("session creation failed")
		return
	}

	sess.queueOutside(sessionEvent{
		event: eventOutsideRecord,
		data:  firstRecord,
		from:  from,
	})
}

// StartStreamSession admits one accepted stream connection and starts
// its session task. The connection is closed on refusal.
func (manager *Manager) StartStreamSession(conn net.Conn) {

	select {
	case <-manager.stopped:
		conn.Close()
		return
	default:
	}

	if manager.admission != nil && !manager.admission.TryAcquire(1) {
		manager.metrics.AdmissionRefused.Inc()
		conn.Close()
		return
	}

	remoteAddr, ok := addrPortFromNetAddr(conn.RemoteAddr())
	if !ok {
		if manager.admission != nil {
			manager.admission.Release(1)
		}
		conn.Close()
		return
	}

	// The stream header exchange negotiates the version later; start at
	// the minimum and let the handshake record what the client sent.
	if _, err := manager.startSession(
		false, remoteAddr, wire.ProtocolVersion1_3, conn); err != nil {
		if manager.admission != nil {
			manager.admission.Release(1)
		}
		conn.Close()
		log.WithTrace(err).Error("session creation failed")
	}
}

// addrPortFromNetAddr normalizes a peer address for use as a table key.
// 4-in-6 mapped addresses are unmapped so the same peer never occupies
// two keys.
func addrPortFromNetAddr(addr net.Addr) (netip.AddrPort, bool) {
	var addrPort netip.AddrPort
	switch addr := addr.(type) {
	case *net.TCPAddr:
		addrPort = addr.AddrPort()
	case *net.UDPAddr:
		addrPort = addr.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		addrPort = parsed
	}
	return netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port()), true
}

func (manager *Manager) startSession(
	transportUDP bool,
	remoteAddr netip.AddrPort,
	version wire.ProtocolVersion,
	streamConn net.Conn) (*session, error) {

	var sess *session
	for attempt := 0; ; attempt++ {
		id, err := manager.mintSessionID()
		if err != nil {
			return nil, errors.Trace(err)
		}
		sess = newSession(manager, id, transportUDP, remoteAddr, version, streamConn)
		evicted, err := manager.table.insert(sess)
		if err == nil {
			if evicted != nil {
				evicted.queueClose(wire.DisconnectReasonProtocolError)
			}
			break
		}
		if attempt >= 3 {
			return nil, errors.Trace(err)
		}
	}

	manager.metrics.SessionsTotal.Inc()
	manager.metrics.SessionsActive.Inc()

	manager.runWaitGroup.Add(1)
	go func() {
		defer manager.runWaitGroup.Done()
		sess.run()
	}()

	log.WithContextFields(LogFields{
		"session_id": sess.sessionID(),
		"peer":       remoteAddr,
		"transport":  transportLabel(transportUDP),
	}).Debug("session created")

	return sess, nil
}

func transportLabel(transportUDP bool) string {
	if transportUDP {
		return "udp"
	}
	return "tcp"
}

// mintSessionID draws a random id, avoiding the two reserved values.
func (manager *Manager) mintSessionID() (wire.SessionID, error) {
	for {
		var raw [wire.SessionIDSize]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return wire.SessionIDNone, errors.Trace(err)
		}
		id := wire.SessionID(binary.BigEndian.Uint64(raw[:]))
		if id != wire.SessionIDNone && id != wire.SessionIDRejected {
			return id, nil
		}
	}
}

// sendReject answers an unroutable datagram with a reject packet so a
// client with a stale session learns to reconnect. Rate limited; rejects
// are advisory.
func (manager *Manager) sendReject(to netip.AddrPort) {
	if manager.config.Mode != ModeUDP || !manager.rejectLimiter.Allow() {
		return
	}
	packet := wire.AppendPrologue(
		make([]byte, 0, wire.DatagramPrologueSize),
		wire.Header{Version: wire.ProtocolVersion1_3},
		wire.SessionIDRejected)
	if err := manager.outside.WriteToPeer(packet, to); err == nil {
		manager.metrics.RejectsSent.Inc()
	}
}

func (manager *Manager) outsideLocalAddr() net.Addr {
	return manager.outside.LocalAddr()
}

func (manager *Manager) sendDatagram(to netip.AddrPort, packet []byte) error {
	err := manager.outside.WriteToPeer(packet, to)
	if err == nil {
		manager.metrics.OutsideTxPackets.Inc()
	}
	return err
}

func (manager *Manager) allocateInsideIP(sess *session) (netip.Addr, error) {
	addr, err := manager.pool.Allocate(sess)
	if err != nil {
		return netip.Addr{}, errors.Trace(err)
	}
	manager.metrics.PoolFree.Set(float64(manager.pool.FreeCount()))
	return addr, nil
}

func (manager *Manager) releaseInsideIP(sess *session) {
	if err := manager.pool.Release(sess.insideIP); err != nil {
		log.WithTrace(err).Warning("inside IP release failed")
	}
	manager.metrics.PoolFree.Set(float64(manager.pool.FreeCount()))
}

// forwardInside hands one decrypted inside packet to the tun writer. The
// source address must be the session's allocated inside IP; spoofed
// packets are dropped.
func (manager *Manager) forwardInside(sess *session, packet []byte) {
	source, ok := ipv4Source(packet)
	if !ok || source != sess.insideIP {
		manager.metrics.TunRxDropped.Inc()
		return
	}
	if !manager.inside.Deliver(packet) {
		manager.metrics.TunRxDropped.Inc()
		return
	}
	manager.metrics.TunTxPackets.Inc()
}

// ipv4Source extracts the source address of an IPv4 packet.
func ipv4Source(packet []byte) (netip.Addr, bool) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(packet[12:16])), true
}

// LookupByInsideIP resolves the session owning an inside address, the
// tun-to-session demux.
func (manager *Manager) LookupByInsideIP(addr netip.Addr) (*session, bool) {
	owner, ok := manager.pool.Owner(addr)
	if !ok {
		return nil, false
	}
	sess, ok := owner.(*session)
	return sess, ok
}

func (manager *Manager) floatSession(sess *session, newAddr netip.AddrPort) error {
	evicted, err := manager.table.rebindAddress(sess, newAddr)
	if err != nil {
		return errors.Trace(err)
	}
	sess.setOutsideAddr(newAddr)
	manager.metrics.SessionFloats.Inc()
	if evicted != nil {
		evicted.queueClose(wire.DisconnectReasonProtocolError)
	}
	return nil
}

func (manager *Manager) unregister(sess *session) {
	manager.table.remove(sess)
	manager.metrics.SessionsActive.Dec()
	if manager.admission != nil {
		manager.admission.Release(1)
	}
}
