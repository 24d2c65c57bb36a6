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
	std_errors "errors"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/lightway-server/lightway/common/errors"
)

const (
	// udpReadBatchSize is the number of datagrams drained from the kernel
	// per recvmmsg.
	udpReadBatchSize = 32

	// udpReadBufferSize accommodates the prologue plus a full MTU inside
	// packet with data plane overhead, rounded up.
	udpReadBufferSize = 2048
)

// udpTransport is the single outside socket shared by every datagram
// session. One reader goroutine demultiplexes inbound packets through
// the manager; writes go directly to the connection, which is safe for
// concurrent use.
type udpTransport struct {
	manager    *Manager
	conn       *net.UDPConn
	packetConn *ipv4.PacketConn

	closeOnce sync.Once
	closed    chan struct{}
}

func newUDPTransport(manager *Manager, config *Config) (*udpTransport, error) {

	bindAddr, err := netip.ParseAddrPort(config.BindAddress)
	if err != nil {
		return nil, errors.Trace(err)
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(bindAddr))
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.UDPBufferSize > 0 {
		// Failure to enlarge the socket buffers is not fatal; the system
		// default still works, just with more drop pressure under load.
		if err := conn.SetReadBuffer(config.UDPBufferSize); err != nil {
			log.WithTrace(err).Warning("SO_RCVBUF not applied")
		}
		if err := conn.SetWriteBuffer(config.UDPBufferSize); err != nil {
			log.WithTrace(err).Warning("SO_SNDBUF not applied")
		}
	}

	transport := &udpTransport{
		manager:    manager,
		conn:       conn,
		packetConn: ipv4.NewPacketConn(conn),
		closed:     make(chan struct{}),
	}
	return transport, nil
}

func (transport *udpTransport) LocalAddr() net.Addr {
	return transport.conn.LocalAddr()
}

// WriteToPeer sends one packet to a client's outside address. Called
// from session tasks and DTLS timer goroutines.
func (transport *udpTransport) WriteToPeer(packet []byte, peer netip.AddrPort) error {
	_, err := transport.conn.WriteToUDPAddrPort(packet, peer)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Run reads batches of datagrams and routes each to its session until
// the context is canceled.
func (transport *udpTransport) Run(ctx context.Context) error {

	go func() {
		<-ctx.Done()
		transport.Close()
	}()

	messages := make([]ipv4.Message, udpReadBatchSize)
	for i := range messages {
		messages[i].Buffers = [][]byte{make([]byte, udpReadBufferSize)}
	}

	for {
		count, err := transport.packetConn.ReadBatch(messages, 0)
		if err != nil {
			select {
			case <-transport.closed:
				return nil
			default:
			}
			if std_errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Trace(err)
		}

		for i := 0; i < count; i++ {
			message := &messages[i]
			from, ok := addrPortFromNetAddr(message.Addr)
			if !ok {
				continue
			}

			// Sessions retain the packet, so each routed buffer is
			// relinquished and its slot refilled.
			packet := message.Buffers[0][:message.N]
			message.Buffers[0] = make([]byte, udpReadBufferSize)

			transport.manager.RouteDatagram(from, packet)
		}
	}
}

func (transport *udpTransport) Close() error {
	transport.closeOnce.Do(func() {
		close(transport.closed)
		transport.conn.Close()
	})
	return nil
}
