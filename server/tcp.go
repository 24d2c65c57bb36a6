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
	"time"

	"github.com/armon/go-proxyproto"

	"github.com/lightway-server/lightway/common/errors"
)

// tcpTransport accepts stream connections and admits each through the
// manager as its own session.
type tcpTransport struct {
	manager  *Manager
	listener net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

func newTCPTransport(manager *Manager, config *Config) (*tcpTransport, error) {

	listener, err := net.Listen("tcp", config.BindAddress)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.ProxyProtocol {
		sourceCheck, err := newTrustedPeerCheck(config.TrustedPeers)
		if err != nil {
			listener.Close()
			return nil, errors.Trace(err)
		}
		listener = &proxyproto.Listener{
			Listener:           listener,
			ProxyHeaderTimeout: 5 * time.Second,
			SourceCheck:        sourceCheck,
		}
	}

	return &tcpTransport{
		manager:  manager,
		listener: listener,
		closed:   make(chan struct{}),
	}, nil
}

// newTrustedPeerCheck builds the PROXY header admission predicate: only
// peers within the trusted CIDRs may assert a client address. An empty
// list trusts every peer, the load balancer is assumed to own the
// network path.
func newTrustedPeerCheck(trustedPeers []string) (proxyproto.SourceChecker, error) {

	if len(trustedPeers) == 0 {
		return func(net.Addr) (bool, error) { return true, nil }, nil
	}

	prefixes := make([]netip.Prefix, len(trustedPeers))
	for i, cidr := range trustedPeers {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		prefixes[i] = prefix
	}

	return func(addr net.Addr) (bool, error) {
		addrPort, ok := addrPortFromNetAddr(addr)
		if !ok {
			return false, nil
		}
		for _, prefix := range prefixes {
			if prefix.Contains(addrPort.Addr()) {
				return true, nil
			}
		}
		return false, nil
	}, nil
}

func (transport *tcpTransport) LocalAddr() net.Addr {
	return transport.listener.Addr()
}

// Run accepts connections until the context is canceled. Transient
// accept errors back off rather than terminating the listener.
func (transport *tcpTransport) Run(ctx context.Context) error {

	go func() {
		<-ctx.Done()
		transport.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := transport.listener.Accept()
		if err != nil {
			select {
			case <-transport.closed:
				return nil
			default:
			}
			if std_errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 10 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			log.WithTrace(err).Warning("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		transport.manager.StartStreamSession(conn)
	}
}

func (transport *tcpTransport) Close() error {
	transport.closeOnce.Do(func() {
		close(transport.closed)
		transport.listener.Close()
	})
	return nil
}
