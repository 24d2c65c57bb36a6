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

Package server implements the Lightway VPN server: the outside UDP/DTLS
and TCP/TLS control planes, the Expresslane bypass data plane, per
session tasks, inside address management, and the tun device bridge.

*/
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lightway-server/lightway/common/errors"
)

// Server assembles and runs every component. Construction validates the
// configuration; Listen binds sockets and devices; Run serves until the
// context is canceled.
type Server struct {
	config  *Config
	metrics *Metrics
	manager *Manager

	udp *udpTransport
	tcp *tcpTransport
	tun *tunDevice

	metricsListener net.Listener
}

// NewServer builds a server from a validated configuration. Errors here
// are configuration errors; no sockets are bound yet.
func NewServer(config *Config) (*Server, error) {

	metrics := NewMetrics()

	authenticator, err := NewAuthenticator(config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	manager, err := NewManager(config, metrics, authenticator)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Server{
		config:  config,
		metrics: metrics,
		manager: manager,
	}, nil
}

// Listen binds the outside socket, the tun device, and the metrics
// endpoint. Errors here are bind failures.
func (server *Server) Listen() error {

	var err error
	switch server.config.Mode {
	case ModeUDP:
		server.udp, err = newUDPTransport(server.manager, server.config)
		if err != nil {
			return errors.Trace(err)
		}
		server.manager.SetOutside(server.udp)
	case ModeTCP:
		server.tcp, err = newTCPTransport(server.manager, server.config)
		if err != nil {
			return errors.Trace(err)
		}
	}

	server.tun, err = newTunDevice(server.manager, server.config)
	if err != nil {
		server.closeListeners()
		return errors.Trace(err)
	}
	server.manager.SetInside(server.tun)

	if server.config.MetricsAddress != "" {
		server.metricsListener, err = net.Listen("tcp", server.config.MetricsAddress)
		if err != nil {
			server.closeListeners()
			return errors.Trace(err)
		}
	}

	log.WithContextFields(LogFields{
		"mode": server.config.Mode,
		"bind": server.config.BindAddress,
	}).Info("server listening")

	return nil
}

func (server *Server) closeListeners() {
	if server.udp != nil {
		server.udp.Close()
	}
	if server.tcp != nil {
		server.tcp.Close()
	}
	if server.tun != nil {
		server.tun.Close()
	}
	if server.metricsListener != nil {
		server.metricsListener.Close()
	}
}

// Run serves until the context is canceled, then drains sessions and
// returns. Listen must have succeeded.
func (server *Server) Run(ctx context.Context) error {

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		server.manager.Run(groupCtx)
		return nil
	})

	if server.udp != nil {
		group.Go(func() error {
			return server.udp.Run(groupCtx)
		})
	}
	if server.tcp != nil {
		group.Go(func() error {
			return server.tcp.Run(groupCtx)
		})
	}

	group.Go(func() error {
		return server.tun.Run(groupCtx)
	})

	if server.metricsListener != nil {
		metricsServer := &http.Server{Handler: server.metrics.Handler()}
		group.Go(func() error {
			err := metricsServer.Serve(server.metricsListener)
			if err == http.ErrServerClosed {
				return nil
			}
			return errors.Trace(err)
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(), time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	err := group.Wait()
	server.closeListeners()
	if err != nil && ctx.Err() == nil {
		return errors.Trace(err)
	}

	log.WithContext().Info("server stopped")
	return nil
}
