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
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the server's observable counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	ExpresslaneActive  prometheus.Gauge
	PoolFree           prometheus.Gauge
	AuthFailures       prometheus.Counter
	AdmissionRefused   prometheus.Counter
	KeyRotations       prometheus.Counter
	SessionFloats      prometheus.Counter
	ReplayDropped      prometheus.Counter
	DecryptErrors      prometheus.Counter
	InboxDrops         prometheus.Counter
	OutQueueDrops      prometheus.Counter
	TunRxPackets       prometheus.Counter
	TunTxPackets       prometheus.Counter
	TunRxDropped       prometheus.Counter
	OutsideRxPackets   prometheus.Counter
	OutsideTxPackets   prometheus.Counter
	OutsideRxMalformed prometheus.Counter
	RejectsSent        prometheus.Counter
}

// NewMetrics creates a metrics set on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	newCounter := func(name, help string) prometheus.Counter {
		counter := prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "lightway", Name: name, Help: help})
		registry.MustRegister(counter)
		return counter
	}
	newGauge := func(name, help string) prometheus.Gauge {
		gauge := prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "lightway", Name: name, Help: help})
		registry.MustRegister(gauge)
		return gauge
	}

	return &Metrics{
		registry: registry,

		SessionsActive:     newGauge("sessions_active", "Live sessions."),
		SessionsTotal:      newCounter("sessions_total", "Sessions ever created."),
		ExpresslaneActive:  newGauge("expresslane_sessions", "Sessions with the bypass data plane active."),
		PoolFree:           newGauge("pool_free", "Immediately allocatable inside IPs."),
		AuthFailures:       newCounter("auth_failures_total", "Rejected authentication attempts."),
		AdmissionRefused:   newCounter("admission_refused_total", "Sessions refused by the admission cap."),
		KeyRotations:       newCounter("key_rotations_total", "Completed data plane key rotations."),
		SessionFloats:      newCounter("session_floats_total", "Outside address rebinds."),
		ReplayDropped:      newCounter("replay_dropped_total", "Data plane packets dropped by the replay window."),
		DecryptErrors:      newCounter("decrypt_errors_total", "Data plane packets failing authentication."),
		InboxDrops:         newCounter("inbox_drops_total", "Events dropped on full session inboxes."),
		OutQueueDrops:      newCounter("outqueue_drops_total", "Inside packets dropped on full session queues."),
		TunRxPackets:       newCounter("tun_rx_packets_total", "Packets read from the tun device."),
		TunTxPackets:       newCounter("tun_tx_packets_total", "Packets written to the tun device."),
		TunRxDropped:       newCounter("tun_rx_dropped_total", "Inside packets dropped: tun reads that are not IPv4 or have no owning session, and session packets with a spoofed source or a full tun queue."),
		OutsideRxPackets:   newCounter("outside_rx_packets_total", "Packets received on the outside transport."),
		OutsideTxPackets:   newCounter("outside_tx_packets_total", "Packets sent on the outside transport."),
		OutsideRxMalformed: newCounter("outside_rx_malformed_total", "Outside packets with invalid prologues."),
		RejectsSent:        newCounter("rejects_sent_total", "Reject packets sent for unknown or refused sessions."),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
