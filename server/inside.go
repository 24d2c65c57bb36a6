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
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/lightway-server/lightway/common/errors"
)

const (
	// tunOffset is the headroom reserved ahead of each packet handed to
	// the tun device, covering the virtio-net header used for offloads.
	tunOffset = 16

	// tunWriteQueueSize bounds inside packets awaiting a tun write.
	tunWriteQueueSize = 512

	// tunReadBufferSize accommodates offload-coalesced packets.
	tunReadBufferSize = 65535
)

// tunDevice bridges the inside tun interface and the session layer: one
// reader goroutine demultiplexes tun packets to sessions by destination
// address, one writer goroutine drains packets sessions decrypted.
type tunDevice struct {
	manager *Manager
	device  tun.Device

	writeQueue chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newTunDevice(manager *Manager, config *Config) (*tunDevice, error) {

	device, err := tun.CreateTUN(config.TunName, config.MTU)
	if err != nil {
		return nil, errors.Trace(err)
	}

	name, err := device.Name()
	if err == nil {
		log.WithContextFields(LogFields{
			"device": name,
			"mtu":    config.MTU,
		}).Info("tun device up")
	}

	return &tunDevice{
		manager:    manager,
		device:     device,
		writeQueue: make(chan []byte, tunWriteQueueSize),
		closed:     make(chan struct{}),
	}, nil
}

// Deliver queues one inside packet for a tun write. The packet is copied
// into a buffer with tun headroom, so the caller may reuse its slice.
func (t *tunDevice) Deliver(packet []byte) bool {
	buffer := make([]byte, tunOffset+len(packet))
	copy(buffer[tunOffset:], packet)
	select {
	case t.writeQueue <- buffer:
		return true
	case <-t.closed:
		return false
	default:
		return false
	}
}

// Run drives the read and write loops until the context is canceled.
func (t *tunDevice) Run(ctx context.Context) error {

	go func() {
		<-ctx.Done()
		t.Close()
	}()

	go t.drainEvents()
	go t.writeLoop()

	return t.readLoop()
}

func (t *tunDevice) drainEvents() {
	for {
		select {
		case <-t.device.Events():
		case <-t.closed:
			return
		}
	}
}

// readLoop reads packet batches from the tun device and queues each to
// the session owning its destination address.
func (t *tunDevice) readLoop() error {

	batchSize := t.device.BatchSize()
	buffers := make([][]byte, batchSize)
	for i := range buffers {
		buffers[i] = make([]byte, tunOffset+tunReadBufferSize)
	}
	sizes := make([]int, batchSize)

	var ip4 layers.IPv4
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &ip4)
	parser.IgnoreUnsupported = true
	decoded := make([]gopacket.LayerType, 0, 1)

	for {
		count, err := t.device.Read(buffers, sizes, tunOffset)
		if err != nil {
			select {
			case <-t.closed:
				return nil
			default:
			}
			return errors.Trace(err)
		}

		for i := 0; i < count; i++ {
			packet := buffers[i][tunOffset : tunOffset+sizes[i]]
			t.manager.metrics.TunRxPackets.Inc()

			if parser.DecodeLayers(packet, &decoded) != nil ||
				len(decoded) == 0 || decoded[0] != layers.LayerTypeIPv4 {
				t.manager.metrics.TunRxDropped.Inc()
				continue
			}
			destination, ok := netip.AddrFromSlice(ip4.DstIP.To4())
			if !ok {
				t.manager.metrics.TunRxDropped.Inc()
				continue
			}

			sess, ok := t.manager.LookupByInsideIP(destination)
			if !ok {
				t.manager.metrics.TunRxDropped.Inc()
				continue
			}

			// The batch buffers are reused on the next read; the session
			// gets its own copy.
			sess.queueInside(append([]byte(nil), packet...))
		}
	}
}

// writeLoop drains decrypted inside packets to the tun device, batching
// opportunistically.
func (t *tunDevice) writeLoop() {

	batchSize := t.device.BatchSize()
	batch := make([][]byte, 0, batchSize)

	for {
		select {
		case buffer := <-t.writeQueue:
			batch = append(batch[:0], buffer)
		case <-t.closed:
			return
		}

	fill:
		for len(batch) < batchSize {
			select {
			case buffer := <-t.writeQueue:
				batch = append(batch, buffer)
			default:
				break fill
			}
		}

		if _, err := t.device.Write(batch, tunOffset); err != nil {
			logPacketError("tun write failed", err, nil)
		}
	}
}

func (t *tunDevice) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.device.Close()
	})
	return nil
}
