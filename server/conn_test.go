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
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDatagramConn(send func([]byte) error) *datagramConn {
	local := &net.UDPAddr{IP: net.IPv4zero, Port: 27690}
	remote := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1000}
	if send == nil {
		send = func([]byte) error { return nil }
	}
	return newDatagramConn(local, remote, send)
}

func TestDatagramConnReadWrite(t *testing.T) {

	var sent [][]byte
	conn := newTestDatagramConn(func(record []byte) error {
		sent = append(sent, record)
		return nil
	})

	require.True(t, conn.deliver([]byte("record-1")))

	buffer := make([]byte, 64)
	n, err := conn.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, []byte("record-1"), buffer[:n])

	n, err = conn.Write([]byte("outbound"))
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Len(t, sent, 1)
}

func TestDatagramConnReadDeadline(t *testing.T) {

	conn := newTestDatagramConn(nil)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	buffer := make([]byte, 64)
	_, err := conn.Read(buffer)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// Clearing the deadline unblocks a subsequent delivery.
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.deliver([]byte("late"))
	}()
	n, err := conn.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, []byte("late"), buffer[:n])
}

func TestDatagramConnDeadlineExtension(t *testing.T) {

	conn := newTestDatagramConn(nil)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// A delivery past the original deadline still succeeds because the
	// extension superseded it.
	result := make(chan error, 1)
	go func() {
		buffer := make([]byte, 64)
		_, err := conn.Read(buffer)
		result <- err
	}()
	time.Sleep(150 * time.Millisecond)
	conn.deliver([]byte("extended"))
	require.NoError(t, <-result)
}

func TestDatagramConnClose(t *testing.T) {

	conn := newTestDatagramConn(nil)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	buffer := make([]byte, 64)
	_, err := conn.Read(buffer)
	require.ErrorIs(t, err, net.ErrClosed)

	_, err = conn.Write([]byte("after close"))
	require.ErrorIs(t, err, net.ErrClosed)

	require.False(t, conn.deliver([]byte("dropped")))
}

func TestDatagramConnQueueBound(t *testing.T) {

	conn := newTestDatagramConn(nil)
	for i := 0; i < datagramConnQueueSize; i++ {
		require.True(t, conn.deliver([]byte{byte(i)}))
	}
	require.False(t, conn.deliver([]byte{0xFF}))
}
