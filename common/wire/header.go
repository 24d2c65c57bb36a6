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

Package wire implements the Lightway outside header and the typed control
frames carried over the TLS/DTLS control path, along with the bypass data
packet layout used by the Expresslane data plane.

Every outside datagram begins with a 4 byte header: the marker bytes 'H'
and 'e', followed by the protocol major and minor version. On the datagram
transport the header is followed by the sender's 8 byte session id, forming
a 12 byte prologue. An Expresslane data packet is distinguished by the high
bit of the first header byte; its body uses the layout in expresslane.go
and never traverses the TLS/DTLS stream.

*/
package wire

import (
	"encoding/binary"

	"github.com/lightway-server/lightway/common/errors"
)

const (
	headerMarker0 = byte('H')
	headerMarker1 = byte('e')

	// flagExpresslane is set on the first header byte of bypass data
	// packets.
	flagExpresslane = byte(0x80)

	// HeaderSize is the fixed outside header length.
	HeaderSize = 4

	// SessionIDSize is the wire length of a session id.
	SessionIDSize = 8

	// DatagramPrologueSize is the header plus session id carried on every
	// datagram transport packet.
	DatagramPrologueSize = HeaderSize + SessionIDSize
)

// SessionID is the 64-bit connection identity assigned by the server.
type SessionID uint64

const (
	// SessionIDNone is carried by clients that have not yet been assigned
	// an id, including the initial handshake flight.
	SessionIDNone = SessionID(0)

	// SessionIDRejected is sent by the server in reject packets for
	// unknown or refused sessions.
	SessionIDRejected = SessionID(0xFFFFFFFFFFFFFFFF)
)

// ProtocolVersion is the outside protocol version advertised in the header.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

// ProtocolVersion1_3 is the minimum version supporting Expresslane.
var ProtocolVersion1_3 = ProtocolVersion{Major: 1, Minor: 3}

// SupportsExpresslane indicates whether the bypass data plane may be
// negotiated at this version.
func (v ProtocolVersion) SupportsExpresslane() bool {
	return v.Major > 1 || (v.Major == 1 && v.Minor >= 3)
}

// Header is the fixed outside header.
type Header struct {
	Expresslane bool
	Version     ProtocolVersion
}

// ErrInvalidHeader is returned for packets whose prologue does not carry
// the expected marker bytes.
var ErrInvalidHeader = errors.TraceNew("invalid outside header")

// AppendHeader appends the encoded header to dst.
func AppendHeader(dst []byte, header Header) []byte {
	b0 := headerMarker0
	if header.Expresslane {
		b0 |= flagExpresslane
	}
	return append(dst, b0, headerMarker1, header.Version.Major, header.Version.Minor)
}

// ParseHeader decodes the fixed header from the front of packet.
func ParseHeader(packet []byte) (Header, error) {
	if len(packet) < HeaderSize {
		return Header{}, errors.Trace(ErrInvalidHeader)
	}
	if packet[0]&^flagExpresslane != headerMarker0 || packet[1] != headerMarker1 {
		return Header{}, errors.Trace(ErrInvalidHeader)
	}
	return Header{
		Expresslane: packet[0]&flagExpresslane != 0,
		Version:     ProtocolVersion{Major: packet[2], Minor: packet[3]},
	}, nil
}

// AppendPrologue appends the datagram prologue, the header followed by the
// session id, to dst.
func AppendPrologue(dst []byte, header Header, sessionID SessionID) []byte {
	dst = AppendHeader(dst, header)
	return binary.BigEndian.AppendUint64(dst, uint64(sessionID))
}

// ParsePrologue decodes the datagram prologue and returns the remaining
// packet body.
func ParsePrologue(packet []byte) (Header, SessionID, []byte, error) {
	header, err := ParseHeader(packet)
	if err != nil {
		return Header{}, SessionIDNone, nil, errors.Trace(err)
	}
	if len(packet) < DatagramPrologueSize {
		return Header{}, SessionIDNone, nil, errors.Trace(ErrInvalidHeader)
	}
	sessionID := SessionID(binary.BigEndian.Uint64(packet[HeaderSize:]))
	return header, sessionID, packet[DatagramPrologueSize:], nil
}
