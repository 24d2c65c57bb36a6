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

package wire

import (
	"encoding/binary"

	"github.com/lightway-server/lightway/common/errors"
)

const (
	// ExpresslaneKeySize is the AES-256-GCM key length.
	ExpresslaneKeySize = 32

	// ExpresslaneIVSize is the per-packet random nonce length.
	ExpresslaneIVSize = 12

	// ExpresslaneTagSize is the GCM authentication tag length.
	ExpresslaneTagSize = 16

	// ExpresslaneDataHeaderSize is the fixed data packet header preceding
	// the ciphertext.
	ExpresslaneDataHeaderSize = 40

	// ExpresslaneAADSize is the associated data length: the 8 byte session
	// id followed by the 8 byte packet counter.
	ExpresslaneAADSize = 16

	expresslaneConfigSize = 44

	expresslaneFlagEnabled = byte(0x80)
	expresslaneFlagAck     = byte(0x40)

	offExpresslaneCounter    = 0
	offExpresslaneIV         = 8
	offExpresslaneTag        = 20
	offExpresslaneLength     = 36
	offExpresslaneReserved   = 38
	offExpresslaneCiphertext = 40
)

// ExpresslaneKey is a data plane key.
type ExpresslaneKey [ExpresslaneKeySize]byte

// ExpresslaneConfig negotiates and rotates the bypass data plane. A Config
// with Enabled set advertises the sender's own-key; the receiver installs
// it as its peer-key. A Config with Ack set is a control signal only and
// carries a zero key and the echoed counter.
type ExpresslaneConfig struct {
	Version uint8
	Enabled bool
	Ack     bool
	Counter uint64
	Key     ExpresslaneKey
}

func (f *ExpresslaneConfig) FrameType() FrameType { return FrameTypeExpresslaneConfig }

func (f *ExpresslaneConfig) appendPayload(dst []byte) []byte {
	flags := byte(0)
	if f.Enabled {
		flags |= expresslaneFlagEnabled
	}
	if f.Ack {
		flags |= expresslaneFlagAck
	}
	dst = append(dst, f.Version, flags, 0, 0)
	dst = binary.BigEndian.AppendUint64(dst, f.Counter)
	return append(dst, f.Key[:]...)
}

func decodeExpresslaneConfig(payload []byte) (Frame, error) {
	if len(payload) != expresslaneConfigSize {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	frame := &ExpresslaneConfig{
		Version: payload[0],
		Enabled: payload[1]&expresslaneFlagEnabled != 0,
		Ack:     payload[1]&expresslaneFlagAck != 0,
		Counter: binary.BigEndian.Uint64(payload[4:12]),
	}
	copy(frame.Key[:], payload[12:])
	return frame, nil
}

// ExpresslaneDataPacket is the bypass data packet body following the
// outside header. Layout:
//
//	off 0  : 8  bytes : packet counter (big-endian, monotonic per own-key)
//	off 8  : 12 bytes : IV (random per packet)
//	off 20 : 16 bytes : GCM authentication tag
//	off 36 : 2  bytes : encrypted payload length (big-endian)
//	off 38 : 2  bytes : reserved (zero on send, ignored on receive)
//	off 40 : N  bytes : ciphertext
type ExpresslaneDataPacket struct {
	Counter    uint64
	IV         [ExpresslaneIVSize]byte
	Tag        [ExpresslaneTagSize]byte
	Ciphertext []byte
}

// ErrInvalidDataPacket is returned for structurally malformed bypass data
// packets.
var ErrInvalidDataPacket = errors.TraceNew("invalid expresslane data packet")

// AppendExpresslaneDataPacket appends the encoded packet body to dst.
func AppendExpresslaneDataPacket(dst []byte, packet *ExpresslaneDataPacket) []byte {
	dst = binary.BigEndian.AppendUint64(dst, packet.Counter)
	dst = append(dst, packet.IV[:]...)
	dst = append(dst, packet.Tag[:]...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(packet.Ciphertext)))
	dst = append(dst, 0, 0)
	return append(dst, packet.Ciphertext...)
}

// ParseExpresslaneDataPacket decodes a packet body. The returned packet's
// Ciphertext aliases body.
func ParseExpresslaneDataPacket(body []byte) (*ExpresslaneDataPacket, error) {
	if len(body) < ExpresslaneDataHeaderSize {
		return nil, errors.Trace(ErrInvalidDataPacket)
	}
	payloadLength := int(binary.BigEndian.Uint16(body[offExpresslaneLength:]))
	if len(body) != ExpresslaneDataHeaderSize+payloadLength {
		return nil, errors.Trace(ErrInvalidDataPacket)
	}
	packet := &ExpresslaneDataPacket{
		Counter:    binary.BigEndian.Uint64(body[offExpresslaneCounter:]),
		Ciphertext: body[offExpresslaneCiphertext:],
	}
	copy(packet.IV[:], body[offExpresslaneIV:])
	copy(packet.Tag[:], body[offExpresslaneTag:])
	return packet, nil
}

// AppendExpresslaneAAD appends the GCM associated data, the session id
// followed by the packet counter, to dst.
func AppendExpresslaneAAD(dst []byte, sessionID SessionID, counter uint64) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(sessionID))
	return binary.BigEndian.AppendUint64(dst, counter)
}
