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
	std_errors "errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {

	for _, expresslane := range []bool{false, true} {
		encoded := AppendHeader(nil, Header{
			Expresslane: expresslane,
			Version:     ProtocolVersion1_3,
		})
		require.Len(t, encoded, HeaderSize)

		header, err := ParseHeader(encoded)
		require.NoError(t, err)
		require.Equal(t, expresslane, header.Expresslane)
		require.Equal(t, ProtocolVersion1_3, header.Version)
	}

	_, err := ParseHeader([]byte{'X', 'e', 1, 3})
	require.ErrorIs(t, err, ErrInvalidHeader)

	_, err = ParseHeader([]byte{'H', 'e', 1})
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestPrologueRoundTrip(t *testing.T) {

	body := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := AppendPrologue(
		nil, Header{Version: ProtocolVersion1_3}, SessionID(0x1122334455667788))
	encoded = append(encoded, body...)

	header, sessionID, rest, err := ParsePrologue(encoded)
	require.NoError(t, err)
	require.False(t, header.Expresslane)
	require.Equal(t, SessionID(0x1122334455667788), sessionID)
	require.Equal(t, body, rest)

	_, _, _, err = ParsePrologue(encoded[:DatagramPrologueSize-1])
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestSupportsExpresslane(t *testing.T) {

	testCases := []struct {
		version  ProtocolVersion
		supports bool
	}{
		{ProtocolVersion{1, 2}, false},
		{ProtocolVersion{1, 3}, true},
		{ProtocolVersion{1, 4}, true},
		{ProtocolVersion{2, 0}, true},
		{ProtocolVersion{0, 9}, false},
	}
	for _, testCase := range testCases {
		require.Equal(
			t, testCase.supports, testCase.version.SupportsExpresslane(),
			"version %d.%d", testCase.version.Major, testCase.version.Minor)
	}
}

// TestFrameRoundTrips exercises encode-then-decode for every frame tag.
func TestFrameRoundTrips(t *testing.T) {

	var key ExpresslaneKey
	for i := range key {
		key[i] = byte(i)
	}

	frames := []Frame{
		&NoOp{},
		&Ping{Cookie: 42, Payload: []byte("probe")},
		&Pong{Cookie: 42, Payload: []byte("probe")},
		&AuthRequest{Method: AuthMethodUserPassword, Username: "alice", Password: "s3cret"},
		&AuthRequest{Method: AuthMethodToken, Token: "eyJhbGciOiJSUzI1NiJ9.x.y"},
		&AuthSuccess{Identity: "alice"},
		&AuthFailure{Reason: AuthFailureInvalidCredentials},
		&ServerConfig{
			InsideIP:  netip.MustParseAddr("10.125.0.2"),
			Netmask:   netip.MustParseAddr("255.255.0.0"),
			DNS:       netip.MustParseAddr("10.125.0.1"),
			MTU:       1350,
			SessionID: SessionID(0x0102030405060708),
		},
		&Data{Packet: []byte{0x45, 0x00, 0x00, 0x1C}},
		&Disconnect{Reason: DisconnectReasonServerShutdown},
		&Keepalive{},
		&ExpresslaneConfig{Version: 1, Enabled: true, Counter: 7, Key: key},
		&ExpresslaneConfig{Version: 1, Enabled: true, Ack: true, Counter: 7},
	}

	for _, frame := range frames {
		encoded := AppendFrame(nil, frame)

		decoded, consumed, err := DecodeFrame(encoded)
		require.NoError(t, err, "frame %s", frame.FrameType())
		require.Equal(t, len(encoded), consumed)
		require.Equal(t, frame, decoded, "frame %s", frame.FrameType())
	}
}

func TestDecodeFrameStream(t *testing.T) {

	// Two frames back to back in one buffer; decode must consume exactly
	// one frame per call.
	buffer := AppendFrame(nil, &Keepalive{})
	buffer = AppendFrame(buffer, &Disconnect{Reason: DisconnectReasonIdleTimeout})

	first, consumed, err := DecodeFrame(buffer)
	require.NoError(t, err)
	require.IsType(t, &Keepalive{}, first)

	second, _, err := DecodeFrame(buffer[consumed:])
	require.NoError(t, err)
	require.Equal(t, &Disconnect{Reason: DisconnectReasonIdleTimeout}, second)

	// A truncated buffer needs more bytes.
	_, _, err = DecodeFrame(buffer[:1])
	require.ErrorIs(t, err, ErrFrameIncomplete)

	_, _, err = DecodeFrame(nil)
	require.ErrorIs(t, err, ErrFrameIncomplete)
}

func TestDecodeFrameErrors(t *testing.T) {

	_, _, err := DecodeFrame([]byte{99, 0, 0})
	require.ErrorIs(t, err, ErrUnknownFrameType)

	// AuthFailure with an oversize payload.
	_, _, err = DecodeFrame([]byte{byte(FrameTypeAuthFailure), 0, 2, 1, 1})
	require.ErrorIs(t, err, ErrInvalidFrame)

	// Data frame whose inner length disagrees with the payload length.
	_, _, err = DecodeFrame([]byte{byte(FrameTypeData), 0, 3, 0, 9, 0xFF})
	require.ErrorIs(t, err, ErrInvalidFrame)

	// AuthRequest with an unknown method byte.
	_, _, err = DecodeFrame([]byte{byte(FrameTypeAuthRequest), 0, 1, 9})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestExpresslaneDataPacketRoundTrip(t *testing.T) {

	packet := &ExpresslaneDataPacket{
		Counter:    0x0102030405060708,
		Ciphertext: []byte("ciphertext bytes"),
	}
	for i := range packet.IV {
		packet.IV[i] = byte(0xA0 + i)
	}
	for i := range packet.Tag {
		packet.Tag[i] = byte(0xB0 + i)
	}

	encoded := AppendExpresslaneDataPacket(nil, packet)
	require.Len(t, encoded, ExpresslaneDataHeaderSize+len(packet.Ciphertext))

	decoded, err := ParseExpresslaneDataPacket(encoded)
	require.NoError(t, err)
	require.Equal(t, packet, decoded)

	// Reserved bytes are ignored on receive.
	encoded[offExpresslaneReserved] = 0xFF
	decoded, err = ParseExpresslaneDataPacket(encoded)
	require.NoError(t, err)
	require.Equal(t, packet, decoded)

	// Truncated header.
	_, err = ParseExpresslaneDataPacket(encoded[:ExpresslaneDataHeaderSize-1])
	require.ErrorIs(t, err, ErrInvalidDataPacket)

	// Length field disagrees with the body length.
	_, err = ParseExpresslaneDataPacket(encoded[:len(encoded)-1])
	require.ErrorIs(t, err, ErrInvalidDataPacket)
}

func TestExpresslaneAAD(t *testing.T) {

	aad := AppendExpresslaneAAD(nil, SessionID(0x1122334455667788), 0x99AABBCCDDEEFF00)
	require.Equal(
		t,
		[]byte{
			0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
			0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00,
		},
		aad)
	require.Len(t, aad, ExpresslaneAADSize)
}

func TestSentinelErrorsDistinct(t *testing.T) {

	sentinels := []error{
		ErrInvalidHeader, ErrInvalidFrame, ErrUnknownFrameType,
		ErrFrameIncomplete, ErrInvalidDataPacket,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && std_errors.Is(a, b) {
				t.Errorf("sentinel %d matches sentinel %d", i, j)
			}
		}
	}
}
