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
	"net/netip"

	"github.com/lightway-server/lightway/common/errors"
)

// FrameType tags a control frame on the TLS/DTLS stream.
type FrameType uint8

const (
	FrameTypeNoOp              = FrameType(1)
	FrameTypePing              = FrameType(2)
	FrameTypePong              = FrameType(3)
	FrameTypeAuthRequest       = FrameType(4)
	FrameTypeAuthSuccess       = FrameType(5)
	FrameTypeAuthFailure       = FrameType(6)
	FrameTypeServerConfig      = FrameType(7)
	FrameTypeData              = FrameType(8)
	FrameTypeDisconnect        = FrameType(9)
	FrameTypeKeepalive         = FrameType(10)
	FrameTypeExpresslaneConfig = FrameType(20)
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeNoOp:
		return "NoOp"
	case FrameTypePing:
		return "Ping"
	case FrameTypePong:
		return "Pong"
	case FrameTypeAuthRequest:
		return "AuthRequest"
	case FrameTypeAuthSuccess:
		return "AuthSuccess"
	case FrameTypeAuthFailure:
		return "AuthFailure"
	case FrameTypeServerConfig:
		return "ServerConfig"
	case FrameTypeData:
		return "Data"
	case FrameTypeDisconnect:
		return "Disconnect"
	case FrameTypeKeepalive:
		return "Keepalive"
	case FrameTypeExpresslaneConfig:
		return "ExpresslaneConfig"
	}
	return "Unknown"
}

// AuthMethod selects the credential form in an AuthRequest.
type AuthMethod uint8

const (
	AuthMethodUserPassword = AuthMethod(1)
	AuthMethodToken        = AuthMethod(2)
)

// AuthFailureReason is carried in an AuthFailure frame.
type AuthFailureReason uint8

const (
	AuthFailureInvalidCredentials = AuthFailureReason(1)
	AuthFailureExpiredCredentials = AuthFailureReason(2)
	AuthFailureNoAddressAvailable = AuthFailureReason(3)
)

// DisconnectReason is carried in a Disconnect frame.
type DisconnectReason uint8

const (
	DisconnectReasonAuthFailed       = DisconnectReason(1)
	DisconnectReasonAuthTimeout      = DisconnectReason(2)
	DisconnectReasonServerShutdown   = DisconnectReason(3)
	DisconnectReasonIdleTimeout      = DisconnectReason(4)
	DisconnectReasonProtocolError    = DisconnectReason(5)
	DisconnectReasonAdmissionRefused = DisconnectReason(6)
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonAuthFailed:
		return "auth_failed"
	case DisconnectReasonAuthTimeout:
		return "auth_timeout"
	case DisconnectReasonServerShutdown:
		return "server_shutdown"
	case DisconnectReasonIdleTimeout:
		return "idle_timeout"
	case DisconnectReasonProtocolError:
		return "protocol_error"
	case DisconnectReasonAdmissionRefused:
		return "admission_refused"
	}
	return "unknown"
}

// Frame is a typed control frame. Frames are encoded as a 1 byte tag, a
// 2 byte big-endian payload length, and the payload.
type Frame interface {
	FrameType() FrameType
	appendPayload(dst []byte) []byte
}

const frameHeaderSize = 3

// maxFramePayloadSize bounds a single frame payload; larger lengths are
// rejected as malformed.
const maxFramePayloadSize = 0xFFFF

var (
	// ErrInvalidFrame is returned for structurally malformed frames.
	ErrInvalidFrame = errors.TraceNew("invalid frame")

	// ErrUnknownFrameType is returned for tags outside the frame table.
	ErrUnknownFrameType = errors.TraceNew("unknown frame type")

	// ErrFrameIncomplete indicates more stream bytes are required before
	// the next frame can be decoded.
	ErrFrameIncomplete = errors.TraceNew("incomplete frame")
)

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, frame Frame) []byte {
	dst = append(dst, byte(frame.FrameType()))
	lengthOffset := len(dst)
	dst = append(dst, 0, 0)
	dst = frame.appendPayload(dst)
	payloadLength := len(dst) - lengthOffset - 2
	binary.BigEndian.PutUint16(dst[lengthOffset:], uint16(payloadLength))
	return dst
}

// DecodeFrame decodes the first frame in buffer, returning the frame and
// the number of bytes consumed. ErrFrameIncomplete is returned when buffer
// holds only a prefix of the next frame; callers accumulate more stream
// bytes and retry.
func DecodeFrame(buffer []byte) (Frame, int, error) {
	if len(buffer) < frameHeaderSize {
		return nil, 0, errors.Trace(ErrFrameIncomplete)
	}
	frameType := FrameType(buffer[0])
	payloadLength := int(binary.BigEndian.Uint16(buffer[1:3]))
	if len(buffer) < frameHeaderSize+payloadLength {
		return nil, 0, errors.Trace(ErrFrameIncomplete)
	}
	payload := buffer[frameHeaderSize : frameHeaderSize+payloadLength]
	consumed := frameHeaderSize + payloadLength

	frame, err := decodePayload(frameType, payload)
	if err != nil {
		return nil, consumed, errors.Trace(err)
	}
	return frame, consumed, nil
}

func decodePayload(frameType FrameType, payload []byte) (Frame, error) {
	switch frameType {
	case FrameTypeNoOp:
		return &NoOp{}, nil
	case FrameTypePing:
		return decodePing(payload)
	case FrameTypePong:
		return decodePong(payload)
	case FrameTypeAuthRequest:
		return decodeAuthRequest(payload)
	case FrameTypeAuthSuccess:
		return decodeAuthSuccess(payload)
	case FrameTypeAuthFailure:
		return decodeAuthFailure(payload)
	case FrameTypeServerConfig:
		return decodeServerConfig(payload)
	case FrameTypeData:
		return decodeData(payload)
	case FrameTypeDisconnect:
		return decodeDisconnect(payload)
	case FrameTypeKeepalive:
		return &Keepalive{}, nil
	case FrameTypeExpresslaneConfig:
		return decodeExpresslaneConfig(payload)
	}
	return nil, errors.Trace(ErrUnknownFrameType)
}

// NoOp carries no payload and elicits no response.
type NoOp struct{}

func (f *NoOp) FrameType() FrameType            { return FrameTypeNoOp }
func (f *NoOp) appendPayload(dst []byte) []byte { return dst }

// Ping is an application-level liveness probe. The cookie is echoed in the
// corresponding Pong.
type Ping struct {
	Cookie  uint16
	Payload []byte
}

func (f *Ping) FrameType() FrameType { return FrameTypePing }

func (f *Ping) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.Cookie)
	return append(dst, f.Payload...)
}

func decodePing(payload []byte) (Frame, error) {
	if len(payload) < 2 {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	return &Ping{
		Cookie:  binary.BigEndian.Uint16(payload),
		Payload: append([]byte(nil), payload[2:]...),
	}, nil
}

// Pong echoes a Ping's cookie and payload.
type Pong struct {
	Cookie  uint16
	Payload []byte
}

func (f *Pong) FrameType() FrameType { return FrameTypePong }

func (f *Pong) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.Cookie)
	return append(dst, f.Payload...)
}

func decodePong(payload []byte) (Frame, error) {
	if len(payload) < 2 {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	return &Pong{
		Cookie:  binary.BigEndian.Uint16(payload),
		Payload: append([]byte(nil), payload[2:]...),
	}, nil
}

// AuthRequest carries the client credential. The method byte selects
// between a username/password pair and a signed token.
type AuthRequest struct {
	Method   AuthMethod
	Username string
	Password string
	Token    string
}

func (f *AuthRequest) FrameType() FrameType { return FrameTypeAuthRequest }

func (f *AuthRequest) appendPayload(dst []byte) []byte {
	dst = append(dst, byte(f.Method))
	switch f.Method {
	case AuthMethodUserPassword:
		dst = append(dst, byte(len(f.Username)))
		dst = append(dst, f.Username...)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Password)))
		dst = append(dst, f.Password...)
	case AuthMethodToken:
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Token)))
		dst = append(dst, f.Token...)
	}
	return dst
}

func decodeAuthRequest(payload []byte) (Frame, error) {
	if len(payload) < 1 {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	frame := &AuthRequest{Method: AuthMethod(payload[0])}
	payload = payload[1:]
	switch frame.Method {
	case AuthMethodUserPassword:
		if len(payload) < 1 {
			return nil, errors.Trace(ErrInvalidFrame)
		}
		userLength := int(payload[0])
		payload = payload[1:]
		if len(payload) < userLength+2 {
			return nil, errors.Trace(ErrInvalidFrame)
		}
		frame.Username = string(payload[:userLength])
		payload = payload[userLength:]
		passwordLength := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if len(payload) != passwordLength {
			return nil, errors.Trace(ErrInvalidFrame)
		}
		frame.Password = string(payload)
	case AuthMethodToken:
		if len(payload) < 2 {
			return nil, errors.Trace(ErrInvalidFrame)
		}
		tokenLength := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if len(payload) != tokenLength {
			return nil, errors.Trace(ErrInvalidFrame)
		}
		frame.Token = string(payload)
	default:
		return nil, errors.Trace(ErrInvalidFrame)
	}
	return frame, nil
}

// AuthSuccess acknowledges an accepted credential and names the
// authenticated identity.
type AuthSuccess struct {
	Identity string
}

func (f *AuthSuccess) FrameType() FrameType { return FrameTypeAuthSuccess }

func (f *AuthSuccess) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Identity)))
	return append(dst, f.Identity...)
}

func decodeAuthSuccess(payload []byte) (Frame, error) {
	if len(payload) < 2 {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	identityLength := int(binary.BigEndian.Uint16(payload))
	payload = payload[2:]
	if len(payload) != identityLength {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	return &AuthSuccess{Identity: string(payload)}, nil
}

// AuthFailure carries a typed rejection reason.
type AuthFailure struct {
	Reason AuthFailureReason
}

func (f *AuthFailure) FrameType() FrameType { return FrameTypeAuthFailure }

func (f *AuthFailure) appendPayload(dst []byte) []byte {
	return append(dst, byte(f.Reason))
}

func decodeAuthFailure(payload []byte) (Frame, error) {
	if len(payload) != 1 {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	return &AuthFailure{Reason: AuthFailureReason(payload[0])}, nil
}

// ServerConfig assigns the client its inside network parameters after a
// successful authentication.
type ServerConfig struct {
	InsideIP  netip.Addr
	Netmask   netip.Addr
	DNS       netip.Addr
	MTU       uint16
	SessionID SessionID
}

func (f *ServerConfig) FrameType() FrameType { return FrameTypeServerConfig }

// as4 renders an address as four bytes; an unset address encodes as
// 0.0.0.0, which clients treat as "not provided".
func as4(addr netip.Addr) [4]byte {
	if !addr.Is4() {
		return [4]byte{}
	}
	return addr.As4()
}

func (f *ServerConfig) appendPayload(dst []byte) []byte {
	insideIP := as4(f.InsideIP)
	netmask := as4(f.Netmask)
	dns := as4(f.DNS)
	dst = append(dst, insideIP[:]...)
	dst = append(dst, netmask[:]...)
	dst = append(dst, dns[:]...)
	dst = binary.BigEndian.AppendUint16(dst, f.MTU)
	return binary.BigEndian.AppendUint64(dst, uint64(f.SessionID))
}

func decodeServerConfig(payload []byte) (Frame, error) {
	if len(payload) != 22 {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	return &ServerConfig{
		InsideIP:  netip.AddrFrom4([4]byte(payload[0:4])),
		Netmask:   netip.AddrFrom4([4]byte(payload[4:8])),
		DNS:       netip.AddrFrom4([4]byte(payload[8:12])),
		MTU:       binary.BigEndian.Uint16(payload[12:14]),
		SessionID: SessionID(binary.BigEndian.Uint64(payload[14:22])),
	}, nil
}

// Data carries one raw IPv4 datagram over the control path.
type Data struct {
	Packet []byte
}

func (f *Data) FrameType() FrameType { return FrameTypeData }

func (f *Data) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Packet)))
	return append(dst, f.Packet...)
}

func decodeData(payload []byte) (Frame, error) {
	if len(payload) < 2 {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	packetLength := int(binary.BigEndian.Uint16(payload))
	payload = payload[2:]
	if len(payload) != packetLength {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	return &Data{Packet: append([]byte(nil), payload...)}, nil
}

// Disconnect announces session teardown with a typed reason.
type Disconnect struct {
	Reason DisconnectReason
}

func (f *Disconnect) FrameType() FrameType { return FrameTypeDisconnect }

func (f *Disconnect) appendPayload(dst []byte) []byte {
	return append(dst, byte(f.Reason))
}

func decodeDisconnect(payload []byte) (Frame, error) {
	if len(payload) != 1 {
		return nil, errors.Trace(ErrInvalidFrame)
	}
	return &Disconnect{Reason: DisconnectReason(payload[0])}, nil
}

// Keepalive is the inactivity probe; the receiver replies with its own
// Keepalive.
type Keepalive struct{}

func (f *Keepalive) FrameType() FrameType            { return FrameTypeKeepalive }
func (f *Keepalive) appendPayload(dst []byte) []byte { return dst }
