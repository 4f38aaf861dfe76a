// Package pairing implements the out-of-band six-digit-code pairing
// state machine (C6): a SPAKE2-class key agreement over a dedicated
// pairing port, followed by a TLS 1.3 tunnel and a mutual exchange of
// identity peer-info records carrying a passcode-derived confirmation
// tag.
//
// Grounded on the teacher's Handshaker (gosuda-portal's
// portal/core/cryptoops/handshaker.go): length-prefixed framing, a
// single handshake-failed sentinel
// wrapping every sub-phase's error, and a deadline lifted from ctx at
// the top of the exchange.
package pairing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PacketType identifies a PairingPacket's payload kind.
type PacketType uint8

const (
	// PacketSpake2Msg carries one side's SPAKE2 protocol message,
	// exchanged in cleartext before the TLS tunnel comes up.
	PacketSpake2Msg PacketType = 0
	// PacketPeerInfo carries the 8193-byte peer-info record, exchanged
	// only after the TLS tunnel is established.
	PacketPeerInfo PacketType = 1
)

const (
	pairingVersion = 1

	// maxPacketPayload bounds any PairingPacket's payload length.
	maxPacketPayload = 16384

	// peerInfoRecordSize is the fixed size of a PEER_INFO payload: one
	// type byte followed by an 8192-byte body.
	peerInfoRecordSize = 8193
)

// ErrInvalidPacket is returned by DecodePacket when version, type, or
// length fall outside the bounds spec.md §4.6 requires.
var ErrInvalidPacket = errors.New("pairing: invalid packet")

// Packet is one length-framed unit of the pairing wire protocol:
// version(1)=1 | type(1) | length(2, big-endian) | payload.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// Encode serializes p into its wire form.
func (p Packet) Encode() []byte {
	buf := make([]byte, 4+len(p.Payload))
	buf[0] = pairingVersion
	buf[1] = byte(p.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Payload)))
	copy(buf[4:], p.Payload)
	return buf
}

// WritePacket writes p to w.
func WritePacket(w io.Writer, p Packet) error {
	_, err := w.Write(p.Encode())
	return err
}

// ReadPacket reads and validates one Packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, fmt.Errorf("pairing: read header: %w", err)
	}
	version := hdr[0]
	typ := PacketType(hdr[1])
	length := binary.BigEndian.Uint16(hdr[2:4])

	if version != pairingVersion {
		return Packet{}, fmt.Errorf("%w: version %d", ErrInvalidPacket, version)
	}
	if typ != PacketSpake2Msg && typ != PacketPeerInfo {
		return Packet{}, fmt.Errorf("%w: type %d", ErrInvalidPacket, typ)
	}
	if length > maxPacketPayload {
		return Packet{}, fmt.Errorf("%w: length %d", ErrInvalidPacket, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, fmt.Errorf("pairing: read payload: %w", err)
	}
	return Packet{Type: typ, Payload: payload}, nil
}
