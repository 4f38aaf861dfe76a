package pairing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// peerInfoType mirrors upstream ADB's peer-info record leading byte:
// the single byte in front of the 8192-byte body identifying what kind
// of identity is carried.
const peerInfoType = 1 // RSA public key blob

// ErrPeerInfoMismatch signals the confirmation tag folded into the
// peer-info envelope didn't match what this side derived from its own
// SPAKE2 secret — the two ends paired with different passcodes.
var ErrPeerInfoMismatch = errors.New("pairing: peer-info confirmation mismatch")

// buildPeerInfo packs blob (the RSA public key blob, spec.md §3) and a
// confirmation tag derived from the PAKE-derived PSK into the fixed
// 8193-byte peer-info record spec.md §4.6(c) describes. The confirmation
// tag rides in the record's padding, per spec.md's own suggestion that
// the TLS exported-keying-material check "may be incorporated into the
// peer-info envelope" — the mechanism this implementation chooses.
func buildPeerInfo(blob, confirmation []byte) ([]byte, error) {
	if len(blob) > peerInfoRecordSize-1-2-len(confirmation) {
		return nil, fmt.Errorf("pairing: public key blob too large for peer-info record")
	}

	record := make([]byte, peerInfoRecordSize)
	record[0] = peerInfoType

	body := record[1:]
	binary.BigEndian.PutUint16(body[0:2], uint16(len(blob)))
	copy(body[2:], blob)
	copy(body[len(body)-len(confirmation):], confirmation)
	return record, nil
}

// parsePeerInfo unpacks a peer-info record built by buildPeerInfo,
// verifying its confirmation tag against expectedConfirmation.
func parsePeerInfo(record, expectedConfirmation []byte) (blob []byte, err error) {
	if len(record) != peerInfoRecordSize {
		return nil, fmt.Errorf("pairing: peer-info record has length %d, want %d", len(record), peerInfoRecordSize)
	}
	body := record[1:]
	blobLen := binary.BigEndian.Uint16(body[0:2])
	if int(blobLen) > len(body)-2-len(expectedConfirmation) {
		return nil, fmt.Errorf("pairing: peer-info blob length %d out of range", blobLen)
	}
	blob = append([]byte(nil), body[2:2+blobLen]...)

	tag := body[len(body)-len(expectedConfirmation):]
	if !constantTimeEqual(tag, expectedConfirmation) {
		return nil, ErrPeerInfoMismatch
	}
	return blob, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
