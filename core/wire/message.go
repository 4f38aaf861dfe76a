// Package wire implements the ADB binary message codec: a fixed 24-byte
// header followed by a variable-length payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/gosuda/goadb/protoerr"
)

// Command is one of the fixed 32-bit little-endian ADB command identifiers.
type Command uint32

// Recognised commands, ASCII little-endian per spec.
const (
	CmdSYNC Command = 0x434e5953
	CmdCNXN Command = 0x4e584e43
	CmdOPEN Command = 0x4e45504f
	CmdOKAY Command = 0x59414b4f
	CmdCLSE Command = 0x45534c43
	CmdWRTE Command = 0x45545257
	CmdAUTH Command = 0x48545541
	CmdSTLS Command = 0x534c5453
)

func (c Command) String() string {
	switch c {
	case CmdSYNC:
		return "SYNC"
	case CmdCNXN:
		return "CNXN"
	case CmdOPEN:
		return "OPEN"
	case CmdOKAY:
		return "OKAY"
	case CmdCLSE:
		return "CLSE"
	case CmdWRTE:
		return "WRTE"
	case CmdAUTH:
		return "AUTH"
	case CmdSTLS:
		return "STLS"
	default:
		return fmt.Sprintf("CMD(0x%08x)", uint32(c))
	}
}

// AUTH arg0 sub-types.
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

// Protocol constants (spec.md §3).
const (
	VersionA          uint32 = 0x01000000 // STLS version word
	Version           uint32 = 0x01000001 // CNXN version sent by this implementation
	MaxPayloadDefault uint32 = 4096
	legacyCNXNCeiling uint32 = 0x01000001 // arg0 below this uses the legacy checksum
)

// DefaultMaxFrameSize bounds the payload length this codec will decode, to
// cap memory under a hostile or corrupt peer.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

const headerSize = 24

// Message is a single decoded ADB frame.
type Message struct {
	Command      Command
	Arg0         uint32
	Arg1         uint32
	DataChecksum uint32
	Magic        uint32
	Payload      []byte
}

// New builds a Message with a correct magic and checksum, ready to Encode.
func New(cmd Command, arg0, arg1 uint32, payload []byte) Message {
	return Message{
		Command:      cmd,
		Arg0:         arg0,
		Arg1:         arg1,
		DataChecksum: checksum(payload),
		Magic:        uint32(cmd) ^ 0xFFFFFFFF,
		Payload:      payload,
	}
}

func checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Encode serializes m as header+payload into a freshly pooled buffer. The
// caller must release the buffer with bytebufferpool.Put when done, or
// simply copy out Bytes() and discard the buffer.
func Encode(m Message) *bytebufferpool.ByteBuffer {
	buf := bytebufferpool.Get()
	buf.B = buf.B[:0]

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.Command))
	binary.LittleEndian.PutUint32(hdr[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(hdr[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(hdr[16:20], m.DataChecksum)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(m.Command)^0xFFFFFFFF)

	buf.B = append(buf.B, hdr[:]...)
	buf.B = append(buf.B, m.Payload...)
	return buf
}

// Decode blocks reading exactly one frame from r: 24 header bytes, then
// data_length payload bytes. maxFrame bounds the payload size accepted;
// pass 0 to use DefaultMaxFrameSize.
func Decode(r io.Reader, maxFrame uint32) (Message, error) {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("%w: read header: %w", protoerr.ErrIO, err)
	}

	m := Message{
		Command:      Command(binary.LittleEndian.Uint32(hdr[0:4])),
		Arg0:         binary.LittleEndian.Uint32(hdr[4:8]),
		Arg1:         binary.LittleEndian.Uint32(hdr[8:12]),
		DataChecksum: binary.LittleEndian.Uint32(hdr[16:20]),
		Magic:        binary.LittleEndian.Uint32(hdr[20:24]),
	}
	dataLength := binary.LittleEndian.Uint32(hdr[12:16])

	if dataLength > maxFrame {
		return Message{}, fmt.Errorf("%w: payload %d exceeds max frame %d", protoerr.ErrProtocol, dataLength, maxFrame)
	}

	if dataLength > 0 {
		m.Payload = make([]byte, dataLength)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, fmt.Errorf("%w: read payload: %w", protoerr.ErrIO, err)
		}
	}

	return m, nil
}

// Validate checks the magic law and the legacy CNXN checksum. It never
// rejects a checksum mismatch on non-legacy CNXN frames, per spec.md §3.
// It does not check the payload length: Message has no separate length
// field, and Decode sizes Payload from the header's data_length.
func Validate(m Message) bool {
	if m.Magic != uint32(m.Command)^0xFFFFFFFF {
		return false
	}
	if m.Command == CmdCNXN && m.Arg0 < legacyCNXNCeiling {
		if m.DataChecksum != checksum(m.Payload) {
			return false
		}
	}
	return true
}
