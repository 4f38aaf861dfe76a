package pairing

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/goadb/core/credentials"
	"github.com/gosuda/goadb/protoerr"
)

// State is a PairingAuthCtx's position in the pairing state machine
// (spec.md §4.6).
type State int

const (
	StateInit State = iota
	StateSpake2Sent
	StateSpake2Done
	StateTLSUp
	StateInfoSent
	StateInfoReceived
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSpake2Sent:
		return "SPAKE2_SENT"
	case StateSpake2Done:
		return "SPAKE2_DONE"
	case StateTLSUp:
		return "TLS_UP"
	case StateInfoSent:
		return "INFO_SENT"
	case StateInfoReceived:
		return "INFO_RECEIVED"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// PeerInfo is the identity record received from the pairing peer over
// the TLS tunnel (spec.md §4.6(c)). The core surfaces it; persistence
// across pairings is a caller concern.
type PeerInfo struct {
	PublicKeyBlob []byte
}

// PairingAuthCtx drives a single client-side pairing handshake: SPAKE2
// key agreement, a TLS 1.3 tunnel authenticated by the local
// credentials, and a mutual peer-info exchange.
//
// Grounded on the teacher's Handshaker.ClientHandshake (gosuda-portal's
// portal/core/cryptoops/handshaker.go): a linear sequence of
// write-then-read sub-phases, each wrapped in a single sentinel error,
// with the state machine existing to make "where did this fail"
// legible to a caller rather than to drive branching logic.
type PairingAuthCtx struct {
	cred   credentials.Credentials
	logger zerolog.Logger
	state  State
}

// NewPairingAuthCtx creates a pairing context around the client's
// long-term credentials, used both for TLS client authentication and
// as the identity advertised in the peer-info exchange. logger receives
// state-transition events; the zero value (zerolog.Nop()) is silent.
func NewPairingAuthCtx(cred credentials.Credentials, logger zerolog.Logger) *PairingAuthCtx {
	return &PairingAuthCtx{cred: cred, logger: logger, state: StateInit}
}

// State returns the context's current position in the pairing state
// machine.
func (p *PairingAuthCtx) State() State { return p.state }

func (p *PairingAuthCtx) setState(s State) {
	p.logger.Debug().Stringer("from", p.state).Stringer("to", s).Msg("adb: pairing state transition")
	p.state = s
}

func (p *PairingAuthCtx) fail(err error) error {
	p.logger.Warn().Stringer("state", p.state).Err(err).Msg("adb: pairing failed")
	p.state = StateFailed
	return fmt.Errorf("%w: %w", protoerr.ErrPairingFailed, err)
}

// Pair dials addr, runs the full pairing handshake using passcode as
// the shared six-digit code, and returns the peer's identity on
// success. Any sub-phase failure is terminal: the pairing connection
// is closed and the context moves to FAILED (spec.md §4.6(d)).
func (p *PairingAuthCtx) Pair(ctx context.Context, addr, passcode string) (PeerInfo, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return PeerInfo{}, p.fail(fmt.Errorf("dial: %w", err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return PeerInfo{}, p.fail(fmt.Errorf("set deadline: %w", err))
		}
		defer conn.SetDeadline(time.Time{})
	}

	return p.run(ctx, conn, passcode)
}

// run executes the handshake over an already-dialed conn, letting
// tests drive it over net.Pipe or a loopback listener.
func (p *PairingAuthCtx) run(ctx context.Context, conn net.Conn, passcode string) (PeerInfo, error) {
	session, err := newSpake2Client(passcode)
	if err != nil {
		return PeerInfo{}, p.fail(err)
	}

	if err := WritePacket(conn, Packet{Type: PacketSpake2Msg, Payload: session.MessageOne()}); err != nil {
		return PeerInfo{}, p.fail(fmt.Errorf("send spake2 message: %w", err))
	}
	p.setState(StateSpake2Sent)

	peerPkt, err := ReadPacket(conn)
	if err != nil {
		return PeerInfo{}, p.fail(fmt.Errorf("read spake2 message: %w", err))
	}
	if peerPkt.Type != PacketSpake2Msg {
		return PeerInfo{}, p.fail(fmt.Errorf("expected spake2 message, got type %d", peerPkt.Type))
	}
	if err := session.Finish(peerPkt.Payload); err != nil {
		return PeerInfo{}, p.fail(err)
	}
	secret, err := session.SharedSecret()
	if err != nil {
		return PeerInfo{}, p.fail(err)
	}
	confirmation, err := derivePSK(secret)
	if err != nil {
		return PeerInfo{}, p.fail(err)
	}
	p.setState(StateSpake2Done)

	tlsConn, err := p.upgradeTLS(ctx, conn)
	if err != nil {
		return PeerInfo{}, p.fail(err)
	}
	defer tlsConn.Close()
	p.setState(StateTLSUp)

	blob, err := mustPublicKeyBlob(p.cred)
	if err != nil {
		return PeerInfo{}, p.fail(err)
	}
	ourRecord, err := buildPeerInfo(blob, confirmation)
	if err != nil {
		return PeerInfo{}, p.fail(err)
	}
	if err := WritePacket(tlsConn, Packet{Type: PacketPeerInfo, Payload: ourRecord}); err != nil {
		return PeerInfo{}, p.fail(fmt.Errorf("send peer-info: %w", err))
	}
	p.setState(StateInfoSent)

	peerInfoPkt, err := ReadPacket(tlsConn)
	if err != nil {
		return PeerInfo{}, p.fail(fmt.Errorf("read peer-info: %w", err))
	}
	if peerInfoPkt.Type != PacketPeerInfo {
		return PeerInfo{}, p.fail(fmt.Errorf("expected peer-info, got type %d", peerInfoPkt.Type))
	}
	peerBlob, err := parsePeerInfo(peerInfoPkt.Payload, confirmation)
	if err != nil {
		return PeerInfo{}, p.fail(err)
	}
	p.setState(StateInfoReceived)
	p.setState(StateDone)
	p.logger.Debug().Msg("adb: pairing complete")

	return PeerInfo{PublicKeyBlob: peerBlob}, nil
}

func (p *PairingAuthCtx) upgradeTLS(ctx context.Context, conn net.Conn) (*tls.Conn, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{p.cred.Certificate()},
		InsecureSkipVerify: true,
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

func mustPublicKeyBlob(cred credentials.Credentials) ([]byte, error) {
	kp, ok := cred.(interface{ PublicKeyBlob() ([]byte, error) })
	if !ok {
		return nil, errors.New("pairing: credentials do not expose a public key blob")
	}
	return kp.PublicKeyBlob()
}
