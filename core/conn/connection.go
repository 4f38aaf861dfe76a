// Package conn implements the ADB connection state machine (C4): the
// CNXN/AUTH/STLS handshake driver, the single-reader frame dispatcher
// that fans inbound frames out to per-stream queues, and the
// sender-mutex that serializes outbound writes.
//
// Grounded on the teacher's Handshaker.ClientHandshake (gosuda-portal's
// portal/core/cryptoops/handshaker.go): a deadline applied from context
// before the exchange, a strict read-message/write-message sequence, and
// errors wrapped in a single sentinel per phase. The reader-dispatch
// loop and stream registry borrow relaydns's RelayClient shape (a
// streams map guarded by its own mutex, a stopCh to unwind background
// work on Close).
package conn

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"

	"github.com/gosuda/goadb/core/credentials"
	"github.com/gosuda/goadb/core/stream"
	"github.com/gosuda/goadb/core/tlsupgrade"
	"github.com/gosuda/goadb/core/wire"
	"github.com/gosuda/goadb/protoerr"
)

// State is a Connection's lifecycle position (spec.md §4.4).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthWait
	StateStlsWait
	StateRunning
	StateClosed
)

// DeviceInfo is parsed out of the peer's CNXN banner — a supplemented
// feature (SPEC_FULL.md) surfacing fields adbd always sends but that
// spec.md doesn't itself model, since a caller invariably wants them.
type DeviceInfo struct {
	Serial string
	Props  map[string]string
}

// Options configures a Connection's handshake behavior (spec.md §6).
type Options struct {
	// APILevel is a numeric hint; when >= 29 (TLS-era) STLS is accepted.
	// A nonzero value below that makes a peer offering STLS a protocol
	// error; 0 skips the check.
	APILevel int
	// FailFast maps to spec.md's throw_on_unauthorized: fail with
	// ErrAuthRejected on a second AUTH token instead of sending the RSA
	// public key and waiting for a user prompt on the peer device. The
	// STLS upgrade runs without a TrustStore, so a failed TLS handshake
	// surfaces as ErrIO, never as ErrPairingRequired, whether or not
	// FailFast is set.
	FailFast bool
	// DeviceName is sent as the human-readable identity in the connect
	// banner ("host::<name>"). The ADB public key blob's suffix is the
	// credentials' own device name, not this field.
	DeviceName string
	// MaxFrameSize bounds payload length accepted by the wire codec; 0
	// uses wire.DefaultMaxFrameSize.
	MaxFrameSize uint32
	// Logger receives structured handshake/dispatch events. The zero
	// value (zerolog.Nop()) disables logging entirely — ambient logging
	// configuration is a caller concern (spec.md §1).
	Logger zerolog.Logger
}

const minTLSAPILevel = 29

// Connection is the ADB connection state machine and stream
// multiplexer (C4).
type Connection struct {
	rw   net.Conn
	opts Options
	cred credentials.Credentials

	writeMu sync.Mutex // serializes all outbound frame writes

	mu                sync.Mutex
	state             State
	nextLocalID       uint32
	streams           map[uint32]*stream.Stream
	maxPayload        uint32
	sawSignatureReject bool
	closeErr          error

	closeOnce  sync.Once
	readerDone chan struct{}

	device DeviceInfo
}

// New wraps rw (a dialed TCP socket, or any test double) in a
// Connection ready for Handshake. rw is not touched until Handshake is
// called.
func New(rw net.Conn, cred credentials.Credentials, opts Options) *Connection {
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	return &Connection{
		rw:          rw,
		opts:        opts,
		cred:        cred,
		state:       StateIdle,
		nextLocalID: 1,
		streams:     make(map[uint32]*stream.Stream),
		maxPayload:  wire.MaxPayloadDefault,
		readerDone:  make(chan struct{}),
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceInfo returns the peer identity parsed from its CNXN banner.
// Valid once Handshake returns successfully.
func (c *Connection) DeviceInfo() DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// setDeadline applies ctx's deadline to rw if it supports one, mirroring
// Handshaker.ClientHandshake's pattern of clearing the deadline once the
// handshake finishes.
func (c *Connection) setDeadline(ctx context.Context) (clear func(), err error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return func() {}, nil
	}
	dl, ok := c.rw.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return func() {}, nil
	}
	if err := dl.SetDeadline(deadline); err != nil {
		return func() {}, fmt.Errorf("%w: set deadline: %w", protoerr.ErrIO, err)
	}
	return func() { dl.SetDeadline(time.Time{}) }, nil
}

// Handshake drives the CNXN/AUTH/STLS opening sequence (spec.md
// §4.4.1). On success the connection is RUNNING and the background
// reader task is started. On any failure the connection is CLOSED.
func (c *Connection) Handshake(ctx context.Context) error {
	c.setState(StateConnecting)

	clearDeadline, err := c.setDeadline(ctx)
	if err != nil {
		c.teardown(err)
		return err
	}
	defer clearDeadline()

	if err := c.sendCNXN(); err != nil {
		c.teardown(err)
		return err
	}

	c.setState(StateAuthWait)
	if err := c.authLoop(ctx); err != nil {
		c.teardown(err)
		return err
	}

	c.setState(StateRunning)
	c.opts.Logger.Debug().Str("serial", c.device.Serial).Msg("adb: handshake complete")
	go c.readLoop()
	return nil
}

func (c *Connection) connectBanner() []byte {
	name := c.opts.DeviceName
	if name == "" {
		return []byte("host::\x00")
	}
	return []byte(fmt.Sprintf("host::%s\x00", name))
}

func (c *Connection) sendCNXN() error {
	return c.writeFrame(wire.New(wire.CmdCNXN, wire.Version, wire.MaxPayloadDefault, c.connectBanner()))
}

// authLoop implements spec.md §4.4.1 steps 3 onward: reading AUTH/STLS/
// CNXN frames until the handshake either completes or fails terminally.
func (c *Connection) authLoop(ctx context.Context) error {
	for {
		m, err := wire.Decode(c.rw, c.opts.MaxFrameSize)
		if err != nil {
			return err
		}

		switch m.Command {
		case wire.CmdCNXN:
			c.onPeerCNXN(m)
			return nil

		case wire.CmdAUTH:
			switch m.Arg0 {
			case wire.AuthToken:
				if c.rejectedSignature() {
					if c.opts.FailFast {
						return protoerr.ErrAuthRejected
					}
					if err := c.sendAuthRSAPublicKey(); err != nil {
						return err
					}
					continue
				}
				if err := c.sendAuthSignature(m.Payload); err != nil {
					return err
				}
				continue
			default:
				return fmt.Errorf("%w: unexpected AUTH arg0 %d", protoerr.ErrProtocol, m.Arg0)
			}

		case wire.CmdSTLS:
			return c.handleSTLS(ctx, m)

		default:
			return fmt.Errorf("%w: unexpected %s during handshake", protoerr.ErrProtocol, m.Command)
		}
	}
}

func (c *Connection) sendAuthSignature(token []byte) error {
	kp, ok := c.cred.(interface{ Sign([]byte) ([]byte, error) })
	if !ok {
		return fmt.Errorf("%w: credentials do not support signing", protoerr.ErrProtocol)
	}
	sig, err := kp.Sign(token)
	if err != nil {
		return fmt.Errorf("%w: sign token: %w", protoerr.ErrProtocol, err)
	}
	if err := c.writeFrame(wire.New(wire.CmdAUTH, wire.AuthSignature, 0, sig)); err != nil {
		return err
	}

	// A second AUTH token after this point means the peer rejected this
	// signature; authLoop reads the flag back via rejectedSignature.
	c.mu.Lock()
	c.sawSignatureReject = true
	c.mu.Unlock()
	return nil
}

// rejectedSignature reports whether the peer has already been sent one
// signature, so a further AUTH token means that signature was rejected
// (spec.md §4.4's second-AUTH-token decision: ErrAuthRejected under
// fail-fast, otherwise the RSA public key is sent).
func (c *Connection) rejectedSignature() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sawSignatureReject
}

func (c *Connection) sendAuthRSAPublicKey() error {
	kp, ok := c.cred.(interface{ PublicKeyBlob() ([]byte, error) })
	if !ok {
		return fmt.Errorf("%w: credentials do not expose a public key blob", protoerr.ErrProtocol)
	}
	blob, err := kp.PublicKeyBlob()
	if err != nil {
		return fmt.Errorf("%w: public key blob: %w", protoerr.ErrProtocol, err)
	}
	return c.writeFrame(wire.New(wire.CmdAUTH, wire.AuthRSAPublicKey, 0, blob))
}

func (c *Connection) handleSTLS(ctx context.Context, m wire.Message) error {
	if c.opts.APILevel != 0 && c.opts.APILevel < minTLSAPILevel {
		return fmt.Errorf("%w: peer offered STLS below api level %d", protoerr.ErrProtocol, minTLSAPILevel)
	}

	c.setState(StateStlsWait)
	if err := c.writeFrame(wire.New(wire.CmdSTLS, wire.VersionA, 0, nil)); err != nil {
		return err
	}

	tlsConn, err := tlsupgrade.Upgrade(ctx, c.rw, c.cred)
	if err != nil {
		if c.opts.FailFast && tlsupgrade.IsTrustMissing(err) {
			return fmt.Errorf("%w: %w", protoerr.ErrPairingRequired, err)
		}
		return fmt.Errorf("%w: tls upgrade: %w", protoerr.ErrIO, err)
	}
	c.rw = tlsConn

	m, err = wire.Decode(c.rw, c.opts.MaxFrameSize)
	if err != nil {
		return err
	}
	if m.Command != wire.CmdCNXN {
		return fmt.Errorf("%w: expected CNXN after STLS, got %s", protoerr.ErrProtocol, m.Command)
	}
	c.onPeerCNXN(m)
	return nil
}

func (c *Connection) onPeerCNXN(m wire.Message) {
	c.mu.Lock()
	if m.Arg1 > 0 && m.Arg1 < c.maxPayload {
		c.maxPayload = m.Arg1
	}
	c.device = parseBanner(m.Payload)
	c.mu.Unlock()
}

func parseBanner(payload []byte) DeviceInfo {
	s := strings.TrimRight(string(payload), "\x00")
	parts := strings.SplitN(s, ":", 3)
	info := DeviceInfo{Props: map[string]string{}}
	if len(parts) < 3 {
		return info
	}
	info.Serial = parts[1]
	for _, kv := range strings.Split(parts[2], ";") {
		if kv == "" {
			continue
		}
		k, v, found := strings.Cut(kv, "=")
		if found {
			info.Props[k] = v
		}
	}
	return info
}

// writeFrame serializes a single frame through the sender mutex so that
// encode+write is atomic per spec.md §4.4.2.
func (c *Connection) writeFrame(m wire.Message) error {
	buf := wire.Encode(m)
	defer bytebufferpool.Put(buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.rw.Write(buf.B); err != nil {
		return fmt.Errorf("%w: write %s: %w", protoerr.ErrIO, m.Command, err)
	}
	return nil
}

// SendWrite implements stream.Sender.
func (c *Connection) SendWrite(localID, remoteID uint32, payload []byte) error {
	return c.writeFrame(wire.New(wire.CmdWRTE, localID, remoteID, payload))
}

// SendClose implements stream.Sender.
func (c *Connection) SendClose(localID, remoteID uint32) error {
	return c.writeFrame(wire.New(wire.CmdCLSE, localID, remoteID, nil))
}

// Open allocates a new local stream id, registers a Stream in OPENING,
// sends OPEN, and blocks until the peer answers OKAY or CLSE (spec.md
// §4.4.3).
func (c *Connection) Open(destination string) (*stream.Stream, error) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil, protoerr.ErrStreamClosed
	}
	localID := c.nextLocalID
	c.nextLocalID++
	maxPayload := c.maxPayload
	s := stream.New(localID, destination, c, maxPayload)
	c.streams[localID] = s
	c.mu.Unlock()

	payload := append([]byte(destination), 0)
	if err := c.writeFrame(wire.New(wire.CmdOPEN, localID, 0, payload)); err != nil {
		c.removeStream(localID)
		return nil, err
	}

	if err := s.WaitOpen(); err != nil {
		c.removeStream(localID)
		return nil, err
	}
	return s, nil
}

func (c *Connection) removeStream(localID uint32) {
	c.mu.Lock()
	delete(c.streams, localID)
	c.mu.Unlock()
}

// readLoop is the single background reader task (spec.md §4.4.2 and
// §5): it blocks on Decode and dispatches every inbound frame, running
// until the socket errors or Close tears the connection down.
func (c *Connection) readLoop() {
	defer close(c.readerDone)

	for {
		m, err := wire.Decode(c.rw, c.opts.MaxFrameSize)
		if err != nil {
			c.teardown(fmt.Errorf("%w: reader: %w", protoerr.ErrIO, err))
			return
		}

		switch m.Command {
		case wire.CmdOKAY:
			c.dispatchOkay(m)
		case wire.CmdWRTE:
			c.dispatchWrite(m)
		case wire.CmdCLSE:
			c.dispatchClose(m)
		default:
			c.teardown(fmt.Errorf("%w: illegal %s after handshake", protoerr.ErrProtocol, m.Command))
			return
		}
	}
}

func (c *Connection) lookupStream(localID uint32) (*stream.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[localID]
	return s, ok
}

func (c *Connection) dispatchOkay(m wire.Message) {
	remoteID, localID := m.Arg0, m.Arg1
	s, ok := c.lookupStream(localID)
	if !ok {
		return
	}
	switch s.State() {
	case stream.StateOpening:
		s.BindRemote(remoteID)
	case stream.StateOpen:
		s.GrantAck()
	}
}

func (c *Connection) dispatchWrite(m wire.Message) {
	remoteID, localID := m.Arg0, m.Arg1
	s, ok := c.lookupStream(localID)
	if !ok || s.IsClosed() {
		_ = c.writeFrame(wire.New(wire.CmdCLSE, localID, remoteID, nil))
		return
	}
	s.DeliverPayload(m.Payload)
	_ = c.writeFrame(wire.New(wire.CmdOKAY, localID, remoteID, nil))
}

func (c *Connection) dispatchClose(m wire.Message) {
	_, localID := m.Arg0, m.Arg1
	s, ok := c.lookupStream(localID)
	if !ok {
		return
	}
	s.MarkClosed()
	c.removeStream(localID)
}

// teardown terminates the connection on an internal failure: it closes
// the socket, marks every stream CLOSED, and records the first error.
func (c *Connection) teardown(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.closeErr == nil {
		c.closeErr = cause
	}
	streams := make([]*stream.Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	c.opts.Logger.Warn().Err(cause).Int("streams", len(streams)).Msg("adb: connection torn down")
	c.rw.Close()
	for _, s := range streams {
		s.MarkClosed()
	}
}

// Close tears the connection down: transitions to CLOSED, closes the
// socket (unblocking the reader task with EOF), and marks every
// registered stream CLOSED. Safe to call multiple times.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.teardown(protoerr.ErrStreamClosed)
	})
	return nil
}
