// Package stream implements the per-logical-stream bidirectional byte
// queue (C3): read/write/close semantics gated by ADB's one-outstanding-
// WRTE flow control rule.
//
// Grounded on the teacher's SecureConnection (gosuda-portal's
// portal/core/cryptoops/handshaker.go): a mutex-guarded buffer with a
// sync.Once-guarded Close and an explicit "closed" flag checked under
// lock before every blocking operation. The ack-gate and inbound queue
// here use condition-variable discipline instead of SecureConnection's
// single-frame encrypt/decrypt, since a logical stream is many frames
// wide.
package stream

import (
	"io"
	"sync"

	"github.com/gosuda/goadb/protoerr"
)

// State is a Stream's lifecycle position (spec.md §3).
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosed
)

// Sender is the weak back-reference a Stream holds to its owning
// Connection — narrow enough that Stream never needs to see the
// Connection's full state, breaking the circular ownership spec.md §9
// calls out. The Connection is the single strong owner of every Stream
// via its local-id map.
type Sender interface {
	SendWrite(localID, remoteID uint32, payload []byte) error
	SendClose(localID, remoteID uint32) error
}

// Stream is one ADB logical stream.
type Stream struct {
	localID    uint32
	sender     Sender
	maxPayload uint32
	destination string

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	remoteID uint32
	inbound  []byte
	ackOpen  bool // ack-gate: true iff the last outbound WRTE has been OKAYed

	openWait     chan struct{}
	openWaitOnce sync.Once
	openRejected bool
}

// New creates a Stream in OPENING state. destination is retained only
// for diagnostics (e.g. logging which service the stream targets).
func New(localID uint32, destination string, sender Sender, maxPayload uint32) *Stream {
	s := &Stream{
		localID:     localID,
		sender:      sender,
		maxPayload:  maxPayload,
		destination: destination,
		state:       StateOpening,
		ackOpen:     true,
		openWait:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// LocalID returns the local stream identifier this endpoint assigned.
func (s *Stream) LocalID() uint32 { return s.localID }

// RemoteID returns the peer's identifier for this stream, valid once OPEN.
func (s *Stream) RemoteID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Destination returns the destination string this stream was opened
// against.
func (s *Stream) Destination() string { return s.destination }

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BindRemote transitions OPENING → OPEN on the first OKAY from the peer,
// recording its remote-id, and releases anyone waiting in WaitOpen.
// Called only from the Connection's reader-task dispatch loop.
func (s *Stream) BindRemote(remoteID uint32) {
	s.mu.Lock()
	if s.state == StateOpening {
		s.state = StateOpen
		s.remoteID = remoteID
	}
	s.mu.Unlock()
	s.resolveOpenWait()
}

// GrantAck opens the ack-gate in response to an OKAY received while
// already OPEN (acknowledging the most recent outbound WRTE).
func (s *Stream) GrantAck() {
	s.mu.Lock()
	s.ackOpen = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// DeliverPayload appends peer-sent WRTE payload to the inbound queue and
// wakes any blocked Read. The caller (Connection) is responsible for
// replying OKAY to the peer once this returns.
func (s *Stream) DeliverPayload(payload []byte) {
	if len(payload) == 0 {
		return
	}
	s.mu.Lock()
	s.inbound = append(s.inbound, payload...)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// MarkClosed transitions the stream to CLOSED — on a received CLSE, a
// local Close, or connection teardown — and wakes every blocked reader
// and writer. Idempotent.
func (s *Stream) MarkClosed() {
	s.mu.Lock()
	already := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()
	if !already {
		s.cond.Broadcast()
	}
	s.resolveOpenWaitRejected()
}

func (s *Stream) resolveOpenWait() {
	s.openWaitOnce.Do(func() { close(s.openWait) })
}

func (s *Stream) resolveOpenWaitRejected() {
	s.mu.Lock()
	resolved := false
	select {
	case <-s.openWait:
		resolved = true
	default:
	}
	if !resolved {
		s.openRejected = true
	}
	s.mu.Unlock()
	s.resolveOpenWait()
}

// WaitOpen blocks until the stream transitions out of OPENING, returning
// protoerr.ErrOpenRejected if it was rejected (CLSE) rather than opened.
func (s *Stream) WaitOpen() error {
	<-s.openWait
	s.mu.Lock()
	rejected := s.openRejected
	s.mu.Unlock()
	if rejected {
		return protoerr.ErrOpenRejected
	}
	return nil
}

// Read blocks until bytes are available, the stream closes, or the
// connection tears down, matching io.Reader semantics: it returns
// io.EOF exactly once the stream is CLOSED and its queue is drained.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.inbound) == 0 && s.state != StateClosed {
		s.cond.Wait()
	}

	if len(s.inbound) == 0 {
		return 0, io.EOF
	}

	n := copy(p, s.inbound)
	s.inbound = s.inbound[n:]
	return n, nil
}

// Write fragments p into chunks no larger than the negotiated max
// payload, sending one WRTE per chunk and waiting for each to be OKAYed
// before sending the next, per spec.md §4.3's one-outstanding-WRTE rule.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	chunkSize := int(s.maxPayload)
	if chunkSize <= 0 {
		chunkSize = len(p)
	}

	written := 0
	for written < len(p) {
		end := written + chunkSize
		if end > len(p) {
			end = len(p)
		}
		if err := s.writeChunk(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (s *Stream) writeChunk(chunk []byte) error {
	s.mu.Lock()
	for {
		if s.state == StateClosed {
			s.mu.Unlock()
			return protoerr.ErrStreamClosed
		}
		if s.ackOpen {
			break
		}
		s.cond.Wait()
	}
	s.ackOpen = false
	remoteID := s.remoteID
	s.mu.Unlock()

	if err := s.sender.SendWrite(s.localID, remoteID, chunk); err != nil {
		return err
	}

	// Wait for the peer's OKAY to reopen the gate, or for the stream to
	// close while we wait.
	s.mu.Lock()
	for !s.ackOpen && s.state != StateClosed {
		s.cond.Wait()
	}
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return protoerr.ErrStreamClosed
	}
	return nil
}

// Close sends CLSE to the peer if still OPEN and transitions to CLOSED.
// A second call is a no-op, per spec.md §8's close-idempotence
// invariant.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	wasOpen := s.state == StateOpen
	remoteID := s.remoteID
	s.state = StateClosed
	s.mu.Unlock()
	s.cond.Broadcast()
	s.resolveOpenWaitRejected()

	if wasOpen {
		return s.sender.SendClose(s.localID, remoteID)
	}
	return nil
}

// IsClosed reports whether the stream has transitioned to CLOSED.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}
