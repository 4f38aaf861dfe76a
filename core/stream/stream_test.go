package stream

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/goadb/protoerr"
)

type fakeSender struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (f *fakeSender) SendWrite(localID, remoteID uint32, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), payload...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSender) SendClose(localID, remoteID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestStreamOpenThenReadWrite(t *testing.T) {
	sender := &fakeSender{}
	s := New(1, "echo:", sender, 4096)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.BindRemote(17)
	}()
	require.NoError(t, s.WaitOpen())
	require.Equal(t, uint32(17), s.RemoteID())

	done := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("hello"))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sender.mu.Lock()
	require.Len(t, sender.writes, 1)
	require.Equal(t, []byte("hello"), sender.writes[0])
	sender.mu.Unlock()

	s.GrantAck()
	require.NoError(t, <-done)

	s.DeliverPayload([]byte("world"))
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))
}

func TestStreamOpenRejected(t *testing.T) {
	s := New(1, "echo:", &fakeSender{}, 4096)
	go func() {
		time.Sleep(5 * time.Millisecond)
		s.MarkClosed()
	}()
	err := s.WaitOpen()
	require.ErrorIs(t, err, protoerr.ErrOpenRejected)
}

func TestStreamChunking(t *testing.T) {
	sender := &fakeSender{}
	s := New(1, "echo:", sender, 4)
	s.BindRemote(7)

	go func() {
		for range 3 {
			time.Sleep(time.Millisecond)
			s.GrantAck()
		}
	}()

	_, err := s.Write([]byte("abcdefghi"))
	require.NoError(t, err)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh"), []byte("i")}, sender.writes)
}

func TestStreamCloseIdempotent(t *testing.T) {
	sender := &fakeSender{}
	s := New(1, "echo:", sender, 4096)
	s.BindRemote(5)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	sender.mu.Lock()
	require.True(t, sender.closed)
	sender.mu.Unlock()
}

func TestStreamReadEOFAfterClose(t *testing.T) {
	s := New(1, "echo:", &fakeSender{}, 4096)
	s.BindRemote(5)
	s.DeliverPayload([]byte("buffered"))
	s.MarkClosed()

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "buffered", string(buf[:n]))

	_, err = s.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamWriteFailsAfterClose(t *testing.T) {
	s := New(1, "echo:", &fakeSender{}, 4096)
	s.BindRemote(5)
	s.MarkClosed()

	_, err := s.Write([]byte("x"))
	require.ErrorIs(t, err, protoerr.ErrStreamClosed)
}
