// Package adb is the public API (C7): ConnectionManager, a lifecycle
// wrapper around core/conn's Connection that adds host/timeout/fail-
// fast configuration and optional wireless pairing via the pairing
// package.
//
// Grounded on the teacher's sdk package (gosuda-portal's sdk/types.go):
// a Config struct populated by ClientOption functions, a manager type
// that owns the underlying connection and exposes a small, synchronous
// surface over it.
package adb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/goadb/core/conn"
	"github.com/gosuda/goadb/core/credentials"
	"github.com/gosuda/goadb/core/stream"
	"github.com/gosuda/goadb/pairing"
	"github.com/gosuda/goadb/protoerr"
)

// ErrAlreadyConnected is returned by Connect when a different host is
// already connected; per spec.md §4.7, connecting to the same host
// already connected is instead a no-op (Connect returns false, nil).
var ErrAlreadyConnected = errors.New("adb: already connected to a different host")

// Config holds ConnectionManager's mutable settings, populated by
// Option functions at construction time.
type Config struct {
	Host       string
	Port       int
	APILevel   int
	FailFast   bool
	DeviceName string
	Timeout    time.Duration
	Logger     zerolog.Logger
}

// Option configures a ConnectionManager at construction time.
type Option func(*Config)

// WithHostAddress sets the default host used by Connect(port).
func WithHostAddress(host string) Option {
	return func(c *Config) { c.Host = host }
}

// WithAPILevel sets the peer Android API level hint used to decide
// whether an offered STLS upgrade is legal (spec.md §4.5).
func WithAPILevel(level int) Option {
	return func(c *Config) { c.APILevel = level }
}

// WithTimeout bounds every blocking operation ConnectionManager
// performs: dialing, handshaking, and pairing.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithFailFast maps to spec.md's throw_on_unauthorized: fail
// immediately on a second AUTH rejection instead of waiting for a
// device-side trust prompt.
func WithFailFast(failFast bool) Option {
	return func(c *Config) { c.FailFast = failFast }
}

// WithDeviceName sets the human-readable identity sent in the connect
// banner. The RSA public key blob's suffix is the credentials' own
// device name, which this option does not change.
func WithDeviceName(name string) Option {
	return func(c *Config) { c.DeviceName = name }
}

// WithLogger attaches a structured logger to every Connection this
// manager creates. The zero value (zerolog.Nop()) is silent.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

const defaultTimeout = 10 * time.Second

// ConnectionManager owns a client identity and the lifecycle of at
// most one active Connection at a time (C7).
type ConnectionManager struct {
	cred credentials.Credentials
	cfg  Config

	mu          sync.Mutex
	connHost    string
	connPort    int
	connection  *conn.Connection
}

// NewConnectionManager creates a manager around cred, the identity
// used for both the legacy RSA AUTH exchange and TLS client
// authentication.
func NewConnectionManager(cred credentials.Credentials, opts ...Option) *ConnectionManager {
	cfg := Config{
		Timeout: defaultTimeout,
		Logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ConnectionManager{cred: cred, cfg: cfg}
}

// Connect dials host:port and performs the full CNXN/AUTH/STLS
// handshake. Per spec.md §4.7, if this manager is already connected to
// the same host, Connect is a no-op and returns false; if connected to
// a different host, it returns ErrAlreadyConnected.
func (m *ConnectionManager) Connect(ctx context.Context, host string, port int) (bool, error) {
	m.mu.Lock()
	if m.connection != nil && m.connection.State() == conn.StateRunning {
		sameHost := m.connHost == host && m.connPort == port
		m.mu.Unlock()
		if sameHost {
			return false, nil
		}
		return false, ErrAlreadyConnected
	}
	m.mu.Unlock()

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: dial %s:%d: %w", protoerr.ErrTimeout, host, port, err)
		}
		return false, fmt.Errorf("%w: dial %s:%d: %w", protoerr.ErrIO, host, port, err)
	}

	c := conn.New(raw, m.cred, conn.Options{
		APILevel:     m.cfg.APILevel,
		FailFast:     m.cfg.FailFast,
		DeviceName:   m.cfg.DeviceName,
		Logger:       m.cfg.Logger,
	})

	if err := c.Handshake(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return false, fmt.Errorf("%w: %w", protoerr.ErrTimeout, err)
		}
		return false, err
	}

	m.mu.Lock()
	m.connection = c
	m.cfg.Host = host
	m.connHost = host
	m.connPort = port
	m.mu.Unlock()
	return true, nil
}

// ConnectStored connects to the host previously set by WithHostAddress
// or a prior Connect call.
func (m *ConnectionManager) ConnectStored(ctx context.Context, port int) (bool, error) {
	m.mu.Lock()
	host := m.cfg.Host
	m.mu.Unlock()
	if host == "" {
		return false, errors.New("adb: no stored host address; call Connect or WithHostAddress")
	}
	return m.Connect(ctx, host, port)
}

// Pair runs the out-of-band six-digit-code pairing handshake (C6)
// against host:port directly — no existing Connection is required or
// affected.
func (m *ConnectionManager) Pair(ctx context.Context, host string, port int, code string) (pairing.PeerInfo, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	authCtx := pairing.NewPairingAuthCtx(m.cred, m.cfg.Logger)
	return authCtx.Pair(ctx, fmt.Sprintf("%s:%d", host, port), code)
}

// OpenStream opens a new logical stream against destination on the
// active connection.
func (m *ConnectionManager) OpenStream(destination string) (*stream.Stream, error) {
	m.mu.Lock()
	c := m.connection
	m.mu.Unlock()
	if c == nil {
		return nil, protoerr.ErrStreamClosed
	}
	return c.Open(destination)
}

// IsConnected reports whether this manager currently holds a live,
// running connection.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	c := m.connection
	m.mu.Unlock()
	return c != nil && c.State() == conn.StateRunning
}

// Disconnect tears down the active connection, if any, without
// destroying the manager's credentials. A subsequent Connect may reuse
// this manager.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	c := m.connection
	m.connection = nil
	m.connHost = ""
	m.connPort = 0
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// Close tears down the active connection and destroys the private key
// material (best-effort), per spec.md §4.7. The manager must not be
// reused afterward.
func (m *ConnectionManager) Close() error {
	err := m.Disconnect()

	if destroyer, ok := m.cred.(interface{ Destroy() }); ok {
		destroyer.Destroy()
	}
	return err
}

func (m *ConnectionManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.Timeout)
}
