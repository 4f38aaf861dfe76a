// Package protoerr defines the error taxonomy shared by every core package.
//
// Callers dispatch on kind with errors.Is against the sentinels below;
// call sites wrap a sentinel with fmt.Errorf("...: %w", ErrX) to add
// context without losing the taxonomy match.
package protoerr

import "errors"

var (
	// ErrIO marks an underlying socket read/write failure. The connection
	// that produced it transitions to CLOSED.
	ErrIO = errors.New("adb: io error")

	// ErrProtocol marks a message that failed validation or an illegal
	// command for the connection's current state. Terminal.
	ErrProtocol = errors.New("adb: protocol error")

	// ErrAuthRejected marks a second AUTH token while fail-fast auth is
	// enabled. Terminal.
	ErrAuthRejected = errors.New("adb: auth rejected")

	// ErrPairingRequired marks a TLS handshake that failed because the
	// peer does not recognize our identity, while fail-fast is enabled.
	ErrPairingRequired = errors.New("adb: pairing required")

	// ErrOpenRejected marks a destination that refused an OPEN with an
	// immediate CLSE. Non-fatal to the connection.
	ErrOpenRejected = errors.New("adb: open rejected")

	// ErrStreamClosed marks I/O attempted on a stream that is already
	// CLOSED. Non-fatal to the connection.
	ErrStreamClosed = errors.New("adb: stream closed")

	// ErrTimeout marks a connect deadline exceeded. Terminal.
	ErrTimeout = errors.New("adb: timeout")

	// ErrPairingFailed marks any failure inside the pairing state
	// machine. The pairing connection is closed; it carries no state
	// onto the ADB connection.
	ErrPairingFailed = errors.New("adb: pairing failed")
)
