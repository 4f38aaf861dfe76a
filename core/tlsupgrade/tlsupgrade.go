// Package tlsupgrade implements the STLS in-place TLS 1.3 upgrade (C5):
// once adbd and the client have exchanged STLS frames, both sides throw
// away the plaintext framing and speak TLS 1.3 directly over the same
// socket, authenticating each other with the same RSA key pair already
// used for the legacy AUTH exchange.
//
// Grounded on the teacher's Handshaker.ClientHandshake (gosuda-portal's
// portal/core/cryptoops/handshaker.go): deadline applied from context,
// a single typed sentinel wrapping any transport failure. adbd's trust
// model has no CA, so verification is deferred to PeerCertificate
// inspection rather than a RootCAs pool — the same "trust is out of
// band" posture the teacher's Noise handshake takes with its identity
// payload instead of a PKI.
package tlsupgrade

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gosuda/goadb/core/credentials"
)

// ErrTrustMissing signals that the peer's certificate was presented but
// this client has no record of having paired with it before. Callers
// with FailFast set should surface this to a human instead of blocking
// forever on a device-side trust prompt.
var ErrTrustMissing = errors.New("tlsupgrade: peer certificate not trusted")

// IsTrustMissing reports whether err (or something it wraps) is
// ErrTrustMissing.
func IsTrustMissing(err error) bool {
	return errors.Is(err, ErrTrustMissing)
}

// TrustStore decides whether a peer certificate, seen during the STLS
// upgrade, is one this client already trusts (e.g. because it paired
// with the device earlier). A nil TrustStore trusts any certificate
// the peer presents, matching adbd's own default posture of accepting
// whatever client certificate arrives during STLS — trust was already
// established out of band, either by ADB's original RSA AUTH step or
// by the wireless pairing protocol (pairing.Pair).
type TrustStore interface {
	IsTrusted(cert *x509.Certificate) bool
}

// Upgrade performs the client-side STLS handshake: it wraps conn in a
// TLS 1.3 client session presenting cred's certificate, and returns the
// resulting *tls.Conn in place of the raw socket. The caller is
// responsible for discarding the original conn and using the returned
// connection for everything from this point on.
func Upgrade(ctx context.Context, conn net.Conn, cred credentials.Credentials) (net.Conn, error) {
	return UpgradeTrusting(ctx, conn, cred, nil)
}

// UpgradeTrusting is Upgrade with an explicit TrustStore consulted
// against the peer's leaf certificate once the handshake completes.
func UpgradeTrusting(ctx context.Context, conn net.Conn, cred credentials.Credentials, trust TrustStore) (net.Conn, error) {
	cert := cred.Certificate()

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // adbd has no CA; trust is asserted below
	}

	tlsConn := tls.Client(conn, cfg)

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		if err := tlsConn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("tlsupgrade: set deadline: %w", err)
		}
		defer tlsConn.SetDeadline(time.Time{})
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tlsupgrade: handshake: %w", err)
	}

	if trust != nil {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			return nil, fmt.Errorf("%w: peer presented no certificate", ErrTrustMissing)
		}
		if !trust.IsTrusted(state.PeerCertificates[0]) {
			return nil, ErrTrustMissing
		}
	}

	return tlsConn, nil
}
