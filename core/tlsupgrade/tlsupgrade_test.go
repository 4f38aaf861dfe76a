package tlsupgrade

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/goadb/core/credentials"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestUpgradeMutualHandshake(t *testing.T) {
	clientCred, err := credentials.Generate("client")
	require.NoError(t, err)
	serverCred, err := credentials.Generate("server")
	require.NoError(t, err)

	ln := listenLoopback(t)

	serverDone := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer raw.Close()
		srvCfg := &tls.Config{
			MinVersion:         tls.VersionTLS13,
			Certificates:       []tls.Certificate{serverCred.Certificate()},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true,
		}
		srv := tls.Server(raw, srvCfg)
		serverDone <- srv.HandshakeContext(context.Background())
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upgraded, err := Upgrade(ctx, raw, clientCred)
	require.NoError(t, err)
	defer upgraded.Close()

	require.NoError(t, <-serverDone)
}

type recordingTrustStore struct {
	trusted bool
	seen    *x509.Certificate
}

func (r *recordingTrustStore) IsTrusted(cert *x509.Certificate) bool {
	r.seen = cert
	return r.trusted
}

func TestUpgradeTrustingRejectsUntrustedPeer(t *testing.T) {
	clientCred, err := credentials.Generate("client")
	require.NoError(t, err)
	serverCred, err := credentials.Generate("server")
	require.NoError(t, err)

	ln := listenLoopback(t)

	serverDone := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer raw.Close()
		srvCfg := &tls.Config{
			MinVersion:         tls.VersionTLS13,
			Certificates:       []tls.Certificate{serverCred.Certificate()},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true,
		}
		srv := tls.Server(raw, srvCfg)
		serverDone <- srv.HandshakeContext(context.Background())
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trust := &recordingTrustStore{trusted: false}
	_, err = UpgradeTrusting(ctx, raw, clientCred, trust)
	require.ErrorIs(t, err, ErrTrustMissing)
	require.NotNil(t, trust.seen)

	<-serverDone
}
