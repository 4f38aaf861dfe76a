package credentials

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // test fixture mirrors ADB's SHA-1 token
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndSign(t *testing.T) {
	kp, err := Generate("test@host")
	require.NoError(t, err)
	require.NotNil(t, kp.PrivateKey())

	token := make([]byte, sha1.Size)
	_, err = rand.Read(token)
	require.NoError(t, err)

	sig, err := kp.Sign(token)
	require.NoError(t, err)

	digestInfo := append(append([]byte{}, sha1DigestInfoPrefix...), token...)
	err = rsa.VerifyPKCS1v15(&kp.PrivateKey().PublicKey, crypto.Hash(0), digestInfo, sig)
	require.NoError(t, err)
}

func TestSignRejectsWrongTokenLength(t *testing.T) {
	kp, err := Generate("test@host")
	require.NoError(t, err)

	_, err = kp.Sign([]byte("too-short"))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPublicKeyBlobFormat(t *testing.T) {
	kp, err := Generate("user@host")
	require.NoError(t, err)

	blob, err := kp.PublicKeyBlob()
	require.NoError(t, err)

	s := string(blob)
	require.True(t, strings.HasSuffix(s, " user@host\x00"))

	encoded := strings.TrimSuffix(s, " user@host\x00")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	// 4 (n32) + 4 (n0inv) + 64*4 (N) + 64*4 (RR) + 4 (exponent)
	require.Equal(t, 4+4+rsaWords*4+rsaWords*4+4, len(raw))
	require.Equal(t, uint32(rsaWords), leUint32(raw[0:4]))
}

func TestCertificateChainIsSelfSigned(t *testing.T) {
	kp, err := Generate("device")
	require.NoError(t, err)
	chain := kp.CertificateChain()
	require.Len(t, chain, 1)

	cert, err := x509.ParseCertificate(chain[0])
	require.NoError(t, err)
	require.Equal(t, cert.RawSubject, cert.RawIssuer)
	require.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))
}

func TestMarshalParsePEMRoundTrip(t *testing.T) {
	kp, err := Generate("roundtrip")
	require.NoError(t, err)

	pemBytes := kp.MarshalPEM()
	restored, err := ParsePEMKeyPair(pemBytes, "roundtrip")
	require.NoError(t, err)
	require.Equal(t, kp.PrivateKey().N, restored.PrivateKey().N)

	token := make([]byte, sha1.Size)
	_, err = rand.Read(token)
	require.NoError(t, err)
	sig, err := restored.Sign(token)
	require.NoError(t, err)

	digestInfo := append(append([]byte{}, sha1DigestInfoPrefix...), token...)
	require.NoError(t, rsa.VerifyPKCS1v15(&kp.PrivateKey().PublicKey, crypto.Hash(0), digestInfo, sig))
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
