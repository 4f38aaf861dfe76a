// Package credentials holds the client's asymmetric signing identity: an
// RSA-2048 key pair, a self-signed X.509 certificate for TLS client auth,
// and the legacy ADB public-key-blob encoding adbd expects during AUTH.
//
// Grounded on the teacher's identity.Credential (gosuda-portal's
// portal/corev2/identity/credential.go): a private key, a derived public
// identity, Sign/Verify — adapted here from Ed25519 to the RSA scheme ADB
// actually uses, since adbd verifies PKCS#1v1.5 digest-only signatures
// over a pre-hashed SHA-1 token, not Ed25519.
package credentials

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // ADB's AUTH token is a SHA-1 digest by protocol definition
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	rsaKeyBits  = 2048
	rsaWords    = rsaKeyBits / 32 // 64 32-bit words, per spec.md §3
	defaultExp  = 65537
	tokenLength = sha1.Size // 20 bytes
)

// sha1DigestInfoPrefix is the DER encoding of the SHA-1 AlgorithmIdentifier
// prepended before PKCS#1v1.5 signing, per RFC 8017 §9.2 Note 1 — adbd
// expects a standard PKCS#1v1.5 signature over this prefix + digest, with
// the "digest" already supplied by the caller as the 20-byte token.
var sha1DigestInfoPrefix = []byte{
	0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05,
	0x00, 0x04, 0x14,
}

var (
	// ErrInvalidToken is returned by Sign when the token is not a 20-byte
	// SHA-1 digest.
	ErrInvalidToken = errors.New("credentials: token must be a 20-byte SHA-1 digest")
)

// KeyPair is the concrete Credentials implementation (C2). It satisfies
// the Credentials interface consumed by core/conn and pairing.
type KeyPair struct {
	private    *rsa.PrivateKey
	cert       tls.Certificate
	deviceName string
}

// Credentials is the external collaborator interface the core consumes
// (spec.md §6): a caller may implement this directly (e.g. backed by a
// hardware keystore) instead of using KeyPair.
type Credentials interface {
	PrivateKey() *rsa.PrivateKey
	Certificate() tls.Certificate
	DeviceName() string
}

// Generate creates a fresh RSA-2048 key pair, a self-signed X.509
// certificate valid for ten years, and attaches deviceName as the
// "user@host" suffix of the ADB public key blob.
func Generate(deviceName string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("credentials: generate key: %w", err)
	}
	return FromPrivateKey(priv, deviceName)
}

// FromPrivateKey builds a KeyPair around an already-generated RSA key,
// minting a fresh self-signed certificate around it.
func FromPrivateKey(priv *rsa.PrivateKey, deviceName string) (*KeyPair, error) {
	certDER, err := selfSignedCert(priv, deviceName)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		private: priv,
		cert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  priv,
		},
		deviceName: deviceName,
	}, nil
}

func selfSignedCert(priv *rsa.PrivateKey, deviceName string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("credentials: serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: deviceName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("credentials: create certificate: %w", err)
	}
	return der, nil
}

// PrivateKey implements Credentials.
func (k *KeyPair) PrivateKey() *rsa.PrivateKey { return k.private }

// Certificate implements Credentials.
func (k *KeyPair) Certificate() tls.Certificate { return k.cert }

// DeviceName implements Credentials.
func (k *KeyPair) DeviceName() string { return k.deviceName }

// CertificateChain returns the DER-encoded certificate chain for TLS
// client auth (spec.md §4.2): a single self-signed certificate.
func (k *KeyPair) CertificateChain() [][]byte { return k.cert.Certificate }

// Sign produces an RSA-PKCS1v1.5 signature over the pre-hashed 20-byte
// SHA-1 token, prepending the DigestInfo prefix adbd expects (spec.md
// §4.2). token is NOT re-hashed here; it IS the digest.
func (k *KeyPair) Sign(token []byte) ([]byte, error) {
	if len(token) != tokenLength {
		return nil, ErrInvalidToken
	}
	digestInfo := make([]byte, 0, len(sha1DigestInfoPrefix)+len(token))
	digestInfo = append(digestInfo, sha1DigestInfoPrefix...)
	digestInfo = append(digestInfo, token...)

	// hash=0 tells rsa.SignPKCS1v15 to sign `digestInfo` directly without
	// prepending its own DigestInfo prefix — we built that prefix above
	// ourselves, matching what adbd expects byte-for-byte.
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.Hash(0), digestInfo)
	if err != nil {
		return nil, fmt.Errorf("credentials: sign: %w", err)
	}
	return sig, nil
}

// PublicKeyBlob emits the legacy Android ADB public key format (spec.md
// §3): n32 | n0inv | N | R^2 mod N | exponent, Base64-encoded, suffixed
// with " <deviceName>\x00".
func (k *KeyPair) PublicKeyBlob() ([]byte, error) {
	pub := k.private.PublicKey
	if pub.N.BitLen() > rsaKeyBits {
		return nil, fmt.Errorf("credentials: modulus too large for legacy blob encoding")
	}

	n0inv := montgomeryN0Inv(pub.N)
	rr := montgomeryRSquared(pub.N, rsaWords)

	raw := make([]byte, 0, 4+4+rsaWords*4+rsaWords*4+4)
	raw = appendLE32(raw, uint32(rsaWords))
	raw = appendLE32(raw, n0inv)
	raw = appendLEWords(raw, pub.N, rsaWords)
	raw = appendLEWords(raw, rr, rsaWords)
	raw = appendLE32(raw, uint32(pub.E))

	encoded := base64.StdEncoding.EncodeToString(raw)
	blob := append([]byte(encoded), ' ')
	blob = append(blob, []byte(k.deviceName)...)
	blob = append(blob, 0)
	return blob, nil
}

// Destroy zeroes the private key material where possible. Failure to
// wipe is not surfaced, per spec.md §7 policy on credential destruction.
func (k *KeyPair) Destroy() {
	defer func() { recover() }() //nolint:errcheck // best-effort; never surfaced
	if k.private == nil {
		return
	}
	k.private.D.SetInt64(0)
	for _, p := range k.private.Primes {
		p.SetInt64(0)
	}
}

// MarshalPEM encodes the private key as a PKCS#1 PEM block, so a caller
// implementing the out-of-scope key-storage collaborator (spec.md §6)
// can persist it without reaching into package internals.
func (k *KeyPair) MarshalPEM() []byte {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.private),
	}
	return pem.EncodeToMemory(block)
}

// ParsePEMKeyPair decodes a PKCS#1 PEM block produced by MarshalPEM and
// rebuilds a KeyPair around it, minting a fresh self-signed certificate.
func ParsePEMKeyPair(data []byte, deviceName string) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("credentials: no RSA PRIVATE KEY PEM block found")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("credentials: parse private key: %w", err)
	}
	return FromPrivateKey(priv, deviceName)
}

func appendLE32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// appendLEWords appends n as `words` little-endian 32-bit words, matching
// adbd's RSAPublicKey layout: the full little-endian byte representation
// of n, zero-padded to words*4 bytes.
func appendLEWords(b []byte, n *big.Int, words int) []byte {
	width := words * 4
	nb := n.Bytes() // big-endian, minimal length

	padded := make([]byte, width)
	copy(padded[width-len(nb):], nb)

	out := make([]byte, width)
	for i := 0; i < width; i++ {
		out[i] = padded[width-1-i]
	}
	return append(b, out...)
}

// montgomeryN0Inv computes n0inv = -N^{-1} mod 2^32.
func montgomeryN0Inv(n *big.Int) uint32 {
	base := new(big.Int).Lsh(big.NewInt(1), 32)
	nMod := new(big.Int).Mod(n, base)
	inv := new(big.Int).ModInverse(nMod, base)
	if inv == nil {
		return 0
	}
	neg := new(big.Int).Sub(base, inv)
	neg.Mod(neg, base)
	return uint32(neg.Uint64())
}

// montgomeryRSquared computes R^2 mod N where R = 2^(32*words).
func montgomeryRSquared(n *big.Int, words int) *big.Int {
	r := new(big.Int).Lsh(big.NewInt(1), uint(32*words))
	rr := new(big.Int).Mul(r, r)
	rr.Mod(rr, n)
	return rr
}
