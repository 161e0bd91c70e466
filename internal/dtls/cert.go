// Copyright 2019 Lanikai Labs. All rights reserved.

package dtls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// HashAlgorithm identifies the digest used to compute a certificate
// fingerprint for the SDP fingerprint attribute.
// https://tools.ietf.org/html/rfc8122
type HashAlgorithm int

const (
	HashAlgorithmSHA256 HashAlgorithm = iota
)

// GenerateSelfSigned creates a fresh ECDSA P-256 key pair and a self-signed
// certificate, following the same template as a long-lived WebRTC identity:
// random serial number, "WebRTC" common name, 30-day validity. Self-signed
// because WebRTC authenticates peers via the SDP fingerprint, not a CA
// chain. https://tools.ietf.org/html/rfc8827
func GenerateSelfSigned() (*x509.Certificate, crypto.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, err
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		SerialNumber:       serialNumber,
		Subject:            pkix.Name{CommonName: "WebRTC"},
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(30 * 24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	return cert, priv, nil
}

// Fingerprint computes a colon-separated hex digest of cert's DER encoding,
// suitable for the SDP "a=fingerprint" attribute (case-insensitive per
// RFC8122 §5; callers typically upper-case it to match the convention used
// by browsers).
func Fingerprint(cert *x509.Certificate, algo HashAlgorithm) (string, error) {
	switch algo {
	case HashAlgorithmSHA256:
		sum := sha256.Sum256(cert.Raw)
		return hexColon(sum[:]), nil
	default:
		return "", errUnsupportedHashAlgorithm
	}
}

func hexColon(b []byte) string {
	s := make([]byte, 0, 3*len(b))
	for i, c := range b {
		if i > 0 {
			s = append(s, ':')
		}
		s = append(s, []byte(fmt.Sprintf("%02x", c))...)
	}
	return string(s)
}
