// Package tlsconf builds the TLS configurations used by the in-band
// plaintext→TLS upgrade. Production deployments load a PEM certificate from
// disk; development servers fall back to a freshly generated self-signed
// certificate whose fingerprint is logged so clients can pin it.
package tlsconf

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Protocol floor is TLS 1.2; 1.3 is negotiated when both sides support it.
const minVersion = tls.VersionTLS12

// Load reads a PEM certificate/key pair from disk.
func Load(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}

// SelfSigned generates an ephemeral self-signed certificate for hostname,
// valid for the given duration. Returns the config and the certificate's
// SHA-256 fingerprint.
func SelfSigned(hostname string, validity time.Duration) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("generate serial: %w", err)
	}

	cn := hostname
	if cn == "" {
		cn = "krypton"
	}
	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)

	cfg := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        leaf,
		}},
		MinVersion: minVersion,
	}
	return cfg, hex.EncodeToString(fp[:]), nil
}

// Client returns the client-side configuration for the upgrade.
// insecureSkipVerify accepts self-signed server certificates; it is an
// explicit operator opt-in intended for development.
func Client(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         minVersion,
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec
	}
}
