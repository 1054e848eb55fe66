package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// ALPNProtocol is the ALPN identifier of the QUIC transport.
const ALPNProtocol = "oxy/1"

// certLifetime of generated listener certificates. They live as long as
// the listener, so any value longer than a session will do.
const certLifetime = 365 * 24 * time.Hour

// SelfSignedPEM creates an ed25519 certificate for name and returns the
// certificate and PKCS#8 key in PEM form.
func SelfSignedPEM(name string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), nil
}

// WriteSelfSignedCert stores a new certificate for the transport.cert_file
// and transport.key_file settings. The key is written 0600.
func WriteSelfSignedCert(certFile, keyFile, name string) error {
	certPEM, keyPEM, err := SelfSignedPEM(name, certLifetime)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return err
	}
	return os.WriteFile(keyFile, keyPEM, 0600)
}

func serverTLS(cert tls.Certificate, nextProtos []string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   nextProtos,
	}
}

// listenerTLSConfig loads the configured certificate, or generates a
// throwaway one when none is configured.
func listenerTLSConfig(opts Options, nextProtos ...string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	} else {
		var certPEM, keyPEM []byte
		if certPEM, keyPEM, err = SelfSignedPEM("oxy", certLifetime); err == nil {
			cert, err = tls.X509KeyPair(certPEM, keyPEM)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("tls certificate: %w", err)
	}
	return serverTLS(cert, nextProtos), nil
}

// clientTLSConfig skips certificate verification. The outer TLS only hides
// the session; the session handshake authenticates the peer.
func clientTLSConfig(nextProtos ...string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS13,
	}
}
