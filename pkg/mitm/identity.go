// Package mitm implements the dual-TLS interceptor (Component H, spec.md
// §4.H): it terminates independent TLS sessions toward the phone and the
// head unit, reassembles Android Auto transport frames, applies a closed
// set of message rewrites, and re-emits frames on the opposite side.
package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Identities are the five PEM artifacts of spec.md §4.H.
type Identities struct {
	HUCert      string
	HUKey       string
	MDCert      string
	MDKey       string
	GalrootCert string
}

// huTLSConfig builds the server tls.Config presented to the head unit.
func (id Identities) huTLSConfig() (*tls.Config, error) {
	return serverConfig(id.HUCert, id.HUKey, id.GalrootCert)
}

// mdTLSConfig builds the server tls.Config presented to the phone ("mobile
// device" in the reference naming).
func (id Identities) mdTLSConfig() (*tls.Config, error) {
	return serverConfig(id.MDCert, id.MDKey, id.GalrootCert)
}

func serverConfig(certPath, keyPath, rootPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("mitm: load keypair %s/%s: %w", certPath, keyPath, err)
	}

	pool := x509.NewCertPool()
	rootPEM, err := os.ReadFile(rootPath)
	if err != nil {
		return nil, fmt.Errorf("mitm: read root %s: %w", rootPath, err)
	}
	if !pool.AppendCertsFromPEM(rootPEM) {
		return nil, fmt.Errorf("mitm: no certificates parsed from %s", rootPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
