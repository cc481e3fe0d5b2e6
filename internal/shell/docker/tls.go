package docker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/docker/go-connections/tlsconfig"
)

// buildTLSConfig turns PEM material held in memory into a client TLS config.
// A CA alone verifies the server; a certificate and key pair adds client auth.
func buildTLSConfig(material *domain.TLSMaterial) (*tls.Config, error) {
	cfg := tlsconfig.ClientDefault()

	if material.CA != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(material.CA)) {
			return nil, errors.New("ca certificate is not valid PEM")
		}
		cfg.RootCAs = pool
	}

	if material.Cert != "" || material.Key != "" {
		if material.Cert == "" || material.Key == "" {
			return nil, domain.ErrIncompleteTLS
		}
		pair, err := tls.X509KeyPair([]byte(material.Cert), []byte(material.Key))
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}
