package fanproxy

import (
	"crypto/tls"

	"github.com/pkg/errors"
)

// TLSServerConfig loads a certificate and key for the admin listener. Returns nil
// without error if neither file is given, in which case the listener serves plain
// HTTP.
func TLSServerConfig(crtFile, keyFile string) (*tls.Config, error) {
	if crtFile == "" && keyFile == "" {
		return nil, nil
	}
	if crtFile == "" || keyFile == "" {
		return nil, errors.New("both certificate and key are required for tls")
	}
	certificate, err := tls.LoadX509KeyPair(crtFile, keyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load certificate from %s", crtFile)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
	}, nil
}
