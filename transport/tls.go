// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/absmach/fluxmq-harness/harness"
)

var errNoCertificates = errors.New("no certificates found")

// TLSConfig builds the client TLS configuration for p. Go does not check
// revocation, so IgnoreRevocationErrors needs no setting of its own.
func TLSConfig(p harness.TLSPolicy) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if p.CAFile != "" {
		pem, err := os.ReadFile(p.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w in %s", errNoCertificates, p.CAFile)
		}
		cfg.RootCAs = pool
	}

	if p.AllowUntrusted || p.IgnoreChainErrors {
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}
