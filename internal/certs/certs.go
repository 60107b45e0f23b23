// Package certs turns the certificate resolvers named by entrypoints into
// TLS server configurations.
package certs

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/fabian4/verkehr/internal/config"
)

var (
	ErrUnknownEntrypoint = errors.New("unknown entrypoint")
	ErrUnknownResolver   = errors.New("unknown certificate resolver")
)

// Resolver supplies the TLS configuration of an entrypoint. A nil config
// and nil error mean the entrypoint serves plain text.
type Resolver interface {
	GetTLSConfig(entrypoint string) (*tls.Config, error)
}

// FileResolver serves the static cert/key pairs of the current snapshot.
// Files are read on every call, so a listener restart picks up rotated
// certificates.
type FileResolver struct {
	Store *config.Store
}

func NewFileResolver(store *config.Store) *FileResolver {
	return &FileResolver{Store: store}
}

func (r *FileResolver) GetTLSConfig(entrypoint string) (*tls.Config, error) {
	cfg, _ := r.Store.Get()

	ep, isHTTP := cfg.HTTP.Entrypoints[entrypoint]
	if !isHTTP {
		var ok bool
		if ep, ok = cfg.TCP.Entrypoints[entrypoint]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntrypoint, entrypoint)
		}
	}
	if ep.CertResolver == "" {
		return nil, nil
	}
	res, ok := cfg.CertResolvers[ep.CertResolver]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResolver, ep.CertResolver)
	}

	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	for _, c := range res.Certificates {
		pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("certResolvers[%s]: %w", ep.CertResolver, err)
		}
		tc.Certificates = append(tc.Certificates, pair)
	}
	if isHTTP {
		tc.NextProtos = []string{"h2", "http/1.1"}
	}
	return tc, nil
}
