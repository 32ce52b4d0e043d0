package apiserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"updraft.io/updraft/pkg/log"
)

// certReloader re-reads the serving keypair on a fixed timer so that a
// rotated certificate is picked up without restarting the process. Reload
// failures keep the previous keypair in service.
type certReloader struct {
	certPath string
	keyPath  string
	interval time.Duration
	logger   log.Logger

	current atomic.Pointer[tls.Certificate]
}

func newCertReloader(certPath, keyPath string, interval time.Duration, logger log.Logger) (*certReloader, error) {
	r := &certReloader{
		certPath: certPath,
		keyPath:  keyPath,
		interval: interval,
		logger:   logger.WithName("tls"),
	}

	if err := r.reload(); err != nil {
		return nil, fmt.Errorf("loading initial serving certificate: %w", err)
	}

	return r, nil
}

// GetCertificate plugs into tls.Config.
func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.current.Load(), nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}

	r.current.Store(&cert)

	return nil
}

// Run re-reads the keypair every interval until ctx is cancelled.
func (r *certReloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.reload(); err != nil {
				r.logger.Error(err, "reloading serving certificate, keeping previous one")
				continue
			}

			r.logger.Debug("serving certificate reloaded")
		case <-ctx.Done():
			return nil
		}
	}
}
