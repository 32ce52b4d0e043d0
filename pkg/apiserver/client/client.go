// Package client is the agent-side client for the updraft apiserver. It is
// the only path an agent has for mutating shared state: every call carries
// the pod's projected service-account token, which the apiserver reviews and
// pins to the agent's own node.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/apiserver/api"
)

const requestTimeout = 10 * time.Second

var (
	// ErrConflict means the write lost an optimistic-concurrency race; the
	// caller should refetch its shadow and recompute.
	ErrConflict = errors.New("resource version conflict")

	// ErrUnauthenticated means the token was rejected; the caller should
	// reload its projected token and retry.
	ErrUnauthenticated = errors.New("apiserver rejected token")

	// ErrRejected means the apiserver refused the write as a state-machine
	// violation. Retrying the same payload cannot succeed.
	ErrRejected = errors.New("apiserver rejected write")
)

// Config locates and authenticates against the apiserver.
type Config struct {
	// Address is the host:port of the apiserver service.
	Address string

	// CAPath is the PEM bundle used to verify the apiserver's certificate.
	CAPath string

	// TokenPath is the projected service-account token, re-read on every
	// request so kubelet rotation is picked up immediately.
	TokenPath string

	// NodeName is the node this agent runs on.
	NodeName string
}

// Client talks to the updraft apiserver.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client, loading the CA bundle once at startup.
func New(cfg Config) (*Client, error) {
	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("CA bundle %q contains no certificates", cfg.CAPath)
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:    pool,
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}, nil
}

// CreateShadow ensures the shadow for this client's node exists and returns
// it.
func (c *Client) CreateShadow(ctx context.Context) (*v2.HostShadow, error) {
	var shadow v2.HostShadow
	if err := c.post(ctx, api.ShadowPath(c.cfg.NodeName), nil, &shadow); err != nil {
		return nil, err
	}

	return &shadow, nil
}

// UpdateStatus replaces the shadow's status. resourceVersion, when not
// empty, must match the stored object or the call fails with ErrConflict.
func (c *Client) UpdateStatus(ctx context.Context, status *v2.HostShadowStatus, resourceVersion string) error {
	req := api.UpdateStatusRequest{
		Status:          *status,
		ResourceVersion: resourceVersion,
	}

	return c.post(ctx, api.ShadowStatusPath(c.cfg.NodeName), &req, nil)
}

// DrainSelf asks the apiserver to cordon and drain this client's node.
func (c *Client) DrainSelf(ctx context.Context) error {
	return c.post(ctx, api.EvictionPath(c.cfg.NodeName), nil, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://"+c.cfg.Address+path, reader)
	if err != nil {
		return err
	}

	token, err := os.ReadFile(c.cfg.TokenPath)
	if err != nil {
		return fmt.Errorf("reading service-account token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(payload)))
	default:
		return fmt.Errorf("apiserver returned %d for %s: %s",
			resp.StatusCode, path, strings.TrimSpace(string(payload)))
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}

	return nil
}
