// Package hostapi is a client for the host-local update API, an HTTP service
// the OS exposes over a unix domain socket. It stages, activates and reboots
// into OS images on behalf of the agent.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/blang/semver/v4"
)

const (
	osPath             = "/os"
	updateStatusPath   = "/updates/status"
	refreshUpdatesPath = "/actions/refresh-updates"
	prepareUpdatePath  = "/actions/prepare-update"
	activateUpdatePath = "/actions/activate-update"
	rebootPath         = "/actions/reboot"
)

const (
	// requestTimeout bounds every call to the update API.
	requestTimeout = 10 * time.Second

	// The update API answers 423 while another client holds its lock. Locked
	// calls are retried a bounded number of times before giving up.
	lockedRetries    = 5
	lockedRetryDelay = 10 * time.Second
)

// UpdateState is the update API's own four-phase lifecycle.
type UpdateState string

const (
	// UpdateStateIdle means no update information is known yet.
	UpdateStateIdle UpdateState = "Idle"
	// UpdateStateAvailable means newer versions exist.
	UpdateStateAvailable UpdateState = "Available"
	// UpdateStateStaged means an update command is in flight or applied.
	UpdateStateStaged UpdateState = "Staged"
	// UpdateStateReady means the staged image is active for the next boot.
	UpdateStateReady UpdateState = "Ready"
)

// CommandType identifies the update commands the API runs.
type CommandType string

const (
	CommandRefresh  CommandType = "refresh"
	CommandPrepare  CommandType = "prepare"
	CommandActivate CommandType = "activate"
)

// CommandStatus is the outcome of the most recent command.
type CommandStatus string

const (
	CommandSuccess CommandStatus = "Success"
	CommandFailed  CommandStatus = "Failed"
	CommandUnknown CommandStatus = "Unknown"
)

// OSInfo describes the running OS.
type OSInfo struct {
	VersionID semver.Version `json:"version_id"`
}

// UpdateImage is one installable image.
type UpdateImage struct {
	Arch    string         `json:"arch"`
	Version semver.Version `json:"version"`
	Variant string         `json:"variant"`
}

// CommandResult reports how the most recent update command ended.
type CommandResult struct {
	CmdType    CommandType   `json:"type"`
	CmdStatus  CommandStatus `json:"status"`
	Timestamp  string        `json:"timestamp"`
	ExitStatus int32         `json:"exit_status"`
	Stderr     string        `json:"stderr"`
}

// UpdateStatus is the full state of the update API.
type UpdateStatus struct {
	UpdateState       UpdateState      `json:"update_state"`
	AvailableUpdates  []semver.Version `json:"available_updates"`
	ChosenUpdate      *UpdateImage     `json:"chosen_update"`
	MostRecentCommand CommandResult    `json:"most_recent_command"`
}

// StatusError is a non-2xx answer from the update API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("update API returned status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// IsTransient reports whether err only means the update API is busy and the
// call may be retried. Everything else from the API is non-transient.
func IsTransient(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusLocked
}

// Client calls the update API over its unix socket.
type Client struct {
	http       *http.Client
	retryDelay time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithRetryDelay overrides the delay between locked-API retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New returns a client for the update API listening on socketPath.
func New(socketPath string, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		retryDelay: lockedRetryDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OSInfo reports the version of the running OS.
func (c *Client) OSInfo(ctx context.Context) (*OSInfo, error) {
	var info OSInfo
	if err := c.do(ctx, http.MethodGet, osPath, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// UpdateStatus fetches the update API's current state.
func (c *Client) UpdateStatus(ctx context.Context) (*UpdateStatus, error) {
	var status UpdateStatus
	if err := c.do(ctx, http.MethodGet, updateStatusPath, &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// ChosenUpdate refreshes the update list and returns the image the host wants
// to move to, or nil when the host is current.
func (c *Client) ChosenUpdate(ctx context.Context) (*UpdateImage, error) {
	if err := c.do(ctx, http.MethodPost, refreshUpdatesPath, nil); err != nil {
		return nil, err
	}

	status, err := c.UpdateStatus(ctx)
	if err != nil {
		return nil, err
	}

	if err := status.MostRecentCommand.check(CommandRefresh); err != nil {
		return nil, err
	}

	return status.ChosenUpdate, nil
}

// Prepare downloads the chosen update and writes it to the inactive
// partition. The API must be in Available or Staged state; anything else
// means an update was driven out of band.
func (c *Client) Prepare(ctx context.Context) error {
	status, err := c.UpdateStatus(ctx)
	if err != nil {
		return err
	}

	if status.UpdateState != UpdateStateAvailable && status.UpdateState != UpdateStateStaged {
		return fmt.Errorf("update state is %q, want Available or Staged; update driven out of band?", status.UpdateState)
	}

	if err := c.do(ctx, http.MethodPost, prepareUpdatePath, nil); err != nil {
		return err
	}

	status, err = c.UpdateStatus(ctx)
	if err != nil {
		return err
	}

	return status.MostRecentCommand.check(CommandPrepare)
}

// Activate flips the partition table so the prepared image boots next.
func (c *Client) Activate(ctx context.Context) error {
	status, err := c.UpdateStatus(ctx)
	if err != nil {
		return err
	}

	if status.UpdateState != UpdateStateStaged {
		return fmt.Errorf("update state is %q, want Staged; update driven out of band?", status.UpdateState)
	}

	if err := c.do(ctx, http.MethodPost, activateUpdatePath, nil); err != nil {
		return err
	}

	status, err = c.UpdateStatus(ctx)
	if err != nil {
		return err
	}

	return status.MostRecentCommand.check(CommandActivate)
}

// BootIntoUpdate reboots the host into the activated image. The caller should
// expect to be terminated shortly after a successful return.
func (c *Client) BootIntoUpdate(ctx context.Context) error {
	status, err := c.UpdateStatus(ctx)
	if err != nil {
		return err
	}

	if status.UpdateState != UpdateStateReady {
		return fmt.Errorf("update state is %q, want Ready; update driven out of band?", status.UpdateState)
	}

	return c.do(ctx, http.MethodPost, rebootPath, nil)
}

func (r CommandResult) check(want CommandType) error {
	if r.CmdType != want || r.CmdStatus != CommandSuccess {
		return fmt.Errorf("%s command did not succeed: status %q, exit %d, stderr %q",
			want, r.CmdStatus, r.ExitStatus, r.Stderr)
	}

	return nil
}

// do performs one request, retrying while the API reports itself locked.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	var lastErr error

	for attempt := 0; attempt < lockedRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doOnce(ctx, method, path, out)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("update API stayed locked after %d attempts: %w", lockedRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}

	return nil
}
