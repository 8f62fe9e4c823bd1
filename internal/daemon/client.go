package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cloudsync/internal/jobs"
	"cloudsync/internal/syncerr"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	http *http.Client
}

// APIError is a non-2xx reply. It unwraps to the syncerr marker named by
// Kind so callers can use errors.Is across the socket.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap returns the syncerr marker for Kind.
func (e *APIError) Unwrap() error {
	return markerForKind(e.Kind)
}

// Dial returns a client for the daemon listening on socket. It fails when
// nothing is listening.
func Dial(socket string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socket, 2*time.Second)
	if err != nil {
		return nil, err
	}
	_ = conn.Close()

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{http: &http.Client{Transport: transport, Timeout: 60 * time.Second}}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartSync asks the daemon to start a sync and returns the job id.
func (c *Client) StartSync(ctx context.Context, req StartSyncRequest) (string, error) {
	var resp StartSyncResponse
	if err := c.do(ctx, http.MethodPost, "/api/sync", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Job returns the persisted state of a job.
func (c *Client) Job(ctx context.Context, jobID string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel cancels a job and returns its final state.
func (c *Client) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// History lists a profile's jobs, newest first.
func (c *Client) History(ctx context.Context, profileID string, limit int) ([]*jobs.Job, error) {
	var list []*jobs.Job
	path := "/api/profiles/" + url.PathEscape(profileID) + "/jobs?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://cloudsync"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrInternal, "daemon client", method+" "+path, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = fmt.Sprintf("daemon returned %s", resp.Status)
		}
		return &APIError{StatusCode: resp.StatusCode, Kind: apiErr.Kind, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func markerForKind(kind string) error {
	switch kind {
	case "sync_in_progress":
		return syncerr.ErrSyncInProgress
	case "job_not_found":
		return syncerr.ErrJobNotFound
	case "invalid_status":
		return syncerr.ErrInvalidStatus
	case "invalid_job_id":
		return syncerr.ErrInvalidJobID
	case "invalid_input":
		return syncerr.ErrInvalidInput
	case "not_authenticated":
		return syncerr.ErrNotAuthenticated
	case "provider_not_registered":
		return syncerr.ErrProviderNotRegistered
	case "network_restricted":
		return syncerr.ErrNetworkRestricted
	case "provider":
		return syncerr.ErrProvider
	case "timeout":
		return syncerr.ErrTimeout
	case "cancelled":
		return syncerr.ErrCancelled
	case "database":
		return syncerr.ErrDatabase
	case "not_found":
		return syncerr.ErrNotFound
	default:
		return syncerr.ErrInternal
	}
}
