// Package peer fetches snapshots stored by another cctd instance.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"

	"github.com/getsentry/cctprof/internal/snapshot"
	"github.com/getsentry/cctprof/internal/storageutil"
)

type (
	Client struct {
		http *httpclient.Client
		url  string
	}

	Options struct {
		Timeout    time.Duration
		RetryCount int
		Backoff    time.Duration
	}

	ReadJob struct {
		Ctx        context.Context
		Client     *Client
		Session    string
		SnapshotID string
		Result     chan<- storageutil.ReadJobResult
	}
)

func NewClient(baseURL string, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("peer: base url must be set")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff == 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	return &Client{
		url: strings.TrimSuffix(baseURL, "/"),
		http: httpclient.NewClient(
			httpclient.WithHTTPTimeout(opts.Timeout),
			httpclient.WithRetryCount(opts.RetryCount),
			httpclient.WithRetrier(heimdall.NewRetrier(heimdall.NewConstantBackoff(opts.Backoff, opts.Backoff/2))),
		),
	}, nil
}

func (c *Client) snapshotURL(session, id string) string {
	return fmt.Sprintf("%s/snapshots/%s/%s", c.url, url.PathEscape(session), url.PathEscape(id))
}

// Fetch downloads and decodes a snapshot. A snapshot the peer doesn't have
// is reported as storageutil.ErrObjectNotFound.
func (c *Client) Fetch(ctx context.Context, session, id string) (*snapshot.Snapshot, error) {
	s := sentry.StartSpan(ctx, "http.client")
	s.Description = "Fetch snapshot from peer"
	defer s.Finish()

	req, err := http.NewRequestWithContext(s.Context(), http.MethodGet, c.snapshotURL(session, id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/octet-stream")
	req.Header.Set("sentry-trace", s.ToSentryTrace())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("peer: %s/%s: %w", session, id, storageutil.ErrObjectNotFound)
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("peer: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return snapshot.Read(resp.Body)
}

func (job ReadJob) Read() {
	s, err := job.Client.Fetch(job.Ctx, job.Session, job.SnapshotID)
	job.Result <- snapshot.ReadJobResult{Err: err, SnapshotID: job.SnapshotID, Snapshot: s}
}
