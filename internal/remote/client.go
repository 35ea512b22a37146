// Package remote talks to the model distribution endpoint: a small JSON
// descriptor per model, the primary artifact stream and auxiliary files.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/metrics"
)

type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// Config configures a Client. Timeout bounds the time to response headers;
// artifact bodies may stream for longer.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("remote base url required")
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", baseURL.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = timeout
	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		http:    &http.Client{Transport: tr},
	}, nil
}

func (c *Client) BaseURL() *url.URL  { return c.baseURL }
func (c *Client) HTTP() *http.Client { return c.http }

// Descriptor fetches the metadata document for id.
func (c *Client) Descriptor(ctx context.Context, id string) (data.ModelDescriptor, error) {
	var desc data.ModelDescriptor
	body, _, err := c.get(ctx, "metadata", "v1", "models", id)
	if err != nil {
		return desc, err
	}
	defer body.Close()

	if err := desc.FromJSON(io.LimitReader(body, 1<<20)); err != nil {
		metrics.RemoteErrors.WithLabelValues("metadata").Inc()
		return desc, fmt.Errorf("%w: decode descriptor for %s: %v", data.ErrNetwork, id, err)
	}
	if desc.ID == "" {
		desc.ID = id
	}
	if desc.ID != id {
		return desc, fmt.Errorf("%w: descriptor id %q does not match %q", data.ErrNetwork, desc.ID, id)
	}
	return desc, nil
}

// Artifact opens the primary artifact stream. The returned length is -1 when
// the server did not announce one.
func (c *Client) Artifact(ctx context.Context, desc data.ModelDescriptor) (io.ReadCloser, int64, error) {
	return c.get(ctx, "artifact", "v1", "models", desc.ID, "artifact")
}

// Auxiliary opens a named auxiliary file for id.
func (c *Client) Auxiliary(ctx context.Context, id, name string) (io.ReadCloser, error) {
	body, _, err := c.get(ctx, "auxiliary", "v1", "models", id, "files", name)
	return body, err
}

func (c *Client) get(ctx context.Context, endpoint string, segments ...string) (io.ReadCloser, int64, error) {
	u := c.baseURL.JoinPath(escape(segments)...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RemoteLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RemoteErrors.WithLabelValues(endpoint).Inc()
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: %s: %v", data.ErrNetwork, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		metrics.RemoteErrors.WithLabelValues(endpoint).Inc()
		if resp.StatusCode == http.StatusNotFound {
			return nil, 0, fmt.Errorf("%w: %w: %s", data.ErrNetwork, data.ErrNotFound, u.Path)
		}
		return nil, 0, fmt.Errorf("%w: %s http %d: %s", data.ErrNetwork, endpoint, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp.Body, resp.ContentLength, nil
}

func escape(segments []string) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = url.PathEscape(s)
	}
	return out
}
