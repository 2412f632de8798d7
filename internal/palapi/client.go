package palapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "palctl/pkg/logx"
)

const (
	apiSuffix      = "/v1/api"
	adminUser      = "admin"
	defaultTimeout = 10 * time.Second
	maxBody        = 1 << 20
	maxErrBody     = 256
)

type Options struct {
	BaseURL  string
	Password string
	// Timeout bounds each HTTP request. Zero means 10s.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logx.Logger
}

// Client is the compatibility client for the server REST API. It negotiates
// the route prefix and payload shape per operation and authenticates every
// request with HTTP Basic auth as the admin user.
type Client struct {
	bases    []string
	password string
	hc       *http.Client
	log      logx.Logger
}

// New validates the base URL and builds a client. A missing or unparsable
// base URL is a configuration error.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q needs http(s)://host", ErrBadBaseURL, raw)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		bases:    targets(raw),
		password: opts.Password,
		hc:       hc,
		log:      log.With(logx.String("comp", "palapi")),
	}, nil
}

// Targets returns the candidate base URLs in the order they are tried.
func (c *Client) Targets() []string { return append([]string(nil), c.bases...) }

// send issues one candidate request and classifies the outcome.
func (c *Client) send(ctx context.Context, cand candidate) (int, []byte, error) {
	target := cand.url()

	var body io.Reader
	if !cand.shape.empty && cand.shape.body != nil {
		body = bytes.NewReader(cand.shape.body)
	}
	req, err := http.NewRequestWithContext(ctx, cand.method, target, body)
	if err != nil {
		return 0, nil, &TransportError{URL: target, Err: err}
	}
	if cand.shape.empty {
		req.Body = http.NoBody
		req.ContentLength = 0
	} else if cand.shape.contentType != "" {
		req.Header.Set("Content-Type", cand.shape.contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(adminUser, c.password)

	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Debug("request failed", logx.String("candidate", cand.label()), logx.Err(err))
		return 0, nil, &TransportError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, &TransportError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.log.Debug("credential rejected", logx.String("candidate", cand.label()))
		return resp.StatusCode, nil, &AuthError{URL: target}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.log.Debug("candidate rejected", logx.String("candidate", cand.label()), logx.Int("status", resp.StatusCode))
		return resp.StatusCode, nil, &PeerError{URL: target, Status: resp.StatusCode, Body: snippet(b)}
	}
	return resp.StatusCode, b, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrBody {
		s = s[:maxErrBody] + "..."
	}
	return s
}
