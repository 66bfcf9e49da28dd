package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/prewarm/internal/latex"
)

// ErrTargetNotFound is returned when a target key can't be resolved, by the
// server and by Client.Build alike.
var ErrTargetNotFound = latex.ErrTargetNotFound

// Client talks to a running server.
type Client struct {
	baseURL *url.URL
	client  *http.Client
}

// NewClient accepts either a host:port pair or an http URL without a path.
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	parsedURL, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server address with a scheme and without path, e.g. `http://localhost:65012`")
	}

	return &Client{
		baseURL: parsedURL,
		client:  &http.Client{},
	}, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

// Build asks the server to compile the target and returns the log.
func (c *Client) Build(ctx context.Context, key string, wait bool) (string, error) {
	q := url.Values{}
	q.Set("wait", strconv.FormatBool(wait))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(buildPath, q), strings.NewReader(key))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return decodeTextResponse(resp)
}

// Stop asks the server to shut down.
func (c *Client) Stop(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(stopPath, nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, err = decodeTextResponse(resp)
	return err
}

// Ping reports whether a server answers on the address.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(healthzPath, nil), nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func decodeTextResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != "text/plain" {
		return "", fmt.Errorf("expected `text/plain` content type, got: %s", contentType)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return string(body), nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%s: %w", body, ErrTargetNotFound)
	default:
		return "", fmt.Errorf("status code: %d, body: %s", resp.StatusCode, body)
	}
}
