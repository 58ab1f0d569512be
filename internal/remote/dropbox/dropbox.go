// Package dropbox implements a remote.Client on the Dropbox HTTP file API.
//
// The access token comes from the credential store through an oauth2 token
// source; acquiring it (the browser flow) happens outside this package. An
// empty store fails every request with remote.ErrNoCredentials.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/todosync/todosync/internal/remote"
)

// Default endpoints.
const (
	DefaultAPIURL     = "https://api.dropboxapi.com"
	DefaultContentURL = "https://content.dropboxapi.com"
)

const defaultTimeout = 30 * time.Second

func init() {
	remote.Register(remote.KindDropbox, func(opts remote.Options) (remote.Client, error) {
		return New(opts)
	})
}

// Client talks to the Dropbox v2 API.
type Client struct {
	http       *http.Client
	apiURL     string
	contentURL string
}

// New creates a client. opts.Tokens is required.
func New(opts remote.Options) (*Client, error) {
	if opts.Tokens == nil {
		return nil, fmt.Errorf("dropbox token store cannot be nil")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// The token source is consulted on every request so that a token set or
	// cleared through the store takes effect immediately.
	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: &tokenSource{store: opts.Tokens},
			Base:   http.DefaultTransport,
		},
		Timeout: timeout,
	}

	c := &Client{
		http:       hc,
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		contentURL: strings.TrimRight(opts.ContentURL, "/"),
	}
	if c.apiURL == "" {
		c.apiURL = DefaultAPIURL
	}
	if c.contentURL == "" {
		c.contentURL = DefaultContentURL
	}
	return c, nil
}

// tokenSource adapts a remote.TokenStore to oauth2.TokenSource.
type tokenSource struct {
	store remote.TokenStore
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.store.Token(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	if tok == "" {
		return nil, remote.ErrNoCredentials
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

func dropboxPath(path, name string) string {
	return "/" + remote.Key(path, name)
}

// GetMetadata implements remote.Client.
func (c *Client) GetMetadata(ctx context.Context, path, name string) (remote.Metadata, error) {
	p := dropboxPath(path, name)
	body, err := json.Marshal(map[string]any{"path": p})
	if err != nil {
		return remote.Metadata{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/2/files/get_metadata", bytes.NewReader(body))
	if err != nil {
		return remote.Metadata{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	data, _, err := c.do(req, "get_metadata", p)
	if errors.Is(err, remote.ErrNotFound) {
		return remote.Metadata{Exists: false}, nil
	}
	if err != nil {
		return remote.Metadata{}, err
	}
	if tag := gjson.GetBytes(data, `\.tag`).String(); tag != "" && tag != "file" {
		return remote.Metadata{}, remote.Wrap("get_metadata", p, remote.ErrServer, fmt.Errorf("path is a %s", tag))
	}
	return remote.Metadata{Exists: true, Revision: gjson.GetBytes(data, "rev").String()}, nil
}

// Download implements remote.Client.
func (c *Client) Download(ctx context.Context, path, name string) ([]byte, string, error) {
	p := dropboxPath(path, name)
	arg, err := json.Marshal(map[string]any{"path": p})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+"/2/files/download", nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))

	data, header, err := c.do(req, "download", p)
	if err != nil {
		return nil, "", err
	}
	rev := gjson.Get(header.Get("Dropbox-API-Result"), "rev").String()
	if rev == "" {
		return nil, "", remote.Wrap("download", p, remote.ErrServer, fmt.Errorf("missing revision in response"))
	}
	return data, rev, nil
}

// Upload implements remote.Client.
func (c *Client) Upload(ctx context.Context, path, name string, precondition *string, data []byte) (string, error) {
	p := dropboxPath(path, name)

	var mode any = "add"
	if precondition != nil {
		mode = map[string]string{".tag": "update", "update": *precondition}
	}
	arg, err := json.Marshal(map[string]any{
		"path":       p,
		"mode":       mode,
		"autorename": false,
		"mute":       true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+"/2/files/upload", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", string(arg))

	resp, _, err := c.do(req, "upload", p)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(resp, "rev").String(), nil
}

// do sends req and maps failures onto remote sentinels.
func (c *Client) do(req *http.Request, op, path string) ([]byte, http.Header, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, remote.ErrNoCredentials):
			return nil, nil, remote.Wrap(op, path, remote.ErrNoCredentials, nil)
		default:
			return nil, nil, remote.Wrap(op, path, remote.ErrTransport, err)
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, remote.Wrap(op, path, remote.ErrTransport, err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, resp.Header, nil
	}
	return nil, nil, remote.Wrap(op, path, classify(resp.StatusCode, body), apiError(resp.StatusCode, body))
}

// classify maps an HTTP status and Dropbox error body onto a sentinel.
func classify(status int, body []byte) error {
	switch {
	case status == http.StatusConflict:
		summary := gjson.GetBytes(body, "error_summary").String()
		switch {
		case strings.Contains(summary, "not_found"):
			return remote.ErrNotFound
		case strings.Contains(summary, "conflict"):
			return remote.ErrPreconditionFailed
		default:
			return remote.ErrRejected
		}
	case status == http.StatusUnauthorized:
		return remote.ErrUnauthorized
	case status == http.StatusTooManyRequests:
		return remote.ErrRateLimited
	case status >= 500:
		return remote.ErrServer
	case status >= 400:
		// Bad input or a forbidden path; resending it cannot help.
		return remote.ErrRejected
	default:
		return remote.ErrTransport
	}
}

func apiError(status int, body []byte) error {
	if summary := gjson.GetBytes(body, "error_summary").String(); summary != "" {
		return fmt.Errorf("http %d: %s", status, summary)
	}
	return fmt.Errorf("http %d", status)
}
