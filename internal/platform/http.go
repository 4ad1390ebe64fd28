package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	filePerm           = 0o640
)

// HTTPConfig configures the HTTP-backed platform client.
type HTTPConfig struct {
	// AuthURL is the login endpoint. When set, each new client POSTs its
	// APIKey there and receives a bearer token; Logout revokes it. When
	// empty, clients authenticate with the static Token (possibly none).
	AuthURL string
	APIKey  string
	Token   string
	// Timeout bounds a single download or upload request end to end.
	Timeout time.Duration
}

// HTTPFactory builds authenticated HTTPClients. Chats are base URLs: a media
// item lives at GET {chat}/{message}, uploads are multipart POSTs to the
// target chat URL.
type HTTPFactory struct {
	cfg HTTPConfig
}

func NewHTTPFactory(cfg HTTPConfig) *HTTPFactory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &HTTPFactory{cfg: cfg}
}

// NewClient authenticates and returns a ready handle.
func (f *HTTPFactory) NewClient(ctx context.Context) (Client, error) {
	c := &HTTPClient{
		hc:      &http.Client{Timeout: f.cfg.Timeout},
		authURL: f.cfg.AuthURL,
		token:   f.cfg.Token,
	}
	if f.cfg.AuthURL == "" {
		return c, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.AuthURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	if f.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", f.cfg.APIKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("authenticate: http %d: %w", resp.StatusCode, ErrSessionInvalid)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	c.token = body.Token
	return c, nil
}

// HTTPClient is an authenticated handle speaking plain HTTP.
type HTTPClient struct {
	hc      *http.Client
	authURL string
	token   string
}

func (c *HTTPClient) Download(ctx context.Context, ref Ref, destPath string) (int64, error) {
	url := fmt.Sprintf("%s/%d", strings.TrimRight(ref.Chat, "/"), ref.Message)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	written, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return written, fmt.Errorf("write staging file: %w", err)
	}
	return written, nil
}

func (c *HTTPClient) Upload(ctx context.Context, localPath string, target Target) (MessageRef, error) {
	file, err := os.Open(localPath) //nolint:gosec // staging path is owned by the pipeline
	if err != nil {
		return "", fmt.Errorf("open staging file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Stream the multipart body so the upload never buffers the whole file.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("media", filepath.Base(localPath))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Chat, pr)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload to %s: %w", target.Chat, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("upload to %s: %w", target.Chat, err)
	}

	var body struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Ref != "" {
		return MessageRef(body.Ref), nil
	}
	// Some destinations answer with a bare Location header instead.
	return MessageRef(resp.Header.Get("Location")), nil
}

func (c *HTTPClient) Logout(ctx context.Context) error {
	if c.authURL == "" || c.token == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.authURL, nil)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	c.authorize(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("logout returned unexpected status")
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrSessionInvalid
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("http %d", code)
	}
}
