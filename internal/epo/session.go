// Package epo talks to the EPO raw-data publication portal: form login,
// authenticated fetches and catalog listing. It owns no retry policy for
// transient network failures; that belongs to the download engine.
package epo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrAuthentication indicates invalid credentials or an unreachable
// portal. Fatal for the whole run.
var ErrAuthentication = errors.New("patstat authentication failed")

const (
	authPath    = "/authentication"
	productPath = "/product?productId=86"
)

// Config holds portal endpoints and credentials.
type Config struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

// Session is an authenticated portal client. The cookie jar inside the
// resty client carries the login state; Fetch re-authenticates once when
// the portal signals session expiry.
type Session struct {
	client  *resty.Client
	baseURL string
	email   string
	pwd     string

	mu sync.Mutex // serializes re-login
}

// Login authenticates against the portal and returns a reusable session.
func Login(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("User-Agent", "patload/1.0")

	s := &Session{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		email:   cfg.Email,
		pwd:     cfg.Password,
	}

	if err := s.login(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// login posts the portal's login form. The portal answers 200 for both
// outcomes; a successful login echoes the account name in the body.
func (s *Session) login(ctx context.Context) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"action": "1",
			"submit": "Log in",
			"login":  s.email,
			"pwd":    s.pwd,
		}).
		Post(s.baseURL + authPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: portal returned %d", ErrAuthentication, resp.StatusCode())
	}
	if !strings.Contains(resp.String(), s.email) {
		return fmt.Errorf("%w: invalid credentials for %s", ErrAuthentication, s.email)
	}
	return nil
}

// Fetch performs an authenticated GET returning the unparsed response so
// the caller can stream the body. offset > 0 requests the remaining byte
// range for download resumption. When the portal signals an expired
// session (401/403 or a redirect landing back on the login page), the
// session re-authenticates once and retries the request once.
//
// The caller owns resp.RawBody() and must close it.
func (s *Session) Fetch(ctx context.Context, url string, offset int64) (*resty.Response, error) {
	resp, err := s.fetch(ctx, url, offset)
	if err != nil {
		return nil, err
	}
	if !s.expired(resp) {
		return resp, nil
	}
	_ = resp.RawBody().Close()

	s.mu.Lock()
	err = s.login(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, url, offset)
}

func (s *Session) fetch(ctx context.Context, url string, offset int64) (*resty.Response, error) {
	req := s.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return req.Get(s.absolute(url))
}

// Get performs an authenticated GET returning the buffered body. Used
// for small pages like the catalog listing.
func (s *Session) Get(ctx context.Context, url string) (string, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.absolute(url))
	if err != nil {
		return "", err
	}
	if s.expired(resp) {
		s.mu.Lock()
		err = s.login(ctx)
		s.mu.Unlock()
		if err != nil {
			return "", err
		}
		resp, err = s.client.R().SetContext(ctx).Get(s.absolute(url))
		if err != nil {
			return "", err
		}
	}
	if resp.IsError() {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode())
	}
	return resp.String(), nil
}

// expired reports whether the response looks like a bounced session.
func (s *Session) expired(resp *resty.Response) bool {
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return true
	}
	// Redirect chains end on the login page when the cookie is stale.
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		return strings.HasSuffix(raw.Request.URL.Path, authPath)
	}
	return false
}

// absolute resolves portal-relative links like "download?fileId=42".
func (s *Session) absolute(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return s.baseURL + "/" + strings.TrimLeft(url, "/")
}
