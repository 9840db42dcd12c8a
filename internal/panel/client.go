// Package panel talks to the 3x-ui management API.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"xui-vpn-bot/internal/metrics"
)

var (
	// ErrUnavailable means the panel could not be reached or refused to authenticate.
	ErrUnavailable    = errors.New("panel unavailable")
	ErrNoInboundFound = errors.New("no suitable inbound found")
	// ErrClientExists means the panel holds a different client under the requested email.
	ErrClientExists = errors.New("client already exists")
	ErrProtocol     = errors.New("unexpected panel response")
)

// APIError is a well-formed response with success=false.
type APIError struct {
	Op  string
	Msg string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel %s: %s", e.Op, e.Msg)
}

func (e *APIError) duplicate() bool {
	return strings.Contains(strings.ToLower(e.Msg), "duplicate")
}

func (e *APIError) notFound() bool {
	return strings.Contains(strings.ToLower(e.Msg), "not found")
}

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	Retries  int
	// RetryWait is the first backoff interval; it grows exponentially.
	RetryWait time.Duration
	Logger    *zap.Logger
}

// API talks to one 3x-ui panel over its HTTP API.
type API struct {
	cfg  Config
	base *url.URL
	http *http.Client
	log  *zap.Logger

	login singleflight.Group

	mu       sync.Mutex
	loggedIn bool
	gen      uint64
}

func New(cfg Config) (*API, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid panel url %q", cfg.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &API{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Jar:     jar,
			Timeout: cfg.Timeout,
			// the panel answers an expired session on the web UI with a redirect to the login page
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		log: cfg.Logger.Named("panel"),
	}, nil
}

// EnsureSession logs in unless a session is already held.
func (c *API) EnsureSession(ctx context.Context) error {
	c.mu.Lock()
	ok, gen := c.loggedIn, c.gen
	c.mu.Unlock()
	if ok {
		return nil
	}
	return c.relogin(ctx, gen)
}

// relogin refreshes the session seen at generation gen. Concurrent callers share one login,
// and a caller whose stale session was already replaced does not log in again.
func (c *API) relogin(ctx context.Context, gen uint64) error {
	_, err, _ := c.login.Do("login", func() (interface{}, error) {
		c.mu.Lock()
		fresh := c.loggedIn && c.gen != gen
		c.mu.Unlock()
		if fresh {
			return nil, nil
		}
		// shared by every waiter, so one caller's cancellation must not fail the others
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		if err := c.doLogin(lctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.loggedIn = true
		c.gen++
		c.mu.Unlock()
		c.log.Debug("panel session established")
		return nil, nil
	})
	return err
}

func (c *API) invalidate(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.loggedIn = false
	}
	c.mu.Unlock()
}

func (c *API) session() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *API) doLogin(ctx context.Context) error {
	form := url.Values{"username": {c.cfg.Username}, "password": {c.cfg.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/login"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: login: HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %w: HTTP %d", ErrUnavailable, errLoginRejected, resp.StatusCode)
	}
	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: login: %v", ErrUnavailable, err)
	}
	if !*env.Success {
		return fmt.Errorf("%w: %w: %s", ErrUnavailable, errLoginRejected, env.Msg)
	}
	return nil
}

type envelope struct {
	Success *bool           `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

func decodeEnvelope(r io.Reader) (*envelope, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.Success == nil {
		return nil, fmt.Errorf("%w: missing success field", ErrProtocol)
	}
	return &env, nil
}

func (c *API) endpoint(path string) string {
	return c.base.String() + path
}

// call performs one API operation with session handling and retries, decoding obj into out.
func (c *API) call(ctx context.Context, op, method, path string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		metrics.PanelRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.PanelRequests.WithLabelValues(op, resultLabel(err)).Inc()
	}()

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.RetryWait),
		backoff.WithMaxElapsedTime(0),
	)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.Retries)), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		err := c.attempt(ctx, op, method, path, payload, out)
		if err != nil && !isPermanent(err) {
			c.log.Warn("panel request failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, b)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr), errors.Is(err, ErrProtocol), errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
}

func isPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

func resultLabel(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &apiErr):
		return "rejected"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

var (
	errSessionExpired = errors.New("session expired")
	errLoginRejected  = errors.New("login rejected")
)

func (c *API) attempt(ctx context.Context, op, method, path string, payload []byte, out interface{}) error {
	for reauth := 0; ; reauth++ {
		if err := c.EnsureSession(ctx); err != nil {
			if errors.Is(err, errLoginRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		gen := c.session()
		err := c.send(ctx, op, method, path, payload, out)
		if !errors.Is(err, errSessionExpired) {
			return err
		}
		c.invalidate(gen)
		if reauth > 0 {
			return backoff.Permanent(fmt.Errorf("%w: %s: session rejected after re-login", ErrUnavailable, op))
		}
		c.log.Debug("panel session expired, logging in again", zap.String("op", op))
	}
}

func (c *API) send(ctx context.Context, op, method, path string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return backoff.Permanent(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s: %w", ErrUnavailable, op, ctx.Err()))
		}
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 300 && resp.StatusCode < 400:
		_, _ = io.Copy(io.Discard, resp.Body)
		return errSessionExpired
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: HTTP %d", op, resp.StatusCode)
	case resp.StatusCode >= 400:
		_, _ = io.Copy(io.Discard, resp.Body)
		return backoff.Permanent(fmt.Errorf("%w: %s: HTTP %d", ErrProtocol, op, resp.StatusCode))
	}

	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%s: %w", op, err))
	}
	if !*env.Success {
		return backoff.Permanent(&APIError{Op: op, Msg: env.Msg})
	}
	if out != nil && len(env.Obj) > 0 && string(env.Obj) != "null" {
		if err := json.Unmarshal(env.Obj, out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrProtocol, op, err))
		}
	}
	return nil
}
