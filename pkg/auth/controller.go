// Package auth owns the authentication credential lifecycle and the
// authenticated HTTP surface of the GlobalTrade client.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/NicolasHaas/gotrade/pkg/credstore"
	"github.com/NicolasHaas/gotrade/pkg/model"
	"github.com/NicolasHaas/gotrade/pkg/version"
)

// UserObserver is notified when the authenticated user changes. It receives
// the new user, or nil on logout. Observers fire in registration order.
type UserObserver func(user *model.User)

type observerEntry struct {
	id uint64
	fn UserObserver
}

// Controller is the source of truth for "is there a valid credential".
// It owns sign-in, sign-up, sign-out, startup validation, and authenticated
// request dispatch. Concurrent logins are not coalesced: the last response
// to land wins. Callers wanting a single in-flight login must serialize.
type Controller struct {
	httpc   *http.Client
	baseURL string
	creds   *credstore.Store

	mu        sync.RWMutex
	user      *model.User
	loading   bool
	gen       uint64 // bumped on logout; fences stale in-flight responses
	observers []observerEntry
	nextObsID uint64

	startupOnce sync.Once
}

// NewController creates a controller talking to baseURL (e.g.
// "https://host/api"). The store must stay open for the controller's
// lifetime.
func NewController(baseURL string, creds *credstore.Store) *Controller {
	return &Controller{
		httpc:   &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		creds:   creds,
		loading: true,
	}
}

// CurrentUser returns the authenticated user, if any.
func (c *Controller) CurrentUser() (model.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return model.User{}, false
	}
	return *c.user, true
}

// Loading reports whether the initial credential validation is still pending.
func (c *Controller) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Token returns the stored bearer credential, if present.
func (c *Controller) Token() (string, bool) {
	return c.creds.Get()
}

// OnUserChange registers an observer and returns its unsubscribe function.
func (c *Controller) OnUserChange(fn UserObserver) func() {
	c.mu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers = append(c.observers, observerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

func (c *Controller) notify(user *model.User) {
	c.mu.RLock()
	obs := make([]observerEntry, len(c.observers))
	copy(obs, c.observers)
	c.mu.RUnlock()

	for _, o := range obs {
		o.fn(user)
	}
}

// Startup validates a stored credential against the profile endpoint. It
// runs at most once per process and always resolves the loading flag
// exactly once. Any validation failure clears the credential.
func (c *Controller) Startup(ctx context.Context) {
	c.startupOnce.Do(func() { c.startup(ctx) })
}

func (c *Controller) startup(ctx context.Context) {
	token, ok := c.creds.Get()
	if !ok {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
		return
	}

	user, err := c.fetchProfile(ctx, token)
	if err != nil {
		slog.Info("stored credential rejected, clearing", "err", err)
		if cerr := c.creds.Clear(); cerr != nil {
			slog.Error("clear credential", "err", cerr)
		}
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.user = &user
	c.loading = false
	c.mu.Unlock()
	c.notify(&user)
}

func (c *Controller) fetchProfile(ctx context.Context, token string) (model.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/profile", nil)
	if err != nil {
		return model.User{}, fmt.Errorf("auth: build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "gotrade/"+version.String())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.User{}, apiError(resp.StatusCode, body)
	}

	var payload struct {
		User model.User `json:"user"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.User{}, fmt.Errorf("%w: decode profile: %v", ErrNetwork, err)
	}
	return payload.User, nil
}

type authResponse struct {
	AccessToken string     `json:"access_token"`
	User        model.User `json:"user"`
}

// Login exchanges credentials for a bearer token. On success the token is
// stored and the current user replaced. On failure the existing credential
// and user are untouched. A response landing after an intervening logout is
// discarded (request fencing).
func (c *Controller) Login(ctx context.Context, email, password string) (model.User, error) {
	body := map[string]string{"email": email, "password": password}
	return c.authenticate(ctx, "/auth/login", body)
}

// Register creates an account. Same contract as Login; the
// password-confirmation field is checked locally and never transmitted.
func (c *Controller) Register(ctx context.Context, req model.RegisterRequest) (model.User, error) {
	if err := req.Validate(); err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return c.authenticate(ctx, "/auth/register", req)
}

func (c *Controller) authenticate(ctx context.Context, path string, body any) (model.User, error) {
	c.mu.Lock()
	c.loading = true
	gen := c.gen
	c.mu.Unlock()

	resp, err := c.postJSON(ctx, path, body)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		return model.User{}, err
	}
	if c.gen != gen {
		c.mu.Unlock()
		slog.Debug("discarding stale auth response", "path", path)
		return model.User{}, fmt.Errorf("%w: superseded by logout", ErrValidation)
	}
	if err := c.creds.Set(resp.AccessToken); err != nil {
		c.mu.Unlock()
		return model.User{}, err
	}
	user := resp.User
	c.user = &user
	c.mu.Unlock()

	c.notify(&user)
	return user, nil
}

func (c *Controller) postJSON(ctx context.Context, path string, body any) (*authResponse, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("auth: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gotrade/"+version.String())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(resp.StatusCode, raw)
	}

	var parsed authResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("%w: response missing access token", ErrNetwork)
	}
	return &parsed, nil
}

// Logout clears the credential and current user unconditionally and
// synchronously. It succeeds fully offline: the only side effects are local.
func (c *Controller) Logout() {
	c.mu.Lock()
	c.gen++
	c.user = nil
	c.mu.Unlock()

	if err := c.creds.Clear(); err != nil {
		slog.Error("clear credential on logout", "err", err)
	}
	c.notify(nil)
}

// UpdateProfile issues an authenticated profile update. On success the
// current user is replaced wholesale with the server's response.
func (c *Controller) UpdateProfile(ctx context.Context, fields map[string]any) (model.User, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	resp, err := c.Do(ctx, http.MethodPut, "/users/profile", fields)
	if err != nil {
		return model.User{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.User{}, apiError(resp.StatusCode, raw)
	}

	var payload struct {
		User model.User `json:"user"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.User{}, fmt.Errorf("%w: decode profile: %v", ErrNetwork, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return model.User{}, fmt.Errorf("%w: superseded by logout", ErrValidation)
	}
	user := payload.User
	c.user = &user
	c.mu.Unlock()

	c.notify(&user)
	return user, nil
}

// Do performs an authenticated request against the API. It is the single
// choke point for bearer-authenticated calls: an HTTP 401 forces a logout
// and surfaces ErrSessionExpired, so an expired token logs the user out no
// matter which consumer hit it. The caller owns the returned response body.
func (c *Controller) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, ok := c.creds.Get()
	if !ok {
		return nil, fmt.Errorf("%w: no credential", ErrSessionExpired)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("auth: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "gotrade/"+version.String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		slog.Info("credential rejected by backend, forcing logout")
		c.Logout()
		return nil, ErrSessionExpired
	}

	return resp, nil
}
