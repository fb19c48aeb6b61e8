// Package direct4me is a client for the Direct4.me parcel-locker mobile
// API. It manages the bearer-token session (load from storage, validate,
// log in again when the token is rejected) and fetches delivery records.
//
// The vendor API only serves its own mobile app, so every request carries
// the app's identification headers.
package direct4me

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nugget/direct4me-bridge/internal/config"
	"github.com/nugget/direct4me-bridge/internal/httpkit"
)

// Identification of the vendor mobile app build the API expects.
const (
	appVersionCode = "464"
	appVersionName = "1.51.10"
	appUserAgent   = "Direct4.me/464 CFNetwork/1496.0.7 Darwin/23.5.0"
	appBundleID    = "me.direct4.customer"
	appPlatform    = "iOS"
	appSDKVersion  = "0.0.1"
	fetchLanguage  = "sr"
	loginLanguage  = "en-US,en;q=0.9"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Config holds the account and endpoint settings for a Client.
type Config struct {
	Username string
	Password string
	DeviceID string

	// APIURL is the MobileApp API root (SignOn, GetDeliveries).
	APIURL string
	// MainURL is the main API root (token validation).
	MainURL string
}

// Client talks to the Direct4.me API on behalf of one account. The
// session token is the only mutable state; it is guarded so diagnostics
// can read it while a poll cycle runs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	store      TokenStore
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a client and loads any previously persisted token
// from store. A nil httpClient gets an [httpkit] client; a nil logger
// uses [slog.Default].
func NewClient(cfg Config, store TokenStore, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(appUserAgent),
		)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		store:      store,
		logger:     logger,
	}

	rec, found, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load stored token: %w", err)
	}
	if found && rec.AuthToken != "" {
		c.token = rec.AuthToken
		logger.Debug("loaded stored session token")
	}

	return c, nil
}

// Token returns the current session token, or "" before the first login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// TokenExpiry returns the exp claim of the current token when the token
// is a JWT.
func (c *Client) TokenExpiry() (time.Time, bool) {
	return tokenExpiry(c.Token())
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// EnsureLoggedIn makes sure the client holds a token the API accepts.
// A stored token is validated first; only when it is missing or rejected
// is Login called, exactly once, and its result returned.
func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	if c.Token() != "" {
		if c.IsTokenValid(ctx) {
			return nil
		}
		c.logger.Info("token invalid, logging in again")
	}
	return c.Login(ctx)
}

// IsTokenValid probes the token validation endpoint. Only HTTP 200 counts
// as valid. A network failure also reports false, so an unreachable API
// causes a login attempt just like an expired token does; the two cases
// are logged differently.
func (c *Client) IsTokenValid(ctx context.Context) bool {
	token := c.Token()
	if token == "" {
		return false
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.MainURL+"/signin/token", []byte("{}"), token)
	if err != nil {
		c.logger.Error("build token probe", "error", err)
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("token probe request failed, treating token as invalid", "error", err)
		return false
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("token is invalid", "status", resp.StatusCode)
		return false
	}

	c.logger.Debug("token is still valid")
	return true
}

// Login signs on with the configured credentials. Success requires HTTP
// 200 and a vendor Result of 0; the new token then replaces the old one
// in memory and in the token store. On failure nothing is changed. A
// rejection by the vendor wraps [ErrLoginFailed]; a transport failure
// does not.
func (c *Client) Login(ctx context.Context) error {
	payload, err := json.Marshal(signOnRequest{
		Username: c.cfg.Username,
		Password: c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("marshal sign-on request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.APIURL+"/user/SignOn", payload, "")
	if err != nil {
		return fmt.Errorf("build sign-on request: %w", err)
	}
	req.Header.Set("Accept-Language", loginLanguage)

	c.logger.Debug("logging in to Direct4.me", "username", c.cfg.Username)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("login request failed", "error", err)
		return fmt.Errorf("sign on: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		c.logger.Error("login failed", "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d: %s", ErrLoginFailed, resp.StatusCode, body)
	}

	var out signOnResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		c.logger.Error("login response unreadable", "error", err)
		return fmt.Errorf("%w: %w: %w", ErrLoginFailed, ErrDecode, err)
	}

	if out.Result == nil || *out.Result != 0 {
		msg := out.Message
		if msg == "" {
			msg = "Unknown error"
		}
		c.logger.Error("login rejected", "message", msg)
		return fmt.Errorf("%w: %s", ErrLoginFailed, msg)
	}

	var token string
	if err := json.Unmarshal(out.Data, &token); err != nil || token == "" {
		c.logger.Error("login response carried no token")
		return fmt.Errorf("%w: response carried no token", ErrLoginFailed)
	}

	c.setToken(token)

	// The session is usable even if it cannot be persisted; the next
	// restart will simply log in again.
	if err := c.store.Save(TokenRecord{AuthToken: token}); err != nil {
		c.logger.Error("persist session token", "error", err)
	}

	if exp, ok := tokenExpiry(token); ok {
		c.logger.Info("logged in to Direct4.me", "token_expires", exp.UTC().Format(time.RFC3339))
	} else {
		c.logger.Info("logged in to Direct4.me")
	}
	return nil
}

// GetDeliveries fetches all deliveries, including third-party
// ("transporter") deliveries. It requires a token and never logs in by
// itself. A non-200 response returns [ErrUnexpectedStatus] without
// touching client state. The vendor Result field is not treated as a
// failure; a non-zero value is only logged.
func (c *Client) GetDeliveries(ctx context.Context) (*DeliveryCollection, error) {
	token := c.Token()
	if token == "" {
		c.logger.Error("not authenticated, log in before fetching deliveries")
		return nil, ErrNotAuthenticated
	}

	query := url.Values{"includeTransporterDeliveries": {"True"}}
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.APIURL+"/delivery/GetDeliveries?"+query.Encode(), nil, token)
	if err != nil {
		return nil, fmt.Errorf("build deliveries request: %w", err)
	}
	req.Header.Set("Language", fetchLanguage)
	req.Header.Set("Accept-Language", fetchLanguage)
	req.Header.Set("BundleId", appBundleID)
	req.Header.Set("Platform", appPlatform)
	req.Header.Set("VersionSDK", appSDKVersion)

	c.logger.Debug("fetching deliveries")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("deliveries request failed", "error", err)
		return nil, fmt.Errorf("fetch deliveries: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		c.logger.Error("failed to fetch deliveries", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w %d fetching deliveries: %s", ErrUnexpectedStatus, resp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read deliveries response: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "deliveries payload", "json", string(body))

	coll, err := DecodeDeliveries(body)
	if err != nil {
		c.logger.Error("deliveries response rejected", "error", err)
		return nil, err
	}

	if coll.Result != 0 {
		c.logger.Warn("deliveries response carried non-zero result",
			"result", coll.Result,
			"message", coll.Message,
		)
	}

	c.logger.Debug("deliveries received", "count", len(coll.Data))
	return coll, nil
}

// Ping checks that the API host answers HTTP at all. Any response,
// whatever its status, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.APIURL, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("User-Agent", appUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", req.URL.Host, err)
	}
	httpkit.DrainAndClose(resp.Body, 1024)
	return nil
}

// newRequest builds a request carrying the vendor app headers. An empty
// token omits the Authorization header.
func (c *Client) newRequest(ctx context.Context, method, rawURL string, body []byte, token string) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("DeviceId", c.cfg.DeviceID)
	req.Header.Set("Version", appVersionName)
	req.Header.Set("Version-Name", appVersionName)
	req.Header.Set("Version-Code", appVersionCode)
	req.Header.Set("User-Agent", appUserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}
