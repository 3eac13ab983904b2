package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"universe-sync/internal/config"
	"universe-sync/internal/logger"
)

// AuthError means the refresh token was rejected. It indicates a
// configuration problem, not transience, and must not be retried.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("refresh token rejected (status %d): %s", e.Status, e.Reason)
}

// defaultTokenLifetime is assumed when the token endpoint reports no
// expires_in and the token itself carries no exp claim.
const defaultTokenLifetime = 3600

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Provider exchanges the long-lived refresh token for short-lived access
// tokens. Refreshes are single-flight: concurrent callers wait on the
// outstanding refresh instead of issuing duplicate grants.
type Provider struct {
	cfg    config.UniverseConfig
	client *http.Client
	cache  *RedisTokenCache
	logger *logger.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewProvider creates a token provider. cache may be nil when no shared
// Redis cache is configured.
func NewProvider(cfg config.UniverseConfig, client *http.Client, cache *RedisTokenCache, log *logger.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{cfg: cfg, client: client, cache: cache, logger: log}
}

// AccessToken returns a valid bearer token, refreshing proactively when the
// cached one is within the expiry buffer.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid() {
		return p.token, nil
	}

	// Another process may have refreshed already.
	if p.cache != nil {
		cached, err := p.cache.GetToken(ctx)
		if err != nil {
			p.logger.Warn("AUTH", fmt.Sprintf("Token cache lookup failed: %v", err))
		} else if cached != nil {
			p.token = cached.Token
			p.expiresAt = cached.ExpiresAt
			return p.token, nil
		}
	}

	return p.refresh(ctx)
}

// Invalidate drops the cached token so the next call refreshes. Used after
// the API answers 401 with a token that looked valid locally.
func (p *Provider) Invalidate(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token = ""
	p.expiresAt = time.Time{}
	if p.cache != nil {
		if err := p.cache.DeleteToken(ctx); err != nil {
			p.logger.Warn("AUTH", fmt.Sprintf("Failed to drop cached token: %v", err))
		}
	}
}

func (p *Provider) valid() bool {
	if p.token == "" {
		return false
	}
	return time.Now().Add(TokenExpiryBuffer * time.Second).Before(p.expiresAt)
}

// refresh performs the refresh_token grant. Caller must hold p.mu.
func (p *Provider) refresh(ctx context.Context) (string, error) {
	p.logger.Info("AUTH", fmt.Sprintf("Requesting access token from: %s", p.cfg.TokenURL))

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", p.cfg.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(p.cfg.ClientID + ":" + p.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Error("AUTH", fmt.Sprintf("Error closing token response body: %v", cerr))
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		return "", &AuthError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
	default:
		return "", fmt.Errorf("token endpoint returned status %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &AuthError{Status: resp.StatusCode, Reason: "empty access_token in response"}
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = expiryFromJWT(tr.AccessToken)
	}

	p.token = tr.AccessToken
	p.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	p.logger.Info("AUTH", fmt.Sprintf("Got access token, valid for %ds", expiresIn))

	if p.cache != nil {
		if err := p.cache.SetToken(ctx, p.token, expiresIn); err != nil {
			p.logger.Warn("AUTH", fmt.Sprintf("Failed to cache token: %v", err))
		}
	}

	return p.token, nil
}

// expiryFromJWT extracts remaining lifetime from the exp claim of JWT-shaped
// access tokens. The signature is not validated; we only need the deadline.
func expiryFromJWT(tokenString string) int {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return defaultTokenLifetime
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return defaultTokenLifetime
	}
	remaining := int(time.Until(exp.Time).Seconds())
	if remaining <= 0 {
		return defaultTokenLifetime
	}
	return remaining
}
