package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"universe-sync/internal/auth"
	"universe-sync/internal/config"
	"universe-sync/internal/logger"
)

func newProvider(t *testing.T, tokenURL string) *auth.Provider {
	cfg := config.UniverseConfig{
		TokenURL:     tokenURL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RefreshToken: "refresh-token",
	}
	return auth.NewProvider(cfg, &http.Client{Timeout: 5 * time.Second}, nil, logger.NewLogger())
}

func TestAccessTokenRefreshesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "POST", r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-token", r.Form.Get("refresh_token"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-1",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)

	token, err := p.AccessToken(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Second call is served from the in-memory token
	token, err = p.AccessToken(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAccessTokenSingleFlight(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-shared",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := p.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-shared", token)
		}()
	}
	wg.Wait()

	// Concurrent callers wait on the outstanding refresh
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAccessTokenRejectedRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)

	_, err := p.AccessToken(context.Background())
	assert.Error(t, err)

	var authErr *auth.AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
}

func TestAccessTokenExpiryFromJWT(t *testing.T) {
	// Token endpoint omits expires_in; expiry must come from the exp claim
	claims := jwt.MapClaims{"exp": time.Now().Add(2 * time.Hour).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	assert.NoError(t, err)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": signed})
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)

	token, err := p.AccessToken(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, signed, token)

	// Still inside the JWT lifetime, so no second refresh
	_, err = p.AccessToken(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": map[int32]string{1: "tok-a", 2: "tok-b"}[n],
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)

	token, err := p.AccessToken(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-a", token)

	p.Invalidate(context.Background())

	token, err = p.AccessToken(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-b", token)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
