package external

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/types"
)

func newTokenServer(t *testing.T, calls *atomic.Int32, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "id", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fmt.Sprintf(`{"access_token":"tok-%d","expires_in":%d}`, n, expiresIn)))
	}))
}

func newTokenSource(t *testing.T, url string) *ClientCredentials {
	t.Helper()
	return NewClientCredentials(newTestClient(t, fastPolicy(0)), ClientCredentialsConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     url,
	})
}

func TestClientCredentials_CachesUntilExpiry(t *testing.T) {
	var calls atomic.Int32
	server := newTokenServer(t, &calls, 3600)
	defer server.Close()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	src := newTokenSource(t, server.URL)
	src.now = func() time.Time { return now }

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), calls.Load())

	// Inside the refresh margin the token is renewed.
	now = now.Add(3600*time.Second - 30*time.Second)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestClientCredentials_Invalidate(t *testing.T) {
	var calls atomic.Int32
	server := newTokenServer(t, &calls, 3600)
	defer server.Close()

	src := newTokenSource(t, server.URL)
	_, err := src.Token(context.Background())
	require.NoError(t, err)

	src.Invalidate()
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestClientCredentials_Failures(t *testing.T) {
	t.Run("missing credentials", func(t *testing.T) {
		src := NewClientCredentials(newTestClient(t, fastPolicy(0)), ClientCredentialsConfig{TokenURL: "http://unused"})
		_, err := src.Token(context.Background())
		assert.Equal(t, types.KindAuthentication, types.KindOf(err))
	})

	t.Run("rejected credentials", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		}))
		defer server.Close()
		_, err := newTokenSource(t, server.URL).Token(context.Background())
		assert.Equal(t, types.KindAuthentication, types.KindOf(err))
	})

	t.Run("no access_token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
		}))
		defer server.Close()
		_, err := newTokenSource(t, server.URL).Token(context.Background())
		assert.Equal(t, types.KindAuthentication, types.KindOf(err))
	})
}

// rotatingTokens hands out a new token after every Invalidate.
type rotatingTokens struct {
	gen         atomic.Int32
	invalidated atomic.Int32
}

func (r *rotatingTokens) Token(context.Context) (string, error) {
	return "gen-" + strconv.Itoa(int(r.gen.Load())), nil
}

func (r *rotatingTokens) Invalidate() {
	r.invalidated.Add(1)
	r.gen.Add(1)
}

func TestDoAuthorized_RefreshesOnceOn401(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer gen-0" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tokens := &rotatingTokens{}
	base := newTestClient(t, fastPolicy(0))
	resp, err := doAuthorized(context.Background(), base, tokens, "", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"Bearer gen-0", "Bearer gen-1"}, seen)
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}

func TestDoAuthorized_PersistentUnauthorizedFails(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := doAuthorized(context.Background(), newTestClient(t, fastPolicy(3)), &rotatingTokens{}, "oidc/CDSE/",
		func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		})
	assert.Equal(t, types.KindAuthentication, types.KindOf(err))
	assert.Equal(t, int32(2), calls.Load(), "one original attempt plus one refresh")
}
