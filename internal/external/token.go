package external

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"vegwatch/internal/types"
)

// DefaultTokenURL is the Copernicus Data Space identity endpoint.
const DefaultTokenURL = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"

// tokenRefreshMargin renews a token this long before it expires.
const tokenRefreshMargin = 60 * time.Second

// TokenSource yields bearer tokens for provider requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops the cached token so the next call fetches a new one.
	Invalidate()
}

// ClientCredentialsConfig holds the OAuth2 client-credentials settings.
type ClientCredentialsConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Logger       *slog.Logger
}

// ClientCredentials is a TokenSource using the OAuth2 client-credentials
// grant. Tokens are cached until shortly before expiry.
type ClientCredentials struct {
	base         *BaseClient
	clientID     string
	clientSecret string
	tokenURL     string
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClientCredentials creates a token source. The BaseClient should carry
// a short timeout; token endpoints are small and fast.
func NewClientCredentials(base *BaseClient, cfg ClientCredentialsConfig) *ClientCredentials {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &ClientCredentials{
		base:         base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     tokenURL,
		logger:       logger,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Token returns a cached token or fetches a fresh one.
func (s *ClientCredentials) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires) {
		return s.token, nil
	}

	if s.clientID == "" || s.clientSecret == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamAuth, "CDSE client credentials are not configured", nil)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "failed to read token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		s.logger.ErrorContext(ctx, "token request rejected", "status", resp.StatusCode)
		// Any rejection of the credentials themselves is an auth failure.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamAuth,
				"token endpoint rejected the client credentials", nil,
				map[string]any{"upstream_status": resp.StatusCode})
		}
		return "", ClassifyResponse("cdse-token", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "token response is not valid JSON", err)
	}
	if tr.AccessToken == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamAuth, "token response has no access_token", nil)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.token = tr.AccessToken
	s.expires = s.now().Add(max(0, ttl-tokenRefreshMargin))
	return s.token, nil
}

// Invalidate drops the cached token.
func (s *ClientCredentials) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }
func (t StaticToken) Invalidate()                           {}

// doAuthorized runs build with a bearer token and sends the request. On 401
// the token is invalidated and the request is rebuilt and sent exactly once
// more; this retry is outside the BaseClient retry budget.
func doAuthorized(ctx context.Context, base *BaseClient, tokens TokenSource, prefix string,
	build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {

	for attempt := 0; attempt < 2; attempt++ {
		token, err := tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := build(ctx)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build upstream request", err)
		}
		req.Header.Set("Authorization", "Bearer "+prefix+token)

		resp, err := base.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		drain(resp)
		tokens.Invalidate()
		base.logger.WarnContext(ctx, "upstream rejected token, refreshing", "provider", base.provider, "attempt", attempt+1)
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamAuth,
		base.provider+" rejected a freshly issued token", nil,
		map[string]any{"provider": base.provider})
}
