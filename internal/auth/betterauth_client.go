package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-migrator/internal/mail"
)

var (
	// ErrNoAccount is returned when the user has not connected the provider
	ErrNoAccount = errors.New("no account connected")
	// ErrUnauthorized is returned when the auth manager rejects the user JWT
	ErrUnauthorized = errors.New("auth manager rejected credentials")
	// ErrStaticToken is returned by StaticSession.Refresh
	ErrStaticToken = errors.New("static access token cannot be refreshed")
)

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuth2 converts t for use with oauth2 transports
func (t *Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.Expiry,
	}
}

// accountPath is the BetterAuth account segment of each provider
func accountPath(p mail.ProviderName) (string, error) {
	switch p {
	case mail.ProviderGoogle:
		return "google", nil
	case mail.ProviderMicrosoft:
		return "microsoft", nil
	case mail.ProviderYahoo:
		return "yahoo", nil
	}
	return "", fmt.Errorf("unsupported provider %q", p)
}

// BetterAuthClient fetches OAuth tokens from BetterAuth
type BetterAuthClient struct {
	baseURL string
	client  *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL: authServerURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the provider token of the user identified by userJWT.
// BetterAuth stores and refreshes the provider grant; every call returns
// its current access token.
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider mail.ProviderName) (*Token, error) {
	account, err := accountPath(provider)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, account)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, account)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("decode response: empty access token")
	}

	tok := &Token{AccessToken: result.AccessToken, RefreshToken: result.RefreshToken}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// Session is the credential of one side of a migration. It is an
// oauth2.TokenSource for the provider clients and a retry refresher for the
// controller: Refresh replaces the token every later request uses.
type Session struct {
	client   *BetterAuthClient
	userJWT  string
	provider mail.ProviderName

	mutex sync.RWMutex
	token *Token
}

// NewSession fetches the initial token for provider
func (c *BetterAuthClient) NewSession(ctx context.Context, userJWT string, provider mail.ProviderName) (*Session, error) {
	s := &Session{client: c, userJWT: userJWT, provider: provider}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Token returns the current token without network I/O
func (s *Session) Token() (*oauth2.Token, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.token == nil {
		return nil, fmt.Errorf("no %s token", s.provider)
	}
	return s.token.OAuth2(), nil
}

// Refresh asks the auth manager for a fresh token
func (s *Session) Refresh(ctx context.Context) error {
	tok, err := s.client.GetToken(ctx, s.userJWT, s.provider)
	if err != nil {
		return fmt.Errorf("refresh %s token: %w", s.provider, err)
	}
	s.mutex.Lock()
	s.token = tok
	s.mutex.Unlock()
	return nil
}

// StaticSession wraps an access token supplied directly by the caller
type StaticSession struct {
	token *oauth2.Token
}

// NewStaticSession creates a session around accessToken
func NewStaticSession(accessToken string) *StaticSession {
	return &StaticSession{token: &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}}
}

// Token returns the static token
func (s *StaticSession) Token() (*oauth2.Token, error) {
	return s.token, nil
}

// Refresh always fails; a static token has no grant behind it
func (s *StaticSession) Refresh(ctx context.Context) error {
	return ErrStaticToken
}
