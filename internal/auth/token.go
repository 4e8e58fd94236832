// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// refreshSlack re-fetches a token this long before its stated expiry
	// so an exchange never starts with a token about to die.
	refreshSlack = 30 * time.Second

	// refreshTimeout bounds one token refresh round trip.
	refreshTimeout = 15 * time.Second
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrNoSession indicates there is no valid session or credential to build
// a bearer token from. Surfaced before any RAG network attempt; the
// exchange never starts.
var ErrNoSession = errors.New("no valid session")

// AuthError is a failed token refresh.
type AuthError struct {
	Status int
	Detail string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Detail != "" {
		return "authentication failed: " + e.Detail
	}
	return fmt.Sprintf("authentication failed: HTTP %d", e.Status)
}

// Is allows AuthError to be matched against ErrNoSession.
func (e *AuthError) Is(target error) bool {
	return target == ErrNoSession
}

// =============================================================================
// STATIC SOURCE
// =============================================================================

// StaticTokenSource returns a fixed token on every call.
type StaticTokenSource struct {
	AccessToken string
}

// Token implements chat.TokenSource.
func (s *StaticTokenSource) Token(_ context.Context) (string, error) {
	if strings.TrimSpace(s.AccessToken) == "" {
		return "", ErrNoSession
	}
	return s.AccessToken, nil
}

// =============================================================================
// REFRESHING SOURCE
// =============================================================================

// RefreshingTokenSource exchanges a refresh token for access tokens
// against a GoTrue-style auth endpoint and caches the result until
// shortly before expiry. Safe for concurrent use.
type RefreshingTokenSource struct {
	// BaseURL is the auth service base URL, e.g. "https://x.supabase.co".
	BaseURL string

	// APIKey is the service's public API key header.
	APIKey string

	// HTTPClient defaults to a client with refreshTimeout.
	HTTPClient *http.Client

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	expiresAt    time.Time
}

// NewRefreshingTokenSource creates a source seeded with a refresh token.
func NewRefreshingTokenSource(baseURL, apiKey, refreshToken string) *RefreshingTokenSource {
	return &RefreshingTokenSource{
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		APIKey:       apiKey,
		HTTPClient:   &http.Client{Timeout: refreshTimeout},
		refreshToken: refreshToken,
	}
}

// tokenResponse is the auth service's grant response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Token implements chat.TokenSource. A cached token is returned while
// fresh; otherwise a refresh grant runs. The auth service rotates the
// refresh token on every grant, so the stored one is replaced too.
func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Now().Before(s.expiresAt.Add(-refreshSlack)) {
		return s.accessToken, nil
	}
	if s.refreshToken == "" {
		return "", ErrNoSession
	}

	body, err := json.Marshal(map[string]string{"refresh_token": s.refreshToken})
	if err != nil {
		return "", err
	}

	url := s.BaseURL + "/auth/v1/token?grant_type=refresh_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("apikey", s.APIKey)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &AuthError{Status: resp.StatusCode, Detail: extractDetail(raw)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("token refresh returned malformed body: %w", err)
	}
	if tr.AccessToken == "" {
		return "", ErrNoSession
	}

	s.accessToken = tr.AccessToken
	s.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.RefreshToken != "" {
		s.refreshToken = tr.RefreshToken
	}
	return s.accessToken, nil
}

// extractDetail pulls a human-readable message out of an auth error body.
func extractDetail(raw []byte) string {
	var body struct {
		Message          string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	switch {
	case body.Message != "":
		return body.Message
	case body.ErrorDescription != "":
		return body.ErrorDescription
	default:
		return body.Error
	}
}
