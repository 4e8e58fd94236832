// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// STATIC SOURCE TESTS
// =============================================================================

func TestStaticTokenSource(t *testing.T) {
	s := &StaticTokenSource{AccessToken: "tok-1"}
	got, err := s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", got)

	empty := &StaticTokenSource{}
	_, err = empty.Token(context.Background())
	require.ErrorIs(t, err, ErrNoSession)

	blank := &StaticTokenSource{AccessToken: "   "}
	_, err = blank.Token(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

// =============================================================================
// REFRESHING SOURCE TESTS
// =============================================================================

func TestRefreshingTokenSource_RefreshAndCache(t *testing.T) {
	var grants atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		grants.Add(1)

		require.Equal(t, "/auth/v1/token", r.URL.Path)
		require.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		require.Equal(t, "anon-key", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh-1", body["refresh_token"])

		fmt.Fprint(w, `{"access_token":"access-1","refresh_token":"refresh-2","expires_in":3600}`)
	}))
	defer server.Close()

	s := NewRefreshingTokenSource(server.URL, "anon-key", "refresh-1")

	got, err := s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", got)

	// Second call is served from cache, no second grant.
	got, err = s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", got)
	require.Equal(t, int32(1), grants.Load(), "cached token must not re-grant")
}

// The auth service rotates refresh tokens; the next grant must use the
// rotated one.
func TestRefreshingTokenSource_RotatesRefreshToken(t *testing.T) {
	var lastSeen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		lastSeen.Store(body["refresh_token"])
		// expires_in 0 keeps every call past the slack window, forcing a
		// grant each time.
		fmt.Fprint(w, `{"access_token":"a","refresh_token":"rotated","expires_in":0}`)
	}))
	defer server.Close()

	s := NewRefreshingTokenSource(server.URL, "", "initial")

	_, err := s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "initial", lastSeen.Load())

	_, err = s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "rotated", lastSeen.Load())
}

func TestRefreshingTokenSource_NoSession(t *testing.T) {
	s := NewRefreshingTokenSource("http://127.0.0.1:0", "", "")
	_, err := s.Token(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestRefreshingTokenSource_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
	}))
	defer server.Close()

	s := NewRefreshingTokenSource(server.URL, "", "refresh-1")
	_, err := s.Token(context.Background())

	var ae *AuthError
	require.True(t, errors.As(err, &ae), "want *AuthError, got %T", err)
	require.Equal(t, http.StatusUnauthorized, ae.Status)
	require.Equal(t, "refresh token revoked", ae.Detail)

	// AuthError matches ErrNoSession so callers can branch on one sentinel.
	require.ErrorIs(t, err, ErrNoSession)
}

func TestRefreshingTokenSource_EmptyAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"","expires_in":3600}`)
	}))
	defer server.Close()

	s := NewRefreshingTokenSource(server.URL, "", "refresh-1")
	_, err := s.Token(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

// =============================================================================
// ERROR DETAIL EXTRACTION
// =============================================================================

func TestExtractDetail(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"msg":"bad token"}`, "bad token"},
		{`{"error_description":"described"}`, "described"},
		{`{"error":"invalid_grant"}`, "invalid_grant"},
		{`{"msg":"wins","error":"loses"}`, "wins"},
		{`not json`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, extractDetail([]byte(tc.raw)), "raw: %s", tc.raw)
	}
}
