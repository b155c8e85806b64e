// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const (
	// HeaderAuthorization carries the bearer token on every command.
	HeaderAuthorization = "Authorization"

	// RefreshMargin is how close to expiry a token may get before it is
	// refreshed instead of reused.
	RefreshMargin = 10 * time.Second

	tokenPath    = "token"
	maxErrorBody = 64 * 1024
)

// Record is the credential issued by the token endpoint.
type Record struct {
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	ExpiresAt      Timestamp `json:"token_expires_at"`
}

type fetchRequest struct {
	APIKey string `json:"apikey"`
}

type refreshRequest struct {
	RefreshToken   string `json:"refresh_token"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// TokenSource caches one bearer token per process and refreshes it lazily.
// Fetch and refresh both POST to <auth-url>/token with different payloads.
// Access is serialized, so concurrent callers that observe a stale token
// share a single refresh.
type TokenSource struct {
	APIKey   string
	TokenURL string
	Client   *http.Client
	Now      func() time.Time

	logger zerolog.Logger
	lock   chan struct{}
	record *Record
}

// NewTokenSource constructs a TokenSource that exchanges apiKey at authURL.
func NewTokenSource(apiKey string, authURL *url.URL, client *http.Client, logger zerolog.Logger) *TokenSource {
	return &TokenSource{
		APIKey:   apiKey,
		TokenURL: authURL.JoinPath(tokenPath).String(),
		Client:   client,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		logger: logger.With().Str("component", "auth").Logger(),
		lock:   make(chan struct{}, 1),
	}
}

// Token returns a bearer token that stays valid for at least RefreshMargin.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return "", &Error{Op: "token", Err: ctx.Err()}
	}
	defer func() { <-s.lock }()

	if s.record != nil && s.record.ExpiresAt.Sub(s.Now()) < RefreshMargin {
		if s.record.RefreshToken == "" {
			s.logger.Debug().Msg("token near expiry and no refresh token issued; fetching a new one")
			s.record = nil
		} else {
			refreshed, err := s.refresh(ctx, s.record)
			if err != nil {
				// Drop the record so the next call starts from a clean fetch.
				s.record = nil
				s.logger.Warn().Err(err).Msg("token refresh failed; credential discarded")
				return "", err
			}
			s.record.AccessToken = refreshed.AccessToken
			s.record.ExpiresAt = refreshed.ExpiresAt
			s.logger.Debug().Time("expires_at", refreshed.ExpiresAt.Time).Msg("token refreshed")
		}
	}

	if s.record == nil {
		record, err := s.fetch(ctx)
		if err != nil {
			return "", err
		}
		s.record = record
		s.logger.Debug().Time("expires_at", record.ExpiresAt.Time).Msg("token fetched")
	}

	return s.record.AccessToken, nil
}

// Authorize attaches a current bearer token to req.
func (s *TokenSource) Authorize(req *http.Request) error {
	token, err := s.Token(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAuthorization, "Bearer "+token)
	return nil
}

func (s *TokenSource) fetch(ctx context.Context) (*Record, error) {
	return s.exchange(ctx, "fetch", fetchRequest{APIKey: s.APIKey})
}

func (s *TokenSource) refresh(ctx context.Context, current *Record) (*Record, error) {
	return s.exchange(ctx, "refresh", refreshRequest{
		RefreshToken:   current.RefreshToken,
		OrganizationID: current.OrganizationID,
	})
}

func (s *TokenSource) exchange(ctx context.Context, op string, payload any) (*Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Error().Err(closeErr).Msg("close token response body failed")
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK || len(bytes.TrimSpace(respBody)) == 0 {
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: compactBody(respBody)}
	}

	var record Record
	if err := json.Unmarshal(respBody, &record); err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: compactBody(respBody), Err: fmt.Errorf("decode response: %w", err)}
	}
	if record.AccessToken == "" || record.ExpiresAt.IsZero() {
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: compactBody(respBody), Err: fmt.Errorf("response lacks access_token or token_expires_at")}
	}
	return &record, nil
}

// compactBody renders structured bodies on one line so they read well inside
// an error message.
func compactBody(body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err == nil {
		return buf.String()
	}
	return string(bytes.TrimSpace(body))
}
