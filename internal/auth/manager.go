// Package auth owns the Enlighten OAuth credential lifecycle.
//
// A Manager moves a stored credential set through three states:
//
//	UNINITIALIZED --acquire(auth code)--> VALID --time passes--> EXPIRED --refresh--> VALID
//
// Acquisition and refresh are the same token-endpoint exchange with a
// different grant; both replace the stored set wholesale.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarsync/internal/clock"
	"github.com/tejusbharadwaj/solarsync/internal/database"
	"github.com/tejusbharadwaj/solarsync/internal/metrics"
	"github.com/tejusbharadwaj/solarsync/internal/models"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

var (
	ErrAuthExchange  = errors.New("authorization code exchange failed")
	ErrRefresh       = errors.New("token refresh failed")
	ErrNotAuthorized = errors.New("no stored credentials and no authorization code configured")
)

// Config carries the static OAuth client settings.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// AuthCode is the one-time code used when no credentials are stored yet.
	AuthCode string
	Timeout  time.Duration
}

// Manager hands out a usable access token, acquiring or refreshing it as needed.
type Manager struct {
	cfg      Config
	store    database.TokenStore
	client   *http.Client
	clock    clock.Clock
	logger   *logrus.Logger
	recorder *metrics.Recorder
}

func NewManager(
	cfg Config,
	store database.TokenStore,
	clk clock.Clock,
	logger *logrus.Logger,
	recorder *metrics.Recorder,
) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		client:   &http.Client{Timeout: cfg.Timeout},
		clock:    clk,
		logger:   logger,
		recorder: recorder,
	}
}

// EnsureValid returns an access token that has not expired.
//
// With no stored set it performs the initial acquisition using the
// configured authorization code; with an expired set it refreshes; otherwise
// it returns the stored token without touching the network. Any newly
// obtained set is saved before the token is returned.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	stored, err := m.store.LoadCredentials(ctx)
	switch {
	case errors.Is(err, database.ErrNotFound):
		if m.cfg.AuthCode == "" {
			return "", ErrNotAuthorized
		}
		m.logger.Info("No stored tokens, requesting a new set")
		creds, err := m.Acquire(ctx, m.cfg.AuthCode)
		if err != nil {
			return "", err
		}
		return m.save(ctx, creds)

	case err != nil:
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}

	now := m.clock.Now().Unix()
	if !stored.Expired(now) {
		m.logger.WithFields(logrus.Fields{
			"expires_at": time.Unix(stored.ExpiresAt, 0).UTC().Format(time.RFC3339),
		}).Debug("Recalled tokens from store")
		return stored.AccessToken, nil
	}

	m.logger.WithFields(logrus.Fields{
		"expired_for": time.Duration(now-stored.ExpiresAt) * time.Second,
	}).Info("Access token expired, refreshing")
	creds, err := m.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		return "", err
	}
	return m.save(ctx, creds)
}

// Acquire exchanges a one-time authorization code for a credential set.
func (m *Manager) Acquire(ctx context.Context, code string) (*models.CredentialSet, error) {
	params := url.Values{
		"grant_type":   {grantAuthorizationCode},
		"redirect_uri": {m.cfg.RedirectURI},
		"code":         {code},
	}
	return m.exchange(ctx, params, ErrAuthExchange)
}

// Refresh exchanges a refresh token for a new credential set.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*models.CredentialSet, error) {
	params := url.Values{
		"grant_type":    {grantRefreshToken},
		"refresh_token": {refreshToken},
	}
	return m.exchange(ctx, params, ErrRefresh)
}

// AuthorizeURL is the page a user visits to grant this client access.
func (m *Manager) AuthorizeURL() string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {m.cfg.ClientID},
		"redirect_uri":  {m.cfg.RedirectURI},
	}
	return m.endpoint("/oauth/authorize") + "?" + q.Encode()
}

type tokenResponse struct {
	AccessToken      *string `json:"access_token"`
	RefreshToken     *string `json:"refresh_token"`
	ExpiresIn        *int64  `json:"expires_in"`
	ErrorDescription string  `json:"error_description"`
}

// exchange calls the token endpoint; every failure is reported wrapped in failure.
func (m *Manager) exchange(ctx context.Context, params url.Values, failure error) (creds *models.CredentialSet, err error) {
	grant := params.Get("grant_type")
	defer func() { m.recorder.TokenGrant(grant, err) }()

	tokenURL := m.endpoint("/oauth/token") + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure, err)
	}
	req.Header.Set("Authorization", "Basic "+m.clientCode())
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := m.clock.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure, err)
	}
	defer resp.Body.Close()
	// Expiry is anchored to when the response arrived.
	received := m.clock.Now()
	m.recorder.ObserveAPIRequest("token", resp.StatusCode, received.Sub(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", failure, err)
	}

	var data tokenResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: decoding response (status %d): %v", failure, resp.StatusCode, err)
	}
	if data.ErrorDescription != "" {
		m.logger.WithFields(logrus.Fields{
			"grant_type": grant,
			"status":     resp.StatusCode,
		}).Error("Token request returned error: " + data.ErrorDescription)
		return nil, fmt.Errorf("%w: %s", failure, data.ErrorDescription)
	}
	if data.AccessToken == nil || data.RefreshToken == nil || data.ExpiresIn == nil {
		return nil, fmt.Errorf("%w: response missing token fields (status %d)", failure, resp.StatusCode)
	}

	return &models.CredentialSet{
		AccessToken:  *data.AccessToken,
		RefreshToken: *data.RefreshToken,
		ExpiresAt:    received.Unix() + *data.ExpiresIn,
	}, nil
}

func (m *Manager) save(ctx context.Context, creds *models.CredentialSet) (string, error) {
	if err := m.store.SaveCredentials(ctx, *creds); err != nil {
		return "", fmt.Errorf("failed to save credentials: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"expires_at": time.Unix(creds.ExpiresAt, 0).UTC().Format(time.RFC3339),
	}).Info("Stored new tokens")
	return creds.AccessToken, nil
}

func (m *Manager) clientCode() string {
	return base64.StdEncoding.EncodeToString([]byte(m.cfg.ClientID + ":" + m.cfg.ClientSecret))
}

func (m *Manager) endpoint(path string) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + path
}
