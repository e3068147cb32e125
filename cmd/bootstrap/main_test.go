package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarsync/internal/config"
	"github.com/tejusbharadwaj/solarsync/internal/database"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	return &config.Config{
		API: config.APIConfig{
			BaseURL:           baseURL,
			Key:               "key",
			Timeout:           time.Second,
			RequestsPerMinute: 60,
		},
		Auth: config.AuthConfig{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURI:  baseURL + "/oauth/redirect_uri",
		},
		State: config.StateConfig{Driver: "file", Dir: t.TempDir()},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestBootstrapWithoutClient(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Auth.ClientID = ""

	var out bytes.Buffer
	require.NoError(t, bootstrap(context.Background(), cfg, &out, quietLogger()))
	assert.Contains(t, out.String(), developerPortal)
}

func TestBootstrapPrintsAuthorizeURL(t *testing.T) {
	cfg := testConfig(t, "https://api.enphaseenergy.com")

	var out bytes.Buffer
	require.NoError(t, bootstrap(context.Background(), cfg, &out, quietLogger()))
	assert.Contains(t, out.String(), "https://api.enphaseenergy.com/oauth/authorize?")
	assert.Contains(t, out.String(), "client_id=client")
}

func TestBootstrapStoresTokensAndListsSystems(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "authorization_code", r.URL.Query().Get("grant_type"))
		io.WriteString(w, `{"access_token":"a","refresh_token":"r","expires_in":86400}`)
	})
	mux.HandleFunc("/api/v4/systems", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer a", r.Header.Get("Authorization"))
		io.WriteString(w, `{"systems":[{"system_id":4242,"name":"Roof"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Auth.AuthCode = "Ab12Cd"

	var out bytes.Buffer
	require.NoError(t, bootstrap(context.Background(), cfg, &out, quietLogger()))
	assert.Contains(t, out.String(), "Tokens stored")
	assert.Contains(t, out.String(), "4242\tRoof")

	repo, err := database.NewFileRepo(cfg.State.Dir)
	require.NoError(t, err)
	creds, err := repo.LoadCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", creds.AccessToken)
	assert.Equal(t, "r", creds.RefreshToken)
}

func TestBootstrapRejectedCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"invalid_grant","error_description":"Invalid authorization code"}`)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Auth.AuthCode = "stale"

	err := bootstrap(context.Background(), cfg, io.Discard, quietLogger())
	assert.ErrorContains(t, err, "Invalid authorization code")

	repo, err := database.NewFileRepo(cfg.State.Dir)
	require.NoError(t, err)
	_, err = repo.LoadCredentials(context.Background())
	assert.ErrorIs(t, err, database.ErrNotFound)
}
