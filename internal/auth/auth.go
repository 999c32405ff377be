// Package auth resolves and refreshes OAuth credentials for adapters, and
// prepares installed-application credential files for subprocess providers.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/ChamsBouzaiene/conduit/internal/store"
)

// RefreshBuffer is how close to expiry a token may get before it is
// refreshed ahead of use.
const RefreshBuffer = 5 * time.Minute

// MissingError indicates no stored credential for the provider.
type MissingError struct {
	Provider string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("no credential stored for provider %s", e.Provider)
}

// ExpiredError indicates an expired credential that cannot be refreshed.
type ExpiredError struct {
	Provider string
	Account  string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("credential for provider %s (%s) is expired and has no refresh token", e.Provider, e.Account)
}

// Service resolves tokens from the store and refreshes them through the
// OAuth token endpoint.
type Service struct {
	store        *store.Store
	clientID     string
	clientSecret string
	endpoint     oauth2.Endpoint
	httpClient   *http.Client
	driveBaseURL string
	now          func() time.Time
}

// NewService builds the auth service against Google's OAuth endpoints.
func NewService(st *store.Store, clientID, clientSecret string) *Service {
	return &Service{
		store:        st,
		clientID:     clientID,
		clientSecret: clientSecret,
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		httpClient:   http.DefaultClient,
		driveBaseURL: "https://www.googleapis.com/drive/v3",
		now:          time.Now,
	}
}

// SetEndpoint overrides the OAuth endpoint (tests).
func (s *Service) SetEndpoint(ep oauth2.Endpoint) { s.endpoint = ep }

// SetDriveBaseURL overrides the Drive API base (tests).
func (s *Service) SetDriveBaseURL(u string) { s.driveBaseURL = u }

// AccessToken returns a token for (user, provider, account) whose expiry is
// at least RefreshBuffer away, refreshing and persisting it first when
// needed. An empty account selects the user's first account for the
// provider.
func (s *Service) AccessToken(ctx context.Context, userID, provider, account string) (store.OAuthToken, error) {
	tok, err := s.store.GetOAuthToken(userID, provider, account)
	if errors.Is(err, sql.ErrNoRows) {
		return store.OAuthToken{}, &MissingError{Provider: provider}
	}
	if err != nil {
		return store.OAuthToken{}, fmt.Errorf("failed to load oauth token: %w", err)
	}

	now := s.now()
	if tok.ExpiresAt.Sub(now) >= RefreshBuffer {
		return tok, nil
	}

	if tok.RefreshToken == "" {
		if tok.ExpiresAt.After(now) {
			// Inside the buffer but still valid, and nothing to refresh with.
			return tok, nil
		}
		return store.OAuthToken{}, &ExpiredError{Provider: provider, Account: tok.AccountEmail}
	}

	refreshed, err := s.refresh(ctx, tok)
	if err != nil {
		return store.OAuthToken{}, fmt.Errorf("failed to refresh token for %s: %w", provider, err)
	}
	if err := s.store.SaveOAuthToken(refreshed); err != nil {
		return store.OAuthToken{}, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	return refreshed, nil
}

func (s *Service) refresh(ctx context.Context, tok store.OAuthToken) (store.OAuthToken, error) {
	cfg := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     s.endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return store.OAuthToken{}, err
	}

	tok.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		tok.RefreshToken = fresh.RefreshToken
	}
	tok.ExpiresAt = fresh.Expiry
	return tok, nil
}

// installedAppCredentials is the file shape Google client libraries expect
// for installed applications.
type installedAppCredentials struct {
	Installed struct {
		ClientID     string   `json:"client_id"`
		ClientSecret string   `json:"client_secret"`
		AuthURI      string   `json:"auth_uri"`
		TokenURI     string   `json:"token_uri"`
		RedirectURIs []string `json:"redirect_uris"`
	} `json:"installed"`
}

// WriteInstalledAppCredentials writes the installed-app credentials file
// under the given directory with the provider's stable filename.
func (s *Service) WriteInstalledAppCredentials(dir, filename string) error {
	if filename == "" {
		return fmt.Errorf("credentials filename is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create adapter dir: %w", err)
	}

	var creds installedAppCredentials
	creds.Installed.ClientID = s.clientID
	creds.Installed.ClientSecret = s.clientSecret
	creds.Installed.AuthURI = s.endpoint.AuthURL
	creds.Installed.TokenURI = s.endpoint.TokenURL
	creds.Installed.RedirectURIs = []string{"http://localhost"}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}

// DownloadDriveFile fetches a Drive file's bytes using the user's Drive
// token. Returns content plus media type.
func (s *Service) DownloadDriveFile(ctx context.Context, userID, fileID string) ([]byte, string, error) {
	tok, err := s.AccessToken(ctx, userID, "google_drive", "")
	if err != nil {
		return nil, "", err
	}

	url := fmt.Sprintf("%s/files/%s?alt=media", s.driveBaseURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build drive request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("drive download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("drive download returned %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read drive response: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
