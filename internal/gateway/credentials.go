package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/sheets/v4"
)

// ServiceAccountCredentials mints access tokens from a Google service
// account key. Token sources are cached per connection and refresh
// transparently; callers never see an expired token.
type ServiceAccountCredentials struct {
	conf *jwt.Config

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func NewServiceAccountCredentials(credentialsFile string) (*ServiceAccountCredentials, error) {
	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(raw, drive.DriveReadonlyScope, sheets.SpreadsheetsReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &ServiceAccountCredentials{
		conf:    conf,
		sources: make(map[string]oauth2.TokenSource),
	}, nil
}

// AccessToken returns a valid bearer token for the connection.
func (c *ServiceAccountCredentials) AccessToken(ctx context.Context, connectionID string) (string, error) {
	c.mu.Lock()
	source, ok := c.sources[connectionID]
	if !ok {
		source = oauth2.ReuseTokenSource(nil, c.conf.TokenSource(ctx))
		c.sources[connectionID] = source
	}
	c.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("mint access token: %w", err)
	}
	return token.AccessToken, nil
}

// ServiceAccountEmail extracts the client email from a credentials file so
// operators know which account needs read access to their sheets.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}

	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return "", err
	}
	return creds.ClientEmail, nil
}
