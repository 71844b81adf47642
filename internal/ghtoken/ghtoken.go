// Package ghtoken issues short-lived GitHub App installation tokens:
// it mints an RS256 JWT as the app, exchanges it for an installation
// access token, and caches the result until shortly before expiry.
package ghtoken

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	jwtLifetime    = 600 * time.Second
	refreshMargin  = 300 * time.Second
	githubAPIURL   = "https://api.github.com"
	httpTimeout    = 15 * time.Second
)

var tokenPermissions = map[string]string{
	"contents":     "write",
	"pull_requests": "write",
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Manager mints and caches GitHub App installation tokens.
type Manager struct {
	AppID          string
	InstallationID string
	PrivateKeyPEM  []byte

	httpClient *http.Client

	// baseURLOverride replaces githubAPIURL when set; used by tests to
	// point the exchange at a local httptest server.
	baseURLOverride string

	mu     sync.Mutex
	cached *cachedToken
}

// NewManager constructs a Manager for the given GitHub App.
func NewManager(appID, installationID string, privateKeyPEM []byte) *Manager {
	return &Manager{
		AppID:          appID,
		InstallationID: installationID,
		PrivateKeyPEM:  privateKeyPEM,
		httpClient:     &http.Client{Timeout: httpTimeout},
	}
}

// SetPrivateKey replaces the signing key, e.g. on hot-reload of a
// watched PEM file.
func (m *Manager) SetPrivateKey(pem []byte) {
	m.mu.Lock()
	m.PrivateKeyPEM = pem
	m.cached = nil // force a fresh token under the new key
	m.mu.Unlock()
}

// GetToken returns a valid installation access token, refreshing it
// if the cached one is within refreshMargin of expiring.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cached != nil && time.Now().Before(m.cached.expiresAt.Add(-refreshMargin)) {
		tok := m.cached.token
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	jwt, err := m.generateJWT()
	if err != nil {
		return "", fmt.Errorf("ghtoken: generate jwt: %w", err)
	}

	tok, expiresAt, err := m.requestInstallationToken(ctx, jwt)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cached = &cachedToken{token: tok, expiresAt: expiresAt}
	m.mu.Unlock()

	return tok, nil
}

func (m *Manager) generateJWT() (string, error) {
	block, _ := pem.Decode(m.PrivateKeyPEM)
	if block == nil {
		return "", errors.New("ghtoken: invalid PEM private key")
	}
	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return "", err
	}

	now := time.Now()
	header := map[string]any{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(jwtLifetime).Unix(),
		"iss": m.AppID,
	}

	headerB64, err := encodeSegment(header)
	if err != nil {
		return "", err
	}
	claimsB64, err := encodeSegment(claims)
	if err != nil {
		return "", err
	}
	signingInput := headerB64 + "." + claimsB64

	hash := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("ghtoken: sign jwt: %w", err)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("ghtoken: parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("ghtoken: private key is not RSA")
	}
	return rsaKey, nil
}

func encodeSegment(v map[string]any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (m *Manager) requestInstallationToken(ctx context.Context, jwt string) (string, time.Time, error) {
	body, err := json.Marshal(map[string]any{"permissions": tokenPermissions})
	if err != nil {
		return "", time.Time{}, err
	}

	base := githubAPIURL
	if m.baseURLOverride != "" {
		base = m.baseURLOverride
	}
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", base, m.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ghtoken: request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("ghtoken: installation token request failed: %s", resp.Status)
	}

	var out installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("ghtoken: decode response: %w", err)
	}
	return out.Token, out.ExpiresAt, nil
}
