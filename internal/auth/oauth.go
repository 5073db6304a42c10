package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Google OAuth client used by the Antigravity IDE.
const (
	oauthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	oauthClientSecret = "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"
	oauthAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	oauthTokenURL     = "https://oauth2.googleapis.com/token"
	oauthUserInfoURL  = "https://www.googleapis.com/oauth2/v1/userinfo?alt=json"

	// CallbackPort is the fixed loopback port the OAuth redirect lands on.
	CallbackPort = 51121
	callbackPath = "/oauth-callback"

	// refreshSkew is how long before expiry a token is refreshed.
	refreshSkew = 5 * time.Minute
)

var oauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// ErrNoAccount is returned when no usable account exists in the store.
var ErrNoAccount = errors.New("no antigravity account; run login first")

// ErrAuthFailed marks a refresh failure; callers surface it as 401.
var ErrAuthFailed = errors.New("auth failed")

func oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  oauthAuthURL,
			TokenURL: oauthTokenURL,
		},
		RedirectURL: fmt.Sprintf("http://localhost:%d%s", CallbackPort, callbackPath),
		Scopes:      oauthScopes,
	}
}

// Manager maintains a valid bearer token and managed project id for the
// active account. Refreshes are deduplicated per email so concurrent
// 401s trigger exactly one network call.
type Manager struct {
	store       *Store
	activeEmail string

	refreshGroup singleflight.Group
	httpClient   *http.Client

	mu           sync.Mutex
	rediscovered map[string]bool
}

// NewManager builds a Manager over the store. activeEmail pins the
// account to use; empty selects the first stored account.
func NewManager(store *Store, activeEmail string) *Manager {
	return &Manager{
		store:        store,
		activeEmail:  activeEmail,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		rediscovered: make(map[string]bool),
	}
}

func (m *Manager) account() *Account {
	if m.activeEmail != "" {
		return m.store.Get(m.activeEmail)
	}
	return m.store.First()
}

// Snapshot returns a token snapshot for the active account, refreshing
// first when the token is within refreshSkew of expiry.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	account := m.account()
	if account == nil {
		return Snapshot{}, ErrNoAccount
	}
	if account.Expired(refreshSkew) {
		return m.ForceRefresh(ctx, account.Email)
	}
	return snapshotOf(account), nil
}

// ForceRefresh refreshes the access token for email regardless of
// expiry. Concurrent callers for the same email share one refresh.
func (m *Manager) ForceRefresh(ctx context.Context, email string) (Snapshot, error) {
	result, err, _ := m.refreshGroup.Do(email, func() (any, error) {
		return m.refresh(ctx, email)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result.(Snapshot), nil
}

func (m *Manager) refresh(ctx context.Context, email string) (Snapshot, error) {
	account := m.store.Get(email)
	if account == nil {
		return Snapshot{}, ErrNoAccount
	}
	if account.RefreshToken == "" {
		return Snapshot{}, fmt.Errorf("%w: account %s has no refresh token", ErrAuthFailed, email)
	}

	conf := oauthConfig()
	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	token, err := source.Token()
	if err != nil {
		log.WithError(err).WithField("email", email).Error("token refresh failed")
		return Snapshot{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	account.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		account.RefreshToken = token.RefreshToken
	}
	account.ExpiresAt = token.Expiry.UTC().Format(time.RFC3339)
	account.LastRefresh = time.Now().UTC().Format(time.RFC3339)
	if err = m.store.Upsert(account); err != nil {
		return Snapshot{}, fmt.Errorf("persist refreshed token: %w", err)
	}
	log.WithField("email", email).Debug("access token refreshed")
	return snapshotOf(account), nil
}

// RediscoverProjectID re-runs loadCodeAssist once per account after the
// first successful upstream call and replaces the stored project id
// with whatever discovery returns.
func (m *Manager) RediscoverProjectID(ctx context.Context, email string) {
	m.mu.Lock()
	if m.rediscovered[email] {
		m.mu.Unlock()
		return
	}
	m.rediscovered[email] = true
	m.mu.Unlock()

	account := m.store.Get(email)
	if account == nil {
		return
	}
	projectID, err := DiscoverProjectID(ctx, m.httpClient, account.AccessToken, account.ProjectID)
	if err != nil {
		log.WithError(err).WithField("email", email).Warn("project id re-discovery failed")
		return
	}
	if projectID == "" || (projectID == account.ProjectID && !account.ProjectIDTransient) {
		return
	}
	account.ProjectID = projectID
	account.ProjectIDTransient = false
	if err = m.store.Upsert(account); err != nil {
		log.WithError(err).Warn("persist discovered project id failed")
		return
	}
	log.WithFields(log.Fields{"email": email, "project": projectID}).Info("managed project id updated from loadCodeAssist")
}

func snapshotOf(account *Account) Snapshot {
	return Snapshot{
		Email:       account.Email,
		AccessToken: account.AccessToken,
		ProjectID:   account.ProjectID,
		ExpiresAt:   account.Expiry(),
	}
}

type callbackResult struct {
	code  string
	state string
	err   error
}

// Login runs the interactive PKCE flow: bind the loopback callback
// listener, open the authorization URL, exchange the code, resolve the
// account email and managed project id, and persist the account.
func (m *Manager) Login(ctx context.Context, openBrowser bool) (*Account, error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, err
	}
	state, err := randomToken(16)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", CallbackPort))
	if err != nil {
		return nil, fmt.Errorf("bind callback port %d: %w", CallbackPort, err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if errMsg := query.Get("error"); errMsg != "" {
			http.Error(w, "Authentication failed. You can close this window.", http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("authorization denied: %s", errMsg)}
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><body>Login complete. You can close this window.</body></html>")
		results <- callbackResult{code: query.Get("code"), state: query.Get("state")}
	})
	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	conf := oauthConfig()
	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	fmt.Printf("Open this URL to authorize:\n\n  %s\n\n", authURL)
	if openBrowser {
		if err = browser.OpenURL(authURL); err != nil {
			log.WithError(err).Debug("browser launch failed; continue manually")
		}
	}

	var result callbackResult
	select {
	case result = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("timed out waiting for OAuth callback")
	}
	if result.err != nil {
		return nil, result.err
	}
	if result.state != state {
		return nil, fmt.Errorf("oauth state mismatch")
	}
	if result.code == "" {
		return nil, fmt.Errorf("oauth callback carried no code")
	}

	token, err := conf.Exchange(ctx, result.code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	email := emailFromIDToken(token)
	if email == "" {
		email, err = m.fetchUserEmail(ctx, token.AccessToken)
		if err != nil {
			log.WithError(err).Warn("userinfo lookup failed")
		}
	}
	if email == "" {
		return nil, fmt.Errorf("could not determine account email")
	}

	account := &Account{
		Email:        email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC().Format(time.RFC3339),
		Scopes:       oauthScopes,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	projectID, err := DiscoverProjectID(ctx, m.httpClient, token.AccessToken, "")
	if err != nil {
		log.WithError(err).Warn("project id discovery failed during login")
	}
	if projectID == "" {
		projectID = GenerateTransientProjectID()
		account.ProjectIDTransient = true
		log.WithField("project", projectID).Info("no managed project found; using transient id until re-discovery")
	}
	account.ProjectID = projectID

	if err = m.store.Upsert(account); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"email": email, "project": projectID}).Info("antigravity account saved")
	return account, nil
}

func (m *Manager) fetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, oauthUserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}
	return gjson.GetBytes(body, "email").String(), nil
}

// emailFromIDToken pulls the email claim out of the id_token without
// verifying the signature. Best-effort label only.
func emailFromIDToken(token *oauth2.Token) string {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err = json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Email
}

// generatePKCE returns a 64-byte code verifier and its S256 challenge.
func generatePKCE() (verifier, challenge string, err error) {
	verifier, err = randomToken(64)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
