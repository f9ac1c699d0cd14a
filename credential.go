package konduit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
)

// Credential is authentication material that renders into request headers.
type Credential interface {
	Headers() map[string]string
}

// BearerToken is an access token sent in the Authorization header.
type BearerToken struct {
	AccessToken string
	// TokenType defaults to "Bearer".
	TokenType string
}

// Headers implements Credential.
func (t BearerToken) Headers() map[string]string {
	if t.AccessToken == "" {
		return map[string]string{}
	}
	typ := t.TokenType
	if typ == "" || strings.EqualFold(typ, "bearer") {
		typ = "Bearer"
	}
	return map[string]string{"Authorization": typ + " " + t.AccessToken}
}

// APIKeySet is a key/secret pair sent as dedicated headers.
type APIKeySet struct {
	Key    string
	Secret string
}

// Headers implements Credential.
func (k APIKeySet) Headers() map[string]string {
	h := map[string]string{}
	if k.Key != "" {
		h["X-API-Key"] = k.Key
	}
	if k.Secret != "" {
		h["X-API-Secret"] = k.Secret
	}
	return h
}

const (
	credentialKindBearer = "bearer"
	credentialKindAPIKey = "api_key"
)

// StoredCredential is the persisted form of a Credential.
type StoredCredential struct {
	Kind      string    `json:"kind"`
	Token     string    `json:"token,omitempty"`
	TokenType string    `json:"tokenType,omitempty"`
	APIKey    string    `json:"apiKey,omitempty"`
	APISecret string    `json:"apiSecret,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (s *StoredCredential) credential() Credential {
	switch s.Kind {
	case credentialKindAPIKey:
		return APIKeySet{Key: s.APIKey, Secret: s.APISecret}
	default:
		return BearerToken{AccessToken: s.Token, TokenType: s.TokenType}
	}
}

func (s *StoredCredential) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// CredentialStore persists at most one credential. Load returns nil, nil
// when nothing is stored.
type CredentialStore interface {
	Load(ctx context.Context) (*StoredCredential, error)
	Save(ctx context.Context, cred *StoredCredential) error
	Delete(ctx context.Context) error
}

// MemoryCredentialStore keeps the credential in process memory.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	cred *StoredCredential
}

// NewMemoryCredentialStore returns an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

// Load implements CredentialStore.
func (s *MemoryCredentialStore) Load(_ context.Context) (*StoredCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

// Save implements CredentialStore.
func (s *MemoryCredentialStore) Save(_ context.Context, cred *StoredCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.cred = &c
	return nil
}

// Delete implements CredentialStore.
func (s *MemoryCredentialStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

// CredentialManager owns the stored credential and renders auth headers.
// Expiry is checked on every read; an expired credential is removed as a
// side effect of reading it.
type CredentialManager struct {
	mu     sync.Mutex
	store  CredentialStore
	now    func() time.Time
	logger Logger
}

// NewCredentialManager creates a manager over store; nil means in-memory.
func NewCredentialManager(store CredentialStore) *CredentialManager {
	if store == nil {
		store = NewMemoryCredentialStore()
	}
	return &CredentialManager{
		store:  store,
		now:    time.Now,
		logger: NewNopLogger(),
	}
}

// SetCredential stores cred. A non-zero expiresIn sets an absolute expiry
// (negative values store an already expired credential). With a zero
// expiresIn, a bearer token that is a JWT takes its expiry from the exp claim.
func (m *CredentialManager) SetCredential(ctx context.Context, cred Credential, expiresIn time.Duration) error {
	rec := &StoredCredential{}
	switch c := cred.(type) {
	case BearerToken:
		rec.Kind = credentialKindBearer
		rec.Token = c.AccessToken
		rec.TokenType = c.TokenType
	case *BearerToken:
		rec.Kind = credentialKindBearer
		rec.Token = c.AccessToken
		rec.TokenType = c.TokenType
	case APIKeySet:
		rec.Kind = credentialKindAPIKey
		rec.APIKey = c.Key
		rec.APISecret = c.Secret
	case *APIKeySet:
		rec.Kind = credentialKindAPIKey
		rec.APIKey = c.Key
		rec.APISecret = c.Secret
	default:
		return newErrorInfo(CodeConfig, "unsupported credential type", nil)
	}

	if expiresIn != 0 {
		rec.ExpiresAt = m.now().Add(expiresIn)
	} else if rec.Kind == credentialKindBearer {
		rec.ExpiresAt = jwtExpiry(rec.Token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(ctx, rec)
}

// SetOAuth2Token stores an oauth2 token, keeping its Expiry.
func (m *CredentialManager) SetOAuth2Token(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return m.Clear(ctx)
	}
	rec := &StoredCredential{
		Kind:      credentialKindBearer,
		Token:     tok.AccessToken,
		TokenType: tok.Type(),
		ExpiresAt: tok.Expiry,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(ctx, rec)
}

// current loads the stored credential, dropping it when expired.
func (m *CredentialManager) current(ctx context.Context) *StoredCredential {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("Credential load failed", "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}
	if rec.expired(m.now()) {
		if err := m.store.Delete(ctx); err != nil {
			m.logger.Warn("Expired credential delete failed", "error", err)
		}
		m.logger.Debug("Expired credential cleared", "expiresAt", rec.ExpiresAt)
		return nil
	}
	return rec
}

// AuthHeaders returns the headers for the stored credential, or an empty map
// when there is none or it has expired.
func (m *CredentialManager) AuthHeaders(ctx context.Context) map[string]string {
	rec := m.current(ctx)
	if rec == nil {
		return map[string]string{}
	}
	return rec.credential().Headers()
}

// AccessToken returns the stored bearer token, or "" when absent or expired.
func (m *CredentialManager) AccessToken(ctx context.Context) string {
	rec := m.current(ctx)
	if rec == nil || rec.Kind != credentialKindBearer {
		return ""
	}
	return rec.Token
}

// HasCredential reports whether a valid credential is stored.
func (m *CredentialManager) HasCredential(ctx context.Context) bool {
	return m.current(ctx) != nil
}

// Clear removes the credential and its expiry unconditionally.
func (m *CredentialManager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx)
}

// TokenSource adapts the manager to oauth2.TokenSource, so a stored bearer
// token can drive oauth2-aware clients.
func (m *CredentialManager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{m: m, ctx: ctx}
}

type managerTokenSource struct {
	m   *CredentialManager
	ctx context.Context
}

// Token implements oauth2.TokenSource.
func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	rec := s.m.current(s.ctx)
	if rec == nil || rec.Kind != credentialKindBearer {
		return nil, ErrNoCredential
	}
	typ := rec.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: rec.Token,
		TokenType:   typ,
		Expiry:      rec.ExpiresAt,
	}, nil
}

// jwtExpiry reads the exp claim of an unverified JWT; zero when the token is
// not a JWT or carries no exp.
func jwtExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0)
	case json.Number:
		if v, err := exp.Int64(); err == nil {
			return time.Unix(v, 0)
		}
	}
	return time.Time{}
}
