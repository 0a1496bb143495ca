package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrInvalidKey  = errors.New("invalid api key")
	ErrKeyExpired  = errors.New("api key expired")
)

// RoleAnalyzer is the role granted to callers authenticated by API key.
const RoleAnalyzer = "lab_analyzer"

const (
	// apiKeyPrefix marks generated keys so they can be told apart from JWTs
	// in an Authorization header.
	apiKeyPrefix      = "lab_k1_"
	apiKeyRandomBytes = 16
	expiryLayout      = "2006-01-02"
)

// APIKey is an analyzer credential. Only the SHA-256 hash of the key
// material is kept.
type APIKey struct {
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	TenantID   string     `json:"tenant_id"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Entry renders k in the ANALYZER_API_KEYS format parsed by ParseAPIKey.
func (k *APIKey) Entry() string {
	entry := k.Name + ":" + k.TenantID + ":" + k.KeyHash
	if k.ExpiresAt != nil {
		entry += ":" + k.ExpiresAt.Format(expiryLayout)
	}
	return entry
}

// ParseAPIKey reads name:tenant:sha256hex[:YYYY-MM-DD]. The key expires at
// the start of the given day, UTC.
func ParseAPIKey(entry string) (*APIKey, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) < 3 || len(parts) > 4 {
		return nil, fmt.Errorf("api key entry %q: want name:tenant:sha256[:expiry]", entry)
	}
	k := &APIKey{
		Name:     strings.TrimSpace(parts[0]),
		TenantID: strings.TrimSpace(parts[1]),
		KeyHash:  strings.ToLower(strings.TrimSpace(parts[2])),
	}
	if k.Name == "" || k.TenantID == "" {
		return nil, fmt.Errorf("api key entry %q: name and tenant are required", entry)
	}
	if b, err := hex.DecodeString(k.KeyHash); err != nil || len(b) != sha256.Size {
		return nil, fmt.Errorf("api key %s: hash must be 64 hex characters", k.Name)
	}
	if len(parts) == 4 {
		exp, err := time.Parse(expiryLayout, strings.TrimSpace(parts[3]))
		if err != nil {
			return nil, fmt.Errorf("api key %s: expiry: %w", k.Name, err)
		}
		k.ExpiresAt = &exp
	}
	return k, nil
}

// APIKeyStore looks keys up by hash.
type APIKeyStore interface {
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	Touch(ctx context.Context, hash string, at time.Time) error
}

// InMemoryAPIKeyStore holds the keys loaded from configuration.
type InMemoryAPIKeyStore struct {
	mu     sync.RWMutex
	byHash map[string]*APIKey
}

func NewInMemoryAPIKeyStore(keys ...*APIKey) *InMemoryAPIKeyStore {
	s := &InMemoryAPIKeyStore{byHash: make(map[string]*APIKey, len(keys))}
	for _, k := range keys {
		cp := *k
		s.byHash[k.KeyHash] = &cp
	}
	return s
}

func (s *InMemoryAPIKeyStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for h, k := range s.byHash {
		if subtle.ConstantTimeCompare([]byte(h), []byte(hash)) == 1 {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *InMemoryAPIKeyStore) Touch(_ context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byHash[hash]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsedAt = &at
	return nil
}

// APIKeyManager issues and validates analyzer keys.
type APIKeyManager struct {
	store APIKeyStore
	now   func() time.Time
}

func NewAPIKeyManager(store APIKeyStore) *APIKeyManager {
	return &APIKeyManager{store: store, now: time.Now}
}

// GenerateKey returns a new key for name and tenant plus the raw key
// material. The raw key is not recoverable from the returned APIKey.
func GenerateKey(name, tenantID string, expiresAt *time.Time) (*APIKey, string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, "", fmt.Errorf("generating raw key: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(b)
	return &APIKey{Name: name, TenantID: tenantID, KeyHash: HashKey(raw), ExpiresAt: expiresAt}, raw, nil
}

// ValidateKey resolves rawKey to an active key and records its use.
func (m *APIKeyManager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	hash := HashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up key: %w", err)
	}
	now := m.now()
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}
	_ = m.store.Touch(ctx, hash, now)
	return key, nil
}

// HashKey is the hex SHA-256 of rawKey.
func HashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}

// APIKeyMiddleware authenticates analyzers by X-API-Key or by a bearer
// token carrying the key prefix. Requests without a key pass through to
// the JWT middleware. An authenticated key acts as RoleAnalyzer in its own
// tenant.
func APIKeyMiddleware(manager *APIKeyManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rawKey := extractAPIKey(c.Request())
			if rawKey == "" {
				return next(c)
			}
			key, err := manager.ValidateKey(c.Request().Context(), rawKey)
			switch {
			case errors.Is(err, ErrInvalidKey):
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			case errors.Is(err, ErrKeyExpired):
				return echo.NewHTTPError(http.StatusUnauthorized, "api key expired")
			case err != nil:
				return err
			}

			c.Set("api_key_name", key.Name)
			c.Set("jwt_tenant_id", key.TenantID)
			ctx := withIdentity(c.Request().Context(), "apikey:"+key.Name, []string{RoleAnalyzer})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func extractAPIKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "bearer") && strings.HasPrefix(strings.TrimSpace(token), apiKeyPrefix) {
		return strings.TrimSpace(token)
	}
	return ""
}
