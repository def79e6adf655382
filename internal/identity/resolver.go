package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Key is account public key material as vouched for by the authority.
// A zero ExpiresAt means the authority set no bound.
type Key struct {
	Public    ed25519.PublicKey
	ExpiresAt time.Time
}

// Resolver is the account-key authority boundary: it maps an account id to
// the public key the account is currently bound to.
type Resolver interface {
	ResolveAccountKey(ctx context.Context, accountID uuid.UUID) (Key, error)
}

// StaticResolver serves keys from a fixed map.
type StaticResolver map[uuid.UUID]Key

func (r StaticResolver) ResolveAccountKey(_ context.Context, accountID uuid.UUID) (Key, error) {
	key, ok := r[accountID]
	if !ok {
		return Key{}, fmt.Errorf("unknown account %s", accountID)
	}
	return key, nil
}

// HTTPResolver fetches keys from the account-key authority over HTTP.
type HTTPResolver struct {
	BaseURL string
	Client  *http.Client
}

type keyResponse struct {
	Key       string `json:"key"`
	ExpiresAt int64  `json:"expires_at"`
}

func (r *HTTPResolver) ResolveAccountKey(ctx context.Context, accountID uuid.UUID) (Key, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	url := fmt.Sprintf("%s/v1/accounts/%s/key", r.BaseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Key{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Key{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Key{}, fmt.Errorf("key authority: %s", resp.Status)
	}
	var body keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Key{}, fmt.Errorf("key authority: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(body.Key)
	if err != nil {
		return Key{}, fmt.Errorf("key authority: bad key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return Key{}, fmt.Errorf("key authority: bad key size %d", len(raw))
	}
	key := Key{Public: raw}
	if body.ExpiresAt > 0 {
		key.ExpiresAt = time.Unix(body.ExpiresAt, 0)
	}
	return key, nil
}

// CachingResolver memoizes another resolver. Entries live for TTL or until
// the authority's own expiry, whichever comes first. Failures are not cached.
type CachingResolver struct {
	Next Resolver
	TTL  time.Duration
	Log  zerolog.Logger

	mu    sync.Mutex
	cache map[uuid.UUID]cachedKey
}

type cachedKey struct {
	key       Key
	expiresAt time.Time
}

func (r *CachingResolver) ResolveAccountKey(ctx context.Context, accountID uuid.UUID) (Key, error) {
	now := time.Now()
	r.mu.Lock()
	if entry, ok := r.cache[accountID]; ok && now.Before(entry.expiresAt) {
		r.mu.Unlock()
		r.Log.Debug().Stringer("account", accountID).Msg("account key cache hit")
		return entry.key, nil
	}
	r.mu.Unlock()

	key, err := r.Next.ResolveAccountKey(ctx, accountID)
	if err != nil {
		return Key{}, err
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	expiresAt := now.Add(ttl)
	if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(expiresAt) {
		expiresAt = key.ExpiresAt
	}
	r.mu.Lock()
	if r.cache == nil {
		r.cache = make(map[uuid.UUID]cachedKey)
	}
	r.cache[accountID] = cachedKey{key: key, expiresAt: expiresAt}
	r.mu.Unlock()
	return key, nil
}
