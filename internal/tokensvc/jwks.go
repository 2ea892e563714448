package tokensvc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// jwksRefresh bounds how long a fetched key set is trusted before the next
// lookup re-fetches it. No library in the retrieved corpus provides a JWKS
// client (golang-jwt/jwt/v5 only decodes and verifies, it does not fetch
// keys), so this is a deliberate, minimal stdlib implementation: RSA-only,
// keyed by "kid", documented as a standing exception in DESIGN.md.
const jwksRefresh = 10 * time.Minute

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// keyset fetches and caches an issuer's RSA signing keys.
type keyset struct {
	client *http.Client
	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	fetched time.Time
}

func newKeyset(client *http.Client) *keyset {
	return &keyset{client: client, keys: map[string]*rsa.PublicKey{}}
}

// Lookup returns the RSA public key for kid, fetching (or re-fetching,
// past jwksRefresh) issuer's key set from its Keycloak-style
// /protocol/openid-connect/certs endpoint as needed.
func (k *keyset) Lookup(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	stale := time.Since(k.fetched) > jwksRefresh
	key, ok := k.keys[kid]
	k.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}

	if err := k.refresh(ctx, issuer); err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok = k.keys[kid]
	if !ok {
		return nil, fmt.Errorf("jwks: no key for kid %q", kid)
	}
	return key, nil
}

func (k *keyset) refresh(ctx context.Context, issuer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/protocol/openid-connect/certs", nil)
	if err != nil {
		return err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, key := range set.Keys {
		if key.Kty != "RSA" || key.Kid == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(key)
		if err != nil {
			continue
		}
		keys[key.Kid] = pub
	}

	k.mu.Lock()
	k.keys = keys
	k.fetched = time.Now()
	k.mu.Unlock()
	return nil
}

func rsaPublicKeyFromJWK(key jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
