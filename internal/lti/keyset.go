package lti

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gregjones/httpcache"
	"golang.org/x/time/rate"
)

type JWK struct {
	Kty string `json:"kty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeySource resolves the platform key that signed a launch.
type KeySource interface {
	Key(ctx context.Context, keySetURL, kid string) (*rsa.PublicKey, error)
}

// NewCachingClient returns an HTTP client that honours the platform's cache
// headers, so repeated launches do not refetch the key set.
func NewCachingClient() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
	}
}

// KeySetFetcher fetches platform key sets over HTTP.
type KeySetFetcher struct {
	client *http.Client
	// refetch limits cache-bypassing fetches per key set URL. Unknown kids
	// come from the token header, so anyone can ask for one.
	refetch      sync.Map // keySetURL -> *rate.Limiter
	refetchEvery rate.Limit
}

func NewKeySetFetcher(client *http.Client) *KeySetFetcher {
	if client == nil {
		client = NewCachingClient()
	}
	return &KeySetFetcher{client: client, refetchEvery: rate.Every(time.Minute)}
}

func (f *KeySetFetcher) allowRefetch(keySetURL string) bool {
	l, _ := f.refetch.LoadOrStore(keySetURL, rate.NewLimiter(f.refetchEvery, 1))
	return l.(*rate.Limiter).Allow()
}

var errKeyNotFound = errors.New("key not found in key set")

// Key returns the RSA key with the given kid. When the cached key set does
// not contain kid, it is fetched once more bypassing the cache to pick up a
// platform key rotation, at most once a minute per key set.
func (f *KeySetFetcher) Key(ctx context.Context, keySetURL, kid string) (*rsa.PublicKey, error) {
	set, err := f.fetch(ctx, keySetURL, false)
	if err != nil {
		return nil, err
	}
	k, err := set.rsaKey(kid)
	if !errors.Is(err, errKeyNotFound) || !f.allowRefetch(keySetURL) {
		return k, err
	}
	if set, err = f.fetch(ctx, keySetURL, true); err != nil {
		return nil, err
	}
	return set.rsaKey(kid)
}

func (f *KeySetFetcher) fetch(ctx context.Context, keySetURL string, revalidate bool) (JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keySetURL, nil)
	if err != nil {
		return JWKS{}, fmt.Errorf("keyset: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if revalidate {
		req.Header.Set("Cache-Control", "no-cache")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return JWKS{}, fmt.Errorf("keyset: fetch %s: %w", keySetURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return JWKS{}, fmt.Errorf("keyset: fetch %s: %s: %s", keySetURL, resp.Status, b)
	}
	var set JWKS
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return JWKS{}, fmt.Errorf("keyset: decode: %w", err)
	}
	return set, nil
}

// rsaKey picks the signing key for kid. An empty kid is accepted only when
// the set holds exactly one RSA signing key.
func (s JWKS) rsaKey(kid string) (*rsa.PublicKey, error) {
	var candidates []JWK
	for _, k := range s.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if kid == "" || k.Kid == kid {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) != 1 {
		return nil, fmt.Errorf("keyset: kid %q: %w", kid, errKeyNotFound)
	}
	return candidates[0].RSAPublicKey()
}

// RSAPublicKey decodes the base64url modulus and exponent.
func (k JWK) RSAPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("keyset: decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("keyset: decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, errors.New("keyset: malformed RSA key")
	}
	var e int
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// PublicJWK encodes an RSA public key. Used by tests and tooling that need
// to publish a key set.
func PublicJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
	}
}
