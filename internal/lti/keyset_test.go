package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJWKRoundTrip(t *testing.T) {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := PublicJWK("k1", &k.PublicKey).RSAPublicKey()
	require.NoError(t, err)
	require.True(t, pub.Equal(&k.PublicKey))

	_, err = JWK{Kty: "RSA", N: "!!", E: "AQAB"}.RSAPublicKey()
	require.Error(t, err)
}

func TestKeySetFetcherRefetchesOnUnknownKid(t *testing.T) {
	k1, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	k2, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var rotated atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		set := JWKS{Keys: []JWK{PublicJWK("k1", &k1.PublicKey)}}
		if rotated.Load() {
			set.Keys = append(set.Keys, PublicJWK("k2", &k2.PublicKey))
		}
		w.Header().Set("Cache-Control", "max-age=300")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	ctx := context.Background()
	f := NewKeySetFetcher(nil)

	got, err := f.Key(ctx, srv.URL, "k1")
	require.NoError(t, err)
	require.True(t, got.Equal(&k1.PublicKey))

	_, err = f.Key(ctx, srv.URL, "k1")
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load(), "second lookup should be served from cache")

	rotated.Store(true)
	got, err = f.Key(ctx, srv.URL, "k2")
	require.NoError(t, err)
	require.True(t, got.Equal(&k2.PublicKey))

	_, err = f.Key(ctx, srv.URL, "missing")
	require.Error(t, err)
}

func TestKeySetFetcherLimitsRefetches(t *testing.T) {
	k1, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=300")
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{PublicJWK("k1", &k1.PublicKey)}})
	}))
	defer srv.Close()

	ctx := context.Background()
	f := NewKeySetFetcher(nil)

	for i := 0; i < 10; i++ {
		_, err := f.Key(ctx, srv.URL, fmt.Sprintf("forged-%d", i))
		require.ErrorIs(t, err, errKeyNotFound)
	}
	// one cached fetch plus a single forced refetch
	require.EqualValues(t, 2, hits.Load())

	got, err := f.Key(ctx, srv.URL, "k1")
	require.NoError(t, err)
	require.True(t, got.Equal(&k1.PublicKey))
	require.EqualValues(t, 2, hits.Load())
}

func TestRSAKeyWithoutKid(t *testing.T) {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	one := JWKS{Keys: []JWK{PublicJWK("a", &k.PublicKey)}}
	_, err = one.rsaKey("")
	require.NoError(t, err)

	two := JWKS{Keys: []JWK{PublicJWK("a", &k.PublicKey), PublicJWK("b", &k.PublicKey)}}
	_, err = two.rsaKey("")
	require.ErrorIs(t, err, errKeyNotFound)
}
