package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/gateway/internal/apidef"
	"github.com/alwitt/gateway/internal/metrics"
	"github.com/alwitt/gateway/internal/permission"
	"github.com/alwitt/gateway/internal/token"
	"github.com/alwitt/gateway/internal/tunnel"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
)

type seededFetcher struct {
	records []permission.PermRecord
}

func (f *seededFetcher) Fetch(_ context.Context, _ string) ([]permission.PermRecord, error) {
	return f.records, nil
}

func newTestRegistry(t *testing.T, backend *httptest.Server, appName string) (*Registry, *rsa.PrivateKey, string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	assert.Nil(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	validator, err := token.NewValidator([]token.SourceConfig{
		{Name: "test", TokenType: "access", Issuer: "issuer", Audience: "aud", PublicKey: string(pubPEM)},
	})
	assert.Nil(t, err)

	permCache := permission.NewCache(&seededFetcher{records: []permission.PermRecord{
		{RoleName: "misc::GET::FULL_ACCESS", UserID: []string{"tok-1"}},
	}}, []string{"http://unused"})
	assert.Nil(t, permCache.Refresh(context.Background()))

	reg := metrics.NewRegistry("test")
	tun := tunnel.NewTunnel(reg, 1024, 1024, 0)

	registry := NewRegistry(validator, permCache, reg, tun, backend.Client())

	def := apidef.ApiDefinition{
		AppName: appName,
		Host:    backend.Listener.Addr().String(),
		Mode: apidef.ApiMode{
			Kind: apidef.ForwardAll,
		},
	}
	def.BuildURIs()
	def.URIHTTP = backend.URL
	registry.Ingest(context.Background(), def)

	return registry, key, appName
}

func signTestToken(t *testing.T, key *rsa.PrivateKey) string {
	claims := jwt.MapClaims{
		"sub": "user-1", "iss": "issuer", "aud": "aud",
		"exp": time.Now().Add(time.Hour).Unix(), "token_id": "tok-1",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(key)
	assert.Nil(t, err)
	return signed
}

func TestDispatcherMetricsAndHealthShortCircuit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	registry, _, _ := newTestRegistry(t, backend, "/misc")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	registry.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ok", w.Body.String())

	w2 := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	registry.ServeHTTP(w2, r2)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestDispatcherOptionsPreflight(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	registry, _, _ := newTestRegistry(t, backend, "/misc")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/misc/events", nil)
	registry.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDispatcherMissingAuthorizationRejected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	registry, _, _ := newTestRegistry(t, backend, "/misc")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/misc/events", nil)
	registry.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDispatcherUnknownAppNotFound(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	registry, key, _ := newTestRegistry(t, backend, "/misc")
	signed := signTestToken(t, key)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/unknown/events", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	registry.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatcherForwardAllSuccess(t *testing.T) {
	var sawPath string
	var sawForwardedUser string
	var sawUsernameHeaderSet bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		sawForwardedUser = r.Header.Get("X-Forwarded-User")
		_, sawUsernameHeaderSet = r.Header["X-Forwarded-User-Username"]
		w.WriteHeader(http.StatusTeapot)
	}))
	defer backend.Close()

	registry, key, _ := newTestRegistry(t, backend, "/misc")
	signed := signTestToken(t, key)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/misc/events", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	registry.ServeHTTP(w, r)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "/events", sawPath)
	assert.Equal(t, "tok-1", sawForwardedUser)
	// claims.PreferredUsername is empty on the signed test token; the header
	// must still be set (to an empty value), not omitted.
	assert.True(t, sawUsernameHeaderSet)
}

func TestDispatcherAuthTokenQueryParamFallback(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	registry, key, _ := newTestRegistry(t, backend, "/misc")
	signed := signTestToken(t, key)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/misc/events?_auth_token="+signed, nil)
	registry.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatcherNoSlashAfterAppPrefixNotFound(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	registry, _, _ := newTestRegistry(t, backend, "/misc")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/misc", nil)
	registry.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
