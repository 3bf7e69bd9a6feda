package upstream

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danielloader/registryproxy/internal/config"
	"github.com/danielloader/registryproxy/internal/proxyerr"
)

func TestParseWWWAuthenticateFullChallenge(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/alpine:pull"`

	params := parseWWWAuthenticate(header)

	want := map[string]string{
		"realm":   "https://auth.docker.io/token",
		"service": "registry.docker.io",
		"scope":   "repository:library/alpine:pull",
	}
	if len(params) != len(want) {
		t.Fatalf("parseWWWAuthenticate: got %d params, want %d: %v", len(params), len(want), params)
	}
	for k, v := range want {
		if params[k] != v {
			t.Errorf("parseWWWAuthenticate[%q]: got %q, want %q", k, params[k], v)
		}
	}
}

func TestParseWWWAuthenticateNonBearerYieldsEmptyMap(t *testing.T) {
	params := parseWWWAuthenticate(`Basic realm="test"`)
	if len(params) != 0 {
		t.Fatalf("parseWWWAuthenticate: got %v, want empty map", params)
	}
}

func TestGetManifestRetriesOnceAfterChallenge(t *testing.T) {
	var tokenRequests, manifestRequests int

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"fake-token"}`))
	}))
	defer tokenServer.Close()

	var registryServer *httptest.Server
	registryServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		manifestRequests++
		if r.Header.Get("Authorization") != "Bearer fake-token" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+tokenServer.URL+`",service="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Write([]byte(`{"schemaVersion":2}`))
	}))
	defer registryServer.Close()

	c := New()
	repo := config.ResolvedRepository{UpstreamName: "library/alpine", RegistryURL: registryServer.URL}

	body, contentType, err := c.GetManifest(repo, "latest")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if contentType != "application/vnd.oci.image.manifest.v1+json" {
		t.Errorf("contentType: got %q", contentType)
	}
	if string(body) != `{"schemaVersion":2}` {
		t.Errorf("body: got %q", body)
	}
	if tokenRequests != 1 {
		t.Errorf("tokenRequests: got %d, want 1", tokenRequests)
	}
	if manifestRequests != 2 {
		t.Errorf("manifestRequests: got %d, want 2 (challenge + retry)", manifestRequests)
	}
}

func TestGetBlobNotFoundMapsToNotFound(t *testing.T) {
	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer registryServer.Close()

	c := New()
	repo := config.ResolvedRepository{UpstreamName: "library/alpine", RegistryURL: registryServer.URL}

	_, err := c.GetBlob(repo, "sha256:deadbeef")
	if err == nil {
		t.Fatalf("GetBlob: expected error for 404")
	}
	var pe *proxyerr.Error
	if !errors.As(err, &pe) || pe.Kind != proxyerr.NotFound {
		t.Fatalf("GetBlob: got %v, want a NotFound error", err)
	}
}

func TestCachedTokenReusedWithoutChallenge(t *testing.T) {
	var manifestRequests int
	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		manifestRequests++
		if r.Header.Get("Authorization") != "Bearer cached" {
			t.Fatalf("expected cached token to be sent, got Authorization=%q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{}`))
	}))
	defer registryServer.Close()

	c := New()
	repo := config.ResolvedRepository{UpstreamName: "library/alpine", RegistryURL: registryServer.URL}
	c.tokens[tokenCacheKey(repo)] = "cached"

	if _, _, err := c.GetManifest(repo, "latest"); err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if manifestRequests != 1 {
		t.Errorf("manifestRequests: got %d, want 1 (no challenge needed)", manifestRequests)
	}
}
