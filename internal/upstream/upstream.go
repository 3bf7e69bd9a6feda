// Package upstream implements the client that talks to real OCI/Docker
// registries: the configured HTTP transport, the bearer-challenge token
// exchange, and the three high-level fetch operations the registry
// handlers need.
package upstream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danielloader/registryproxy/internal/config"
	"github.com/danielloader/registryproxy/internal/proxyerr"
)

var manifestAcceptHeaders = []string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
}

const defaultManifestContentType = "application/vnd.docker.distribution.manifest.v2+json"

// Client fetches manifests, blobs, and tag lists from upstream registries,
// transparently handling bearer-challenge authentication per registry.
type Client struct {
	http *http.Client

	mu     sync.RWMutex
	tokens map[string]string
}

// New builds a Client with a configured *http.Transport, following the
// teacher's dial/TLS/idle timeout conventions. Redirects are followed by
// default (upstream blob CDNs frequently redirect).
func New() *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		http:   &http.Client{Transport: transport},
		tokens: make(map[string]string),
	}
}

// GetManifest fetches the manifest identified by reference (tag or
// digest). Manifests are never cached by the caller — every call performs
// an upstream fetch.
func (c *Client) GetManifest(repo config.ResolvedRepository, reference string) ([]byte, string, error) {
	reqURL := fmt.Sprintf("%s/v2/%s/manifests/%s", repo.RegistryURL, repo.UpstreamName, reference)

	resp, err := c.makeAuthenticatedRequest(repo, reqURL, true)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", proxyerr.NotFoundf("Manifest not found: %s", reference)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultManifestContentType
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", proxyerr.Upstreamf(err)
	}
	return body, contentType, nil
}

// GetBlob fetches the blob identified by digest in full.
func (c *Client) GetBlob(repo config.ResolvedRepository, digest string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/v2/%s/blobs/%s", repo.RegistryURL, repo.UpstreamName, digest)

	resp, err := c.makeAuthenticatedRequest(repo, reqURL, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, proxyerr.NotFoundf("Blob not found: %s", digest)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyerr.Upstreamf(err)
	}
	return body, nil
}

// HeadBlob issues an upstream HEAD for digest and reports Content-Length
// without fetching or caching the body — the permitted HEAD enhancement
// documented alongside the registry handlers.
func (c *Client) HeadBlob(repo config.ResolvedRepository, digest string) (int64, error) {
	blobURL := fmt.Sprintf("%s/v2/%s/blobs/%s", repo.RegistryURL, repo.UpstreamName, digest)

	resp, err := c.makeAuthenticatedRequestMethod(repo, http.MethodHead, blobURL, false)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, proxyerr.NotFoundf("Blob not found: %s", digest)
	}
	return resp.ContentLength, nil
}

// GetTags fetches the raw tag-list JSON body for repo.
func (c *Client) GetTags(repo config.ResolvedRepository) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/v2/%s/tags/list", repo.RegistryURL, repo.UpstreamName)

	resp, err := c.makeAuthenticatedRequest(repo, reqURL, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyerr.Upstreamf(err)
	}
	return body, nil
}

func (c *Client) makeAuthenticatedRequest(repo config.ResolvedRepository, reqURL string, isManifest bool) (*http.Response, error) {
	return c.makeAuthenticatedRequestMethod(repo, http.MethodGet, reqURL, isManifest)
}

// makeAuthenticatedRequestMethod implements the token-cache-then-retry-once
// algorithm: attach a cached token if present, send, and on a 401 carrying
// a parseable Bearer challenge, exchange it for a token, cache it, and
// reissue the request exactly once. A final status other than 2xx or 404
// (including a 401 without a Bearer challenge, or a second 401 after the
// retry) is returned as an Upstream error, never as a response.
func (c *Client) makeAuthenticatedRequestMethod(repo config.ResolvedRepository, method, reqURL string, isManifest bool) (*http.Response, error) {
	cacheKey := tokenCacheKey(repo)

	checkStatus := func(resp *http.Response) (*http.Response, error) {
		if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
			return resp, nil
		}
		resp.Body.Close()
		return nil, proxyerr.Upstreamf(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, reqURL))
	}

	req, err := c.newRequest(method, reqURL, isManifest)
	if err != nil {
		return nil, proxyerr.Upstreamf(err)
	}
	if token, ok := c.cachedToken(cacheKey); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, proxyerr.Upstreamf(err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(resp)
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	if !strings.HasPrefix(strings.TrimSpace(challenge), "Bearer ") {
		return checkStatus(resp)
	}

	slog.Debug("received 401 from upstream, attempting authentication", "url", reqURL)

	token, err := c.authenticate(challenge, repo.Auth)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tokens[cacheKey] = token
	c.mu.Unlock()

	retryReq, err := c.newRequest(method, reqURL, isManifest)
	if err != nil {
		return nil, proxyerr.Upstreamf(err)
	}
	retryReq.Header.Set("Authorization", "Bearer "+token)

	retryResp, err := c.http.Do(retryReq)
	if err != nil {
		return nil, proxyerr.Upstreamf(err)
	}
	return checkStatus(retryResp)
}

func (c *Client) newRequest(method, rawURL string, isManifest bool) (*http.Request, error) {
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if isManifest {
		for _, accept := range manifestAcceptHeaders {
			req.Header.Add("Accept", accept)
		}
	}
	return req, nil
}

func (c *Client) cachedToken(cacheKey string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.tokens[cacheKey]
	return token, ok
}

func tokenCacheKey(repo config.ResolvedRepository) string {
	return repo.RegistryURL + ":" + repo.UpstreamName
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// authenticate exchanges a Bearer challenge for a token at its realm,
// optionally presenting upstream basic-auth credentials.
func (c *Client) authenticate(challenge string, auth *config.UpstreamAuth) (string, error) {
	params := parseWWWAuthenticate(challenge)

	realm, ok := params["realm"]
	if !ok {
		return "", proxyerr.Internalf("WWW-Authenticate header missing realm")
	}

	authURL, err := url.Parse(realm)
	if err != nil {
		return "", proxyerr.Internalf("invalid realm URL: %v", err)
	}

	q := authURL.Query()
	if service, ok := params["service"]; ok {
		q.Set("service", service)
	}
	if scope, ok := params["scope"]; ok {
		q.Set("scope", scope)
	}
	authURL.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, authURL.String(), nil)
	if err != nil {
		return "", proxyerr.Internalf("building token request: %v", err)
	}
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", proxyerr.Upstreamf(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", proxyerr.Internalf("authentication failed with status: %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", proxyerr.Internalf("decoding token response: %v", err)
	}

	if tok.Token != "" {
		return tok.Token, nil
	}
	if tok.AccessToken != "" {
		return tok.AccessToken, nil
	}
	return "", proxyerr.Internalf("no token in auth response")
}

// parseWWWAuthenticate parses a `Bearer key1="v1",key2="v2",...` challenge
// into its parameter map. A header that does not begin with "Bearer "
// yields an empty map, not an error — callers treat that as "no challenge
// to act on" and surface the original response.
func parseWWWAuthenticate(header string) map[string]string {
	params := make(map[string]string)

	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return params
	}

	paramsStr := header[len("Bearer "):]
	for _, part := range strings.Split(paramsStr, ",") {
		part = strings.TrimSpace(part)
		eq := strings.Index(part, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		value := strings.Trim(strings.TrimSpace(part[eq+1:]), `"`)
		params[key] = value
	}
	return params
}
