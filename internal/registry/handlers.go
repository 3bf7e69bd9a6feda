package registry

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	digest "github.com/opencontainers/go-digest"

	"github.com/danielloader/registryproxy/internal/auth"
	"github.com/danielloader/registryproxy/internal/config"
	"github.com/danielloader/registryproxy/internal/proxyerr"
)

// resolvedRepo wraps config.ResolvedRepository so handlers have a single,
// self-documenting return type from resolve.
type resolvedRepo struct {
	config.ResolvedRepository
}

func (h *Handlers) versionCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

// resolve authorizes repository against the request's claims and resolves
// it against the config. It writes the error response itself and returns
// ok=false when either step fails, so handlers can return immediately.
func (h *Handlers) resolve(w http.ResponseWriter, r *http.Request, repository string) (resolved resolvedRepo, ok bool) {
	claims := auth.FromContext(r.Context())
	if err := auth.CheckRepositoryAccess(claims, repository); err != nil {
		proxyerr.WriteErrorJSON(w, err)
		return resolvedRepo{}, false
	}

	repo, found := h.Config.Resolve(repository)
	if !found {
		slog.Debug("repository not mapped", "repository", repository, "request_id", requestIDFromContext(r.Context()))
		proxyerr.WriteErrorJSON(w, proxyerr.NotFoundf("Repository not mapped: %s", repository))
		return resolvedRepo{}, false
	}

	return resolvedRepo{repo}, true
}

func (h *Handlers) getManifest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repository := vars["repository"]
	reference := vars["reference"]

	repo, ok := h.resolve(w, r, repository)
	if !ok {
		return
	}

	body, contentType, err := h.Upstream.GetManifest(repo.ResolvedRepository, reference)
	if err != nil {
		proxyerr.WriteErrorJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handlers) getBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repository := vars["repository"]
	dgst := vars["digest"]

	if _, err := digest.Parse(dgst); err != nil {
		proxyerr.WriteErrorJSON(w, proxyerr.NotFoundf("Blob not found: %s", dgst))
		return
	}

	repo, ok := h.resolve(w, r, repository)
	if !ok {
		return
	}

	if data, hit, err := h.Cache.Get(dgst); err == nil && hit {
		writeBlob(w, data)
		return
	} else if err != nil {
		slog.Warn("cache read failed, falling through to upstream", "digest", dgst, "error", err)
	}

	data, err := h.Upstream.GetBlob(repo.ResolvedRepository, dgst)
	if err != nil {
		proxyerr.WriteErrorJSON(w, err)
		return
	}

	if err := h.Cache.Put(dgst, data); err != nil {
		slog.Warn("failed to cache fetched blob", "digest", dgst, "error", err)
	}

	writeBlob(w, data)
}

func writeBlob(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// headBlob reports Content-Length with no body. It prefers the cache; on a
// miss it issues an upstream HEAD (the permitted enhancement over a full
// GET — see the design notes) and does not populate the cache.
func (h *Handlers) headBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repository := vars["repository"]
	dgst := vars["digest"]

	if _, err := digest.Parse(dgst); err != nil {
		proxyerr.WriteErrorJSON(w, proxyerr.NotFoundf("Blob not found: %s", dgst))
		return
	}

	repo, ok := h.resolve(w, r, repository)
	if !ok {
		return
	}

	if data, hit, err := h.Cache.Get(dgst); err == nil && hit {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		w.WriteHeader(http.StatusOK)
		return
	}

	size, err := h.Upstream.HeadBlob(repo.ResolvedRepository, dgst)
	if err != nil {
		proxyerr.WriteErrorJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) getTags(w http.ResponseWriter, r *http.Request) {
	repository := mux.Vars(r)["repository"]

	repo, ok := h.resolve(w, r, repository)
	if !ok {
		return
	}

	body, err := h.Upstream.GetTags(repo.ResolvedRepository)
	if err != nil {
		proxyerr.WriteErrorJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handlers) rejectWrite(w http.ResponseWriter, r *http.Request) {
	proxyerr.WriteErrorJSON(w, proxyerr.Forbiddenf("read-only proxy: %s not permitted", r.Method))
}
