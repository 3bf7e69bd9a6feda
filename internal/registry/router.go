// Package registry wires the config resolver, auth middleware, blob cache,
// and upstream client into the proxy's HTTP surface: the five read
// endpoints plus a catch-all write rejection.
package registry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/danielloader/registryproxy/internal/auth"
	"github.com/danielloader/registryproxy/internal/cache"
	"github.com/danielloader/registryproxy/internal/config"
	"github.com/danielloader/registryproxy/internal/upstream"
)

// Handlers bundles the collaborators the HTTP layer dispatches to. All
// fields are shared, read-mostly, and safe for concurrent use; Handlers
// holds no per-request state.
type Handlers struct {
	Config   *config.Config
	Cache    *cache.BlobCache
	Upstream *upstream.Client
}

// NewRouter builds the proxy's gorilla/mux router: auth middleware on
// every route (including /v2/), named path variables instead of hand-rolled
// path splitting, and request-id correlation for logging.
func NewRouter(h *Handlers, jwtSecret string) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(auth.Middleware(jwtSecret))

	r.HandleFunc("/v2/", h.versionCheck).Methods(http.MethodGet)
	r.HandleFunc("/v2/{repository:.+}/manifests/{reference}", h.getManifest).Methods(http.MethodGet)
	r.HandleFunc("/v2/{repository:.+}/blobs/{digest}", h.getBlob).Methods(http.MethodGet)
	r.HandleFunc("/v2/{repository:.+}/blobs/{digest}", h.headBlob).Methods(http.MethodHead)
	r.HandleFunc("/v2/{repository:.+}/tags/list", h.getTags).Methods(http.MethodGet)
	r.PathPrefix("/v2/").HandlerFunc(h.rejectWrite).Methods(http.MethodPut, http.MethodDelete, http.MethodPost, http.MethodPatch)

	return r
}

type requestIDKey int

const requestIDContextKey requestIDKey = iota

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)

		next.ServeHTTP(w, r.WithContext(ctx))

		slog.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}
