// Package api assembles the HTTP surface: route registration, middleware
// ordering and the operational endpoints.
package api

import (
	"net/http"

	"chatrelay/pkg/api/handlers"
	"chatrelay/pkg/auth"
	"chatrelay/pkg/store"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// OpenAPIPath is where the served spec file lives relative to the working
// directory.
const OpenAPIPath = "docs/openapi.yaml"

// NewRouter builds the full handler chain. The operational endpoints
// (health, metrics, docs) live on the outer mux so probes and scrapers need
// no credentials; the security middleware wraps only the /v1 surface, and
// the signed-author check applies only to the client data plane.
func NewRouter(sec auth.SecConfig) http.Handler {
	r := mux.NewRouter()

	// admin plane first so the generic /v1 subrouter never shadows it
	admin := r.PathPrefix("/v1/admin").Subrouter()
	handlers.RegisterAdmin(admin)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(auth.RequireSignedAuthor)
	handlers.RegisterThreads(v1)
	handlers.RegisterMessages(v1)

	root := http.NewServeMux()
	root.HandleFunc("/healthz", healthzHandler)
	root.HandleFunc("/readyz", readyzHandler)
	root.Handle("/metrics", promhttp.Handler())
	root.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, req *http.Request) {
		http.ServeFile(w, req, OpenAPIPath)
	})
	root.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	root.Handle("/", auth.AuthenticateRequestMiddleware(sec)(r))
	return root
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"storage not ready"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
