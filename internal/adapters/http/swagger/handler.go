// Package swagger serves the API description and a ReDoc page for it.
package swagger

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
)

// Register attaches the documentation routes to r:
//
//	GET /openapi.yaml -> embedded OpenAPI spec
//	GET /api-docs     -> ReDoc page rendering it
func Register(_ context.Context, r *mux.Router) {
	if r == nil {
		panic("router is nil")
	}
	r.HandleFunc("/api-docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexHTML))
	}).Methods(http.MethodGet)
	r.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		_, _ = w.Write(OpenAPI)
	}).Methods(http.MethodGet)
}

const indexHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8">
    <title>resolvr API</title>
    <style>body{margin:0;padding:0}</style>
  </head>
  <body>
    <redoc id="redoc-container" spec-url="/openapi.yaml"></redoc>
    <script src="https://cdn.redoc.ly/redoc/v2.1.5/bundles/redoc.standalone.js"></script>
  </body>
</html>`
