package routing

import (
	"net/http"
	"path"
	"strings"
)

// NormalizedServeMux wraps http.ServeMux and collapses duplicate slashes in
// request paths before dispatch, so that clients sending e.g. //api/v1/models
// still hit the registered routes.
type NormalizedServeMux struct {
	*http.ServeMux
}

func NewNormalizedServeMux() *NormalizedServeMux {
	return &NormalizedServeMux{http.NewServeMux()}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		r.URL.Path = path.Clean(r.URL.Path)
	}

	nm.ServeMux.ServeHTTP(w, r)
}
