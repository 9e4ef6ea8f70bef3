package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCors(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		origins    []string
		method     string
		origin     string
		wantStatus int
		wantOrigin string
	}{
		{
			name:       "AllowAll",
			origins:    []string{"*"},
			method:     http.MethodGet,
			origin:     "http://example.com",
			wantStatus: http.StatusOK,
			wantOrigin: "http://example.com",
		},
		{
			name:       "AllowListed",
			origins:    []string{"http://app.local"},
			method:     http.MethodGet,
			origin:     "http://app.local",
			wantStatus: http.StatusOK,
			wantOrigin: "http://app.local",
		},
		{
			name:       "RejectUnlisted",
			origins:    []string{"http://app.local"},
			method:     http.MethodGet,
			origin:     "http://evil.local",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "PreflightAllowed",
			origins:    []string{"http://app.local"},
			method:     http.MethodOptions,
			origin:     "http://app.local",
			wantStatus: http.StatusNoContent,
			wantOrigin: "http://app.local",
		},
		{
			name:       "NoOriginPassesThrough",
			origins:    []string{"http://app.local"},
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			handler := Cors(test.origins, next)
			request := httptest.NewRequest(test.method, "/api/v1/models", nil)
			if test.origin != "" {
				request.Header.Set("Origin", test.origin)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)
			assert.Equal(t, test.wantStatus, recorder.Code)
			assert.Equal(t, test.wantOrigin, recorder.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCorsDisabledWithoutConfiguration(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Cors(nil, next)

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Origin", "http://anywhere")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusTeapot, recorder.Code)
	assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"))
}
