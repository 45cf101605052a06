package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/escrow/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	req := httptest.NewRequest(method, "/v1/escrow/x", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  bool
		credentials string
	}{
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", true, "true"},
		{"wildcard", []string{"*"}, "https://anything.example", true, ""},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example", false, ""},
		{"disabled", nil, "https://app.example.com", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tt.credentials, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
}

func TestCheckURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example.com/escrow", true},
		{"http://hooks.example.com", true},
		{"ftp://hooks.example.com", false},
		{"https://localhost/hook", false},
		{"https://LOCALHOST/hook", false},
		{"https://metadata.google.internal/", false},
		{"https://127.0.0.1/hook", false},
		{"https://10.0.0.5/hook", false},
		{"https://[::1]/hook", false},
		{"https://169.254.169.254/latest", false},
		{"https://0.0.0.0/", false},
		{"https:///nohost", false},
	}
	for _, tt := range tests {
		err := CheckURL(tt.url)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.Error(t, err, tt.url)
		}
	}
}

func TestResolveAndCheck_Literals(t *testing.T) {
	assert.NoError(t, ResolveAndCheck(context.Background(), "https://93.184.216.34/hook"))
	assert.Error(t, ResolveAndCheck(context.Background(), "https://192.168.1.10/hook"))
}
