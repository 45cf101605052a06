package dispute

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(f *fixture, userID string, roles ...string) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		if userID != "" {
			c.Set(auth.ContextKeyIdentity, &auth.Identity{UserID: userID, Roles: roles})
			c.Set(auth.ContextKeyUserID, userID)
		}
		c.Next()
	})
	h := NewHandler(f.svc)
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r
}

func send(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_OpenGetResolve(t *testing.T) {
	f := newFixture(t)

	w := send(setupRouter(f, worker), http.MethodPost, "/v1/engagements/g1/disputes", `{"reason":"not paid"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	id := opened.Dispute.ID

	w = send(setupRouter(f, worker), http.MethodPost, "/v1/engagements/g1/disputes", `{"reason":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = send(setupRouter(f, employer), http.MethodGet, "/v1/disputes/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = send(setupRouter(f, "someone"), http.MethodGet, "/v1/disputes/"+id, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = send(setupRouter(f, employer), http.MethodPost, "/v1/disputes/"+id+"/resolve", `{"outcome":"refund"}`)
	assert.Equal(t, http.StatusForbidden, w.Code, "parties cannot rule on their own dispute")

	w = send(setupRouter(f, admin, auth.RoleAdmin), http.MethodPost, "/v1/disputes/"+id+"/resolve", `{"outcome":"split"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(setupRouter(f, admin, auth.RoleAdmin), http.MethodPost, "/v1/disputes/"+id+"/resolve", `{"outcome":"refund"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"resolved_refunded"`)
}

func TestHandler_OpenErrors(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		path   string
		body   string
		status int
	}{
		{"no identity", "", "/v1/engagements/g1/disputes", `{"reason":"x"}`, http.StatusUnauthorized},
		{"bad json", worker, "/v1/engagements/g1/disputes", `{`, http.StatusBadRequest},
		{"empty reason", worker, "/v1/engagements/g1/disputes", `{"reason":""}`, http.StatusBadRequest},
		{"stranger", "someone", "/v1/engagements/g1/disputes", `{"reason":"x"}`, http.StatusForbidden},
		{"no engagement", worker, "/v1/engagements/g404/disputes", `{"reason":"x"}`, http.StatusNotFound},
		{"no escrow", worker, "/v1/engagements/g2/disputes", `{"reason":"x"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := send(setupRouter(f, tt.user), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}
