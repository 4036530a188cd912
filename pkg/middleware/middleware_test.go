package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"loyalty-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Error())
	r.GET("/x", handler)
	return r
}

func TestErrorRendersBaseError(t *testing.T) {
	r := newRouter(func(c *gin.Context) {
		_ = c.Error(errutil.NotFound("event not found", nil))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "NOT_FOUND", body["error"]["code"])
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestErrorHidesUnknownErrors(t *testing.T) {
	r := newRouter(func(c *gin.Context) {
		_ = c.Error(errors.New("pq: connection reset"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "connection reset")
}

func TestRequestIDIsPropagated(t *testing.T) {
	var seen string
	r := newRouter(func(c *gin.Context) {
		seen = RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, "req-123", seen)
	require.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}
