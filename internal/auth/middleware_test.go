package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/copilot/internal/auth"
)

func identifyRouter(t *testing.T, svc *auth.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(svc.Identify())
	router.GET("/whoami", func(c *gin.Context) {
		caller, _ := auth.CallerFrom(c)
		c.JSON(http.StatusOK, gin.H{"user": caller.UserID, "session": caller.SessionID})
	})
	router.GET("/private", auth.RequireUser(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func TestIdentifyMintsAnonymousSession(t *testing.T) {
	router := identifyRouter(t, newService(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	session := rec.Header().Get(auth.SessionHeader)
	_, err := uuid.Parse(session)
	require.NoError(t, err)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, auth.SessionCookie, cookies[0].Name)
	require.Equal(t, session, cookies[0].Value)
}

func TestIdentifyReusesSession(t *testing.T) {
	router := identifyRouter(t, newService(t))
	session := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: session})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, session, rec.Header().Get(auth.SessionHeader))
	require.Empty(t, rec.Result().Cookies())

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(auth.SessionHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NotEqual(t, "not-a-uuid", rec.Header().Get(auth.SessionHeader))
}

func TestIdentifyBearer(t *testing.T) {
	svc := newService(t)
	router := identifyRouter(t, svc)

	result, err := svc.Register(context.Background(), auth.RegisterInput{Username: "erin", Password: "s3cret!"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+result.Token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIdentifyRejectsBadToken(t *testing.T) {
	router := identifyRouter(t, newService(t))

	for _, header := range []string{"Bearer nonsense", "Basic abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, header)
		require.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
		require.Empty(t, rec.Header().Get(auth.SessionHeader), "a rejected token never falls back to anonymous")
	}
}

func TestRequireUserRejectsAnonymous(t *testing.T) {
	router := identifyRouter(t, newService(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/private", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
