package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wuwenbin0122/copilot/internal/models"
)

const (
	SessionHeader = "X-Session-Id"
	SessionCookie = "copilot_session"

	callerKey     = "copilot.caller"
	sessionMaxAge = 365 * 24 * 60 * 60
)

// Identify resolves the caller of every request. A bearer token must be
// valid; a request without one is anonymous and is bound to a session id
// taken from the header or cookie, or minted and returned in both.
func (s *Service) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				abortUnauthorized(c, "malformed authorization header")
				return
			}
			claims, err := s.VerifyToken(strings.TrimSpace(token))
			if err != nil {
				abortUnauthorized(c, "invalid or expired token")
				return
			}
			c.Set(callerKey, models.Caller{UserID: claims.Subject, SessionID: sessionFrom(c)})
			c.Next()
			return
		}

		session := sessionFrom(c)
		if session == "" {
			session = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(SessionCookie, session, sessionMaxAge, "/", "", false, true)
		}
		c.Header(SessionHeader, session)
		c.Set(callerKey, models.Caller{SessionID: session})
		c.Next()
	}
}

// RequireUser rejects anonymous callers. It must run after Identify.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok || caller.Anonymous() {
			abortUnauthorized(c, "sign in required")
			return
		}
		c.Next()
	}
}

func CallerFrom(c *gin.Context) (models.Caller, bool) {
	value, ok := c.Get(callerKey)
	if !ok {
		return models.Caller{}, false
	}
	caller, ok := value.(models.Caller)
	return caller, ok
}

func sessionFrom(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(SessionHeader)); validSession(id) {
		return id
	}
	if id, err := c.Cookie(SessionCookie); err == nil && validSession(id) {
		return id
	}
	return ""
}

func validSession(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
		"code":  "unauthorized",
	})
}
