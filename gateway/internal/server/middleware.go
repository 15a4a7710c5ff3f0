package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/scusemua/notebook-relay/common/jupyter/relay"
)

const (
	// UserKey is the gin context key under which the authenticated user is stored.
	UserKey = "user"
)

// Authenticated rejects requests whose cookies do not resolve to a user.
func (s *RelayServer) Authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authenticate(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": relay.ErrAuthenticationFailure.Error()})
			return
		}
		c.Next()
	}
}

// AuthenticateUnlessReadOnly admits every request while the server is read-only, and otherwise behaves like
// Authenticated. The read-only flag is read on every request.
func (s *RelayServer) AuthenticateUnlessReadOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authenticate(c) {
			c.Next()
			return
		}

		if s.ReadOnly() {
			c.Set(UserKey, relay.AnonymousUser)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": relay.ErrAuthenticationFailure.Error()})
	}
}

func (s *RelayServer) authenticate(c *gin.Context) bool {
	user, err := s.auth.Authenticate(c.GetHeader("Cookie"))
	if err != nil {
		s.log.Debug("Rejected %s %s from %s: %v", c.Request.Method, c.Request.URL.Path, c.ClientIP(), err)
		return false
	}

	c.Set(UserKey, user)
	return true
}

// User returns the user resolved by the authentication middleware.
func User(c *gin.Context) string {
	return c.GetString(UserKey)
}
