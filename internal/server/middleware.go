package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/chama/internal/observability/context"
)

const bearerPrefix = "Bearer "

// CronSecretRequired admits requests carrying the shared cron secret. An
// unset secret rejects everything.
func (s *Server) CronSecretRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.CronSecret))
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(expected) == 0 || !strings.HasPrefix(header, bearerPrefix) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "system", "cron")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
