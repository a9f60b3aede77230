// Package auth implements the two authentication mechanisms the HTTP
// surface uses: an optional Auth0-backed JWT check for admin routes, and
// an always-on api-key check for node-scoped routes.
package auth

import (
	"fmt"
	"net/url"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
)

// Config holds the Auth0 settings admin auth validates against.
type Config struct {
	Domain   string
	Audience string
}

// Auth0Middleware validates a Bearer JWT against Auth0's JWKS, mirroring
// the codebase's existing admin-auth shape. Only constructed when
// ADMIN_AUTH_ENABLED is true; callers must not call this with an empty
// Domain.
func Auth0Middleware(cfg Config) (gin.HandlerFunc, error) {
	issuerURL, err := url.Parse(fmt.Sprintf("https://%s/", cfg.Domain))
	if err != nil {
		return nil, fmt.Errorf("parse auth0 issuer: %w", err)
	}
	provider := jwks.NewCachingProvider(issuerURL, 24*time.Hour)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{cfg.Audience},
	)
	if err != nil {
		return nil, fmt.Errorf("build jwt validator: %w", err)
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
			c.JSON(401, gin.H{"error": "missing or malformed authorization header"})
			c.Abort()
			return
		}

		token, err := jwtValidator.ValidateToken(c.Request.Context(), authHeader[len(prefix):])
		if err != nil {
			c.JSON(401, gin.H{"error": fmt.Sprintf("invalid token: %v", err)})
			c.Abort()
			return
		}

		claims, ok := token.(*validator.ValidatedClaims)
		if !ok {
			c.JSON(401, gin.H{"error": "invalid token claims"})
			c.Abort()
			return
		}
		c.Set("admin_subject", claims.RegisteredClaims.Subject)
		c.Next()
	}, nil
}
