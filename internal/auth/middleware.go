// Package auth guards the admin surface of the Soko Pay API.
//
// Buyers and sellers act on orders through unguessable order ids carried in
// payment links. Dispute resolution and risk advisories are operator
// actions and require the shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the operator secret.
const HeaderAdminSecret = "X-Admin-Secret"

// ContextKeyAdmin is set to true in the gin context once the guard passes.
const ContextKeyAdmin = "isAdmin"

// RequireAdmin rejects requests whose X-Admin-Secret header does not match
// secret. An empty secret disables the guard; config validation refuses that
// outside development.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the 'X-Admin-Secret' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether RequireAdmin admitted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
