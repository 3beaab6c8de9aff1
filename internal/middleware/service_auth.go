// Package middleware holds the fiber middleware shared by the service routes.
package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// ServiceAuth accepts requests carrying the shared service token, either in
// X-Service-Token or as a bearer token.
func ServiceAuth(expected string, log *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get("X-Service-Token")
		if token == "" {
			authHeader := c.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			log.WithFields(logrus.Fields{
				"ip":    c.IP(),
				"path":  c.Path(),
				"token": Mask(token),
			}).Warn("[SERVICE-AUTH] ❌ REJECTED")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized: invalid or missing service token",
			})
		}
		log.WithFields(logrus.Fields{"ip": c.IP(), "path": c.Path()}).Debug("[SERVICE-AUTH] ✅ ACCEPTED")
		return c.Next()
	}
}

// Mask keeps the first six characters of a secret for logs.
func Mask(token string) string {
	switch {
	case token == "":
		return "<empty>"
	case len(token) > 6:
		return token[:6] + "..."
	}
	return token
}
