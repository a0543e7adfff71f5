package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/auth"
	"job-leaderboard/internal/users"
)

const (
	tokenCookie = "token"
	claimsKey   = "claims"
)

// requestLogger logs every request once it has been answered.
func requestLogger(logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()
		if err != nil {
			// Render now so the logged status is the one the client sees.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		entry := logger.WithFields(logrus.Fields{
			"status":  status,
			"latency": time.Since(start),
			"ip":      c.IP(),
			"method":  c.Method(),
			"path":    c.Path(),
			"origin":  c.Get(fiber.HeaderOrigin, c.Get(fiber.HeaderReferer)),
		})
		switch {
		case status >= 500:
			entry.Error("Request")
		case status >= 400:
			entry.Warn("Request")
		default:
			entry.Info("Request")
		}
		return nil
	}
}

// authenticate accepts a bearer token in the Authorization header or the
// token cookie set at login.
func authenticate(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			token = c.Cookies(tokenCookie)
		}
		if token == "" {
			return fail(c, fiber.StatusUnauthorized, MsgTokenRequired)
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) {
				return err
			}
			return fail(c, fiber.StatusForbidden, MsgInvalidToken)
		}
		c.Locals(claimsKey, claims)
		return c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireRole must run after authenticate.
func requireRole(roles ...users.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := claimsFrom(c)
		if claims == nil {
			return fail(c, fiber.StatusUnauthorized, MsgAuthRequired)
		}
		for _, role := range roles {
			if claims.Role == role {
				return c.Next()
			}
		}
		return fail(c, fiber.StatusForbidden, MsgForbidden)
	}
}

func claimsFrom(c *fiber.Ctx) *auth.Claims {
	claims, _ := c.Locals(claimsKey).(*auth.Claims)
	return claims
}
