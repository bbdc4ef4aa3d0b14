package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"omnibox/config"
	"omnibox/models"
	"omnibox/utils"
)

// Protected authenticates requests with a Bearer token, an access_token
// cookie, or a token query parameter (websocket clients cannot set
// headers). In permissive mode a missing token maps to the default
// identity instead of a 401, which is how local development runs.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				token = c.Query("token")
			}
		}

		if token == "" {
			if config.AppConfig.AllowAnonymous {
				return useDefaultIdentity(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization required",
			})
		}

		claims, err := utils.ParseJWTToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		var user models.User
		if err := config.DB.First(&user, claims.UserID).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "User not found",
			})
		}

		if !user.IsActive {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Account is not active",
			})
		}

		c.Locals("user", &user)
		c.Locals("userID", user.ID)

		return c.Next()
	}
}

// useDefaultIdentity resolves the permissive-mode identity, creating it
// with free-tier entitlements on first use.
func useDefaultIdentity(c *fiber.Ctx) error {
	var user models.User
	err := config.DB.Where("email = ?", config.AppConfig.DefaultUser).First(&user).Error
	if err != nil {
		user = models.User{Email: config.AppConfig.DefaultUser, IsActive: true}
		if err := config.DB.Create(&user).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to initialize default identity",
			})
		}
		if err := models.SeedFreeEntitlements(config.DB, user.ID); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to seed entitlements",
			})
		}
	}

	c.Locals("user", &user)
	c.Locals("userID", user.ID)
	return c.Next()
}
