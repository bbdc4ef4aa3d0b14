package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	"omnibox/config"
	controller "omnibox/controllers"
	"omnibox/hub"
	"omnibox/middleware"
	"omnibox/pipeline"
)

// SetupRoutes mounts every endpoint on the app
func SetupRoutes(app *fiber.App, db *gorm.DB, pl *pipeline.Pipeline, h *hub.Hub) {
	webhookController := controller.NewWebhookController(db, pl, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags))
	messageController := controller.NewMessageController(db, pl, log.New(os.Stdout, "MESSAGE: ", log.LstdFlags))
	inboxController := controller.NewInboxController(db, pl, log.New(os.Stdout, "INBOX: ", log.LstdFlags))
	accountController := controller.NewAccountController(db, log.New(os.Stdout, "ACCOUNT: ", log.LstdFlags))
	usageController := controller.NewUsageController(db, pl, log.New(os.Stdout, "USAGE: ", log.LstdFlags))
	realtimeController := controller.NewRealtimeController(db, pl, h, log.New(os.Stdout, "REALTIME: ", log.LstdFlags))

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Inbound webhooks, called by the relay — no user auth, always
	// answered 200 on business outcomes
	webhooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	webhooks.Post("/:provider", webhookController.HandleProviderWebhook)

	// Token issuance for permissive/dev setups
	if config.AppConfig.AllowAnonymous {
		app.Post("/auth/token", controller.IssueToken)
	}

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Account routes
	account := api.Group("/accounts")
	account.Get("/", accountController.GetAccounts)
	account.Post("/", accountController.ConnectAccount)
	account.Delete("/:id", accountController.DisconnectAccount)

	// Conversation / inbox routes
	conv := api.Group("/conversations")
	conv.Get("/", inboxController.GetConversations)
	conv.Get("/:id", inboxController.GetConversation)
	conv.Put("/:id", inboxController.UpdateConversation)
	conv.Post("/:id/read", inboxController.MarkConversationRead)
	conv.Get("/:id/messages", messageController.GetMessages)
	conv.Post("/:id/messages", middleware.SendRateLimiter(), messageController.SendMessage)
	conv.Delete("/:id/messages/:messageID", messageController.DeleteMessage)

	// Usage query
	api.Get("/usage", usageController.GetUsage)

	// Real-time channel. Protected runs before the upgrade so the session
	// identity is in Locals; in permissive mode a missing token maps to
	// the default identity.
	app.Get("/ws", middleware.Protected(), websocket.New(realtimeController.HandleConnection))

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	log.Println("Routes initialized successfully")
}
