package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"omnibox/pipeline"
	"omnibox/utils"
)

// WebhookController receives inbound relay events
type WebhookController struct {
	DB       *gorm.DB
	Pipeline *pipeline.Pipeline
	Logger   *log.Logger
}

func NewWebhookController(db *gorm.DB, pl *pipeline.Pipeline, logger *log.Logger) *WebhookController {
	return &WebhookController{DB: db, Pipeline: pl, Logger: logger}
}

// HandleProviderWebhook processes one relay delivery. Any outcome that is
// not a transport-level failure — duplicates and unknown-account drops
// included — answers 200, so the relay never retries business rejections.
func (wc *WebhookController) HandleProviderWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if provider == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Provider is required",
		})
	}

	result, err := wc.Pipeline.ProcessWebhook(provider, c.Body())
	if err != nil {
		if errors.Is(err, pipeline.ErrMalformedPayload) {
			wc.Logger.Printf("rejected malformed %s webhook: %v", provider, err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid webhook payload",
			})
		}

		// Storage gave out after bounded retries. The relay redelivers and
		// the pipeline is idempotent on redelivery.
		utils.LogError("webhook_processing_failed", err, map[string]interface{}{
			"provider": provider,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process webhook",
		})
	}

	body := fiber.Map{"status": string(result.Outcome)}
	if result.Message != nil {
		body["message_id"] = result.Message.ID
	}
	return c.JSON(body)
}
