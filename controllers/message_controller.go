package controller

import (
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"omnibox/models"
	"omnibox/pipeline"
	"omnibox/utils"
)

// MessageController handles outbound sends and per-conversation message reads
type MessageController struct {
	DB       *gorm.DB
	Pipeline *pipeline.Pipeline
	Logger   *log.Logger
}

func NewMessageController(db *gorm.DB, pl *pipeline.Pipeline, logger *log.Logger) *MessageController {
	return &MessageController{DB: db, Pipeline: pl, Logger: logger}
}

// SendMessage sends a message into a conversation through its provider.
// Limit exhaustion answers 429; a provider failure answers 502 with the
// failed message record (the usage reservation is kept either way).
func (mc *MessageController) SendMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	conversationID := utils.ParseUint(c.Params("id"))
	if conversationID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid conversation id",
		})
	}

	var req struct {
		Body        string   `json:"body" validate:"required,min=1"`
		Subject     string   `json:"subject"`
		Attachments []string `json:"attachments"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	msg, err := mc.Pipeline.Send(user.ID, conversationID, req.Subject, req.Body, req.Attachments)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrLimitExceeded):
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Message limit exceeded for this period",
			})
		case errors.Is(err, pipeline.ErrAccountDisconnected):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Account is disconnected; reconnect it before sending",
			})
		case errors.Is(err, pipeline.ErrExternalSend):
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "Provider send failed",
				"message": msg,
			})
		default:
			mc.Logger.Printf("send failed for user %d conversation %d: %v", user.ID, conversationID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to send message",
			})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(msg))
}

// GetMessages returns the messages of one conversation, newest first
func (mc *MessageController) GetMessages(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	conversationID := utils.ParseUint(c.Params("id"))

	var conv models.Conversation
	if err := mc.DB.Where("id = ? AND user_id = ?", conversationID, user.ID).First(&conv).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := mc.DB.Model(&models.Message{}).
		Where("conversation_id = ? AND is_removed = ?", conv.ID, false)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count messages",
		})
	}

	var messages []models.Message
	offset := (page - 1) * limit
	if err := query.Order("sent_at DESC").Offset(offset).Limit(limit).Find(&messages).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch messages",
		})
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  messages,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// DeleteMessage soft-deletes one message. Rows are never hard-deleted.
func (mc *MessageController) DeleteMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	messageID := utils.ParseUint(c.Params("messageID"))

	var msg models.Message
	err := mc.DB.Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("messages.id = ? AND conversations.user_id = ?", messageID, user.ID).
		First(&msg).Error
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message not found",
		})
	}

	if err := mc.DB.Model(&msg).Update("is_removed", true).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete message",
		})
	}

	if err := mc.Pipeline.RecomputeUnread(msg.ConversationID); err != nil {
		mc.Logger.Printf("failed to recompute unread after delete: %v", err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
