package controller

import (
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"omnibox/models"
	"omnibox/pipeline"
	"omnibox/utils"
)

// InboxController serves the unified inbox views
type InboxController struct {
	DB       *gorm.DB
	Pipeline *pipeline.Pipeline
	Logger   *log.Logger
}

func NewInboxController(db *gorm.DB, pl *pipeline.Pipeline, logger *log.Logger) *InboxController {
	return &InboxController{DB: db, Pipeline: pl, Logger: logger}
}

// GetConversations lists the user's conversations across all providers,
// most recent first
func (ic *InboxController) GetConversations(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	status := c.Query("status", models.ConversationStatusActive)
	provider := c.Query("provider")
	search := c.Query("search")

	query := ic.DB.Model(&models.Conversation{}).
		Where("conversations.user_id = ?", user.ID)

	if status != "all" {
		query = query.Where("conversations.status = ?", status)
	}
	if provider != "" {
		query = query.Joins("JOIN accounts ON accounts.id = conversations.account_id").
			Where("accounts.provider = ?", provider)
	}
	if search != "" {
		query = query.Where("conversations.title LIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count conversations",
		})
	}

	var conversations []models.Conversation
	offset := (page - 1) * limit
	err := query.Preload("Account").
		Order("last_message_at DESC NULLS LAST").
		Offset(offset).Limit(limit).
		Find(&conversations).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch conversations",
		})
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  conversations,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetConversation returns a single conversation
func (ic *InboxController) GetConversation(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	conversationID := utils.ParseUint(c.Params("id"))

	var conv models.Conversation
	err := ic.DB.Where("id = ? AND user_id = ?", conversationID, user.ID).
		Preload("Account").First(&conv).Error
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	return c.JSON(conv)
}

// MarkConversationRead marks every inbound message read and zeroes the
// unread counter
func (ic *InboxController) MarkConversationRead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	conversationID := utils.ParseUint(c.Params("id"))

	conv, err := ic.Pipeline.MarkConversationRead(user.ID, conversationID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found",
			})
		}
		ic.Logger.Printf("failed to mark conversation %d read: %v", conversationID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to mark conversation read",
		})
	}

	return c.JSON(conv)
}

// UpdateConversation changes single-owner fields: status (archive/mute)
// and title. These are plain updates; counters are never touched here.
func (ic *InboxController) UpdateConversation(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	conversationID := utils.ParseUint(c.Params("id"))

	var req struct {
		Status *string `json:"status"`
		Title  *string `json:"title"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	var conv models.Conversation
	if err := ic.DB.Where("id = ? AND user_id = ?", conversationID, user.ID).First(&conv).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	updates := make(map[string]interface{})
	if req.Status != nil {
		switch *req.Status {
		case models.ConversationStatusActive, models.ConversationStatusArchived, models.ConversationStatusMuted:
			updates["status"] = *req.Status
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid status",
			})
		}
	}
	if req.Title != nil {
		updates["title"] = *req.Title
	}

	if len(updates) > 0 {
		if err := ic.DB.Model(&conv).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update conversation",
			})
		}
	}

	return c.JSON(conv)
}
