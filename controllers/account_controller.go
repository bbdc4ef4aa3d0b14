package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"omnibox/models"
	"omnibox/pipeline"
	"omnibox/utils"
)

// AccountController manages connected provider accounts
type AccountController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewAccountController(db *gorm.DB, logger *log.Logger) *AccountController {
	return &AccountController{DB: db, Logger: logger}
}

// GetAccounts lists the user's connected accounts
func (ac *AccountController) GetAccounts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var accounts []models.Account
	if err := ac.DB.Where("user_id = ?", user.ID).Find(&accounts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch accounts",
		})
	}

	return c.JSON(accounts)
}

// ConnectAccount registers an external identity for the user. The
// credentials blob is opaque; provider authentication happened elsewhere.
func (ac *AccountController) ConnectAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req struct {
		Provider    string `json:"provider" validate:"required"`
		ExternalID  string `json:"external_id" validate:"required"`
		DisplayName string `json:"display_name"`
		Credentials string `json:"credentials"`

		IMAPHost     string `json:"imap_host"`
		IMAPPort     int    `json:"imap_port"`
		IMAPUsername string `json:"imap_username"`
		IMAPPassword string `json:"imap_password"`
		SMTPHost     string `json:"smtp_host"`
		SMTPPort     int    `json:"smtp_port"`
		SMTPUsername string `json:"smtp_username"`
		SMTPPassword string `json:"smtp_password"`
		FromName     string `json:"from_name"`
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

	account := models.Account{
		UserID:       user.ID,
		Provider:     req.Provider,
		ExternalID:   req.ExternalID,
		DisplayName:  req.DisplayName,
		Credentials:  req.Credentials,
		Status:       models.AccountStatusConnected,
		SyncStatus:   models.SyncStatusPending,
		IMAPHost:     req.IMAPHost,
		IMAPPort:     req.IMAPPort,
		IMAPUsername: req.IMAPUsername,
		IMAPPassword: req.IMAPPassword,
		SMTPHost:     req.SMTPHost,
		SMTPPort:     req.SMTPPort,
		SMTPUsername: req.SMTPUsername,
		SMTPPassword: req.SMTPPassword,
		FromName:     req.FromName,
	}

	if err := ac.DB.Create(&account).Error; err != nil {
		// A reconnect of the same identity flips the existing row back to
		// connected instead of erroring on the unique constraint.
		var existing models.Account
		lookupErr := ac.DB.Where("user_id = ? AND provider = ? AND external_id = ?",
			user.ID, req.Provider, req.ExternalID).First(&existing).Error
		if lookupErr != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to connect account",
			})
		}
		updates := map[string]interface{}{
			"status":      models.AccountStatusConnected,
			"credentials": req.Credentials,
		}
		if err := ac.DB.Model(&existing).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to reconnect account",
			})
		}
		return c.JSON(existing)
	}

	if err := models.SeedFreeEntitlements(ac.DB, user.ID); err != nil {
		ac.Logger.Printf("failed to seed entitlements for user %d: %v", user.ID, err)
	}

	return c.Status(fiber.StatusCreated).JSON(account)
}

// DisconnectAccount soft-disconnects an account. Accounts are never
// hard-deleted; usage history survives reconnects.
func (ac *AccountController) DisconnectAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	accountID := utils.ParseUint(c.Params("id"))

	var account models.Account
	if err := ac.DB.Where("id = ? AND user_id = ?", accountID, user.ID).First(&account).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}

	if err := ac.DB.Model(&account).Update("status", models.AccountStatusDisconnected).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to disconnect account",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Account disconnected",
	})
}

// UsageController serves usage summaries
type UsageController struct {
	DB       *gorm.DB
	Pipeline *pipeline.Pipeline
	Logger   *log.Logger
}

func NewUsageController(db *gorm.DB, pl *pipeline.Pipeline, logger *log.Logger) *UsageController {
	return &UsageController{DB: db, Pipeline: pl, Logger: logger}
}

// GetUsage returns sent/received counts and the applicable limit per
// provider for the requested period (defaults to the current one)
func (uc *UsageController) GetUsage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	ledger := uc.Pipeline.Ledger()
	period := c.Query("period", ledger.CurrentPeriod())

	summary, err := ledger.Summary(user.ID, period)
	if err != nil {
		uc.Logger.Printf("failed to build usage summary for user %d: %v", user.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch usage",
		})
	}

	return c.JSON(utils.SuccessResponse(summary))
}
