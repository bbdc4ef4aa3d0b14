package utils

import (
	"fmt"
	"log"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"omnibox/models"
	"omnibox/pipeline"
)

// Mailer is the outbound sender for the email provider. Each email account
// carries its own SMTP settings; for email conversations the external
// conversation id is the peer's address.
type Mailer struct {
	logger *log.Logger
}

func NewMailer(logger *log.Logger) *Mailer {
	return &Mailer{logger: logger}
}

func (m *Mailer) Send(account *models.Account, conv *models.Conversation, subject, body string, attachments []string) (*pipeline.SendResult, error) {
	if account.SMTPHost == "" {
		return nil, fmt.Errorf("account %d has no SMTP configuration", account.ID)
	}

	to := conv.ExternalID
	if err := checkmail.ValidateFormat(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", to, err)
	}

	messageID := buildMessageID(account.ExternalID)

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", account.ExternalID, account.FromName)
	msg.SetHeader("To", to)
	msg.SetHeader("Message-ID", messageID)
	if subject != "" {
		msg.SetHeader("Subject", subject)
	}
	msg.SetBody("text/plain", body)
	for _, path := range attachments {
		msg.Attach(path)
	}

	dialer := gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.SMTPUsername, account.SMTPPassword)
	if err := dialer.DialAndSend(msg); err != nil {
		LogError("smtp_send_failed", err, map[string]interface{}{
			"account_id": account.ID,
			"smtp_host":  account.SMTPHost,
			"to":         to,
		})
		return nil, fmt.Errorf("SMTP send failed: %w", err)
	}

	return &pipeline.SendResult{ExternalMessageID: messageID, Status: models.MessageStatusSent}, nil
}

// buildMessageID mints an RFC 5322 Message-ID under the sender's domain so
// the sync worker recognizes the message when it shows up over IMAP.
func buildMessageID(fromAddr string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromAddr, "@"); at >= 0 && at < len(fromAddr)-1 {
		domain = fromAddr[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
