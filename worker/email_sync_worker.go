package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"gorm.io/gorm"

	"omnibox/models"
	"omnibox/pipeline"
)

// EmailSyncWorker polls the INBOX of every connected email account over
// IMAP and feeds unseen messages into the ingest pipeline. Chat providers
// push through webhooks; email is the one provider we pull.
type EmailSyncWorker struct {
	db       *gorm.DB
	pipeline *pipeline.Pipeline
	interval time.Duration
	logger   *log.Logger
}

func NewEmailSyncWorker(db *gorm.DB, pl *pipeline.Pipeline, interval time.Duration, logger *log.Logger) *EmailSyncWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &EmailSyncWorker{
		db:       db,
		pipeline: pl,
		interval: interval,
		logger:   logger,
	}
}

func (w *EmailSyncWorker) Start(ctx context.Context) {
	w.logger.Println("Starting email sync worker...")
	ticker := time.NewTicker(w.interval)

	for {
		select {
		case <-ticker.C:
			w.syncAllAccounts()
		case <-ctx.Done():
			w.logger.Println("Stopping email sync worker...")
			ticker.Stop()
			return
		}
	}
}

func (w *EmailSyncWorker) syncAllAccounts() {
	var accounts []models.Account
	err := w.db.Where("provider = ? AND status = ? AND imap_host IS NOT NULL AND imap_host != ''",
		models.ProviderEmail, models.AccountStatusConnected).Find(&accounts).Error
	if err != nil {
		w.logger.Printf("Failed to list email accounts: %v", err)
		return
	}

	for i := range accounts {
		account := &accounts[i]
		w.db.Model(account).Update("sync_status", models.SyncStatusSyncing)

		if err := w.syncAccount(account); err != nil {
			w.logger.Printf("Sync failed for account %d (%s): %v", account.ID, account.ExternalID, err)
			w.db.Model(account).Updates(map[string]interface{}{
				"sync_status":   models.SyncStatusFailed,
				"last_sync_err": err.Error(),
			})
			continue
		}

		now := time.Now()
		w.db.Model(account).Updates(map[string]interface{}{
			"sync_status":    models.SyncStatusSynced,
			"last_synced_at": &now,
			"last_sync_err":  "",
		})
	}
}

func (w *EmailSyncWorker) syncAccount(account *models.Account) error {
	imapAddr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)

	imapClient, err := client.DialTLS(imapAddr, &tls.Config{
		ServerName: account.IMAPHost,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(account.IMAPUsername, account.IMAPPassword); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	mailbox := "INBOX"
	if account.IMAPMailbox != "" {
		mailbox = account.IMAPMailbox
	}

	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := w.ingestIMAPMessage(account, msg); err != nil {
			w.logger.Printf("Failed to ingest message %d for account %d: %v", msg.SeqNum, account.ID, err)
			continue
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}
	return nil
}

// ingestIMAPMessage converts one fetched email into a canonical inbound
// event and runs it through the pipeline. The Message-ID header is the
// idempotency key, so re-fetching a message is a harmless duplicate.
func (w *EmailSyncWorker) ingestIMAPMessage(account *models.Account, msg *imap.Message) error {
	if msg.Envelope == nil {
		return errors.New("message has no envelope")
	}

	bodyText, attachments, err := readMessageBody(msg)
	if err != nil {
		return err
	}

	peer := formatAddress(msg.Envelope.From)
	senderName := displayName(msg.Envelope.From)

	ev := &pipeline.InboundEvent{
		ExternalAccountID:      account.ExternalID,
		ExternalConversationID: peer,
		ExternalMessageID:      msg.Envelope.MessageId,
		Direction:              pipeline.DirectionIn,
		Body:                   bodyText,
		Subject:                msg.Envelope.Subject,
		Attachments:            attachments,
		SenderName:             senderName,
		OccurredAt:             msg.Envelope.Date,
		ParentExternalID:       msg.Envelope.InReplyTo,
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	_, err = w.pipeline.ProcessInbound(models.ProviderEmail, ev)
	return err
}

func readMessageBody(msg *imap.Message) (string, []string, error) {
	var bodyText, bodyHTML string
	var attachments []string

	if msg.Body == nil {
		return "", nil, nil
	}

	// Body is keyed by the library's own section pointers; GetBody compares
	// sections by value.
	section := imap.BodySectionName{}
	literal := msg.GetBody(&section)
	if literal == nil {
		return "", nil, errors.New("message body not found")
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create message reader: %v", err)
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", nil, fmt.Errorf("failed to read next part: %v", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", nil, fmt.Errorf("failed to read body: %v", err)
			}
			if strings.Contains(contentType, "text/html") {
				bodyHTML = string(b)
			} else if strings.Contains(contentType, "text/plain") {
				bodyText = string(b)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			attachments = append(attachments, filename)
		}
	}

	if bodyText == "" {
		bodyText = bodyHTML
	}
	return bodyText, attachments, nil
}

func formatAddress(addrs []*imap.Address) string {
	var result []string
	for _, addr := range addrs {
		result = append(result, fmt.Sprintf("%s@%s", addr.MailboxName, addr.HostName))
	}
	return strings.Join(result, ", ")
}

func displayName(addrs []*imap.Address) string {
	for _, addr := range addrs {
		if addr.PersonalName != "" {
			return addr.PersonalName
		}
	}
	return ""
}
