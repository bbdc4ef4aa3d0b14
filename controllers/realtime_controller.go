package controller

import (
	"errors"
	"log"

	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	"omnibox/hub"
	"omnibox/models"
	"omnibox/pipeline"
)

// RealtimeController owns the websocket endpoint: it joins authenticated
// sessions to their user channel on the hub and handles the small set of
// messages clients may emit.
type RealtimeController struct {
	DB       *gorm.DB
	Pipeline *pipeline.Pipeline
	Hub      *hub.Hub
	Logger   *log.Logger
}

func NewRealtimeController(db *gorm.DB, pl *pipeline.Pipeline, h *hub.Hub, logger *log.Logger) *RealtimeController {
	return &RealtimeController{DB: db, Pipeline: pl, Hub: h, Logger: logger}
}

// clientMessage is what connected clients may emit: an outbound send,
// typing start/stop, and a room join kept for older clients.
type clientMessage struct {
	Type           string   `json:"type"`
	ConversationID uint     `json:"conversation_id,omitempty"`
	Body           string   `json:"body,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
	Room           string   `json:"room,omitempty"`
}

// HandleConnection runs one websocket session. Authentication already
// happened in the Protected middleware before the upgrade; the session is
// joined to the user channel immediately.
func (rc *RealtimeController) HandleConnection(c *websocket.Conn) {
	user, ok := c.Locals("user").(*models.User)
	if !ok {
		rc.Logger.Println("websocket connection without identity, closing")
		_ = c.Close()
		return
	}

	session := rc.Hub.Subscribe(user.ID, c)
	defer rc.Hub.Unsubscribe(session)

	rc.Logger.Printf("session %s connected for user %d", session.ID, user.ID)

	for {
		var msg clientMessage
		if err := c.ReadJSON(&msg); err != nil {
			return
		}
		rc.handleClientMessage(user, session, &msg)
	}
}

func (rc *RealtimeController) handleClientMessage(user *models.User, session *hub.Session, msg *clientMessage) {
	switch msg.Type {
	case "send":
		if msg.ConversationID == 0 || msg.Body == "" {
			return
		}
		// The echo reaches the sender's other sessions through the pipeline's
		// publish step; errors only go back to this session.
		_, err := rc.Pipeline.Send(user.ID, msg.ConversationID, msg.Subject, msg.Body, msg.Attachments)
		if err != nil {
			reason := "send_failed"
			switch {
			case errors.Is(err, pipeline.ErrLimitExceeded):
				reason = "limit_exceeded"
			case errors.Is(err, pipeline.ErrAccountDisconnected):
				reason = "account_disconnected"
			}
			rc.Hub.Publish(user.ID, map[string]interface{}{
				"type":            "send_error",
				"conversation_id": msg.ConversationID,
				"reason":          reason,
			})
		}

	case "typing_start", "typing_stop":
		if msg.ConversationID == 0 {
			return
		}
		rc.Hub.Publish(user.ID, map[string]interface{}{
			"type":            msg.Type,
			"conversation_id": msg.ConversationID,
		})

	case "join":
		rc.Hub.JoinRoom(msg.Room, session)

	default:
		rc.Logger.Printf("ignoring unknown client message type %q", msg.Type)
	}
}
