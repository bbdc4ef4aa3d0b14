package utils

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/valyala/fasthttp"

	"omnibox/models"
	"omnibox/pipeline"
)

// RelayClient sends chat messages through the third-party relay API. One
// relay session speaks for every connected chat provider, so the client is
// registered as the pipeline's fallback sender.
type RelayClient struct {
	baseURL string
	apiKey  string
	client  *fasthttp.Client
	logger  *log.Logger
}

const relayTimeout = 15 * time.Second

func NewRelayClient(baseURL, apiKey string, logger *log.Logger) *RelayClient {
	return &RelayClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &fasthttp.Client{
			ReadTimeout:  relayTimeout,
			WriteTimeout: relayTimeout,
		},
		logger: logger,
	}
}

type relaySendRequest struct {
	AccountID   string   `json:"account_id"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

type relaySendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Send posts a message to the relay on behalf of the account and returns
// the provider-assigned message id.
func (rc *RelayClient) Send(account *models.Account, conv *models.Conversation, subject, body string, attachments []string) (*pipeline.SendResult, error) {
	payload, err := json.Marshal(relaySendRequest{
		AccountID:   account.ExternalID,
		Text:        body,
		Attachments: attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/v1/chats/%s/messages", rc.baseURL, conv.ExternalID))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-API-KEY", rc.apiKey)
	req.SetBody(payload)

	if err := rc.client.DoTimeout(req, resp, relayTimeout); err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}

	var out relaySendResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode relay response: %w", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		LogError("relay_send_failed", fmt.Errorf("relay returned %d: %s", resp.StatusCode(), out.Error), map[string]interface{}{
			"provider":   account.Provider,
			"account_id": account.ID,
			"chat_id":    conv.ExternalID,
		})
		return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode(), out.Error)
	}

	status := out.Status
	if status == "" {
		status = models.MessageStatusSent
	}
	return &pipeline.SendResult{ExternalMessageID: out.MessageID, Status: status}, nil
}
