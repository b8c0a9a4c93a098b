package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
)

const whatsappBaseURL = "https://graph.facebook.com/v19.0"

// WhatsApp sends campaign messages through the WhatsApp Cloud API. The
// account's ExternalID is the phone number ID; the access token is a
// long-lived system-user token, so Refresh is a no-op.
type WhatsApp struct {
	baseURL   string
	client    *http.Client
	appSecret string
	logger    *zap.Logger
}

// NewWhatsApp creates the WhatsApp adapter. appSecret is the Meta app
// secret used to check webhook signatures.
func NewWhatsApp(appSecret string, logger *zap.Logger) *WhatsApp {
	return &WhatsApp{
		baseURL:   whatsappBaseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		appSecret: appSecret,
		logger:    logger,
	}
}

func (w *WhatsApp) Kind() db.ProviderKind {
	return db.ProviderWhatsApp
}

// Send posts a text message to the Cloud API. The tracking token rides
// along as biz_opaque_callback_data so status webhooks can be mapped
// back without storing the provider message id first.
func (w *WhatsApp) Send(ctx context.Context, acct *db.ProviderAccount, msg *Message) (*SendResult, error) {
	if msg.To == "" {
		return nil, Permanent("message missing recipient phone number")
	}

	payload, err := json.Marshal(map[string]any{
		"messaging_product":        "whatsapp",
		"recipient_type":           "individual",
		"to":                       msg.To,
		"type":                     "text",
		"text":                     map[string]string{"body": msg.Body},
		"biz_opaque_callback_data": msg.TrackingToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, acct.ExternalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := classifyStatus(resp.StatusCode, string(body)); err != nil {
		return nil, err
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode whatsapp response: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, Transient("whatsapp response carried no message id")
	}

	w.logger.Debug("whatsapp message sent",
		zap.String("to", msg.To),
		zap.String("message_id", result.Messages[0].ID),
	)

	return &SendResult{ProviderMessageID: result.Messages[0].ID}, nil
}

// Refresh is a no-op: system-user tokens do not rotate through us.
func (w *WhatsApp) Refresh(_ context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	return acct, nil
}

// whatsappWebhook mirrors the Cloud API statuses payload, trimmed to
// the fields the reconciler needs.
type whatsappWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []struct {
					ID           string `json:"id"`
					Status       string `json:"status"`
					Timestamp    string `json:"timestamp"`
					CallbackData string `json:"biz_opaque_callback_data"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// VerifyWebhook checks the X-Hub-Signature-256 header and normalizes
// Cloud API statuses into delivery events. Statuses without callback
// data (replies, template quality updates) are skipped.
func (w *WhatsApp) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	sig := strings.TrimPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
	if !checkHMAC(w.appSecret, body, sig) {
		return nil, ErrInvalidSignature
	}

	var hook whatsappWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("decode whatsapp webhook: %w", err)
	}

	var events []Event
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				kind, ok := whatsappStatusKind(st.Status)
				if !ok || st.CallbackData == "" {
					continue
				}
				raw, _ := json.Marshal(st)
				events = append(events, Event{
					TrackingToken: st.CallbackData,
					Kind:          kind,
					OccurredAt:    parseUnixString(st.Timestamp),
					Payload:       raw,
				})
			}
		}
	}
	return events, nil
}

// whatsappStatusKind maps a Cloud API status to an event kind. "sent"
// confirms handoff we already recorded, so it is dropped.
func whatsappStatusKind(status string) (string, bool) {
	switch status {
	case "delivered":
		return db.EventDelivered, true
	case "read":
		return db.EventOpened, true
	case "failed":
		return db.EventBounced, true
	}
	return "", false
}

func parseUnixString(s string) time.Time {
	var sec int64
	fmt.Sscanf(s, "%d", &sec)
	if sec == 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
