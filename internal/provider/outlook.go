package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/castlegate/outreach/internal/db"
)

const (
	graphSendMailURL = "https://graph.microsoft.com/v1.0/me/sendMail"
	graphMeURL       = "https://graph.microsoft.com/v1.0/me"
	outlookAuthURL   = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	outlookTokenURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

// Outlook sends campaign email through a tenant's linked Microsoft 365
// mailbox via the Graph API.
type Outlook struct {
	oauth  *oauth2.Config
	client *http.Client
	secret string
	logger *zap.Logger
}

type OutlookConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	WebhookSecret string
}

// NewOutlook creates the Outlook adapter.
func NewOutlook(cfg OutlookConfig, logger *zap.Logger) *Outlook {
	return &Outlook{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"offline_access", "Mail.Send", "User.Read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  outlookAuthURL,
				TokenURL: outlookTokenURL,
			},
		},
		client: &http.Client{Timeout: 30 * time.Second},
		secret: cfg.WebhookSecret,
		logger: logger,
	}
}

func (o *Outlook) Kind() db.ProviderKind {
	return db.ProviderOutlook
}

// Send posts the message to Graph sendMail. Graph answers 202 with an
// empty body and no message identifier, so the tracking token stands in
// as the provider message id.
func (o *Outlook) Send(ctx context.Context, acct *db.ProviderAccount, msg *Message) (*SendResult, error) {
	if msg.To == "" {
		return nil, Permanent("message missing recipient address")
	}

	payload, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"subject": msg.Subject,
			"body": map[string]string{
				"contentType": "HTML",
				"content":     msg.Body,
			},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]string{"address": msg.To}},
			},
		},
		"saveToSentItems": false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal graph payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphSendMailURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		if err := classifyStatus(resp.StatusCode, string(body)); err != nil {
			return nil, err
		}
	}

	o.logger.Debug("outlook message sent", zap.String("to", msg.To))

	return &SendResult{ProviderMessageID: msg.TrackingToken}, nil
}

// Refresh exchanges the refresh token for a new access token.
func (o *Outlook) Refresh(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	return refreshOAuth(ctx, o.oauth, acct)
}

// VerifyWebhook checks the signed delivery-status batch relayed for
// this mailbox.
func (o *Outlook) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	return verifySignedEvents(o.secret, r, body)
}

// AuthCodeURL begins the OAuth link flow.
func (o *Outlook) AuthCodeURL(state string) string {
	return o.oauth.AuthCodeURL(state)
}

// ExchangeCode completes the OAuth link flow and discovers the linked
// mailbox address.
func (o *Outlook) ExchangeCode(ctx context.Context, code string) (*LinkedCredential, error) {
	tok, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("outlook code exchange: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphMeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch graph profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph profile returned %d", resp.StatusCode)
	}

	var profile struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode graph profile: %w", err)
	}

	address := profile.Mail
	if address == "" {
		address = profile.UserPrincipalName
	}

	expiry := tok.Expiry
	return &LinkedCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExternalID:   address,
		ExpiresAt:    &expiry,
	}, nil
}
