package provider

import (
	"bytes"
	"context"
	"encoding/base64"
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
	gmailSendURL    = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"
	gmailProfileURL = "https://gmail.googleapis.com/gmail/v1/users/me/profile"
	gmailAuthURL    = "https://accounts.google.com/o/oauth2/auth"
	gmailTokenURL   = "https://oauth2.googleapis.com/token"
)

// Gmail sends campaign email through a tenant's linked Gmail mailbox.
type Gmail struct {
	oauth  *oauth2.Config
	client *http.Client
	secret string
	logger *zap.Logger
}

type GmailConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	WebhookSecret string
}

// NewGmail creates the Gmail adapter.
func NewGmail(cfg GmailConfig, logger *zap.Logger) *Gmail {
	return &Gmail{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  gmailAuthURL,
				TokenURL: gmailTokenURL,
			},
		},
		client: &http.Client{Timeout: 30 * time.Second},
		secret: cfg.WebhookSecret,
		logger: logger,
	}
}

func (g *Gmail) Kind() db.ProviderKind {
	return db.ProviderGmail
}

// Send posts a raw RFC 822 message to the Gmail API.
func (g *Gmail) Send(ctx context.Context, acct *db.ProviderAccount, msg *Message) (*SendResult, error) {
	if msg.To == "" {
		return nil, Permanent("message missing recipient address")
	}

	raw := buildMIME(acct.ExternalID, msg.To, msg.Subject, msg.Body)
	payload, err := json.Marshal(map[string]string{
		"raw": base64.RawURLEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gmail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gmailSendURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create gmail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := classifyStatus(resp.StatusCode, string(body)); err != nil {
		return nil, err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode gmail response: %w", err)
	}

	g.logger.Debug("gmail message sent",
		zap.String("to", msg.To),
		zap.String("message_id", result.ID),
	)

	return &SendResult{ProviderMessageID: result.ID}, nil
}

// Refresh exchanges the refresh token for a new access token.
func (g *Gmail) Refresh(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	return refreshOAuth(ctx, g.oauth, acct)
}

// VerifyWebhook checks the signed delivery-status batch relayed for
// this mailbox.
func (g *Gmail) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	return verifySignedEvents(g.secret, r, body)
}

// AuthCodeURL begins the OAuth link flow.
func (g *Gmail) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeCode completes the OAuth link flow and discovers the linked
// mailbox address.
func (g *Gmail) ExchangeCode(ctx context.Context, code string) (*LinkedCredential, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("gmail code exchange: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gmailProfileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch gmail profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gmail profile returned %d", resp.StatusCode)
	}

	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode gmail profile: %w", err)
	}

	expiry := tok.Expiry
	return &LinkedCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExternalID:   profile.EmailAddress,
		ExpiresAt:    &expiry,
	}, nil
}

// refreshOAuth runs a refresh-token grant and returns a copy of the
// account with the new token pair. Shared by the OAuth email adapters.
func refreshOAuth(ctx context.Context, cfg *oauth2.Config, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	if acct.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on account", ErrCredentialExpired)
	}

	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token grant: %w", err)
	}

	refreshed := *acct
	refreshed.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		refreshed.RefreshToken = tok.RefreshToken
	}
	expiry := tok.Expiry
	refreshed.ExpiresAt = &expiry
	return &refreshed, nil
}

// buildMIME assembles a minimal HTML email.
func buildMIME(from, to, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}
