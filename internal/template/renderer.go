// Package template renders campaign subject and body for one
// recipient: variable substitution, tracking token minting, open-pixel
// injection, and click-link rewriting.
package template

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/castlegate/outreach/internal/db"
)

// placeholder matches {{name}} with optional inner whitespace.
var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// href matches the links rewritten into tracked redirects.
var href = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Renderer produces per-recipient payloads. baseURL is the public
// origin serving /track endpoints.
type Renderer struct {
	baseURL string
}

// NewRenderer creates a Renderer.
func NewRenderer(baseURL string) *Renderer {
	return &Renderer{baseURL: strings.TrimRight(baseURL, "/")}
}

// Rendered is the per-recipient output.
type Rendered struct {
	Subject string
	Body    string
}

// NewTrackingToken mints an unguessable per-recipient token. 32 random
// bytes, URL-safe so it can ride in paths and query strings.
func NewTrackingToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Render substitutes {{variable}} placeholders from the recipient's
// variables and, for email providers, injects tracking. Unknown
// placeholders render as empty strings rather than leaking braces to
// the recipient.
func (r *Renderer) Render(subject, body string, recipient *db.Recipient, kind db.ProviderKind, token string) *Rendered {
	vars := recipient.Variables
	out := &Rendered{
		Subject: substitute(subject, recipient, vars),
		Body:    substitute(body, recipient, vars),
	}

	if kind.IsEmail() {
		out.Body = r.rewriteLinks(out.Body, token)
		out.Body += r.openPixel(token)
	}
	return out
}

func substitute(text string, recipient *db.Recipient, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		switch name {
		case "name":
			if recipient.DisplayName != "" {
				return recipient.DisplayName
			}
		case "address":
			return recipient.Address
		}
		return vars[name]
	})
}

// rewriteLinks replaces each absolute link with a redirect through the
// click-tracking endpoint, carrying the original URL as a parameter.
func (r *Renderer) rewriteLinks(body, token string) string {
	return href.ReplaceAllStringFunc(body, func(match string) string {
		target := href.FindStringSubmatch(match)[1]
		return fmt.Sprintf(`href="%s/track/click/%s?url=%s"`,
			r.baseURL, token, url.QueryEscape(target))
	})
}

func (r *Renderer) openPixel(token string) string {
	return fmt.Sprintf(`<img src="%s/track/open/%s" width="1" height="1" alt="" style="display:none">`,
		r.baseURL, token)
}
