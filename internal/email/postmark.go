// Package email delivers one-time login codes and security notices through
// the Postmark API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

// Security notices sent when a user's second factor changes.
const (
	NoticeMFAEnabled  = "mfa_enabled"
	NoticeMFADisabled = "mfa_disabled"
)

type Client struct {
	serverToken string
	fromEmail   string
	product     string
	apiURL      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAPIURL points the client at a different Postmark-compatible endpoint.
func WithAPIURL(u string) Option {
	return func(cl *Client) {
		cl.apiURL = u
	}
}

// NewClient builds a client. product names the service in subjects and
// message bodies.
func NewClient(serverToken, fromEmail, product string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		product:     product,
		apiURL:      defaultAPIURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token and sender are set.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.fromEmail != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// SendLoginCode emails a one-time login code.
func (c *Client) SendLoginCode(ctx context.Context, toEmail, code string, expiresAt time.Time) error {
	minutes := int(time.Until(expiresAt).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	text := fmt.Sprintf("Your %s sign-in code is:\n\n%s\n\nIt expires in %d minutes and can be used once. "+
		"If you did not ask for it, ignore this email.", c.product, code, minutes)
	html := fmt.Sprintf(`<p>Your %s sign-in code is:</p><p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>`+
		`<p>It expires in %d minutes and can be used once. If you did not ask for it, ignore this email.</p>`,
		c.product, code, minutes)

	return c.send(ctx, postmarkEmail{
		To:       toEmail,
		Subject:  fmt.Sprintf("Your %s sign-in code", c.product),
		TextBody: text,
		HtmlBody: html,
		Tag:      "login-code",
	})
}

// SendSecurityNotice tells a user their two-factor settings changed.
func (c *Client) SendSecurityNotice(ctx context.Context, toEmail, notice string) error {
	var subject, what string
	switch notice {
	case NoticeMFAEnabled:
		subject = "Two-factor authentication turned on"
		what = "Two-factor authentication was turned on for your account. New backup codes were issued and any earlier ones no longer work."
	case NoticeMFADisabled:
		subject = "Two-factor authentication turned off"
		what = "Two-factor authentication was turned off for your account. Your authenticator app and backup codes no longer work."
	default:
		return fmt.Errorf("unknown notice %q", notice)
	}
	text := what + "\n\nIf this was not you, sign in and revoke your other sessions now."
	html := fmt.Sprintf(`<p>%s</p><p>If this was not you, sign in and revoke your other sessions now.</p>`, what)

	return c.send(ctx, postmarkEmail{
		To:       toEmail,
		Subject:  fmt.Sprintf("%s: %s", c.product, subject),
		TextBody: text,
		HtmlBody: html,
		Tag:      notice,
	})
}

func (c *Client) send(ctx context.Context, msg postmarkEmail) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token or sender")
	}
	msg.From = c.fromEmail

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
