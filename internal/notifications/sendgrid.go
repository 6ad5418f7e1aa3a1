package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tradefinance-backend/internal/provider"
)

const defaultSendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

type Email struct {
	ToEmail string
	ToName  string
	Subject string
	// Template names the layout the body was rendered from.
	Template   string
	HTML       string
	Text       string
	Categories []string
	// CustomArgs are echoed back on SendGrid event webhooks.
	CustomArgs map[string]string
}

type SendGridClient struct {
	apiKey      string
	senderEmail string
	senderName  string
	sandbox     bool
	endpoint    string
	client      *provider.Client
}

// NewSendGridClient returns nil when the provider is not configured; callers
// treat a nil client as a disabled channel.
func NewSendGridClient(apiKey, senderEmail, senderName string, sandbox bool) *SendGridClient {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(senderEmail) == "" {
		return nil
	}
	if strings.TrimSpace(senderName) == "" {
		senderName = senderEmail
	}
	return &SendGridClient{
		apiKey:      apiKey,
		senderEmail: senderEmail,
		senderName:  senderName,
		sandbox:     sandbox,
		endpoint:    defaultSendGridEndpoint,
		client:      provider.NewClient("sendgrid", 8*time.Second),
	}
}

// Send delivers one email and returns the SendGrid message ID.
func (c *SendGridClient) Send(ctx context.Context, email Email) (string, error) {
	if c == nil {
		return "", errors.New("sendgrid client is nil")
	}
	if strings.TrimSpace(email.ToEmail) == "" {
		return "", errors.New("missing recipient email")
	}
	if strings.TrimSpace(email.Subject) == "" {
		return "", errors.New("missing subject")
	}
	if strings.TrimSpace(email.HTML) == "" {
		return "", errors.New("missing html body")
	}

	content := make([]sendGridContent, 0, 2)
	if email.Text != "" {
		content = append(content, sendGridContent{Type: "text/plain", Value: email.Text})
	}
	content = append(content, sendGridContent{Type: "text/html", Value: email.HTML})

	payload := sendGridRequest{
		Personalizations: []sendGridPersonalization{{
			To: []sendGridAddress{{Email: email.ToEmail, Name: email.ToName}},
		}},
		From:       sendGridAddress{Email: c.senderEmail, Name: c.senderName},
		Subject:    email.Subject,
		Content:    content,
		Categories: email.Categories,
		CustomArgs: email.CustomArgs,
	}
	if c.sandbox {
		payload.MailSettings = &sendGridMailSettings{SandboxMode: sendGridToggle{Enable: true}}
	}

	resp, err := c.client.Do(ctx, provider.Request{
		Method: http.MethodPost,
		URL:    c.endpoint,
		Header: http.Header{"Authorization": {"Bearer " + c.apiKey}},
		JSON:   payload,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("sendgrid send: %w", err)
	}
	id := strings.TrimSpace(resp.Header.Get("X-Message-Id"))
	if id == "" {
		return "", errors.New("sendgrid response missing X-Message-Id")
	}
	return id, nil
}

// MessageIDFromEvent strips the filter suffix SendGrid appends to
// sg_message_id, leaving the X-Message-Id returned by Send.
func MessageIDFromEvent(sgMessageID string) string {
	id, _, _ := strings.Cut(strings.TrimSpace(sgMessageID), ".")
	return id
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Categories       []string                  `json:"categories,omitempty"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
	MailSettings     *sendGridMailSettings     `json:"mail_settings,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridMailSettings struct {
	SandboxMode sendGridToggle `json:"sandbox_mode"`
}

type sendGridToggle struct {
	Enable bool `json:"enable"`
}
