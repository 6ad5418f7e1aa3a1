package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradefinance-backend/internal/provider"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// Webhook paths Twilio calls back on; they are mounted by the webhooks
// package.
const (
	TwilioSMSWebhookPath         = "/api/webhooks/twilio/sms"
	TwilioVoiceStatusWebhookPath = "/api/webhooks/twilio/voice/status"
)

type TwilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type TwilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type TwilioClient struct {
	accountSID     string
	authToken      string
	fromNumber     string
	webhookBaseURL string
	baseURL        string
	client         *provider.Client
}

func NewTwilioClient(accountSID, authToken, fromNumber, webhookBaseURL string) *TwilioClient {
	if strings.TrimSpace(accountSID) == "" || strings.TrimSpace(authToken) == "" || strings.TrimSpace(fromNumber) == "" {
		return nil
	}
	return &TwilioClient{
		accountSID:     accountSID,
		authToken:      authToken,
		fromNumber:     fromNumber,
		webhookBaseURL: strings.TrimRight(webhookBaseURL, "/"),
		baseURL:        defaultTwilioBaseURL,
		client:         provider.NewClient("twilio", 8*time.Second),
	}
}

func (c *TwilioClient) endpoint(resource string) string {
	return fmt.Sprintf("%s/Accounts/%s/%s.json", c.baseURL, url.PathEscape(c.accountSID), resource)
}

func (c *TwilioClient) callback(path string) string {
	if c.webhookBaseURL == "" {
		return ""
	}
	return c.webhookBaseURL + path
}

func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) (TwilioMessage, error) {
	if c == nil {
		return TwilioMessage{}, errors.New("twilio client is nil")
	}
	if strings.TrimSpace(to) == "" {
		return TwilioMessage{}, errors.New("missing recipient phone")
	}
	if strings.TrimSpace(body) == "" {
		return TwilioMessage{}, errors.New("missing sms body")
	}

	form := url.Values{
		"To":   {to},
		"From": {c.fromNumber},
		"Body": {body},
	}
	if cb := c.callback(TwilioSMSWebhookPath); cb != "" {
		form.Set("StatusCallback", cb)
	}

	var out TwilioMessage
	if _, err := c.client.Do(ctx, provider.Request{
		Method:    http.MethodPost,
		URL:       c.endpoint("Messages"),
		Form:      form,
		BasicAuth: [2]string{c.accountSID, c.authToken},
	}, &out); err != nil {
		return TwilioMessage{}, fmt.Errorf("twilio sms: %w", err)
	}
	if out.SID == "" {
		return TwilioMessage{}, errors.New("twilio response missing sid")
	}
	return out, nil
}

// Call places an outbound call that reads twiml when answered.
func (c *TwilioClient) Call(ctx context.Context, to, twiml string) (TwilioCall, error) {
	if c == nil {
		return TwilioCall{}, errors.New("twilio client is nil")
	}
	if strings.TrimSpace(to) == "" {
		return TwilioCall{}, errors.New("missing recipient phone")
	}

	form := url.Values{
		"To":    {to},
		"From":  {c.fromNumber},
		"Twiml": {twiml},
	}
	if cb := c.callback(TwilioVoiceStatusWebhookPath); cb != "" {
		form.Set("StatusCallback", cb)
		form["StatusCallbackEvent"] = []string{"initiated", "ringing", "answered", "completed"}
	}

	var out TwilioCall
	if _, err := c.client.Do(ctx, provider.Request{
		Method:    http.MethodPost,
		URL:       c.endpoint("Calls"),
		Form:      form,
		BasicAuth: [2]string{c.accountSID, c.authToken},
	}, &out); err != nil {
		return TwilioCall{}, fmt.Errorf("twilio call: %w", err)
	}
	if out.SID == "" {
		return TwilioCall{}, errors.New("twilio response missing sid")
	}
	return out, nil
}
