package notifications

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/provider"
)

func sampleLead() leads.Lead {
	return leads.Lead{
		ID:          "lead-1",
		FirstName:   "Priya",
		LastName:    "Shah",
		Email:       "priya@example.com",
		Phone:       "+447700900777",
		CompanyName: "Shah & Sons <Roofing>",
		TradeType:   "roofer",
		FinanceRequest: leads.FinanceRequest{
			Amount:  45250,
			Purpose: "working-capital",
			Urgency: leads.UrgencyUrgent,
		},
		Priority:  leads.PriorityWarm,
		LeadScore: 55,
		CreatedAt: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestFormatGBP(t *testing.T) {
	cases := map[float64]string{
		0:       "£0",
		999:     "£999",
		1000:    "£1,000",
		45250.6: "£45,251",
		1250000: "£1,250,000",
		-2500:   "-£2,500",
	}
	for in, want := range cases {
		if got := FormatGBP(in); got != want {
			t.Fatalf("FormatGBP(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestConfirmationAndTeamEmails(t *testing.T) {
	lead := sampleLead()
	email, err := ConfirmationEmail(lead, "https://example.co.uk")
	if err != nil {
		t.Fatalf("confirmation: %v", err)
	}
	if email.ToEmail != lead.Email || !strings.Contains(email.HTML, "within the hour") || !strings.Contains(email.HTML, "£45,250") {
		t.Fatalf("unexpected confirmation email %+v", email)
	}

	alert, err := TeamAlertEmail(lead, "team@example.co.uk", "https://example.co.uk")
	if err != nil {
		t.Fatalf("team alert: %v", err)
	}
	if alert.ToEmail != "team@example.co.uk" || !strings.Contains(alert.Subject, "Priya Shah") {
		t.Fatalf("unexpected team alert %+v", alert)
	}
	if strings.Contains(alert.HTML, "<Roofing>") || !strings.Contains(alert.HTML, "&lt;Roofing&gt;") {
		t.Fatalf("expected company name escaped in html")
	}
}

func TestFollowUpContent(t *testing.T) {
	lead := sampleLead()
	for step := 1; step <= 3; step++ {
		email, err := FollowUpEmail(lead, step, "")
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if email.CustomArgs["lead_id"] != lead.ID || email.Subject == "" || email.Template != "follow_up" {
			t.Fatalf("step %d: unexpected email %+v", step, email)
		}
	}
	second, _ := FollowUpEmail(lead, 2, "")
	if second.Subject != "Still looking for working capital finance?" {
		t.Fatalf("unexpected step 2 subject %q", second.Subject)
	}
	if _, err := FollowUpEmail(lead, 4, ""); err == nil {
		t.Fatalf("expected error for unknown step")
	}

	if !HasFollowUpSMS(1) || HasFollowUpSMS(2) || !HasFollowUpSMS(3) {
		t.Fatalf("sms must accompany steps 1 and 3 only")
	}
	sms, err := FollowUpSMS(lead, 3)
	if err != nil || !strings.Contains(sms, "£45,250") || !strings.Contains(sms, "STOP") {
		t.Fatalf("unexpected sms %q (%v)", sms, err)
	}
	confirm, _ := ConfirmationSMS(lead)
	if strings.Contains(confirm, "&") {
		t.Fatalf("sms must not be html escaped: %q", confirm)
	}
}

func TestDigestAndStaleEmails(t *testing.T) {
	lead := sampleLead()
	digest, err := DigestEmail(Digest{
		Date:       time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC),
		NewLeads:   4,
		ByUrgency:  map[string]int64{"urgent": 1, "planning": 3},
		HotLeads:   []leads.Lead{lead},
		FailedJobs: 2,
	}, "team@example.co.uk")
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !strings.Contains(digest.HTML, "Failed automation jobs: 2") || !strings.Contains(digest.Subject, "4 new, 1 hot") {
		t.Fatalf("unexpected digest %s", digest.Subject)
	}

	stale, err := StaleLeadsEmail([]leads.Lead{lead}, "team@example.co.uk", "https://example.co.uk")
	if err != nil || !strings.Contains(stale.HTML, "/admin/leads/lead-1") {
		t.Fatalf("unexpected stale email (%v)", err)
	}
}

func TestTwiML(t *testing.T) {
	twiml, err := CallBridgeTwiML(sampleLead(), "+442071234567")
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	if !strings.Contains(twiml, "<Dial><Number>+442071234567</Number></Dial>") || !strings.HasPrefix(twiml, "<?xml") {
		t.Fatalf("unexpected twiml %s", twiml)
	}
	reply, _ := ReplyTwiML("You are unsubscribed")
	if !strings.Contains(reply, "<Message>You are unsubscribed</Message>") {
		t.Fatalf("unexpected reply %s", reply)
	}
}

func TestSendGridSend(t *testing.T) {
	var got sendGridRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer SG.key" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("X-Message-Id", "msg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewSendGridClient("SG.key", "hello@example.co.uk", "", true)
	c.endpoint = srv.URL
	id, err := c.Send(context.Background(), Email{ToEmail: "a@b.com", Subject: "Hi", HTML: "<p>hi</p>", CustomArgs: map[string]string{"lead_id": "l1"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg-123" {
		t.Fatalf("expected message id, got %q", id)
	}
	if got.From.Name != "hello@example.co.uk" || got.MailSettings == nil || !got.MailSettings.SandboxMode.Enable {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.CustomArgs["lead_id"] != "l1" || got.Personalizations[0].To[0].Email != "a@b.com" {
		t.Fatalf("unexpected personalization %+v", got)
	}

	if _, err := c.Send(context.Background(), Email{ToEmail: "a@b.com"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSendGridDisabledWithoutKey(t *testing.T) {
	if NewSendGridClient("", "from@example.com", "", false) != nil {
		t.Fatalf("expected nil client without api key")
	}
	var c *SendGridClient
	if _, err := c.Send(context.Background(), Email{}); err == nil {
		t.Fatalf("nil client must error")
	}
}

func TestMessageIDFromEvent(t *testing.T) {
	if got := MessageIDFromEvent("14c5d75ce93.dfd.64b469.filter0001.16648.5515E0B88.0"); got != "14c5d75ce93" {
		t.Fatalf("unexpected id %q", got)
	}
	if got := MessageIDFromEvent("plain"); got != "plain" {
		t.Fatalf("unexpected id %q", got)
	}
}

func TestTwilioSendSMSAndCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		switch {
		case strings.HasSuffix(r.URL.Path, "/Accounts/AC123/Messages.json"):
			if r.PostForm.Get("StatusCallback") != "https://api.example.co.uk"+TwilioSMSWebhookPath {
				t.Errorf("unexpected callback %q", r.PostForm.Get("StatusCallback"))
			}
			_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
		case strings.HasSuffix(r.URL.Path, "/Accounts/AC123/Calls.json"):
			if len(r.PostForm["StatusCallbackEvent"]) != 4 || r.PostForm.Get("Twiml") == "" {
				t.Errorf("unexpected call form %v", r.PostForm)
			}
			_, _ = w.Write([]byte(`{"sid":"CA1","status":"queued"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewTwilioClient("AC123", "token", "+441234567890", "https://api.example.co.uk/")
	c.baseURL = srv.URL
	msg, err := c.SendSMS(context.Background(), "+447700900777", "hello")
	if err != nil || msg.SID != "SM1" {
		t.Fatalf("sms: %+v %v", msg, err)
	}
	call, err := c.Call(context.Background(), "+447700900777", EmptyTwiML)
	if err != nil || call.SID != "CA1" {
		t.Fatalf("call: %+v %v", call, err)
	}
}

func TestTwilioErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":21211,"message":"Invalid 'To' Phone Number"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewTwilioClient("AC123", "token", "+441234567890", "")
	c.baseURL = srv.URL
	_, err := c.SendSMS(context.Background(), "+440000", "hello")
	var se *provider.StatusError
	if err == nil || !strings.Contains(err.Error(), "21211") {
		t.Fatalf("expected twilio error body, got %v", err)
	}
	if !errors.As(err, &se) || se.Temporary() {
		t.Fatalf("expected permanent status error")
	}
}
