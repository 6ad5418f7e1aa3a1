package webhooks

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sendgrid/sendgrid-go/helpers/eventwebhook"
	"go.mongodb.org/mongo-driver/mongo"

	"tradefinance-backend/internal/crm"
	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/metrics"
	"tradefinance-backend/internal/middleware"
	"tradefinance-backend/internal/notifications"
	"tradefinance-backend/internal/transport"
	"tradefinance-backend/internal/utils"
	"tradefinance-backend/internal/validation"
)

const (
	maxBodyBytes = 1 << 20

	ProviderGHL      = "gohighlevel"
	ProviderTwilio   = "twilio"
	ProviderSendGrid = "sendgrid"

	HeaderGHLSignature      = "X-GHL-Signature"
	HeaderTwilioSignature   = "X-Twilio-Signature"
	HeaderSendGridSignature = eventwebhook.VerificationHTTPHeader
	HeaderSendGridTimestamp = eventwebhook.TimestampHTTPHeader
	sendGridMaxSkew         = 5 * time.Minute
	DoNotContactTag         = "do-not-contact"
	inboundAuthor           = "lead"
	twilioSMSRoute          = "/twilio/sms"
	twilioVoiceStatusRoute  = "/twilio/voice/status"
	ghlRoute                = "/gohighlevel"
	sendGridRoute           = "/sendgrid/events"
	resultOK                = "ok"
	resultUnauthorized      = "unauthorized"
	resultDisabled          = "disabled"
	resultInvalid           = "invalid"
	resultError             = "error"
	resultUnmatched         = "unmatched"
)

var (
	stopKeywords  = map[string]struct{}{"STOP": {}, "STOPALL": {}, "UNSUBSCRIBE": {}, "CANCEL": {}, "END": {}, "QUIT": {}}
	startKeywords = map[string]struct{}{"START": {}, "UNSTOP": {}, "YES": {}}
)

// StatusSetter applies a pipeline status change with its side effects.
type StatusSetter interface {
	SetStatus(ctx context.Context, id, status string) (leads.Lead, error)
}

type Unenroller interface {
	Unenroll(ctx context.Context, leadID string) error
}

type Config struct {
	GHLSecret         string
	TwilioAuthToken   string
	TwilioBaseURL     string
	SendGridPublicKey *ecdsa.PublicKey
}

type Handler struct {
	cfg        Config
	repo       leads.Repository
	status     StatusSetter
	automation Unenroller
	policy     *bluemonday.Policy
	log        *slog.Logger
	now        func() time.Time
}

func NewHandler(cfg Config, repo leads.Repository, status StatusSetter, automation Unenroller, log *slog.Logger) *Handler {
	cfg.TwilioBaseURL = strings.TrimRight(strings.TrimSpace(cfg.TwilioBaseURL), "/")
	return &Handler{
		cfg:        cfg,
		repo:       repo,
		status:     status,
		automation: automation,
		policy:     bluemonday.StrictPolicy(),
		log:        log,
		now:        time.Now,
	}
}

// Routes expects to be mounted at /api/webhooks.
func (h *Handler) Routes(r chi.Router) {
	r.Post(ghlRoute, h.GoHighLevel)
	r.Post(twilioSMSRoute, h.TwilioSMS)
	r.Post(twilioVoiceStatusRoute, h.TwilioVoiceStatus)
	r.Post(sendGridRoute, h.SendGridEvents)
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func count(provider, result string) {
	metrics.WebhookEvents.WithLabelValues(provider, result).Inc()
}

type ghlEvent struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	ContactID string   `json:"contactId"`
	Status    string   `json:"status"`
	StageName string   `json:"pipelineStageName"`
	Tags      []string `json:"tags"`
}

func (e ghlEvent) contactID() string {
	if e.ContactID != "" {
		return e.ContactID
	}
	if strings.HasPrefix(e.Type, "Contact") {
		return e.ID
	}
	return ""
}

func (h *Handler) GoHighLevel(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r).With(slog.String("provider", ProviderGHL))
	if h.cfg.GHLSecret == "" {
		count(ProviderGHL, resultDisabled)
		transport.WriteError(w, http.StatusServiceUnavailable, "webhook not configured", nil)
		return
	}
	body, err := readBody(r)
	if err != nil {
		count(ProviderGHL, resultInvalid)
		transport.WriteError(w, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if !VerifyGHL(h.cfg.GHLSecret, body, r.Header.Get(HeaderGHLSignature)) {
		log.Warn("webhook: invalid signature")
		count(ProviderGHL, resultUnauthorized)
		transport.WriteError(w, http.StatusUnauthorized, "invalid signature", nil)
		return
	}

	var ev ghlEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		count(ProviderGHL, resultInvalid)
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	contactID := ev.contactID()
	if contactID == "" {
		count(ProviderGHL, resultUnmatched)
		transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"received": true, "matched": false})
		return
	}
	lead, err := h.repo.FindByGHLContactID(ctx, contactID)
	if errors.Is(err, mongo.ErrNoDocuments) {
		log.Info("webhook gohighlevel: unknown contact", slog.String("contact_id", contactID), slog.String("type", ev.Type))
		count(ProviderGHL, resultUnmatched)
		transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"received": true, "matched": false})
		return
	}
	if err != nil {
		log.Error("webhook gohighlevel: lookup failed", slog.String("error", err.Error()))
		count(ProviderGHL, resultError)
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}

	action, err := h.applyGHL(ctx, lead, ev)
	if err != nil {
		log.Error("webhook gohighlevel: apply failed",
			slog.String("lead_id", lead.ID),
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		count(ProviderGHL, resultError)
		transport.WriteError(w, http.StatusInternalServerError, "update failed", nil)
		return
	}

	log.Info("webhook gohighlevel: applied", slog.String("lead_id", lead.ID), slog.String("type", ev.Type), slog.String("action", action))
	count(ProviderGHL, resultOK)
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"received": true, "matched": true, "action": action})
}

func (h *Handler) applyGHL(ctx context.Context, lead leads.Lead, ev ghlEvent) (string, error) {
	now := h.now()
	switch ev.Type {
	case "OpportunityStatusUpdate", "OpportunityUpdate", "OpportunityCreate":
		if ev.ID != "" && lead.CRM.GHLOpportunityID == "" {
			link := lead.CRM
			link.GHLOpportunityID = ev.ID
			if err := h.repo.SetCRM(ctx, lead.ID, link, now); err != nil {
				return "", err
			}
		}
		status, ok := crm.LeadStatus(ev.Status)
		if !ok {
			return "ignored", nil
		}
		return h.setStatus(ctx, lead, status)
	case "OpportunityStageUpdate":
		status, ok := StageStatus(ev.StageName)
		if !ok {
			return "ignored", nil
		}
		return h.setStatus(ctx, lead, status)
	case "ContactTagUpdate":
		tags := utils.NormalizeTags(ev.Tags)
		if len(tags) == 0 {
			return "ignored", nil
		}
		if _, err := h.repo.AddTags(ctx, []string{lead.ID}, tags, now); err != nil {
			return "", err
		}
		for _, tag := range tags {
			if tag == DoNotContactTag {
				return "opted-out", h.optOut(ctx, lead, true, true)
			}
		}
		return "tagged", nil
	default:
		return "ignored", nil
	}
}

func (h *Handler) setStatus(ctx context.Context, lead leads.Lead, status string) (string, error) {
	if lead.Status == status {
		return "unchanged", nil
	}
	if _, err := h.status.SetStatus(ctx, lead.ID, status); err != nil {
		return "", err
	}
	return "status:" + status, nil
}

// StageStatus maps a GoHighLevel pipeline stage name onto a lead status.
func StageStatus(stage string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(stage))
	switch {
	case s == "":
		return "", false
	case strings.Contains(s, "won"):
		return leads.StatusWon, true
	case strings.Contains(s, "lost"):
		return leads.StatusLost, true
	case strings.Contains(s, "negotiat"):
		return leads.StatusNegotiating, true
	case strings.Contains(s, "proposal"):
		return leads.StatusProposalSent, true
	case strings.Contains(s, "qualif"):
		return leads.StatusQualified, true
	case strings.Contains(s, "hold"):
		return leads.StatusOnHold, true
	case strings.Contains(s, "contact"):
		return leads.StatusContacted, true
	}
	return "", false
}

// optOut stores the new flags and stops the sequence when SMS is blocked.
func (h *Handler) optOut(ctx context.Context, lead leads.Lead, sms, email bool) error {
	if err := h.repo.SetOptOut(ctx, lead.ID, sms, email, h.now()); err != nil {
		return err
	}
	if sms && h.automation != nil {
		return h.automation.Unenroll(ctx, lead.ID)
	}
	return nil
}

// twilioForm reads and verifies a Twilio form post. It writes the error
// response itself and returns ok=false on failure.
func (h *Handler) twilioForm(w http.ResponseWriter, r *http.Request, log *slog.Logger) (url.Values, bool) {
	if h.cfg.TwilioAuthToken == "" {
		count(ProviderTwilio, resultDisabled)
		transport.WriteError(w, http.StatusServiceUnavailable, "webhook not configured", nil)
		return nil, false
	}
	body, err := readBody(r)
	if err != nil {
		count(ProviderTwilio, resultInvalid)
		transport.WriteError(w, http.StatusBadRequest, "invalid body", nil)
		return nil, false
	}
	params, err := url.ParseQuery(string(body))
	if err != nil {
		count(ProviderTwilio, resultInvalid)
		transport.WriteError(w, http.StatusBadRequest, "invalid form", nil)
		return nil, false
	}
	if !VerifyTwilio(h.cfg.TwilioAuthToken, h.requestURL(r), params, r.Header.Get(HeaderTwilioSignature)) {
		log.Warn("webhook: invalid signature")
		count(ProviderTwilio, resultUnauthorized)
		transport.WriteError(w, http.StatusUnauthorized, "invalid signature", nil)
		return nil, false
	}
	return params, true
}

// requestURL rebuilds the URL Twilio signed. The configured public base
// wins over the Host header when running behind a proxy.
func (h *Handler) requestURL(r *http.Request) string {
	base := h.cfg.TwilioBaseURL
	if base == "" {
		scheme := "http"
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		} else if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(notifications.EmptyTwiML))
}

// TwilioSMS handles both delivery callbacks for outbound messages and
// inbound replies.
func (h *Handler) TwilioSMS(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r).With(slog.String("provider", ProviderTwilio))
	params, ok := h.twilioForm(w, r, log)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	status := strings.ToLower(params.Get("MessageStatus"))
	if status != "" && status != "received" {
		result, err := h.updateStatus(ctx, params.Get("MessageSid"), SMSStatus(status))
		if err != nil {
			log.Error("webhook twilio sms: status update failed", slog.String("sid", params.Get("MessageSid")), slog.String("error", err.Error()))
			count(ProviderTwilio, resultError)
			transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
			return
		}
		count(ProviderTwilio, result)
		writeTwiML(w)
		return
	}

	if err := h.inboundSMS(ctx, params, log); err != nil {
		log.Error("webhook twilio sms: inbound failed", slog.String("error", err.Error()))
		count(ProviderTwilio, resultError)
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}
	writeTwiML(w)
}

func (h *Handler) inboundSMS(ctx context.Context, params url.Values, log *slog.Logger) error {
	phone := validation.NormalizeUKPhone(params.Get("From"))
	lead, err := h.repo.FindLatestByPhone(ctx, phone)
	if errors.Is(err, mongo.ErrNoDocuments) {
		log.Info("webhook twilio sms: unknown sender")
		count(ProviderTwilio, resultUnmatched)
		return nil
	}
	if err != nil {
		return err
	}

	now := h.now()
	text := strings.TrimSpace(html.UnescapeString(h.policy.Sanitize(params.Get("Body"))))
	comm := leads.Communication{
		ID:         uuid.NewString(),
		Channel:    leads.ChannelSMS,
		Direction:  leads.DirectionInbound,
		Content:    text,
		Status:     leads.CommReceived,
		ProviderID: params.Get("MessageSid"),
		Author:     inboundAuthor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.repo.AddCommunication(ctx, lead.ID, comm, false, now); err != nil {
		return err
	}

	keyword := strings.ToUpper(text)
	if _, ok := stopKeywords[keyword]; ok {
		if err := h.optOut(ctx, lead, true, lead.Automation.EmailOptedOut); err != nil {
			return err
		}
		log.Info("webhook twilio sms: opted out", slog.String("lead_id", lead.ID))
	} else if _, ok := startKeywords[keyword]; ok && lead.Automation.OptedOut {
		if err := h.repo.SetOptOut(ctx, lead.ID, false, lead.Automation.EmailOptedOut, now); err != nil {
			return err
		}
		log.Info("webhook twilio sms: opted in", slog.String("lead_id", lead.ID))
	}
	count(ProviderTwilio, resultOK)
	return nil
}

func (h *Handler) TwilioVoiceStatus(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r).With(slog.String("provider", ProviderTwilio))
	params, ok := h.twilioForm(w, r, log)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	sid := params.Get("CallSid")
	result, err := h.updateStatus(ctx, sid, CallStatus(params.Get("CallStatus")))
	if err != nil {
		log.Error("webhook twilio voice: status update failed", slog.String("sid", sid), slog.String("error", err.Error()))
		count(ProviderTwilio, resultError)
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}
	count(ProviderTwilio, result)
	w.WriteHeader(http.StatusNoContent)
}

type sendGridEvent struct {
	Event       string `json:"event"`
	Email       string `json:"email"`
	SGMessageID string `json:"sg_message_id"`
	Timestamp   int64  `json:"timestamp"`
}

func (h *Handler) SendGridEvents(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r).With(slog.String("provider", ProviderSendGrid))
	if h.cfg.SendGridPublicKey == nil {
		count(ProviderSendGrid, resultDisabled)
		transport.WriteError(w, http.StatusServiceUnavailable, "webhook not configured", nil)
		return
	}
	body, err := readBody(r)
	if err != nil {
		count(ProviderSendGrid, resultInvalid)
		transport.WriteError(w, http.StatusBadRequest, "invalid body", nil)
		return
	}
	timestamp := r.Header.Get(HeaderSendGridTimestamp)
	if !VerifySendGrid(h.cfg.SendGridPublicKey, timestamp, body, r.Header.Get(HeaderSendGridSignature)) {
		log.Warn("webhook: invalid signature")
		count(ProviderSendGrid, resultUnauthorized)
		transport.WriteError(w, http.StatusUnauthorized, "invalid signature", nil)
		return
	}
	if !sendGridTimestampFresh(timestamp, h.now(), sendGridMaxSkew) {
		log.Warn("webhook: stale timestamp", slog.String("timestamp", timestamp))
		count(ProviderSendGrid, resultUnauthorized)
		transport.WriteError(w, http.StatusUnauthorized, "stale timestamp", nil)
		return
	}

	var events []sendGridEvent
	if err := json.Unmarshal(body, &events); err != nil {
		count(ProviderSendGrid, resultInvalid)
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	matched := 0
	for _, ev := range events {
		ok, err := h.applySendGrid(ctx, ev)
		if err != nil {
			log.Error("webhook sendgrid: event failed",
				slog.String("event", ev.Event),
				slog.String("sg_message_id", ev.SGMessageID),
				slog.String("error", err.Error()),
			)
			count(ProviderSendGrid, resultError)
			transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
			return
		}
		if ok {
			matched++
		}
	}
	count(ProviderSendGrid, resultOK)
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"processed": len(events), "matched": matched})
}

func (h *Handler) applySendGrid(ctx context.Context, ev sendGridEvent) (bool, error) {
	id := notifications.MessageIDFromEvent(ev.SGMessageID)
	if id == "" {
		return false, nil
	}
	lead, err := h.repo.FindByProviderID(ctx, id)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if status, ok := EmailStatus(ev.Event); ok {
		if current, found := communicationStatus(lead, id); !found || advances(current, status) {
			if _, err := h.repo.UpdateCommunicationStatus(ctx, id, status, h.now()); err != nil {
				return false, err
			}
		}
	}
	if blocksEmail(ev.Event) && !lead.Automation.EmailOptedOut {
		if err := h.repo.SetOptOut(ctx, lead.ID, lead.Automation.OptedOut, true, h.now()); err != nil {
			return false, err
		}
	}
	return true, nil
}

// updateStatus moves the communication with the given provider id forward.
// Callbacks can arrive out of order, so regressions are ignored.
func (h *Handler) updateStatus(ctx context.Context, providerID, status string) (string, error) {
	if providerID == "" || status == "" {
		return resultInvalid, nil
	}
	lead, err := h.repo.FindByProviderID(ctx, providerID)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return resultUnmatched, nil
	}
	if err != nil {
		return "", err
	}
	if current, found := communicationStatus(lead, providerID); found && !advances(current, status) {
		return resultOK, nil
	}
	if _, err := h.repo.UpdateCommunicationStatus(ctx, providerID, status, h.now()); err != nil {
		return "", err
	}
	return resultOK, nil
}

func communicationStatus(lead leads.Lead, providerID string) (string, bool) {
	for _, c := range lead.Communications {
		if c.ProviderID == providerID {
			return c.Status, true
		}
	}
	return "", false
}

var statusRank = map[string]int{
	leads.CommQueued:    0,
	leads.CommSent:      1,
	leads.CommDelivered: 2,
	leads.CommOpened:    3,
	leads.CommClicked:   4,
	leads.CommCompleted: 5,
	leads.CommNoAnswer:  5,
	leads.CommBusy:      5,
	leads.CommBounced:   6,
	leads.CommFailed:    6,
}

func advances(current, next string) bool {
	return statusRank[next] > statusRank[current]
}

func SMSStatus(twilio string) string {
	switch strings.ToLower(twilio) {
	case "accepted", "scheduled", "queued", "sending":
		return leads.CommQueued
	case "sent":
		return leads.CommSent
	case "delivered", "read":
		return leads.CommDelivered
	case "undelivered", "failed", "canceled":
		return leads.CommFailed
	}
	return ""
}

func CallStatus(twilio string) string {
	switch strings.ToLower(twilio) {
	case "queued", "initiated", "ringing":
		return leads.CommQueued
	case "in-progress":
		return leads.CommSent
	case "completed":
		return leads.CommCompleted
	case "busy":
		return leads.CommBusy
	case "no-answer":
		return leads.CommNoAnswer
	case "failed", "canceled":
		return leads.CommFailed
	}
	return ""
}

func EmailStatus(event string) (string, bool) {
	switch strings.ToLower(event) {
	case "processed":
		return leads.CommSent, true
	case "delivered":
		return leads.CommDelivered, true
	case "open":
		return leads.CommOpened, true
	case "click":
		return leads.CommClicked, true
	case "bounce":
		return leads.CommBounced, true
	case "dropped":
		return leads.CommFailed, true
	}
	return "", false
}

func blocksEmail(event string) bool {
	switch strings.ToLower(event) {
	case "bounce", "dropped", "spamreport", "unsubscribe", "group_unsubscribe":
		return true
	}
	return false
}

func (h *Handler) logWithRequest(r *http.Request) *slog.Logger {
	if r == nil {
		return h.log
	}
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		return h.log.With(slog.String("request_id", id))
	}
	return h.log
}
