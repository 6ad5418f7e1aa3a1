package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradefinance-backend/internal/leads"
)

var templateFuncs = template.FuncMap{
	"gbp":   FormatGBP,
	"label": Label,
	"date":  func(t time.Time) string { return t.Format("02 Jan 2006 15:04") },
}

// FormatGBP renders an amount as whole pounds with thousands separators.
func FormatGBP(amount float64) string {
	d := decimal.NewFromFloat(amount).Round(0)
	digits := d.Abs().String()
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if d.IsNegative() {
		return "-£" + b.String()
	}
	return "£" + b.String()
}

// Label turns an enum value such as "this-week" into "This week".
func Label(value string) string {
	s := strings.ReplaceAll(value, "-", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

type leadView struct {
	Lead    leads.Lead
	SiteURL string
	Step    int
}

const confirmationTemplate = `<!DOCTYPE html>
<html>
<body>
  <p>Hi {{.Lead.FirstName}},</p>
  <p>Thanks for your enquiry about {{label .Lead.FinanceRequest.Purpose}} finance of {{gbp .Lead.FinanceRequest.Amount}}.</p>
  <p>A specialist who works with {{label .Lead.TradeType}} businesses will be in touch
  {{if eq .Lead.FinanceRequest.Urgency "urgent"}}within the hour{{else}}shortly{{end}} to talk through your options.</p>
  <p>Your reference: <strong>{{.Lead.ID}}</strong></p>
  <p>In the meantime, our calculators are at <a href="{{.SiteURL}}/calculators">{{.SiteURL}}/calculators</a>.</p>
  <p>Kind regards,<br/>The Trade Finance team</p>
</body>
</html>`

const teamAlertTemplate = `<!DOCTYPE html>
<html>
<body>
  <h3>New {{.Lead.Priority}} lead ({{.Lead.LeadScore}}/100)</h3>
  <p><strong>Name:</strong> {{.Lead.FullName}}</p>
  <p><strong>Company:</strong> {{.Lead.CompanyName}}</p>
  <p><strong>Trade:</strong> {{label .Lead.TradeType}}</p>
  <p><strong>Amount:</strong> {{gbp .Lead.FinanceRequest.Amount}} ({{label .Lead.FinanceRequest.Purpose}})</p>
  <p><strong>Urgency:</strong> {{label .Lead.FinanceRequest.Urgency}}</p>
  <p><strong>Years trading:</strong> {{.Lead.BusinessInfo.YearsTrading}}</p>
  <p><strong>Turnover:</strong> {{gbp .Lead.BusinessInfo.AnnualTurnover}}</p>
  <p><strong>Phone:</strong> {{.Lead.Phone}}</p>
  <p><strong>Email:</strong> {{.Lead.Email}}</p>
  <p><strong>Source:</strong> {{.Lead.Source}}{{if .Lead.UTMCampaign}} / {{.Lead.UTMCampaign}}{{end}}</p>
  <p><a href="{{.SiteURL}}/admin/leads/{{.Lead.ID}}">Open lead</a></p>
</body>
</html>`

const followUpTemplate = `<!DOCTYPE html>
<html>
<body>
  <p>Hi {{.Lead.FirstName}},</p>
  {{if eq .Step 1}}
  <p>Just checking you received our reply about your {{gbp .Lead.FinanceRequest.Amount}} {{label .Lead.FinanceRequest.Purpose}} enquiry.
  If it is easier, reply with a good time to call and we will fit around your jobs.</p>
  {{else if eq .Step 2}}
  <p>Lenders we work with are approving {{label .Lead.TradeType}} businesses like yours every week.
  A five minute call is usually enough to tell you what you qualify for, with no impact on your credit score.</p>
  {{else}}
  <p>We have not managed to catch you yet, so this is our last nudge about your {{label .Lead.FinanceRequest.Purpose}} finance.
  Your enquiry stays on file; reply whenever you are ready.</p>
  {{end}}
  <p>Reference: {{.Lead.ID}}</p>
  <p>Kind regards,<br/>The Trade Finance team</p>
  <p style="font-size:11px">Don't want these emails? Reply STOP and we will remove you.</p>
</body>
</html>`

var (
	confirmationTmpl = template.Must(template.New("confirmation").Funcs(templateFuncs).Parse(confirmationTemplate))
	teamAlertTmpl    = template.Must(template.New("team_alert").Funcs(templateFuncs).Parse(teamAlertTemplate))
	followUpTmpl     = template.Must(template.New("follow_up").Funcs(templateFuncs).Parse(followUpTemplate))
)

func render(tmpl *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func ConfirmationEmail(lead leads.Lead, siteURL string) (Email, error) {
	html, err := render(confirmationTmpl, leadView{Lead: lead, SiteURL: siteURL})
	if err != nil {
		return Email{}, err
	}
	return Email{
		ToEmail:    lead.Email,
		ToName:     lead.FullName(),
		Subject:    "We've received your finance enquiry",
		HTML:       html,
		Template:   "confirmation",
		Categories: []string{"lead-confirmation"},
		CustomArgs: map[string]string{"lead_id": lead.ID},
	}, nil
}

func TeamAlertEmail(lead leads.Lead, teamEmail, siteURL string) (Email, error) {
	html, err := render(teamAlertTmpl, leadView{Lead: lead, SiteURL: siteURL})
	if err != nil {
		return Email{}, err
	}
	return Email{
		ToEmail:    teamEmail,
		Subject:    fmt.Sprintf("New %s lead: %s (%s)", lead.Priority, lead.FullName(), FormatGBP(lead.FinanceRequest.Amount)),
		HTML:       html,
		Template:   "team_alert",
		Categories: []string{"team-alert"},
		CustomArgs: map[string]string{"lead_id": lead.ID},
	}, nil
}

var followUpSubjects = map[int]string{
	1: "Following up on your finance enquiry",
	2: "Still looking for %s finance?",
	3: "Last check-in about your enquiry",
}

func FollowUpEmail(lead leads.Lead, step int, siteURL string) (Email, error) {
	subject, ok := followUpSubjects[step]
	if !ok {
		return Email{}, fmt.Errorf("unknown follow-up step %d", step)
	}
	if strings.Contains(subject, "%s") {
		subject = fmt.Sprintf(subject, strings.ToLower(Label(lead.FinanceRequest.Purpose)))
	}
	html, err := render(followUpTmpl, leadView{Lead: lead, SiteURL: siteURL, Step: step})
	if err != nil {
		return Email{}, err
	}
	return Email{
		ToEmail:    lead.Email,
		ToName:     lead.FullName(),
		Subject:    subject,
		HTML:       html,
		Template:   "follow_up",
		Categories: []string{fmt.Sprintf("follow-up-%d", step)},
		CustomArgs: map[string]string{"lead_id": lead.ID, "step": fmt.Sprint(step)},
	}, nil
}
