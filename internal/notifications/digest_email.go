package notifications

import (
	"fmt"
	"html/template"
	"time"

	"tradefinance-backend/internal/leads"
)

// Digest is the daily team summary.
type Digest struct {
	Date          time.Time
	NewLeads      int64
	ByUrgency     map[string]int64
	HotLeads      []leads.Lead
	StaleLeads    int64
	WonYesterday  int64
	FailedJobs    int64
	PipelineValue float64
	SiteURL       string
}

const digestTemplate = `<!DOCTYPE html>
<html>
<body>
  <h3>Daily lead digest for {{.Date.Format "Monday 02 January"}}</h3>
  <ul>
    <li>New leads (last 24h): {{.NewLeads}}</li>
    {{range $urgency, $count := .ByUrgency}}<li>{{label $urgency}}: {{$count}}</li>
    {{end}}
    <li>Won yesterday: {{.WonYesterday}}</li>
    <li>Stale leads awaiting first contact: {{.StaleLeads}}</li>
    <li>Open pipeline: {{gbp .PipelineValue}}</li>
    {{if .FailedJobs}}<li><strong>Failed automation jobs: {{.FailedJobs}}</strong></li>{{end}}
  </ul>
  {{if .HotLeads}}
  <h4>Hot leads</h4>
  <ul>
    {{range .HotLeads}}<li><a href="{{$.SiteURL}}/admin/leads/{{.ID}}">{{.FullName}}</a> {{gbp .FinanceRequest.Amount}} ({{.LeadScore}}/100, {{.Status}})</li>
    {{end}}
  </ul>
  {{end}}
</body>
</html>`

const staleTemplate = `<!DOCTYPE html>
<html>
<body>
  <h3>{{len .Leads}} lead(s) not contacted within 24 hours</h3>
  <ul>
    {{range .Leads}}<li><a href="{{$.SiteURL}}/admin/leads/{{.ID}}">{{.FullName}}</a> {{label .TradeType}}, {{gbp .FinanceRequest.Amount}}, submitted {{date .CreatedAt}}</li>
    {{end}}
  </ul>
</body>
</html>`

var (
	digestTmpl = template.Must(template.New("digest").Funcs(templateFuncs).Parse(digestTemplate))
	staleTmpl  = template.Must(template.New("stale").Funcs(templateFuncs).Parse(staleTemplate))
)

func DigestEmail(d Digest, teamEmail string) (Email, error) {
	html, err := render(digestTmpl, d)
	if err != nil {
		return Email{}, err
	}
	return Email{
		ToEmail:    teamEmail,
		Subject:    fmt.Sprintf("Lead digest: %d new, %d hot", d.NewLeads, len(d.HotLeads)),
		HTML:       html,
		Template:   "digest",
		Categories: []string{"daily-digest"},
	}, nil
}

func StaleLeadsEmail(stale []leads.Lead, teamEmail, siteURL string) (Email, error) {
	html, err := render(staleTmpl, struct {
		Leads   []leads.Lead
		SiteURL string
	}{Leads: stale, SiteURL: siteURL})
	if err != nil {
		return Email{}, err
	}
	return Email{
		ToEmail:    teamEmail,
		Subject:    fmt.Sprintf("%d stale lead(s) need a first call", len(stale)),
		HTML:       html,
		Template:   "stale",
		Categories: []string{"stale-alert"},
	}, nil
}
