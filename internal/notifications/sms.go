package notifications

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"text/template"

	"tradefinance-backend/internal/leads"
)

const (
	confirmationSMSTemplate = `Hi {{.FirstName}}, thanks for your {{gbp .FinanceRequest.Amount}} finance enquiry. A specialist will call you {{if eq .FinanceRequest.Urgency "urgent"}}within the hour{{else}}soon{{end}}. Reply STOP to opt out.`
	followUp1SMSTemplate    = `Hi {{.FirstName}}, we tried to reach you about your {{label .FinanceRequest.Purpose}} finance. When suits for a quick call? Reply STOP to opt out.`
	followUp3SMSTemplate    = `Hi {{.FirstName}}, last check-in on your {{gbp .FinanceRequest.Amount}} enquiry. Reply CALL and we'll ring you back. Reply STOP to opt out.`
)

var smsFuncs = template.FuncMap{
	"gbp":   FormatGBP,
	"label": Label,
}

var (
	confirmationSMSTmpl = template.Must(template.New("sms_confirmation").Funcs(smsFuncs).Parse(confirmationSMSTemplate))
	followUpSMSTmpls    = map[int]*template.Template{
		1: template.Must(template.New("sms_follow_up_1").Funcs(smsFuncs).Parse(followUp1SMSTemplate)),
		3: template.Must(template.New("sms_follow_up_3").Funcs(smsFuncs).Parse(followUp3SMSTemplate)),
	}
)

func renderText(tmpl *template.Template, lead leads.Lead) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, lead); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func ConfirmationSMS(lead leads.Lead) (string, error) {
	return renderText(confirmationSMSTmpl, lead)
}

// HasFollowUpSMS reports whether a follow-up step also texts the lead.
func HasFollowUpSMS(step int) bool {
	_, ok := followUpSMSTmpls[step]
	return ok
}

func FollowUpSMS(lead leads.Lead, step int) (string, error) {
	tmpl, ok := followUpSMSTmpls[step]
	if !ok {
		return "", fmt.Errorf("no sms for follow-up step %d", step)
	}
	return renderText(tmpl, lead)
}

type twimlResponse struct {
	XMLName xml.Name    `xml:"Response"`
	Say     *twimlSay   `xml:"Say,omitempty"`
	Dial    *twimlDial  `xml:"Dial,omitempty"`
	Message *twimlPlain `xml:"Message,omitempty"`
}

type twimlSay struct {
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type twimlDial struct {
	Number string `xml:"Number"`
}

type twimlPlain struct {
	Text string `xml:",chardata"`
}

// EmptyTwiML acknowledges an inbound message without replying.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// CallBridgeTwiML greets the lead and connects them to the team line.
func CallBridgeTwiML(lead leads.Lead, teamNumber string) (string, error) {
	resp := twimlResponse{
		Say: &twimlSay{
			Voice:    "alice",
			Language: "en-GB",
			Text:     fmt.Sprintf("Hello %s, connecting you to a trade finance specialist about your enquiry.", lead.FirstName),
		},
		Dial: &twimlDial{Number: teamNumber},
	}
	return marshalTwiML(resp)
}

// ReplyTwiML answers an inbound SMS with a single message.
func ReplyTwiML(text string) (string, error) {
	return marshalTwiML(twimlResponse{Message: &twimlPlain{Text: text}})
}

func marshalTwiML(resp twimlResponse) (string, error) {
	raw, err := xml.Marshal(resp)
	if err != nil {
		return "", err
	}
	return xml.Header + string(raw), nil
}
