package crm

import (
	"context"
	"fmt"
	"strings"

	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/notifications"
)

// LeadTags are the GoHighLevel tags describing a lead.
func LeadTags(lead leads.Lead) []string {
	tags := []string{
		"trade-finance",
		"trade:" + lead.TradeType,
		"urgency:" + lead.FinanceRequest.Urgency,
		"priority:" + lead.Priority,
	}
	if lead.Source != "" {
		tags = append(tags, "source:"+lead.Source)
	}
	return append(tags, lead.Automation.Tags...)
}

// StepTag marks a completed follow-up step on the contact.
func StepTag(step int) string {
	return fmt.Sprintf("follow-up-%d-sent", step)
}

// OpportunityStatus maps a lead status to the GoHighLevel deal status.
func OpportunityStatus(status string) string {
	switch status {
	case leads.StatusWon:
		return OpportunityWon
	case leads.StatusLost:
		return OpportunityLost
	default:
		return OpportunityOpen
	}
}

// LeadStatus maps a GoHighLevel deal status back to a lead status. The
// bool is false for statuses that carry no lead transition.
func LeadStatus(opportunityStatus string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(opportunityStatus)) {
	case OpportunityWon:
		return leads.StatusWon, true
	case OpportunityLost, OpportunityAbandoned:
		return leads.StatusLost, true
	default:
		return "", false
	}
}

// SyncLead upserts the contact and, on first sync, opens an opportunity.
// The returned link carries both IDs; link.LastSyncedAt is left to the
// caller.
func (c *GHLClient) SyncLead(ctx context.Context, lead leads.Lead) (leads.CRMLink, error) {
	link := lead.CRM
	contactID, err := c.UpsertContact(ctx, Contact{
		FirstName:   lead.FirstName,
		LastName:    lead.LastName,
		Email:       lead.Email,
		Phone:       lead.Phone,
		CompanyName: lead.CompanyName,
		Source:      lead.Source,
		Tags:        LeadTags(lead),
	})
	if err != nil {
		return link, err
	}
	link.GHLContactID = contactID

	if link.GHLOpportunityID == "" && c.PipelineConfigured() {
		name := lead.FullName()
		if lead.CompanyName != "" {
			name = lead.CompanyName + " - " + name
		}
		oppID, err := c.CreateOpportunity(ctx, Opportunity{
			Name:          fmt.Sprintf("%s (%s)", name, notifications.FormatGBP(lead.FinanceRequest.Amount)),
			ContactID:     contactID,
			MonetaryValue: lead.FinanceRequest.Amount,
			Status:        OpportunityStatus(lead.Status),
		})
		if err != nil {
			return link, err
		}
		link.GHLOpportunityID = oppID
	} else if link.GHLOpportunityID != "" {
		if err := c.UpdateOpportunityStatus(ctx, link.GHLOpportunityID, OpportunityStatus(lead.Status)); err != nil {
			return link, err
		}
	}
	link.SyncError = ""
	return link, nil
}
