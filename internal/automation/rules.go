package automation

import (
	"fmt"
	"time"

	"tradefinance-backend/internal/leads"
)

// FollowUpSteps is the number of timed follow-ups in a sequence.
const FollowUpSteps = 3

// recentContactWindow suppresses a follow-up when someone spoke to the lead
// this recently.
const recentContactWindow = 4 * time.Hour

// Rules maps lead urgency to the follow-up offsets, measured from
// enrollment.
var Rules = map[string][FollowUpSteps]time.Duration{
	leads.UrgencyUrgent:    {1 * time.Hour, 4 * time.Hour, 24 * time.Hour},
	leads.UrgencyThisWeek:  {4 * time.Hour, 24 * time.Hour, 72 * time.Hour},
	leads.UrgencyThisMonth: {24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
	leads.UrgencyPlanning:  {72 * time.Hour, 168 * time.Hour, 336 * time.Hour},
}

// DelaysFor falls back to the planning cadence for unknown urgencies.
func DelaysFor(urgency string) [FollowUpSteps]time.Duration {
	if d, ok := Rules[urgency]; ok {
		return d
	}
	return Rules[leads.UrgencyPlanning]
}

// StepName is the name recorded in completed_steps and skipped_steps.
func StepName(step int) string {
	return fmt.Sprintf("follow-up-%d", step)
}

func followUpJobID(leadID string, step int) string {
	return fmt.Sprintf("follow-up:%s:%d", leadID, step)
}

func smsJobID(leadID, step string) string {
	return fmt.Sprintf("sms:%s:%s", leadID, step)
}

// stepDue returns when step (1-based) is scheduled for a lead enrolled at
// enrolledAt.
func stepDue(urgency string, enrolledAt time.Time, step int) time.Time {
	return enrolledAt.Add(DelaysFor(urgency)[step-1])
}

// nextStepAfter returns when the step following step is due, or nil after
// the last step.
func nextStepAfter(lead leads.Lead, step int, now time.Time) *time.Time {
	if step >= FollowUpSteps {
		return nil
	}
	enrolledAt := now
	if lead.Automation.EnrolledAt != nil {
		enrolledAt = *lead.Automation.EnrolledAt
	}
	next := stepDue(lead.FinanceRequest.Urgency, enrolledAt, step+1)
	return &next
}
