// Package leadstest provides an in-memory leads.Repository for tests of the
// packages that sit on top of the lead store.
package leadstest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"tradefinance-backend/internal/leads"
)

type MemoryRepository struct {
	mu    sync.Mutex
	leads map[string]leads.Lead
}

func NewMemoryRepository(seed ...leads.Lead) *MemoryRepository {
	r := &MemoryRepository{leads: make(map[string]leads.Lead)}
	for _, l := range seed {
		r.leads[l.ID] = l
	}
	return r
}

// Snapshot returns the stored copy of a lead, bypassing context handling.
func (r *MemoryRepository) Snapshot(id string) (leads.Lead, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	return l, ok
}

func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leads)
}

func (r *MemoryRepository) Create(ctx context.Context, lead leads.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads[lead.ID] = lead
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (leads.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return leads.Lead{}, mongo.ErrNoDocuments
	}
	return l, nil
}

func (r *MemoryRepository) first(match func(leads.Lead) bool) (leads.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []leads.Lead
	for _, l := range r.leads {
		if match(l) {
			found = append(found, l)
		}
	}
	if len(found) == 0 {
		return leads.Lead{}, mongo.ErrNoDocuments
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return found[0], nil
}

func (r *MemoryRepository) FindRecentByEmail(ctx context.Context, email string, since time.Time) (leads.Lead, error) {
	return r.first(func(l leads.Lead) bool {
		return l.Email == email && !l.CreatedAt.Before(since) && !leads.IsTerminal(l.Status)
	})
}

func (r *MemoryRepository) FindLatestByPhone(ctx context.Context, phone string) (leads.Lead, error) {
	return r.first(func(l leads.Lead) bool { return l.Phone == phone })
}

func (r *MemoryRepository) FindByGHLContactID(ctx context.Context, contactID string) (leads.Lead, error) {
	return r.first(func(l leads.Lead) bool { return l.CRM.GHLContactID == contactID })
}

func (r *MemoryRepository) FindByProviderID(ctx context.Context, providerID string) (leads.Lead, error) {
	return r.first(func(l leads.Lead) bool {
		for _, c := range l.Communications {
			if c.ProviderID == providerID {
				return true
			}
		}
		return false
	})
}

func (r *MemoryRepository) filtered(filter leads.ListFilter) []leads.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]leads.Lead, 0)
	for _, l := range r.leads {
		if matches(l, filter) {
			items = append(items, l)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items
}

func matches(l leads.Lead, f leads.ListFilter) bool {
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.Urgency != "" && l.FinanceRequest.Urgency != f.Urgency {
		return false
	}
	if f.TradeType != "" && l.TradeType != f.TradeType {
		return false
	}
	if f.Priority != "" && l.Priority != f.Priority {
		return false
	}
	if f.Tag != "" && !l.Automation.HasTag(f.Tag) {
		return false
	}
	if f.MinScore > 0 && l.LeadScore < f.MinScore {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		hay := strings.ToLower(strings.Join([]string{l.FirstName, l.LastName, l.Email, l.CompanyName, l.Phone}, " "))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	if !f.From.IsZero() && l.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !l.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

func (r *MemoryRepository) List(ctx context.Context, filter leads.ListFilter, limit, offset int64) ([]leads.Lead, error) {
	items := r.filtered(filter)
	if offset >= int64(len(items)) {
		return []leads.Lead{}, nil
	}
	items = items[offset:]
	if limit > 0 && int64(len(items)) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryRepository) Count(ctx context.Context, filter leads.ListFilter) (int64, error) {
	return int64(len(r.filtered(filter))), nil
}

func (r *MemoryRepository) ListStale(ctx context.Context, createdBefore time.Time, limit int64) ([]leads.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]leads.Lead, 0)
	for _, l := range r.leads {
		if l.Status == leads.StatusNew && l.CreatedAt.Before(createdBefore) && l.LastContactedAt == nil && !l.Automation.HasTag("stale") {
			items = append(items, l)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if limit > 0 && int64(len(items)) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryRepository) mutate(id string, fn func(l *leads.Lead)) (leads.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return leads.Lead{}, mongo.ErrNoDocuments
	}
	fn(&l)
	r.leads[id] = l
	return l, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, p leads.Patch, now time.Time) (leads.Lead, error) {
	return r.mutate(id, func(l *leads.Lead) {
		assign := func(dst *string, v *string) {
			if v != nil {
				*dst = *v
			}
		}
		assign(&l.FirstName, p.FirstName)
		assign(&l.LastName, p.LastName)
		assign(&l.Email, p.Email)
		assign(&l.Phone, p.Phone)
		assign(&l.CompanyName, p.CompanyName)
		assign(&l.TradeType, p.TradeType)
		assign(&l.Status, p.Status)
		assign(&l.Priority, p.Priority)
		if p.FinanceRequest != nil {
			l.FinanceRequest = *p.FinanceRequest
		}
		if p.BusinessInfo != nil {
			l.BusinessInfo = *p.BusinessInfo
		}
		if p.LeadScore != nil {
			l.LeadScore = *p.LeadScore
		}
		if p.Tags != nil {
			l.Automation.Tags = p.Tags
		}
		l.UpdatedAt = now
	})
}

func (r *MemoryRepository) MarkStatusReached(ctx context.Context, id, status string, now time.Time) (bool, error) {
	stamped := false
	_, err := r.mutate(id, func(l *leads.Lead) {
		ts := &l.StatusTimestamps
		var slot **time.Time
		switch status {
		case leads.StatusContacted:
			slot = &ts.ContactedAt
		case leads.StatusQualified:
			slot = &ts.QualifiedAt
		case leads.StatusProposalSent:
			slot = &ts.ProposalSentAt
		case leads.StatusNegotiating:
			slot = &ts.NegotiatingAt
		case leads.StatusWon:
			slot = &ts.WonAt
		case leads.StatusLost:
			slot = &ts.LostAt
		case leads.StatusOnHold:
			slot = &ts.OnHoldAt
		}
		if slot != nil && *slot == nil {
			t := now
			*slot = &t
			stamped = true
		}
	})
	return stamped, err
}

func (r *MemoryRepository) AddNote(ctx context.Context, id string, note leads.Note, now time.Time) error {
	_, err := r.mutate(id, func(l *leads.Lead) {
		l.Notes = append(l.Notes, note)
		l.UpdatedAt = now
	})
	return err
}

func (r *MemoryRepository) AddCommunication(ctx context.Context, id string, comm leads.Communication, touchContact bool, now time.Time) error {
	_, err := r.mutate(id, func(l *leads.Lead) {
		l.Communications = append(l.Communications, comm)
		if touchContact {
			t := now
			l.LastContactedAt = &t
		}
		l.UpdatedAt = now
	})
	return err
}

func (r *MemoryRepository) UpdateCommunicationStatus(ctx context.Context, providerID, status string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, l := range r.leads {
		for i := range l.Communications {
			if l.Communications[i].ProviderID == providerID {
				l.Communications[i].Status = status
				l.Communications[i].UpdatedAt = now
				l.UpdatedAt = now
				r.leads[id] = l
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *MemoryRepository) Enroll(ctx context.Context, id string, now time.Time, nextStepAt *time.Time) error {
	_, err := r.mutate(id, func(l *leads.Lead) {
		t := now
		l.Automation.Enrolled = true
		l.Automation.EnrolledAt = &t
		if nextStepAt != nil {
			n := *nextStepAt
			l.Automation.NextStepAt = &n
		}
		l.UpdatedAt = now
	})
	return err
}

func (r *MemoryRepository) Unenroll(ctx context.Context, id string, now time.Time) error {
	_, err := r.mutate(id, func(l *leads.Lead) {
		l.Automation.Enrolled = false
		l.Automation.NextStepAt = nil
		l.UpdatedAt = now
	})
	return err
}

func (r *MemoryRepository) RecordStep(ctx context.Context, id, step string, number int, skipped bool, nextStepAt *time.Time, now time.Time) (bool, error) {
	recorded := false
	_, err := r.mutate(id, func(l *leads.Lead) {
		for _, s := range append(append([]string{}, l.Automation.CompletedSteps...), l.Automation.SkippedSteps...) {
			if s == step {
				return
			}
		}
		if skipped {
			l.Automation.SkippedSteps = append(l.Automation.SkippedSteps, step)
		} else {
			l.Automation.CompletedSteps = append(l.Automation.CompletedSteps, step)
		}
		t := now
		l.Automation.CurrentStep = number
		l.Automation.LastStepAt = &t
		if nextStepAt != nil {
			n := *nextStepAt
			l.Automation.NextStepAt = &n
		} else {
			l.Automation.NextStepAt = nil
		}
		l.UpdatedAt = now
		recorded = true
	})
	return recorded, err
}

func (r *MemoryRepository) SetOptOut(ctx context.Context, id string, sms, email bool, now time.Time) error {
	_, err := r.mutate(id, func(l *leads.Lead) {
		l.Automation.OptedOut = sms
		l.Automation.EmailOptedOut = email
		l.UpdatedAt = now
	})
	return err
}

func (r *MemoryRepository) SetCRM(ctx context.Context, id string, link leads.CRMLink, now time.Time) error {
	_, err := r.mutate(id, func(l *leads.Lead) {
		l.CRM = link
		l.UpdatedAt = now
	})
	return err
}

func (r *MemoryRepository) AddTags(ctx context.Context, ids []string, tags []string, now time.Time) (int64, error) {
	var n int64
	for _, id := range ids {
		_, err := r.mutate(id, func(l *leads.Lead) {
			changed := false
			for _, t := range tags {
				if !l.Automation.HasTag(t) {
					l.Automation.Tags = append(l.Automation.Tags, t)
					changed = true
				}
			}
			if changed {
				l.UpdatedAt = now
				n++
			}
		})
		if err != nil && err != mongo.ErrNoDocuments {
			return n, err
		}
	}
	return n, nil
}

func (r *MemoryRepository) RemoveTags(ctx context.Context, ids []string, tags []string, now time.Time) (int64, error) {
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[t] = true
	}
	var n int64
	for _, id := range ids {
		_, err := r.mutate(id, func(l *leads.Lead) {
			kept := l.Automation.Tags[:0:0]
			for _, t := range l.Automation.Tags {
				if !drop[t] {
					kept = append(kept, t)
				}
			}
			if len(kept) != len(l.Automation.Tags) {
				l.Automation.Tags = kept
				l.UpdatedAt = now
				n++
			}
		})
		if err != nil && err != mongo.ErrNoDocuments {
			return n, err
		}
	}
	return n, nil
}

func (r *MemoryRepository) DeleteMany(ctx context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := r.leads[id]; ok {
			delete(r.leads, id)
			n++
		}
	}
	return n, nil
}

var _ leads.Repository = (*MemoryRepository)(nil)
