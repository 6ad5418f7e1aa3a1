// Package crm pushes leads into GoHighLevel as contacts and pipeline
// opportunities.
package crm

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

const (
	defaultGHLBaseURL = "https://services.leadconnectorhq.com"
	ghlAPIVersion     = "2021-07-28"
)

// Opportunity statuses accepted by GoHighLevel.
const (
	OpportunityOpen      = "open"
	OpportunityWon       = "won"
	OpportunityLost      = "lost"
	OpportunityAbandoned = "abandoned"
)

var ErrNotConfigured = errors.New("ghl client not configured")

type Contact struct {
	FirstName   string   `json:"firstName,omitempty"`
	LastName    string   `json:"lastName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	CompanyName string   `json:"companyName,omitempty"`
	Source      string   `json:"source,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type Opportunity struct {
	Name          string  `json:"name"`
	ContactID     string  `json:"contactId"`
	MonetaryValue float64 `json:"monetaryValue,omitempty"`
	Status        string  `json:"status"`
}

type GHLClient struct {
	apiKey          string
	locationID      string
	pipelineID      string
	pipelineStageID string
	baseURL         string
	client          *provider.Client
}

// NewGHLClient returns nil when no API key or location is configured.
func NewGHLClient(apiKey, locationID, pipelineID, pipelineStageID string) *GHLClient {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(locationID) == "" {
		return nil
	}
	return &GHLClient{
		apiKey:          apiKey,
		locationID:      locationID,
		pipelineID:      pipelineID,
		pipelineStageID: pipelineStageID,
		baseURL:         defaultGHLBaseURL,
		client:          provider.NewClient("gohighlevel", 10*time.Second),
	}
}

func (c *GHLClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c == nil {
		return ErrNotConfigured
	}
	_, err := c.client.Do(ctx, provider.Request{
		Method: method,
		URL:    c.baseURL + path,
		Header: http.Header{
			"Authorization": {"Bearer " + c.apiKey},
			"Version":       {ghlAPIVersion},
		},
		JSON: body,
	}, out)
	return err
}

// UpsertContact creates or updates a contact matched on email/phone and
// returns its ID.
func (c *GHLClient) UpsertContact(ctx context.Context, contact Contact) (string, error) {
	if c == nil {
		return "", ErrNotConfigured
	}
	payload := struct {
		Contact
		LocationID string `json:"locationId"`
	}{Contact: contact, LocationID: c.locationID}

	var out struct {
		Contact struct {
			ID string `json:"id"`
		} `json:"contact"`
	}
	if err := c.do(ctx, http.MethodPost, "/contacts/upsert", payload, &out); err != nil {
		return "", fmt.Errorf("ghl upsert contact: %w", err)
	}
	if out.Contact.ID == "" {
		return "", errors.New("ghl upsert contact: response missing id")
	}
	return out.Contact.ID, nil
}

func (c *GHLClient) AddTags(ctx context.Context, contactID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	path := "/contacts/" + url.PathEscape(contactID) + "/tags"
	if err := c.do(ctx, http.MethodPost, path, map[string][]string{"tags": tags}, nil); err != nil {
		return fmt.Errorf("ghl add tags: %w", err)
	}
	return nil
}

func (c *GHLClient) RemoveTags(ctx context.Context, contactID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	path := "/contacts/" + url.PathEscape(contactID) + "/tags"
	if err := c.do(ctx, http.MethodDelete, path, map[string][]string{"tags": tags}, nil); err != nil {
		return fmt.Errorf("ghl remove tags: %w", err)
	}
	return nil
}

// CreateOpportunity opens a deal in the configured pipeline stage.
func (c *GHLClient) CreateOpportunity(ctx context.Context, opp Opportunity) (string, error) {
	if c == nil {
		return "", ErrNotConfigured
	}
	if c.pipelineID == "" {
		return "", errors.New("ghl create opportunity: pipeline not configured")
	}
	if opp.Status == "" {
		opp.Status = OpportunityOpen
	}
	payload := struct {
		Opportunity
		LocationID      string `json:"locationId"`
		PipelineID      string `json:"pipelineId"`
		PipelineStageID string `json:"pipelineStageId,omitempty"`
	}{Opportunity: opp, LocationID: c.locationID, PipelineID: c.pipelineID, PipelineStageID: c.pipelineStageID}

	var out struct {
		Opportunity struct {
			ID string `json:"id"`
		} `json:"opportunity"`
	}
	if err := c.do(ctx, http.MethodPost, "/opportunities/", payload, &out); err != nil {
		return "", fmt.Errorf("ghl create opportunity: %w", err)
	}
	if out.Opportunity.ID == "" {
		return "", errors.New("ghl create opportunity: response missing id")
	}
	return out.Opportunity.ID, nil
}

func (c *GHLClient) UpdateOpportunityStatus(ctx context.Context, opportunityID, status string) error {
	path := "/opportunities/" + url.PathEscape(opportunityID) + "/status"
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"status": status}, nil); err != nil {
		return fmt.Errorf("ghl update opportunity status: %w", err)
	}
	return nil
}

// PipelineConfigured reports whether opportunities can be created.
func (c *GHLClient) PipelineConfigured() bool {
	return c != nil && c.pipelineID != ""
}
