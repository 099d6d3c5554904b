// Package techosdk is a small client for the TECHO incidents HTTP API.
package techosdk

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to one API base URL, for example http://localhost:8080/v1.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	Timeout     time.Duration

	http *resty.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

type Incident struct {
	ID            string  `json:"id"`
	HousingUnitID string  `json:"housing_unit_id"`
	ReporterID    string  `json:"reporter_id"`
	Description   string  `json:"description"`
	Category      *string `json:"category"`
	Priority      string  `json:"priority"`
	Status        string  `json:"status"`
	AssigneeID    *string `json:"assignee_id"`
	SourceFormID  *string `json:"source_form_id,omitempty"`
	Version       int     `json:"version"`
	ReportedAt    string  `json:"reported_at"`
	UpdatedAt     string  `json:"updated_at"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
	ClosedAt      *string `json:"closed_at,omitempty"`
	Deadlines     *struct {
		RespondBy       string  `json:"respond_by"`
		RespondDaysLeft int     `json:"respond_days_left"`
		WarrantyUntil   *string `json:"warranty_until,omitempty"`
	} `json:"deadlines,omitempty"`
}

type Item struct {
	ID             string   `json:"id"`
	Code           string   `json:"code"`
	Room           string   `json:"room"`
	Label          string   `json:"label"`
	OK             *bool    `json:"ok"`
	Severity       *string  `json:"severity"`
	Comment        string   `json:"comment,omitempty"`
	Photos         []string `json:"photos"`
	CreateIncident *bool    `json:"create_incident"`
	IncidentID     *string  `json:"incident_id,omitempty"`
}

type Form struct {
	ID            string `json:"id"`
	BeneficiaryID string `json:"beneficiary_id"`
	HousingUnitID string `json:"housing_unit_id"`
	Status        string `json:"status"`
	Items         []Item `json:"items"`
	Progress      struct {
		Total      int      `json:"total"`
		Answered   int      `json:"answered"`
		Failing    int      `json:"failing"`
		Unanswered []string `json:"unanswered"`
	} `json:"progress"`
}

// Event is one history entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Type       string         `json:"type"`
	From       *string        `json:"from,omitempty"`
	To         *string        `json:"to,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Technician struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Role                string `json:"role"`
	ActiveIncidentCount int    `json:"active_incident_count"`
	Workload            string `json:"workload"`
}

type ReviewResult struct {
	Form      Form       `json:"form"`
	Incidents []Incident `json:"incidents"`
}

// ItemAnswer is a partial item update. Nil fields are left alone.
type ItemAnswer struct {
	OK             *bool   `json:"ok,omitempty"`
	Severity       *string `json:"severity,omitempty"`
	Comment        *string `json:"comment,omitempty"`
	CreateIncident *bool   `json:"create_incident,omitempty"`
}

// IncidentQuery filters ListIncidents.
type IncidentQuery struct {
	Status     string
	Category   string
	Priority   string
	AssigneeID string
	Unassigned bool
	Text       string
	Limit      int
	Offset     int
}

// APIError is the decoded error envelope of a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) WhoAmI(ctx context.Context) (map[string]string, error) {
	var resp map[string]string
	err := c.do(ctx, "GET", "me", nil, nil, &resp)
	return resp, err
}

func (c *Client) CreateIncident(ctx context.Context, housingUnitID, description string) (Incident, error) {
	var resp Incident
	err := c.do(ctx, "POST", "incidents", nil, map[string]any{
		"housing_unit_id": housingUnitID,
		"description":     description,
	}, &resp)
	return resp, err
}

func (c *Client) GetIncident(ctx context.Context, id string) (Incident, error) {
	var resp Incident
	err := c.do(ctx, "GET", "incidents/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// ListIncidents returns one page and whether more remain.
func (c *Client) ListIncidents(ctx context.Context, q IncidentQuery) ([]Incident, bool, error) {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("status", q.Status)
	set("category", q.Category)
	set("priority", q.Priority)
	set("assignee_id", q.AssigneeID)
	set("q", q.Text)
	if q.Unassigned {
		params.Set("unassigned", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	var resp struct {
		Items   []Incident `json:"items"`
		HasMore bool       `json:"has_more"`
	}
	err := c.do(ctx, "GET", "incidents", params, nil, &resp)
	return resp.Items, resp.HasMore, err
}

// Transition moves an incident to status to. comment may be required by the move.
func (c *Client) Transition(ctx context.Context, id, to, comment string) (Incident, error) {
	var resp Incident
	err := c.do(ctx, "POST", "incidents/"+url.PathEscape(id)+"/transitions", nil, map[string]any{
		"to":      to,
		"comment": comment,
	}, &resp)
	return resp, err
}

func (c *Client) Comment(ctx context.Context, id, text string) (Event, error) {
	var resp Event
	err := c.do(ctx, "POST", "incidents/"+url.PathEscape(id)+"/comments", nil, map[string]any{"comment": text}, &resp)
	return resp, err
}

// Assign sets the technician; an empty id unassigns.
func (c *Client) Assign(ctx context.Context, id, technicianID string) (Incident, error) {
	var tech any
	if technicianID != "" {
		tech = technicianID
	}
	var resp Incident
	err := c.do(ctx, "PUT", "incidents/"+url.PathEscape(id)+"/assignee", nil, map[string]any{"technician_id": tech}, &resp)
	return resp, err
}

// History returns one page of an incident's history, oldest first.
func (c *Client) History(ctx context.Context, id string, limit, offset int) ([]Event, bool, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	var resp struct {
		Items   []Event `json:"items"`
		HasMore bool    `json:"has_more"`
	}
	err := c.do(ctx, "GET", "incidents/"+url.PathEscape(id)+"/history", params, nil, &resp)
	return resp.Items, resp.HasMore, err
}

// OpenForm returns the unit's checklist, creating it on first use.
func (c *Client) OpenForm(ctx context.Context, housingUnitID string) (Form, error) {
	var resp Form
	err := c.do(ctx, "POST", "housing-units/"+url.PathEscape(housingUnitID)+"/form", nil, nil, &resp)
	return resp, err
}

func (c *Client) AnswerItem(ctx context.Context, formID, item string, a ItemAnswer) (Item, error) {
	var resp Item
	err := c.do(ctx, "PATCH", "forms/"+url.PathEscape(formID)+"/items/"+url.PathEscape(item), nil, a, &resp)
	return resp, err
}

func (c *Client) SubmitForm(ctx context.Context, formID string) (Form, error) {
	var resp Form
	err := c.do(ctx, "POST", "forms/"+url.PathEscape(formID)+"/submit", nil, nil, &resp)
	return resp, err
}

func (c *Client) ReviewForm(ctx context.Context, formID, comment string) (ReviewResult, error) {
	var resp ReviewResult
	err := c.do(ctx, "POST", "forms/"+url.PathEscape(formID)+"/review", nil, map[string]any{"comment": comment}, &resp)
	return resp, err
}

func (c *Client) Technicians(ctx context.Context) ([]Technician, error) {
	var resp []Technician
	err := c.do(ctx, "GET", "technicians", nil, nil, &resp)
	return resp, err
}

// TailEvents returns events after cursor and the cursor to pass next time.
func (c *Client) TailEvents(ctx context.Context, after int64, limit int) ([]Event, int64, error) {
	params := url.Values{"after": {strconv.FormatInt(after, 10)}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items      []Event `json:"items"`
		NextCursor int64   `json:"next_cursor"`
	}
	err := c.do(ctx, "GET", "events", params, nil, &resp)
	if err != nil {
		return nil, after, err
	}
	return resp.Items, resp.NextCursor, nil
}

func (c *Client) client() *resty.Client {
	if c.http == nil {
		c.http = resty.New().
			SetBaseURL(strings.TrimRight(c.BaseURL, "/")).
			SetTimeout(c.Timeout).
			SetHeader("Accept", "application/json")
	}
	return c.http
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body, out any) error {
	req := c.client().R().
		SetContext(ctx).
		SetError(&errorEnvelope{})
	if params != nil {
		req.SetQueryParamsFromValues(params)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.APIKey != "":
		req.SetHeader("X-Api-Key", c.APIKey)
	}
	resp, err := req.Execute(method, "/"+strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
		if env, ok := resp.Error().(*errorEnvelope); ok && env.Error.Code != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	return nil
}
