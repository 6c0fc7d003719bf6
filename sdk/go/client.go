package tabletopsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tabletop HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Session represents the API session model (partial).
type Session struct {
	ID         string             `json:"id"`
	ScenarioID string             `json:"scenario_id"`
	TenantID   string             `json:"tenant_id"`
	Status     string             `json:"status"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	CreatedAt  string             `json:"created_at"`
	StartedAt  *string            `json:"started_at,omitempty"`
	EndedAt    *string            `json:"ended_at,omitempty"`
}

// Participant assigns a named person to a scenario role.
type Participant struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

// SessionSettings tunes one run of a scenario.
type SessionSettings struct {
	TimeCompression float64 `json:"time_compression,omitempty"`
	AutoEnd         bool    `json:"auto_end,omitempty"`
}

// Decision records a participant response.
type Decision struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      string            `json:"role"`
	Action    string            `json:"action"`
	Rationale string            `json:"rationale,omitempty"`
	Params    map[string]string `json:"parameters,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// AuditEvent is one ledger entry.
type AuditEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ValidationIssue is one validator finding.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of scenario validation.
type ValidationResult struct {
	Status   string            `json:"status"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// AAR is a signed after-action report. Content and Signature stay raw so
// verification round-trips bytes the server produced.
type AAR struct {
	SessionID   string          `json:"session_id"`
	Format      string          `json:"format"`
	GeneratedAt string          `json:"generated_at"`
	Content     json.RawMessage `json:"content"`
	Signature   json.RawMessage `json:"signature"`
}

// APIError wraps non-2xx responses. Code carries the server's machine
// readable error code when the body was a structured envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ValidateScenario runs validation without storing the scenario.
func (c *Client) ValidateScenario(ctx context.Context, scenario any) (ValidationResult, error) {
	var resp struct {
		Result ValidationResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "v0/scenarios/validate", map[string]any{"scenario": scenario}, &resp)
	return resp.Result, err
}

// ImportScenario validates then stores a scenario.
func (c *Client) ImportScenario(ctx context.Context, scenario any) (ValidationResult, error) {
	var resp struct {
		Result   ValidationResult `json:"result"`
		Imported bool             `json:"imported"`
	}
	err := c.do(ctx, http.MethodPost, "v0/scenarios", map[string]any{"scenario": scenario}, &resp)
	return resp.Result, err
}

// CreateSession creates a pending session from a stored scenario.
func (c *Client) CreateSession(ctx context.Context, scenarioID string, participants []Participant, settings SessionSettings) (Session, error) {
	body := map[string]any{
		"scenario_id":  scenarioID,
		"participants": participants,
		"settings":     settings,
	}
	var resp struct {
		Session Session `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp.Session, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(id), nil, &resp)
	return resp.Session, err
}

// ListSessions lists the caller's sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, status string) ([]Session, error) {
	endpoint := "v0/sessions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Sessions []Session `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Sessions, err
}

// Transition moves a session to the target status. Facilitator only.
func (c *Client) Transition(ctx context.Context, id, status string) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	endpoint := fmt.Sprintf("v0/sessions/%s/transition", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"status": status}, &resp)
	return resp.Session, err
}

// PurgeSession deletes a session and every artifact derived from it.
func (c *Client) PurgeSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/sessions/"+url.PathEscape(id), nil, nil)
}

// SendInject delivers a facilitator inject immediately.
func (c *Client) SendInject(ctx context.Context, sessionID string, inject any) error {
	endpoint := fmt.Sprintf("v0/sessions/%s/injects", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"inject": inject}, nil)
}

// Escalate records a severity escalation for a delivered inject.
func (c *Client) Escalate(ctx context.Context, sessionID, injectID, severity string) error {
	endpoint := fmt.Sprintf("v0/sessions/%s/injects/%s/escalate",
		url.PathEscape(sessionID), url.PathEscape(injectID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]string{"severity": severity}, nil)
}

// RecordDecision records a participant decision on an active session.
func (c *Client) RecordDecision(ctx context.Context, sessionID, role, action, rationale string) (Decision, error) {
	body := map[string]any{
		"role":      role,
		"action":    action,
		"rationale": rationale,
	}
	var resp struct {
		Decision Decision `json:"decision"`
	}
	endpoint := fmt.Sprintf("v0/sessions/%s/decisions", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Decision, err
}

// AuditTrail returns the full ledger for a session, timestamp ordered.
func (c *Client) AuditTrail(ctx context.Context, sessionID string) ([]AuditEvent, error) {
	var resp struct {
		Events []AuditEvent `json:"events"`
	}
	endpoint := fmt.Sprintf("v0/sessions/%s/audit", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// GenerateAAR composes and signs a report for a finished session.
func (c *Client) GenerateAAR(ctx context.Context, sessionID string, categoryScores map[string]float64, findings []string) (AAR, error) {
	body := map[string]any{
		"format":          "json",
		"category_scores": categoryScores,
		"findings":        findings,
	}
	var resp AAR
	endpoint := fmt.Sprintf("v0/sessions/%s/aar", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetAAR fetches a previously generated report.
func (c *Client) GetAAR(ctx context.Context, sessionID, format string) (AAR, error) {
	endpoint := fmt.Sprintf("v0/sessions/%s/aar", url.PathEscape(sessionID))
	if format != "" {
		endpoint += "?format=" + url.QueryEscape(format)
	}
	var resp AAR
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyAAR asks the server to check a report signature.
func (c *Client) VerifyAAR(ctx context.Context, report AAR) (bool, error) {
	body := map[string]any{
		"content":   report.Content,
		"signature": report.Signature,
	}
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "v0/aar/verify", body, &resp)
	return resp.Valid, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
