package cadencesdk

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

// Client is a minimal Cadence HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Round represents the API round model.
type Round struct {
	ID          string  `json:"id"`
	ProgramID   string  `json:"program_id"`
	Name        string  `json:"name"`
	Position    int     `json:"position"`
	Status      string  `json:"status"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Participant represents a juror or startup.
type Participant struct {
	ID        string  `json:"id"`
	ProgramID string  `json:"program_id"`
	Type      string  `json:"type"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	AccountID *string `json:"account_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// Workflow represents a participant's communication workflow.
type Workflow struct {
	ID              string  `json:"id"`
	ParticipantID   string  `json:"participant_id"`
	ParticipantType string  `json:"participant_type"`
	CurrentStage    string  `json:"current_stage"`
	StageStatus     string  `json:"stage_status"`
	NextActionDue   *string `json:"next_action_due,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// Attempt represents a scheduled or settled send attempt.
type Attempt struct {
	ID              string  `json:"id"`
	WorkflowID      string  `json:"workflow_id"`
	AttemptNumber   int     `json:"attempt_number"`
	AttemptStatus   string  `json:"attempt_status"`
	ScheduledAt     string  `json:"scheduled_at"`
	AttemptedAt     *string `json:"attempted_at,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	CommunicationID *string `json:"communication_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// Message represents a dispatched communication.
type Message struct {
	ID               string  `json:"id"`
	RecipientAddress string  `json:"recipient_address"`
	RecipientType    string  `json:"recipient_type"`
	Subject          string  `json:"subject"`
	Status           string  `json:"status"`
	ContentHash      string  `json:"content_hash"`
	ErrorMessage     *string `json:"error_message,omitempty"`
	SentAt           *string `json:"sent_at,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// EventResult is the outcome of submitting an application event.
type EventResult struct {
	Outcome  string    `json:"outcome"`
	Workflow *Workflow `json:"workflow,omitempty"`
	Attempt  *Attempt  `json:"attempt,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProgramID  string `json:"program_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Released  int `json:"released"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterParticipant creates a participant.
func (c *Client) RegisterParticipant(ctx context.Context, ptype, name, email string) (Participant, error) {
	body := map[string]any{
		"type":  ptype,
		"name":  name,
		"email": email,
	}
	var resp Participant
	err := c.do(ctx, http.MethodPost, "participants", body, &resp)
	return resp, err
}

// SetParticipantStatus records a selection decision for a round.
func (c *Client) SetParticipantStatus(ctx context.Context, participantID, round, status string) error {
	body := map[string]any{"round": round, "status": status}
	endpoint := fmt.Sprintf("participants/%s/status", url.PathEscape(participantID))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// PostEvent submits an application event for a participant.
func (c *Client) PostEvent(ctx context.Context, eventType, participantID string, payload map[string]any) (EventResult, error) {
	body := map[string]any{
		"type":           eventType,
		"participant_id": participantID,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp EventResult
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp, err
}

// Rounds lists the program's rounds in order.
func (c *Client) Rounds(ctx context.Context) ([]Round, error) {
	var resp []Round
	err := c.do(ctx, http.MethodGet, "rounds", nil, &resp)
	return resp, err
}

// ActivateRound activates a pending round.
func (c *Client) ActivateRound(ctx context.Context, name string) (Round, error) {
	return c.roundAction(ctx, name, "activate")
}

// CompleteRound completes an active round.
func (c *Client) CompleteRound(ctx context.Context, name string) (Round, error) {
	return c.roundAction(ctx, name, "complete")
}

// ReopenRound reopens the most recently completed round.
func (c *Client) ReopenRound(ctx context.Context, name string) (Round, error) {
	return c.roundAction(ctx, name, "reopen")
}

func (c *Client) roundAction(ctx context.Context, name, action string) (Round, error) {
	var resp Round
	endpoint := fmt.Sprintf("rounds/%s/%s", url.PathEscape(name), action)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetWorkflow fetches a participant's workflow.
func (c *Client) GetWorkflow(ctx context.Context, participantID, participantType string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("workflows/%s/%s", url.PathEscape(participantID), url.PathEscape(participantType))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RetryCommunication retries the latest failed attempt on a workflow.
func (c *Client) RetryCommunication(ctx context.Context, workflowID string) (Attempt, error) {
	var resp Attempt
	endpoint := fmt.Sprintf("workflows/%s/retry", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Attempts lists communication attempts, optionally filtered by workflow.
func (c *Client) Attempts(ctx context.Context, workflowID string, limit int) ([]Attempt, error) {
	endpoint := "attempts"
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflow_id", workflowID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Attempt
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Messages lists messages, optionally filtered by recipient.
func (c *Client) Messages(ctx context.Context, recipient string, limit int) ([]Message, error) {
	endpoint := "messages"
	q := url.Values{}
	if recipient != "" {
		q.Set("recipient", recipient)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunSweep triggers one sweep pass.
func (c *Client) RunSweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "sweep", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "log"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
