package server

import (
	"cadence/internal/domain"
)

type ProgramResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type RoundResponse struct {
	ID          string  `json:"id"`
	ProgramID   string  `json:"program_id"`
	Name        string  `json:"name"`
	Position    int     `json:"position"`
	Status      string  `json:"status"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type RoundSummaryResponse struct {
	Round        RoundResponse  `json:"round"`
	StatusCounts map[string]int `json:"status_counts"`
}

type ParticipantResponse struct {
	ID        string  `json:"id"`
	ProgramID string  `json:"program_id"`
	Type      string  `json:"type"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	AccountID *string `json:"account_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type ParticipantStatusResponse struct {
	ParticipantID string `json:"participant_id"`
	RoundID       string `json:"round_id"`
	Status        string `json:"status"`
	UpdatedAt     string `json:"updated_at"`
}

type WorkflowResponse struct {
	ID              string  `json:"id"`
	ParticipantID   string  `json:"participant_id"`
	ParticipantType string  `json:"participant_type"`
	CurrentStage    string  `json:"current_stage"`
	StageStatus     string  `json:"stage_status"`
	StageDataJSON   *string `json:"stage_data_json,omitempty"`
	StageEnteredAt  string  `json:"stage_entered_at"`
	NextActionDue   *string `json:"next_action_due,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type AttemptResponse struct {
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

type MessageResponse struct {
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

type StageProgressResponse struct {
	ParticipantID string                      `json:"participant_id"`
	Stages        []domain.StageProgressEntry `json:"stages"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProgramID  string `json:"program_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty"`
}

type RegisterParticipantRequest struct {
	ID        *string `json:"id,omitempty"`
	Type      string  `json:"type" enum:"juror,startup"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	AccountID *string `json:"account_id,omitempty"`
}

type SetParticipantStatusRequest struct {
	Round  string `json:"round"`
	Status string `json:"status" enum:"pending,selected,rejected,under_review"`
}

type PostEventRequest struct {
	Type          string         `json:"type"`
	ParticipantID string         `json:"participant_id"`
	Payload       map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type DeliveryEventRequest struct {
	Kind string `json:"kind" enum:"delivered,opened,clicked,bounced"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func programResponse(p domain.Program) ProgramResponse {
	return ProgramResponse{ID: p.ID, Name: p.Name, Status: p.Status, CreatedAt: p.CreatedAt}
}

func roundResponse(r domain.Round) RoundResponse {
	return RoundResponse{
		ID:          r.ID,
		ProgramID:   r.ProgramID,
		Name:        r.Name,
		Position:    r.Position,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func mapRounds(items []domain.Round) []RoundResponse {
	res := make([]RoundResponse, 0, len(items))
	for _, r := range items {
		res = append(res, roundResponse(r))
	}
	return res
}

func participantResponse(p domain.Participant) ParticipantResponse {
	return ParticipantResponse{
		ID:        p.ID,
		ProgramID: p.ProgramID,
		Type:      p.Type,
		Name:      p.Name,
		Email:     p.Email,
		AccountID: p.AccountID,
		CreatedAt: p.CreatedAt,
	}
}

func mapParticipants(items []domain.Participant) []ParticipantResponse {
	res := make([]ParticipantResponse, 0, len(items))
	for _, p := range items {
		res = append(res, participantResponse(p))
	}
	return res
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:              w.ID,
		ParticipantID:   w.ParticipantID,
		ParticipantType: w.ParticipantType,
		CurrentStage:    w.CurrentStage,
		StageStatus:     w.StageStatus,
		StageDataJSON:   w.StageDataJSON,
		StageEnteredAt:  w.StageEnteredAt,
		NextActionDue:   w.NextActionDue,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

func attemptResponse(a domain.Attempt) AttemptResponse {
	return AttemptResponse{
		ID:              a.ID,
		WorkflowID:      a.WorkflowID,
		AttemptNumber:   a.AttemptNumber,
		AttemptStatus:   a.AttemptStatus,
		ScheduledAt:     a.ScheduledAt,
		AttemptedAt:     a.AttemptedAt,
		ErrorMessage:    a.ErrorMessage,
		CommunicationID: a.CommunicationID,
		CreatedAt:       a.CreatedAt,
	}
}

func mapAttempts(items []domain.Attempt) []AttemptResponse {
	res := make([]AttemptResponse, 0, len(items))
	for _, a := range items {
		res = append(res, attemptResponse(a))
	}
	return res
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:               m.ID,
		RecipientAddress: m.RecipientAddress,
		RecipientType:    m.RecipientType,
		Subject:          m.Subject,
		Status:           m.Status,
		ContentHash:      m.ContentHash,
		ErrorMessage:     m.ErrorMessage,
		SentAt:           m.SentAt,
		CreatedAt:        m.CreatedAt,
	}
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProgramID:  e.ProgramID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}
