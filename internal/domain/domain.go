package domain

type Program struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Round struct {
	ID          string  `json:"id"`
	ProgramID   string  `json:"program_id"`
	Name        string  `json:"name" enum:"screening,pitching"`
	Position    int     `json:"position"`
	Status      string  `json:"status" enum:"pending,active,completed"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Participant struct {
	ID        string  `json:"id"`
	ProgramID string  `json:"program_id"`
	Type      string  `json:"type" enum:"juror,startup"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	AccountID *string `json:"account_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type ParticipantRoundStatus struct {
	ParticipantID string `json:"participant_id"`
	RoundID       string `json:"round_id"`
	Status        string `json:"status" enum:"pending,selected,rejected,under_review"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type Workflow struct {
	ID              string  `json:"id"`
	ParticipantID   string  `json:"participant_id"`
	ParticipantType string  `json:"participant_type" enum:"juror,startup"`
	CurrentStage    string  `json:"current_stage"`
	StageStatus     string  `json:"stage_status" enum:"pending,in_progress,completed,failed"`
	StageDataJSON   *string `json:"stage_data_json,omitempty"`
	StageEnteredAt  string  `json:"stage_entered_at" format:"date-time"`
	NextActionDue   *string `json:"next_action_due,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Attempt statuses: pending (scheduled), in_progress (claimed by a sweep),
// sent and failed (terminal, never overwritten).
type Attempt struct {
	ID              string  `json:"id"`
	WorkflowID      string  `json:"workflow_id"`
	AttemptNumber   int     `json:"attempt_number"`
	AttemptStatus   string  `json:"attempt_status" enum:"pending,in_progress,sent,failed"`
	ScheduledAt     string  `json:"scheduled_at" format:"date-time"`
	AttemptedAt     *string `json:"attempted_at,omitempty" format:"date-time"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	CommunicationID *string `json:"communication_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Message struct {
	ID               string  `json:"id"`
	RecipientAddress string  `json:"recipient_address"`
	RecipientType    string  `json:"recipient_type" enum:"juror,startup"`
	Subject          string  `json:"subject"`
	Body             string  `json:"body"`
	ContentHash      string  `json:"content_hash"`
	Status           string  `json:"status" enum:"pending,sent,failed,delivered,opened,clicked,bounced"`
	ErrorMessage     *string `json:"error_message,omitempty"`
	SentAt           *string `json:"sent_at,omitempty" format:"date-time"`
	DeliveredAt      *string `json:"delivered_at,omitempty" format:"date-time"`
	OpenedAt         *string `json:"opened_at,omitempty" format:"date-time"`
	ClickedAt        *string `json:"clicked_at,omitempty" format:"date-time"`
	BouncedAt        *string `json:"bounced_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProgramID  string `json:"program_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StageProgressEntry is the derived read-only view of one stage in a
// participant's fixed sequence.
type StageProgressEntry struct {
	Stage     string `json:"stage"`
	Status    string `json:"status" enum:"pending,in_progress,completed,failed"`
	Current   bool   `json:"current"`
	Retryable bool   `json:"retryable,omitempty"`
}
