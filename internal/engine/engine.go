package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cadence/internal/config"
	"cadence/internal/dispatch"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/repo"
	"cadence/internal/scoring"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Dispatcher dispatch.Dispatcher
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, templates dispatch.TemplateProvider, sender dispatch.Sender, scores *scoring.Client) Engine {
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: w,
		Config: cfg,
		Dispatcher: dispatch.Dispatcher{
			DB:        db,
			Repo:      r,
			Events:    w,
			Config:    cfg,
			Templates: templates,
			Sender:    sender,
			Scoring:   scores,
			Now:       time.Now,
		},
		Now: time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationError marks a rejected state change. The API layer maps it to
// 422, everything else stays a 500.
type ValidationError struct {
	Reason string
}

func (v ValidationError) Error() string { return v.Reason }

// InitProgram creates the program, its rounds in config order and the stored
// config row, all in one transaction.
func (e Engine) InitProgram(ctx context.Context, programID, name, actorID string, cfg *config.Config) (domain.Program, error) {
	if cfg == nil {
		cfg = config.Default(programID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Program{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if name == "" {
		name = cfg.Program.Name
	}
	p := domain.Program{
		ID:        programID,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
	}
	if err := e.Repo.InsertProgram(ctx, tx, p); err != nil {
		return domain.Program{}, fmt.Errorf("insert program: %w", err)
	}
	for i, roundName := range cfg.Rounds {
		rd := domain.Round{
			ID:        uuid.NewString(),
			ProgramID: programID,
			Name:      roundName,
			Position:  i + 1,
			Status:    "pending",
		}
		if err := e.Repo.InsertRound(ctx, tx, rd); err != nil {
			return domain.Program{}, fmt.Errorf("insert round %s: %w", roundName, err)
		}
	}
	if err := e.Repo.UpsertProgramConfigTx(ctx, tx, programID, cfg); err != nil {
		return domain.Program{}, fmt.Errorf("insert program config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "program.init", programID, "program", programID, actorID, events.EventPayload{"rounds": cfg.Rounds}); err != nil {
		return domain.Program{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Program{}, err
	}
	return p, nil
}

// ParticipantCreateOptions are parameters for registering a participant.
type ParticipantCreateOptions struct {
	ID        string
	ProgramID string
	Type      string
	Name      string
	Email     string
	AccountID string
	ActorID   string
}

func (e Engine) RegisterParticipant(ctx context.Context, opts ParticipantCreateOptions) (domain.Participant, error) {
	if opts.Type != "juror" && opts.Type != "startup" {
		return domain.Participant{}, ValidationError{Reason: fmt.Sprintf("unknown participant type %s", opts.Type)}
	}
	if opts.Name == "" {
		return domain.Participant{}, ValidationError{Reason: "name is required"}
	}
	if opts.Email == "" {
		return domain.Participant{}, ValidationError{Reason: "email is required"}
	}
	if _, err := e.Repo.GetProgram(ctx, opts.ProgramID); err != nil {
		return domain.Participant{}, err
	}
	rounds, err := e.Repo.ListRounds(ctx, opts.ProgramID)
	if err != nil {
		return domain.Participant{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Participant{
		ID:        id,
		ProgramID: opts.ProgramID,
		Type:      opts.Type,
		Name:      opts.Name,
		Email:     opts.Email,
		CreatedAt: now,
	}
	if opts.AccountID != "" {
		p.AccountID = &opts.AccountID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertParticipant(ctx, tx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	// Startups get a status slot in every round up front; jurors are not
	// selected or rejected, they evaluate.
	if p.Type == "startup" {
		for _, rd := range rounds {
			if _, err := tx.ExecContext(ctx, `INSERT INTO participant_round_statuses(participant_id,round_id,status,updated_at) VALUES (?,?,'pending',?)`,
				p.ID, rd.ID, now); err != nil {
				return domain.Participant{}, fmt.Errorf("insert round status: %w", err)
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "participant.registered", p.ProgramID, "participant", p.ID, opts.ActorID,
		events.EventPayload{"type": p.Type, "email": p.Email}); err != nil {
		return domain.Participant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, err
	}
	return p, nil
}

// SetParticipantStatus records a selection decision for a participant in a
// round.
func (e Engine) SetParticipantStatus(ctx context.Context, programID, participantID, roundName, status, actorID string) (domain.ParticipantRoundStatus, error) {
	switch status {
	case "pending", "selected", "rejected", "under_review":
	default:
		return domain.ParticipantRoundStatus{}, ValidationError{Reason: fmt.Sprintf("unknown status %s", status)}
	}
	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		return domain.ParticipantRoundStatus{}, err
	}
	rd, err := e.Repo.GetRoundByName(ctx, programID, roundName)
	if err != nil {
		return domain.ParticipantRoundStatus{}, err
	}
	if rd.Status == "pending" {
		return domain.ParticipantRoundStatus{}, ValidationError{Reason: fmt.Sprintf("round %s has not started", roundName)}
	}
	now := e.now().UTC().Format(time.RFC3339)
	prs := domain.ParticipantRoundStatus{
		ParticipantID: p.ID,
		RoundID:       rd.ID,
		Status:        status,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ParticipantRoundStatus{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertParticipantStatus(ctx, tx, prs); err != nil {
		return domain.ParticipantRoundStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, "participant.status_changed", programID, "participant", p.ID, actorID,
		events.EventPayload{"round": roundName, "status": status}); err != nil {
		return domain.ParticipantRoundStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ParticipantRoundStatus{}, err
	}
	return prs, nil
}

// EventOptions carries an application event aimed at one participant.
type EventOptions struct {
	Type          string
	ProgramID     string
	ParticipantID string
	Payload       map[string]any
	ActorID       string
}

// EventResult reports what an application event did to the workflow.
type EventResult struct {
	Outcome  string           `json:"outcome" enum:"started,advanced,ignored"`
	Workflow *domain.Workflow `json:"workflow,omitempty"`
	Attempt  *domain.Attempt  `json:"attempt,omitempty"`
}

// HandleEvent routes an application event through the transition table. A
// new workflow starts at the transition's stage; an existing one advances
// only forward unless the transition rewinds. When the stage has an active
// trigger rule a communication attempt is scheduled, and dispatched
// immediately when the rule has no delay.
func (e Engine) HandleEvent(ctx context.Context, opts EventOptions) (EventResult, error) {
	transition, ok := e.Config.TransitionFor(opts.Type)
	if !ok {
		if err := e.appendIgnored(ctx, opts, "unknown_event"); err != nil {
			return EventResult{}, err
		}
		return EventResult{Outcome: "ignored"}, nil
	}
	p, err := e.Repo.GetParticipant(ctx, opts.ParticipantID)
	if err != nil {
		return EventResult{}, err
	}
	newIdx := e.Config.StageIndex(p.Type, transition.Stage)
	if newIdx < 0 {
		if err := e.appendIgnored(ctx, opts, "stage_not_in_sequence"); err != nil {
			return EventResult{}, err
		}
		return EventResult{Outcome: "ignored"}, nil
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	payloadJSON, err := marshalPayload(opts.Payload)
	if err != nil {
		return EventResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EventResult{}, err
	}
	defer tx.Rollback()

	outcome := "advanced"
	wf, err := e.Repo.GetWorkflowByParticipantTx(ctx, tx, p.ID, p.Type)
	if err == repo.ErrNotFound {
		wf = domain.Workflow{
			ID:              uuid.NewString(),
			ParticipantID:   p.ID,
			ParticipantType: p.Type,
			CurrentStage:    transition.Stage,
			StageStatus:     "pending",
			StageEnteredAt:  nowStr,
			CreatedAt:       nowStr,
			UpdatedAt:       nowStr,
		}
		if payloadJSON != "" {
			wf.StageDataJSON = &payloadJSON
		}
		if err := e.Repo.InsertWorkflowIfAbsent(ctx, tx, wf); err != nil {
			return EventResult{}, err
		}
		outcome = "started"
	} else if err != nil {
		return EventResult{}, err
	} else {
		curIdx := e.Config.StageIndex(p.Type, wf.CurrentStage)
		if newIdx <= curIdx && !transition.Rewind {
			if err := e.Events.Append(ctx, tx, "workflow.transition_ignored", p.ProgramID, "workflow", wf.ID, opts.ActorID,
				events.EventPayload{"event": opts.Type, "current_stage": wf.CurrentStage, "target_stage": transition.Stage}); err != nil {
				return EventResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return EventResult{}, err
			}
			return EventResult{Outcome: "ignored", Workflow: &wf}, nil
		}
		prevStage, prevStatus := wf.CurrentStage, wf.StageStatus
		wf.CurrentStage = transition.Stage
		wf.StageStatus = "pending"
		wf.StageEnteredAt = nowStr
		wf.UpdatedAt = nowStr
		wf.NextActionDue = nil
		if len(opts.Payload) > 0 {
			merged, err := mergeStageData(wf.StageDataJSON, opts.Payload)
			if err != nil {
				return EventResult{}, err
			}
			wf.StageDataJSON = &merged
		}
		if err := e.Repo.AdvanceWorkflowStage(ctx, tx, wf, prevStage, prevStatus); err != nil {
			return EventResult{}, err
		}
	}

	var attempt *domain.Attempt
	var delayHours int
	if transition.Dispatch {
		rule, ok := e.Config.RuleFor(transition.Stage, p.Type)
		if ok && rule.Active {
			n, err := e.Repo.NextAttemptNumber(ctx, tx, wf.ID)
			if err != nil {
				return EventResult{}, err
			}
			delayHours = rule.DelayHours
			scheduledAt := now.Add(time.Duration(rule.DelayHours) * time.Hour).Format(time.RFC3339)
			a := domain.Attempt{
				ID:            uuid.NewString(),
				WorkflowID:    wf.ID,
				AttemptNumber: n,
				AttemptStatus: "pending",
				ScheduledAt:   scheduledAt,
				CreatedAt:     nowStr,
			}
			if err := e.Repo.InsertAttempt(ctx, tx, a); err != nil {
				return EventResult{}, err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE workflows SET next_action_due=? WHERE id=?`, scheduledAt, wf.ID); err != nil {
				return EventResult{}, err
			}
			wf.NextActionDue = &a.ScheduledAt
			attempt = &a
		}
	}

	evtPayload := events.EventPayload{"stage": transition.Stage, "outcome": outcome}
	for k, v := range opts.Payload {
		evtPayload[k] = v
	}
	if err := e.Events.Append(ctx, tx, opts.Type, p.ProgramID, "workflow", wf.ID, opts.ActorID, evtPayload); err != nil {
		return EventResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EventResult{}, err
	}

	// Zero-delay rules dispatch inline; delayed ones wait for the sweep.
	if attempt != nil && delayHours == 0 {
		claimed, err := e.Repo.ClaimAttempt(ctx, attempt.ID, nowStr)
		if err != nil {
			return EventResult{}, err
		}
		if claimed {
			if err := e.Dispatcher.Dispatch(ctx, *attempt); err != nil {
				return EventResult{}, err
			}
		}
		settled, err := e.Repo.GetAttempt(ctx, attempt.ID)
		if err == nil {
			attempt = &settled
		}
		refreshed, err := e.Repo.GetWorkflow(ctx, wf.ID)
		if err == nil {
			wf = refreshed
		}
	}
	return EventResult{Outcome: outcome, Workflow: &wf, Attempt: attempt}, nil
}

func (e Engine) appendIgnored(ctx context.Context, opts EventOptions, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "event.ignored", opts.ProgramID, "participant", opts.ParticipantID, opts.ActorID,
		events.EventPayload{"event": opts.Type, "reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// RetryCommunication schedules and immediately dispatches a fresh attempt
// for a workflow whose latest attempt failed.
func (e Engine) RetryCommunication(ctx context.Context, workflowID, actorID string) (domain.Attempt, error) {
	wf, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Attempt{}, err
	}
	latest, err := e.Repo.LatestAttempt(ctx, workflowID)
	if err == repo.ErrNotFound {
		return domain.Attempt{}, ValidationError{Reason: "workflow has no attempts to retry"}
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	if latest.AttemptStatus != "failed" {
		return domain.Attempt{}, ValidationError{Reason: fmt.Sprintf("latest attempt is %s, only failed attempts can be retried", latest.AttemptStatus)}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attempt{}, err
	}
	defer tx.Rollback()
	n, err := e.Repo.NextAttemptNumber(ctx, tx, workflowID)
	if err != nil {
		return domain.Attempt{}, err
	}
	a := domain.Attempt{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		AttemptNumber: n,
		AttemptStatus: "pending",
		ScheduledAt:   now,
		CreatedAt:     now,
	}
	if err := e.Repo.InsertAttempt(ctx, tx, a); err != nil {
		return domain.Attempt{}, err
	}
	if err := e.Events.Append(ctx, tx, "communication.retry", "", "workflow", wf.ID, actorID,
		events.EventPayload{"attempt_id": a.ID, "attempt_number": n}); err != nil {
		return domain.Attempt{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attempt{}, err
	}
	claimed, err := e.Repo.ClaimAttempt(ctx, a.ID, now)
	if err != nil {
		return domain.Attempt{}, err
	}
	if claimed {
		if err := e.Dispatcher.Dispatch(ctx, a); err != nil {
			return domain.Attempt{}, err
		}
	}
	return e.Repo.GetAttempt(ctx, a.ID)
}

// StageProgress derives the read-only stage timeline for a participant from
// the fixed sequence and the workflow's current position.
func (e Engine) StageProgress(ctx context.Context, participantID string) ([]domain.StageProgressEntry, error) {
	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	sequence := e.Config.Sequence(p.Type)
	if len(sequence) == 0 {
		return nil, ValidationError{Reason: fmt.Sprintf("no sequence configured for type %s", p.Type)}
	}
	wf, err := e.Repo.GetWorkflowByParticipant(ctx, p.ID, p.Type)
	if err == repo.ErrNotFound {
		entries := make([]domain.StageProgressEntry, len(sequence))
		for i, stage := range sequence {
			entries[i] = domain.StageProgressEntry{Stage: stage, Status: "pending"}
		}
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	curIdx := e.Config.StageIndex(p.Type, wf.CurrentStage)
	entries := make([]domain.StageProgressEntry, len(sequence))
	for i, stage := range sequence {
		entry := domain.StageProgressEntry{Stage: stage, Status: "pending"}
		switch {
		case i < curIdx:
			entry.Status = "completed"
		case i == curIdx:
			entry.Status = wf.StageStatus
			entry.Current = true
			entry.Retryable = wf.StageStatus == "failed"
		}
		entries[i] = entry
	}
	return entries, nil
}

func marshalPayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

// mergeStageData overlays the event payload onto the workflow's accumulated
// stage data. Payload keys win.
func mergeStageData(existing *string, payload map[string]any) (string, error) {
	data := map[string]any{}
	if existing != nil && *existing != "" {
		if err := json.Unmarshal([]byte(*existing), &data); err != nil {
			return "", fmt.Errorf("decode stage data: %w", err)
		}
	}
	for k, v := range payload {
		data[k] = v
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal stage data: %w", err)
	}
	return string(out), nil
}
