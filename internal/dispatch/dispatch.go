// Package dispatch turns claimed communication attempts into delivered
// messages. It resolves the trigger rule for the workflow's current stage,
// renders the category template, suppresses duplicates inside the send
// window and settles the attempt with a terminal outcome.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/repo"
	"cadence/internal/scoring"
)

type Template struct {
	Subject string
	Body    string
}

type TemplateProvider interface {
	Template(ctx context.Context, category, participantType string) (Template, error)
}

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Dispatcher struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Templates TemplateProvider
	Sender    Sender
	Scoring   *scoring.Client
	Now       func() time.Time
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Dispatch processes an attempt already claimed in_progress. It always
// settles the attempt: sent when a message went out, was deduplicated or the
// stage has no active rule; failed when rendering or delivery broke.
func (d Dispatcher) Dispatch(ctx context.Context, attempt domain.Attempt) error {
	wf, err := d.Repo.GetWorkflow(ctx, attempt.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", attempt.WorkflowID, err)
	}
	participant, err := d.Repo.GetParticipant(ctx, wf.ParticipantID)
	if err != nil {
		return d.settleFailure(ctx, attempt, wf, fmt.Sprintf("load participant: %v", err))
	}

	rule, ok := d.Config.RuleFor(wf.CurrentStage, wf.ParticipantType)
	if !ok || !rule.Active {
		return d.settleSkipped(ctx, attempt, wf)
	}

	tmpl, err := d.Templates.Template(ctx, rule.TemplateCategory, wf.ParticipantType)
	if err != nil {
		return d.settleFailure(ctx, attempt, wf, fmt.Sprintf("template %s: %v", rule.TemplateCategory, err))
	}

	vars := d.templateVars(ctx, participant, wf)
	subject := Render(tmpl.Subject, vars)
	body := Render(tmpl.Body, vars)
	hash := ContentHash(participant.Email, subject, body)

	now := d.now().UTC()
	nowStr := now.Format(time.RFC3339)
	since := now.Add(-d.Config.DedupWindow(rule.TemplateCategory)).Format(time.RFC3339)

	// Phase one: the dedup gate and the pending message row commit together,
	// so two concurrent dispatches of identical content cannot both pass.
	msg := domain.Message{
		ID:               uuid.NewString(),
		RecipientAddress: participant.Email,
		RecipientType:    wf.ParticipantType,
		Subject:          subject,
		Body:             body,
		ContentHash:      hash,
		Status:           "pending",
		CreatedAt:        nowStr,
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	existing, err := d.Repo.FindRecentMessage(ctx, tx, hash, participant.Email, since)
	if err == nil {
		if err := d.Repo.SettleAttempt(ctx, tx, attempt.ID, "sent", nowStr, nil, &existing.ID); err != nil {
			return err
		}
		if err := d.Repo.SetWorkflowStageStatus(ctx, tx, wf.ID, "completed", nowStr); err != nil {
			return err
		}
		if err := d.Events.Append(ctx, tx, "communication.deduplicated", participant.ProgramID, "attempt", attempt.ID, "system",
			events.EventPayload{"workflow_id": wf.ID, "communication_id": existing.ID, "content_hash": hash}); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err != repo.ErrNotFound {
		return err
	}
	if err := d.Repo.InsertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Delivery happens outside any transaction; the pending message row marks
	// the in-flight send.
	sendErr := d.Sender.Send(ctx, participant.Email, subject, body)

	settledAt := d.now().UTC().Format(time.RFC3339)
	tx, err = d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if sendErr != nil {
		reason := sendErr.Error()
		if err := d.Repo.SettleMessage(ctx, tx, msg.ID, "failed", nil, &reason); err != nil {
			return err
		}
		if err := d.Repo.SettleAttempt(ctx, tx, attempt.ID, "failed", settledAt, &reason, &msg.ID); err != nil {
			return err
		}
		if err := d.Repo.SetWorkflowStageStatus(ctx, tx, wf.ID, "failed", settledAt); err != nil {
			return err
		}
		if err := d.Events.Append(ctx, tx, "communication.failed", participant.ProgramID, "attempt", attempt.ID, "system",
			events.EventPayload{"workflow_id": wf.ID, "communication_id": msg.ID, "error": reason}); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err := d.Repo.SettleMessage(ctx, tx, msg.ID, "sent", &settledAt, nil); err != nil {
		return err
	}
	if err := d.Repo.SettleAttempt(ctx, tx, attempt.ID, "sent", settledAt, nil, &msg.ID); err != nil {
		return err
	}
	if err := d.Repo.SetWorkflowStageStatus(ctx, tx, wf.ID, "completed", settledAt); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, "communication.sent", participant.ProgramID, "attempt", attempt.ID, "system",
		events.EventPayload{"workflow_id": wf.ID, "communication_id": msg.ID, "template_category": rule.TemplateCategory}); err != nil {
		return err
	}
	return tx.Commit()
}

// templateVars collects the substitution set: the workflow's accumulated
// stage data first, then participant and program fields, which win on key
// collisions.
func (d Dispatcher) templateVars(ctx context.Context, p domain.Participant, wf domain.Workflow) map[string]string {
	vars := map[string]string{}
	if wf.StageDataJSON != nil && *wf.StageDataJSON != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(*wf.StageDataJSON), &data); err == nil {
			for k, v := range data {
				vars[k] = fmt.Sprint(v)
			}
		}
	}
	vars["name"] = p.Name
	vars["email"] = p.Email
	vars["program"] = d.Config.Program.Name
	vars["stage"] = wf.CurrentStage
	switch wf.CurrentStage {
	case "screening_results", "final_results":
		if score, ok := d.Scoring.Score(ctx, p.ID); ok {
			vars["score"] = strconv.FormatFloat(score, 'f', 1, 64)
		}
	}
	return vars
}

// settleSkipped closes an attempt whose stage has no active trigger rule.
// The attempt counts as handled, just with nothing to send.
func (d Dispatcher) settleSkipped(ctx context.Context, attempt domain.Attempt, wf domain.Workflow) error {
	now := d.now().UTC().Format(time.RFC3339)
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.SettleAttempt(ctx, tx, attempt.ID, "sent", now, nil, nil); err != nil {
		return err
	}
	if err := d.Repo.SetWorkflowStageStatus(ctx, tx, wf.ID, "completed", now); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, "communication.skipped", "", "attempt", attempt.ID, "system",
		events.EventPayload{"workflow_id": wf.ID, "stage": wf.CurrentStage, "participant_type": wf.ParticipantType}); err != nil {
		return err
	}
	return tx.Commit()
}

func (d Dispatcher) settleFailure(ctx context.Context, attempt domain.Attempt, wf domain.Workflow, reason string) error {
	now := d.now().UTC().Format(time.RFC3339)
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.SettleAttempt(ctx, tx, attempt.ID, "failed", now, &reason, nil); err != nil {
		return err
	}
	if err := d.Repo.SetWorkflowStageStatus(ctx, tx, wf.ID, "failed", now); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, "communication.failed", "", "attempt", attempt.ID, "system",
		events.EventPayload{"workflow_id": wf.ID, "error": reason}); err != nil {
		return err
	}
	return tx.Commit()
}
