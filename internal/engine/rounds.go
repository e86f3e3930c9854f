package engine

import (
	"context"
	"fmt"
	"time"

	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/repo"
)

// ActivateRound starts a pending round. Rounds may run concurrently, so
// activation does not wait for earlier rounds to complete.
func (e Engine) ActivateRound(ctx context.Context, programID, name, actorID string) (domain.Round, error) {
	rd, err := e.Repo.GetRoundByName(ctx, programID, name)
	if err != nil {
		return domain.Round{}, err
	}
	if rd.Status != "pending" {
		return domain.Round{}, ValidationError{Reason: fmt.Sprintf("round %s is %s, only pending rounds can be activated", name, rd.Status)}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoundActive(ctx, tx, rd.ID, now); err != nil {
		return domain.Round{}, err
	}
	if err := e.Events.Append(ctx, tx, "round.activated", programID, "round", rd.ID, actorID,
		events.EventPayload{"name": rd.Name, "position": rd.Position}); err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	rd.Status = "active"
	rd.StartedAt = &now
	return rd, nil
}

// CompleteRound closes an active round. Completion requires at least one
// selected participant, otherwise the results the round exists to produce
// are empty.
func (e Engine) CompleteRound(ctx context.Context, programID, name, actorID string) (domain.Round, error) {
	rd, err := e.Repo.GetRoundByName(ctx, programID, name)
	if err != nil {
		return domain.Round{}, err
	}
	if rd.Status != "active" {
		return domain.Round{}, ValidationError{Reason: fmt.Sprintf("round %s is %s, only active rounds can be completed", name, rd.Status)}
	}
	counts, err := e.Repo.CountRoundStatuses(ctx, rd.ID)
	if err != nil {
		return domain.Round{}, err
	}
	if counts["selected"] == 0 {
		return domain.Round{}, ValidationError{Reason: fmt.Sprintf("round %s has no selected participants", name)}
	}
	if counts["under_review"] > 0 {
		return domain.Round{}, ValidationError{Reason: fmt.Sprintf("round %s still has %d participants under review", name, counts["under_review"])}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoundCompleted(ctx, tx, rd.ID, now); err != nil {
		return domain.Round{}, err
	}
	if err := e.Events.Append(ctx, tx, "round.completed", programID, "round", rd.ID, actorID,
		events.EventPayload{"name": rd.Name, "selected": counts["selected"], "rejected": counts["rejected"], "pending": counts["pending"]}); err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	rd.Status = "completed"
	rd.CompletedAt = &now
	return rd, nil
}

// ReopenRound reverses the most recent completion. The round returns to
// active and the following round is forced back to pending. Reopening
// screening additionally reverts every selection decision in the program to
// pending so results can be re-derived.
func (e Engine) ReopenRound(ctx context.Context, programID, name, actorID string) (domain.Round, error) {
	rd, err := e.Repo.GetRoundByName(ctx, programID, name)
	if err != nil {
		return domain.Round{}, err
	}
	if rd.Status != "completed" {
		return domain.Round{}, ValidationError{Reason: fmt.Sprintf("round %s is %s, only completed rounds can be reopened", name, rd.Status)}
	}
	latest, err := e.Repo.MostRecentlyCompletedRound(ctx, programID)
	if err != nil {
		return domain.Round{}, err
	}
	if latest.ID != rd.ID {
		return domain.Round{}, ValidationError{Reason: fmt.Sprintf("only the most recently completed round (%s) can be reopened", latest.Name)}
	}
	now := e.now().UTC().Format(time.RFC3339)
	// Resolved before the write transaction opens; a pool read under an open
	// write tx would block on SQLite's write lock.
	next, err := e.Repo.RoundAtPosition(ctx, programID, rd.Position+1)
	if err != nil && err != repo.ErrNotFound {
		return domain.Round{}, err
	}
	hasNext := err == nil
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoundReopened(ctx, tx, rd.ID); err != nil {
		return domain.Round{}, err
	}
	if hasNext {
		if err := e.Repo.ForceRoundPending(ctx, tx, next.ID); err != nil {
			return domain.Round{}, err
		}
	}
	// Only reopening screening invalidates the selection decisions built on
	// top of it; later rounds keep the screening results intact.
	var reverted int64
	if rd.Name == "screening" {
		reverted, err = e.Repo.RevertSelectionStatuses(ctx, tx, programID, now)
		if err != nil {
			return domain.Round{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "round.reopened", programID, "round", rd.ID, actorID,
		events.EventPayload{"name": rd.Name, "reverted_statuses": reverted}); err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	rd.Status = "active"
	rd.CompletedAt = nil
	return rd, nil
}
