package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/dispatch"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/migrate"
)

type sentMail struct {
	To      string
	Subject string
	Body    string
}

type stubSender struct {
	Sent []sentMail
	Fail bool
}

func (s *stubSender) Send(ctx context.Context, to, subject, body string) error {
	if s.Fail {
		return errors.New("smtp unavailable")
	}
	s.Sent = append(s.Sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

type testEnv struct {
	Engine engine.Engine
	Sender *stubSender
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("prog-1")
	sender := &stubSender{}
	eng := engine.New(conn, cfg, dispatch.StaticTemplates{}, sender, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return fixed }
	eng.Dispatcher.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.InitProgram(ctx, "prog-1", "Test Program", "tester", cfg); err != nil {
		t.Fatalf("init program: %v", err)
	}
	return testEnv{Engine: eng, Sender: sender, Ctx: ctx}
}

func registerJuror(t *testing.T, env testEnv) domain.Participant {
	t.Helper()
	p, err := env.Engine.RegisterParticipant(env.Ctx, engine.ParticipantCreateOptions{
		ProgramID: "prog-1",
		Type:      "juror",
		Name:      "Ada",
		Email:     "ada@example.com",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("register juror: %v", err)
	}
	return p
}

func TestEventStartsWorkflowAndDispatchesInline(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type:          "juror_onboarded",
		ProgramID:     "prog-1",
		ParticipantID: p.ID,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if res.Outcome != "started" {
		t.Fatalf("expected outcome started, got %s", res.Outcome)
	}
	if res.Workflow == nil || res.Workflow.CurrentStage != "onboarding" {
		t.Fatalf("unexpected workflow: %+v", res.Workflow)
	}
	// onboarding rule has no delay, so the attempt settles synchronously
	if res.Attempt == nil || res.Attempt.AttemptStatus != "sent" {
		t.Fatalf("expected sent attempt, got %+v", res.Attempt)
	}
	if res.Workflow.StageStatus != "completed" {
		t.Fatalf("expected completed stage, got %s", res.Workflow.StageStatus)
	}
	if len(env.Sender.Sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(env.Sender.Sent))
	}
	if env.Sender.Sent[0].To != "ada@example.com" {
		t.Fatalf("wrong recipient %s", env.Sender.Sent[0].To)
	}
}

func TestAssignmentEventCreatesWorkflowMidSequence(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	// no prior workflow; the event lands directly on the assignment stage
	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type:          "assignments_created",
		ProgramID:     "prog-1",
		ParticipantID: p.ID,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if res.Outcome != "started" {
		t.Fatalf("expected started, got %s", res.Outcome)
	}
	if res.Workflow == nil || res.Workflow.CurrentStage != "assignment_notification" {
		t.Fatalf("unexpected workflow: %+v", res.Workflow)
	}
	if res.Attempt == nil || res.Attempt.AttemptStatus != "sent" {
		t.Fatalf("expected sent attempt, got %+v", res.Attempt)
	}
	if len(env.Sender.Sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(env.Sender.Sent))
	}
	if env.Sender.Sent[0].To != "ada@example.com" {
		t.Fatalf("wrong recipient %s", env.Sender.Sent[0].To)
	}
}

func TestStageDataAccumulatesAcrossEvents(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	if _, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type:          "juror_onboarded",
		ProgramID:     "prog-1",
		ParticipantID: p.ID,
		ActorID:       "tester",
		Payload:       map[string]any{"cohort": "spring"},
	}); err != nil {
		t.Fatalf("first event: %v", err)
	}
	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type:          "assignments_created",
		ProgramID:     "prog-1",
		ParticipantID: p.ID,
		ActorID:       "tester",
		Payload:       map[string]any{"assignment_count": "12"},
	})
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if res.Workflow == nil || res.Workflow.StageDataJSON == nil {
		t.Fatalf("expected stage data, got %+v", res.Workflow)
	}
	data := *res.Workflow.StageDataJSON
	if !strings.Contains(data, "cohort") || !strings.Contains(data, "assignment_count") {
		t.Fatalf("stage data should keep earlier keys and add new ones: %s", data)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type:          "coffee_break",
		ProgramID:     "prog-1",
		ParticipantID: p.ID,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if res.Outcome != "ignored" {
		t.Fatalf("expected ignored, got %s", res.Outcome)
	}
	if res.Workflow != nil {
		t.Fatalf("no workflow should exist for unknown event")
	}
}

func TestBackwardsEventIgnored(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	if _, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "screening_completed", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	}); err != nil {
		t.Fatalf("advance to screening_results: %v", err)
	}
	// assignment_notification sits before screening_results in the juror
	// sequence, so this must be a no-op
	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "assignments_created", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("handle backwards event: %v", err)
	}
	if res.Outcome != "ignored" {
		t.Fatalf("expected ignored, got %s", res.Outcome)
	}
	if res.Workflow.CurrentStage != "screening_results" {
		t.Fatalf("stage moved backwards to %s", res.Workflow.CurrentStage)
	}
}

func TestRewindEventMovesWorkflowBack(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	if _, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "final_results_published", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	}); err != nil {
		t.Fatalf("advance to final_results: %v", err)
	}
	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "screening_reopened", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if res.Outcome != "advanced" {
		t.Fatalf("expected advanced, got %s", res.Outcome)
	}
	if res.Workflow.CurrentStage != "screening_results" || res.Workflow.StageStatus != "pending" {
		t.Fatalf("expected pending screening_results, got %s/%s", res.Workflow.CurrentStage, res.Workflow.StageStatus)
	}
	// the rewind transition itself does not dispatch
	if res.Attempt != nil {
		t.Fatalf("rewind should not schedule an attempt")
	}
}

func TestDelayedRuleLeavesAttemptPending(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	if _, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "juror_onboarded", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	}); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	sendsBefore := len(env.Sender.Sent)

	// evaluation_reminders carries a 24h delay in the default config
	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "evaluations_pending", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("handle delayed event: %v", err)
	}
	if res.Outcome != "advanced" {
		t.Fatalf("expected advanced, got %s", res.Outcome)
	}
	if res.Attempt == nil || res.Attempt.AttemptStatus != "pending" {
		t.Fatalf("expected pending attempt, got %+v", res.Attempt)
	}
	if res.Workflow.NextActionDue == nil {
		t.Fatalf("expected next_action_due to be set")
	}
	if len(env.Sender.Sent) != sendsBefore {
		t.Fatalf("delayed attempt must not send inline")
	}
}

func TestRetryOnlyAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	env.Sender.Fail = true
	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "juror_onboarded", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if res.Attempt == nil || res.Attempt.AttemptStatus != "failed" {
		t.Fatalf("expected failed attempt, got %+v", res.Attempt)
	}
	if res.Workflow.StageStatus != "failed" {
		t.Fatalf("expected failed stage, got %s", res.Workflow.StageStatus)
	}

	env.Sender.Fail = false
	retried, err := env.Engine.RetryCommunication(env.Ctx, res.Workflow.ID, "tester")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.AttemptStatus != "sent" {
		t.Fatalf("expected sent after retry, got %s", retried.AttemptStatus)
	}
	if retried.AttemptNumber != 2 {
		t.Fatalf("expected attempt number 2, got %d", retried.AttemptNumber)
	}

	// a second retry must be rejected, the latest attempt succeeded
	if _, err := env.Engine.RetryCommunication(env.Ctx, res.Workflow.ID, "tester"); err == nil {
		t.Fatalf("expected retry rejection when latest attempt sent")
	}
}

func TestStageProgressTimeline(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	entries, err := env.Engine.StageProgress(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("progress before workflow: %v", err)
	}
	for _, entry := range entries {
		if entry.Status != "pending" || entry.Current {
			t.Fatalf("expected all pending before first event, got %+v", entry)
		}
	}

	if _, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "screening_completed", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	entries, err = env.Engine.StageProgress(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	var current *domain.StageProgressEntry
	completed := 0
	for i := range entries {
		if entries[i].Current {
			current = &entries[i]
		}
		if entries[i].Status == "completed" {
			completed++
		}
	}
	if current == nil || current.Stage != "screening_results" {
		t.Fatalf("expected current screening_results, got %+v", current)
	}
	if completed != 3 {
		t.Fatalf("expected 3 completed earlier stages, got %d", completed)
	}
}

func TestEventsLoggedOnWorkflowChanges(t *testing.T) {
	env := newTestEnv(t)
	p := registerJuror(t, env)

	res, err := env.Engine.HandleEvent(env.Ctx, engine.EventOptions{
		Type: "juror_onboarded", ProgramID: "prog-1", ParticipantID: p.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, res.Workflow.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 1 {
		t.Fatalf("expected workflow events, got %d", count)
	}
}
