package dispatch_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/dispatch"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/migrate"
	"cadence/internal/repo"
)

type stubSender struct {
	Sent int
	Fail bool
}

func (s *stubSender) Send(ctx context.Context, to, subject, body string) error {
	if s.Fail {
		return errors.New("provider rejected message")
	}
	s.Sent++
	return nil
}

type dispatchEnv struct {
	DB         *sql.DB
	Repo       repo.Repo
	Dispatcher dispatch.Dispatcher
	Sender     *stubSender
	Ctx        context.Context
	Now        time.Time
}

func newDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("prog-1")
	sender := &stubSender{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &dispatchEnv{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Sender: sender,
		Ctx:    context.Background(),
		Now:    now,
	}
	env.Dispatcher = dispatch.Dispatcher{
		DB:        conn,
		Repo:      env.Repo,
		Events:    events.Writer{DB: conn},
		Config:    cfg,
		Templates: dispatch.StaticTemplates{},
		Sender:    sender,
		Now:       func() time.Time { return env.Now },
	}
	nowStr := now.Format(time.RFC3339)
	mustExec(t, conn, `INSERT INTO programs(id,name,status,created_at) VALUES ('prog-1','Test Program','active',?)`, nowStr)
	mustExec(t, conn, `INSERT INTO participants(id,program_id,type,name,email,created_at) VALUES ('juror-1','prog-1','juror','Ada','ada@example.com',?)`, nowStr)
	return env
}

func mustExec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %s: %v", query, err)
	}
}

// seedAttempt creates a workflow on the given stage with one claimed attempt.
func (env *dispatchEnv) seedAttempt(t *testing.T, stage string, n int) domain.Attempt {
	t.Helper()
	nowStr := env.Now.Format(time.RFC3339)
	wfID := "wf-1"
	if n == 1 {
		mustExec(t, env.DB, `INSERT INTO workflows(id,participant_id,participant_type,current_stage,stage_status,stage_entered_at,created_at,updated_at)
VALUES (?,?,?,?,'pending',?,?,?)`, wfID, "juror-1", "juror", stage, nowStr, nowStr, nowStr)
	}
	id := fmt.Sprintf("att-%d", n)
	mustExec(t, env.DB, `INSERT INTO communication_attempts(id,workflow_id,attempt_number,attempt_status,scheduled_at,attempted_at,created_at)
VALUES (?,?,?,'in_progress',?,?,?)`, id, wfID, n, nowStr, nowStr, nowStr)
	a, err := env.Repo.GetAttempt(env.Ctx, id)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	return a
}

func TestDispatchSendsAndSettles(t *testing.T) {
	env := newDispatchEnv(t)
	attempt := env.seedAttempt(t, "onboarding", 1)

	if err := env.Dispatcher.Dispatch(env.Ctx, attempt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	settled, err := env.Repo.GetAttempt(env.Ctx, attempt.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if settled.AttemptStatus != "sent" || settled.CommunicationID == nil {
		t.Fatalf("unexpected attempt: %+v", settled)
	}
	msg, err := env.Repo.GetMessage(env.Ctx, *settled.CommunicationID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != "sent" || msg.SentAt == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !strings.Contains(msg.Body, "Ada") {
		t.Fatalf("template vars not rendered: %s", msg.Body)
	}
	if env.Sender.Sent != 1 {
		t.Fatalf("expected 1 send, got %d", env.Sender.Sent)
	}
}

func TestDispatchDeduplicatesWithinWindow(t *testing.T) {
	env := newDispatchEnv(t)
	first := env.seedAttempt(t, "onboarding", 1)
	if err := env.Dispatcher.Dispatch(env.Ctx, first); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// identical content one hour later, well inside the 24h window
	env.Now = env.Now.Add(time.Hour)
	second := env.seedAttempt(t, "onboarding", 2)
	if err := env.Dispatcher.Dispatch(env.Ctx, second); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	settled, err := env.Repo.GetAttempt(env.Ctx, second.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if settled.AttemptStatus != "sent" {
		t.Fatalf("dedup must settle the attempt as sent, got %s", settled.AttemptStatus)
	}
	if env.Sender.Sent != 1 {
		t.Fatalf("duplicate was sent, %d sends", env.Sender.Sent)
	}

	firstSettled, _ := env.Repo.GetAttempt(env.Ctx, first.ID)
	if settled.CommunicationID == nil || firstSettled.CommunicationID == nil || *settled.CommunicationID != *firstSettled.CommunicationID {
		t.Fatalf("dedup should link to the original message")
	}
}

func TestDispatchSendsAgainAfterWindow(t *testing.T) {
	env := newDispatchEnv(t)
	first := env.seedAttempt(t, "onboarding", 1)
	if err := env.Dispatcher.Dispatch(env.Ctx, first); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	env.Now = env.Now.Add(25 * time.Hour)
	second := env.seedAttempt(t, "onboarding", 2)
	if err := env.Dispatcher.Dispatch(env.Ctx, second); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if env.Sender.Sent != 2 {
		t.Fatalf("expected resend after window, got %d sends", env.Sender.Sent)
	}
}

func TestDispatchFailureSettlesFailed(t *testing.T) {
	env := newDispatchEnv(t)
	env.Sender.Fail = true
	attempt := env.seedAttempt(t, "onboarding", 1)

	if err := env.Dispatcher.Dispatch(env.Ctx, attempt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	settled, err := env.Repo.GetAttempt(env.Ctx, attempt.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if settled.AttemptStatus != "failed" || settled.ErrorMessage == nil {
		t.Fatalf("unexpected attempt: %+v", settled)
	}
	wf, err := env.Repo.GetWorkflow(env.Ctx, attempt.WorkflowID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.StageStatus != "failed" {
		t.Fatalf("expected failed stage, got %s", wf.StageStatus)
	}

	// a failed message must not feed the dedup gate
	env.Sender.Fail = false
	retry := env.seedAttempt(t, "onboarding", 2)
	if err := env.Dispatcher.Dispatch(env.Ctx, retry); err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
	if env.Sender.Sent != 1 {
		t.Fatalf("retry after failure should send, got %d", env.Sender.Sent)
	}
}

func TestDispatchSkipsStageWithoutRule(t *testing.T) {
	env := newDispatchEnv(t)
	// onboarding has no trigger rule for startups in the default config
	nowStr := env.Now.Format(time.RFC3339)
	mustExec(t, env.DB, `INSERT INTO participants(id,program_id,type,name,email,created_at) VALUES ('startup-1','prog-1','startup','Acme','team@acme.example',?)`, nowStr)
	mustExec(t, env.DB, `INSERT INTO workflows(id,participant_id,participant_type,current_stage,stage_status,stage_entered_at,created_at,updated_at)
VALUES ('wf-s','startup-1','startup','onboarding','pending',?,?,?)`, nowStr, nowStr, nowStr)
	mustExec(t, env.DB, `INSERT INTO communication_attempts(id,workflow_id,attempt_number,attempt_status,scheduled_at,attempted_at,created_at)
VALUES ('att-s','wf-s',1,'in_progress',?,?,?)`, nowStr, nowStr, nowStr)
	attempt, err := env.Repo.GetAttempt(env.Ctx, "att-s")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}

	if err := env.Dispatcher.Dispatch(env.Ctx, attempt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	settled, _ := env.Repo.GetAttempt(env.Ctx, attempt.ID)
	if settled.AttemptStatus != "sent" || settled.CommunicationID != nil {
		t.Fatalf("expected skipped attempt settled sent without message, got %+v", settled)
	}
	if env.Sender.Sent != 0 {
		t.Fatalf("nothing should be sent without a rule")
	}
}

func TestDispatchRendersStageData(t *testing.T) {
	env := newDispatchEnv(t)
	env.Dispatcher.Templates = dispatch.StaticTemplates{Overrides: map[string]dispatch.Template{
		"assignment_notification": {
			Subject: "Assignments for {{name}}",
			Body:    "Hi {{name}}, you have {{assignment_count}} assignments.",
		},
	}}
	nowStr := env.Now.Format(time.RFC3339)
	mustExec(t, env.DB, `INSERT INTO workflows(id,participant_id,participant_type,current_stage,stage_status,stage_entered_at,stage_data_json,created_at,updated_at)
VALUES ('wf-1','juror-1','juror','assignment_notification','pending',?,?,?,?)`, nowStr, `{"assignment_count":"12"}`, nowStr, nowStr)
	mustExec(t, env.DB, `INSERT INTO communication_attempts(id,workflow_id,attempt_number,attempt_status,scheduled_at,attempted_at,created_at)
VALUES ('att-1','wf-1',1,'in_progress',?,?,?)`, nowStr, nowStr, nowStr)
	attempt, err := env.Repo.GetAttempt(env.Ctx, "att-1")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}

	if err := env.Dispatcher.Dispatch(env.Ctx, attempt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	settled, err := env.Repo.GetAttempt(env.Ctx, "att-1")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if settled.AttemptStatus != "sent" || settled.CommunicationID == nil {
		t.Fatalf("unexpected attempt: %+v", settled)
	}
	msg, err := env.Repo.GetMessage(env.Ctx, *settled.CommunicationID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !strings.Contains(msg.Body, "12 assignments") {
		t.Fatalf("stage data not rendered into body: %q", msg.Body)
	}
	if strings.Contains(msg.Body, "{{assignment_count}}") {
		t.Fatalf("placeholder left unsubstituted: %q", msg.Body)
	}
}

func TestRender(t *testing.T) {
	out := dispatch.Render("Hello {{name}}, welcome to {{program}}. {{unknown}} stays.", map[string]string{
		"name":    "Ada",
		"program": "Demo",
	})
	want := "Hello Ada, welcome to Demo. {{unknown}} stays."
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestContentHashStable(t *testing.T) {
	a := dispatch.ContentHash("a@example.com", "subject", "body")
	b := dispatch.ContentHash("a@example.com", "subject", "body")
	if a != b {
		t.Fatalf("hash not deterministic")
	}
	if a == dispatch.ContentHash("a@example.com", "subject", "body2") {
		t.Fatalf("hash should change with body")
	}
	// field boundaries matter: shifting a byte across fields is a different hash
	if dispatch.ContentHash("a@example.com", "subjectb", "ody") == a {
		t.Fatalf("hash ignores field boundaries")
	}
}
