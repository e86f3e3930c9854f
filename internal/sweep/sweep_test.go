package sweep_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/dispatch"
	"cadence/internal/events"
	"cadence/internal/migrate"
	"cadence/internal/repo"
	"cadence/internal/sweep"
)

type flakySender struct {
	Sent    []string
	FailFor map[string]bool
}

func (s *flakySender) Send(ctx context.Context, to, subject, body string) error {
	if s.FailFor[to] {
		return errors.New("mailbox unavailable")
	}
	s.Sent = append(s.Sent, to)
	return nil
}

type sweepEnv struct {
	DB      *sql.DB
	Repo    repo.Repo
	Sweeper sweep.Sweeper
	Sender  *flakySender
	Ctx     context.Context
	Now     time.Time
}

func newSweepEnv(t *testing.T) *sweepEnv {
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
	sender := &flakySender{FailFor: map[string]bool{}}
	env := &sweepEnv{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Sender: sender,
		Ctx:    context.Background(),
		Now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return env.Now }
	env.Sweeper = sweep.Sweeper{
		Repo: env.Repo,
		Dispatcher: dispatch.Dispatcher{
			DB:        conn,
			Repo:      env.Repo,
			Events:    events.Writer{DB: conn},
			Config:    cfg,
			Templates: dispatch.StaticTemplates{},
			Sender:    sender,
			Now:       now,
		},
		Config: cfg,
		Now:    now,
	}
	nowStr := env.Now.Format(time.RFC3339)
	mustExec(t, conn, `INSERT INTO programs(id,name,status,created_at) VALUES ('prog-1','Test Program','active',?)`, nowStr)
	return env
}

func mustExec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %s: %v", query, err)
	}
}

// seedPending creates a juror with a workflow on the onboarding stage and one
// pending attempt at the given schedule offset.
func (env *sweepEnv) seedPending(t *testing.T, i int, offset time.Duration) string {
	t.Helper()
	nowStr := env.Now.Format(time.RFC3339)
	pid := fmt.Sprintf("juror-%d", i)
	wfID := fmt.Sprintf("wf-%d", i)
	attID := fmt.Sprintf("att-%d", i)
	email := fmt.Sprintf("juror%d@example.com", i)
	mustExec(t, env.DB, `INSERT INTO participants(id,program_id,type,name,email,created_at) VALUES (?,?,?,?,?,?)`,
		pid, "prog-1", "juror", fmt.Sprintf("Juror %d", i), email, nowStr)
	mustExec(t, env.DB, `INSERT INTO workflows(id,participant_id,participant_type,current_stage,stage_status,stage_entered_at,created_at,updated_at)
VALUES (?,?,?,?,'pending',?,?,?)`, wfID, pid, "juror", "onboarding", nowStr, nowStr, nowStr)
	mustExec(t, env.DB, `INSERT INTO communication_attempts(id,workflow_id,attempt_number,attempt_status,scheduled_at,created_at)
VALUES (?,?,1,'pending',?,?)`, attID, wfID, env.Now.Add(offset).Format(time.RFC3339), nowStr)
	return attID
}

func TestSweepProcessesDueAttemptsInOrder(t *testing.T) {
	env := newSweepEnv(t)
	env.seedPending(t, 1, -2*time.Hour)
	env.seedPending(t, 2, -time.Hour)
	env.seedPending(t, 3, time.Hour) // not due yet

	res, err := env.Sweeper.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Claimed != 2 || res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(env.Sender.Sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(env.Sender.Sent))
	}
	// oldest schedule goes first
	if env.Sender.Sent[0] != "juror1@example.com" || env.Sender.Sent[1] != "juror2@example.com" {
		t.Fatalf("wrong order: %v", env.Sender.Sent)
	}

	future, err := env.Repo.GetAttempt(env.Ctx, "att-3")
	if err != nil {
		t.Fatalf("get future attempt: %v", err)
	}
	if future.AttemptStatus != "pending" {
		t.Fatalf("future attempt was touched: %s", future.AttemptStatus)
	}
}

func TestSweepRespectsBatchCap(t *testing.T) {
	env := newSweepEnv(t)
	env.Sweeper.Config.Communications.Sweep.BatchSize = 3
	for i := 1; i <= 5; i++ {
		env.seedPending(t, i, -time.Duration(10-i)*time.Minute)
	}

	res, err := env.Sweeper.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Claimed != 3 {
		t.Fatalf("expected 3 claimed, got %d", res.Claimed)
	}

	// leftovers surface in the next pass
	res, err = env.Sweeper.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Claimed != 2 {
		t.Fatalf("expected 2 claimed on second pass, got %d", res.Claimed)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	env := newSweepEnv(t)
	env.seedPending(t, 1, -3*time.Hour)
	env.seedPending(t, 2, -2*time.Hour)
	env.seedPending(t, 3, -time.Hour)
	env.Sender.FailFor["juror2@example.com"] = true

	res, err := env.Sweeper.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Claimed != 3 || res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	failed, _ := env.Repo.GetAttempt(env.Ctx, "att-2")
	if failed.AttemptStatus != "failed" {
		t.Fatalf("expected failed attempt, got %s", failed.AttemptStatus)
	}
	ok, _ := env.Repo.GetAttempt(env.Ctx, "att-3")
	if ok.AttemptStatus != "sent" {
		t.Fatalf("later attempt should still run, got %s", ok.AttemptStatus)
	}
}

func TestSweepReleasesStaleClaims(t *testing.T) {
	env := newSweepEnv(t)
	attID := env.seedPending(t, 1, -2*time.Hour)

	// simulate a crashed worker: claimed 30 minutes ago, never settled
	stale := env.Now.Add(-30 * time.Minute).Format(time.RFC3339)
	mustExec(t, env.DB, `UPDATE communication_attempts SET attempt_status='in_progress', attempted_at=? WHERE id=?`, stale, attID)

	res, err := env.Sweeper.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Released != 1 {
		t.Fatalf("expected 1 released, got %d", res.Released)
	}
	if res.Claimed != 1 || res.Succeeded != 1 {
		t.Fatalf("released attempt should be reclaimed in the same pass: %+v", res)
	}
}

func TestSweepLeavesFreshClaimsAlone(t *testing.T) {
	env := newSweepEnv(t)
	attID := env.seedPending(t, 1, -2*time.Hour)

	fresh := env.Now.Add(-time.Minute).Format(time.RFC3339)
	mustExec(t, env.DB, `UPDATE communication_attempts SET attempt_status='in_progress', attempted_at=? WHERE id=?`, fresh, attID)

	res, err := env.Sweeper.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Released != 0 || res.Claimed != 0 {
		t.Fatalf("fresh claim must stay claimed: %+v", res)
	}
	a, _ := env.Repo.GetAttempt(env.Ctx, attID)
	if a.AttemptStatus != "in_progress" {
		t.Fatalf("expected in_progress, got %s", a.AttemptStatus)
	}
}
