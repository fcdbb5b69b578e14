package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/plue-dev/plue-flow/state"
)

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping db: %v", err)
	}

	store := NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetDatabase(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("reset database: %v", err)
	}

	cleanup := func() {
		_ = resetDatabase(ctx, db)
		_ = db.Close()
	}
	return store, cleanup
}

func resetDatabase(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
TRUNCATE commit_statuses, log_lines, artifacts, steps, tasks, jobs, runs, runners, workflow_definitions
RESTART IDENTITY CASCADE
`)
	return err
}

func TestCreateRunAssignsRunNumbers(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	first, jobs, err := store.CreateRun(ctx, state.Run{Repo: "acme/app"}, []state.Job{{JobID: "build"}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	second, _, err := store.CreateRun(ctx, state.Run{Repo: "acme/app"}, []state.Job{{JobID: "build"}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	other, _, err := store.CreateRun(ctx, state.Run{Repo: "acme/lib"}, []state.Job{{JobID: "build"}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if first.RunNumber != 1 || second.RunNumber != 2 {
		t.Fatalf("run numbers = %d, %d; want 1, 2", first.RunNumber, second.RunNumber)
	}
	if other.RunNumber != 1 {
		t.Fatalf("other repo run number = %d, want 1", other.RunNumber)
	}
	if len(jobs) != 1 || jobs[0].Status != state.StatusWaiting {
		t.Fatalf("jobs = %+v, want one waiting job", jobs)
	}
}

func TestCreateRunRejectsDuplicateJobID(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	_, _, err := store.CreateRun(ctx, state.Run{Repo: "acme/app"}, []state.Job{
		{JobID: "build"},
		{JobID: "build"},
	})
	if !state.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestClaimTaskExclusivity(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	_, jobs, err := store.CreateRun(ctx, state.Run{Repo: "acme/app"}, []state.Job{{JobID: "build"}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	task, err := store.CreateTask(ctx, state.Task{JobID: jobs[0].ID}, []state.Step{{Index: 0, Name: "compile"}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	winners := make(chan state.Task, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(runnerID int64) {
			defer wg.Done()
			claimed, err := store.ClaimTask(ctx, state.TaskClaim{RunnerID: runnerID, Now: time.Now().UTC()})
			if err != nil {
				if !errors.Is(err, state.ErrNoTask) {
					t.Errorf("claim: %v", err)
				}
				return
			}
			winners <- claimed
		}(int64(i + 1))
	}
	wg.Wait()
	close(winners)

	var count int
	for claimed := range winners {
		count++
		if claimed.ID != task.ID {
			t.Errorf("claimed unexpected task %d", claimed.ID)
		}
		if claimed.Status != state.StatusRunning || claimed.RunnerID == nil {
			t.Errorf("winner state = %+v", claimed)
		}
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}

func TestClaimTaskHonorsLabels(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	_, jobs, err := store.CreateRun(ctx, state.Run{Repo: "acme/app"}, []state.Job{
		{JobID: "gpu", RunsOn: []string{"linux", "gpu"}},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.CreateTask(ctx, state.Task{JobID: jobs[0].ID}, nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := store.ClaimTask(ctx, state.TaskClaim{RunnerID: 1, Labels: []string{"linux"}}); !errors.Is(err, state.ErrNoTask) {
		t.Fatalf("under-labeled claim: got %v, want ErrNoTask", err)
	}
	claimed, err := store.ClaimTask(ctx, state.TaskClaim{RunnerID: 1, Labels: []string{"linux", "gpu", "amd64"}})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != state.StatusRunning {
		t.Fatalf("status = %s, want running", claimed.Status)
	}
}

func TestAppendLogLinesAccounting(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	_, jobs, err := store.CreateRun(ctx, state.Run{Repo: "acme/app"}, []state.Job{{JobID: "build"}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	task, err := store.CreateTask(ctx, state.Task{JobID: jobs[0].ID}, []state.Step{
		{Index: 0, Name: "checkout"},
		{Index: 1, Name: "build"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if lines, err := store.AppendLogLines(ctx, task.ID, 0, nil, time.Now().UTC()); err != nil || lines != nil {
		t.Fatalf("empty batch = (%v, %v), want no-op", lines, err)
	}

	first, err := store.AppendLogLines(ctx, task.ID, 0, []string{"a", "b"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first[0].LineNumber != 0 || first[1].LineNumber != 1 {
		t.Fatalf("first batch numbering = %+v", first)
	}

	second, err := store.AppendLogLines(ctx, task.ID, 1, []string{"c"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second[0].LineNumber != 0 {
		t.Fatalf("second step numbering starts at %d, want 0", second[0].LineNumber)
	}

	stepOne, err := store.GetStep(ctx, task.ID, 1)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if stepOne.LogIndex != 2 || stepOne.LogLength != 1 {
		t.Fatalf("step 1 accounting = (%d, %d), want (2, 1)", stepOne.LogIndex, stepOne.LogLength)
	}

	updated, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if updated.LogSize != 3 {
		t.Fatalf("task log size = %d, want 3", updated.LogSize)
	}
}

func TestUpdateStatusStartedAtOnce(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	run, _, err := store.CreateRun(ctx, state.Run{Repo: "acme/app"}, []state.Job{{JobID: "build"}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := store.UpdateRunStatus(ctx, run.ID, state.StatusRunning, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	started, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if started.StartedAt == nil {
		t.Fatal("first running transition must set started_at")
	}
	firstStart := *started.StartedAt

	if err := store.UpdateRunStatus(ctx, run.ID, state.StatusRunning, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !again.StartedAt.Equal(firstStart) {
		t.Fatal("started_at must not move on repeat transitions")
	}

	stop := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.UpdateRunStatus(ctx, run.ID, state.StatusSuccess, &stop); err != nil {
		t.Fatalf("update: %v", err)
	}
	done, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.StoppedAt == nil || !done.StoppedAt.Equal(stop) {
		t.Fatal("supplied stopped_at must be recorded")
	}
}

func TestCommitStatusUpsert(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	first, err := store.UpsertCommitStatus(ctx, state.CommitStatus{
		Repo:      "acme/app",
		CommitSHA: "deadbeef",
		Context:   "ci",
		State:     state.CommitStatePending,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := store.UpsertCommitStatus(ctx, state.CommitStatus{
		Repo:      "acme/app",
		CommitSHA: "deadbeef",
		Context:   "ci",
		State:     state.CommitStateSuccess,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.ID != first.ID || second.State != state.CommitStateSuccess {
		t.Fatalf("upsert result = %+v, want same row updated to success", second)
	}
}
