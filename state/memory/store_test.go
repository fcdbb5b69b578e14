package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plue-dev/plue-flow/state"
	"github.com/plue-dev/plue-flow/token"
)

func mustCreateRun(t *testing.T, store *Store, repo string, jobs ...state.Job) (state.Run, []state.Job) {
	t.Helper()
	if len(jobs) == 0 {
		jobs = []state.Job{{JobID: "build", Name: "build"}}
	}
	run, created, err := store.CreateRun(context.Background(), state.Run{Repo: repo, Title: "test"}, jobs)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run, created
}

func mustCreateTask(t *testing.T, store *Store, jobID int64, steps ...state.Step) state.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), state.Task{JobID: jobID}, steps)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateRunAssignsMonotonicRunNumbers(t *testing.T) {
	store := NewStore()

	first, _ := mustCreateRun(t, store, "acme/app")
	second, _ := mustCreateRun(t, store, "acme/app")
	other, _ := mustCreateRun(t, store, "acme/lib")

	if first.RunNumber != 1 || second.RunNumber != 2 {
		t.Fatalf("run numbers = %d, %d; want 1, 2", first.RunNumber, second.RunNumber)
	}
	if other.RunNumber != 1 {
		t.Fatalf("other repo run number = %d, want independent sequence starting at 1", other.RunNumber)
	}
	if first.Status != state.StatusWaiting {
		t.Fatalf("new run status = %s, want waiting", first.Status)
	}
}

func TestCreateRunRejectsDuplicateJobIDs(t *testing.T) {
	store := NewStore()

	_, _, err := store.CreateRun(context.Background(), state.Run{Repo: "acme/app"}, []state.Job{
		{JobID: "build"},
		{JobID: "build"},
	})
	if !state.IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestCreateRunRejectsUnknownNeeds(t *testing.T) {
	store := NewStore()

	_, _, err := store.CreateRun(context.Background(), state.Run{Repo: "acme/app"}, []state.Job{
		{JobID: "test", Needs: []string{"build"}},
	})
	if err == nil {
		t.Fatal("expected error for needs referencing a missing job")
	}
}

func TestUpdateStatusSetsStartedAtOnce(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	run, _ := mustCreateRun(t, store, "acme/app")

	if err := store.UpdateRunStatus(ctx, run.ID, state.StatusRunning, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}
	afterStart, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if afterStart.StartedAt == nil {
		t.Fatal("first transition to running must set started_at")
	}
	firstStart := *afterStart.StartedAt

	if err := store.UpdateRunStatus(ctx, run.ID, state.StatusWaiting, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, run.ID, state.StatusRunning, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}
	again, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !again.StartedAt.Equal(firstStart) {
		t.Fatal("second transition to running must not move started_at")
	}
	if again.StoppedAt != nil {
		t.Fatal("stopped_at must stay unset until supplied")
	}

	stop := time.Now().UTC()
	if err := store.UpdateRunStatus(ctx, run.ID, state.StatusSuccess, &stop); err != nil {
		t.Fatalf("update status: %v", err)
	}
	done, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if done.StoppedAt == nil || !done.StoppedAt.Equal(stop) {
		t.Fatal("supplied stopped_at must be recorded")
	}
}

func TestClaimTaskPrefersEarliestCreated(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, jobs := mustCreateRun(t, store, "acme/app", state.Job{JobID: "a"}, state.Job{JobID: "b"})

	first := mustCreateTask(t, store, jobs[0].ID)
	mustCreateTask(t, store, jobs[1].ID)

	claimed, err := store.ClaimTask(ctx, state.TaskClaim{RunnerID: 42, TokenHash: "h", TokenLastEight: "last8888"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("claimed task %d, want earliest task %d", claimed.ID, first.ID)
	}
	if claimed.RunnerID == nil || *claimed.RunnerID != 42 {
		t.Fatal("claim must assign the runner")
	}
	if claimed.Status != state.StatusRunning {
		t.Fatalf("claimed status = %s, want running", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Fatal("claim must set started_at")
	}
	if claimed.TokenHash != "h" || claimed.TokenLastEight != "last8888" {
		t.Fatal("claim must write the task credential")
	}
}

func TestClaimTaskMatchesLabelSubset(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, jobs := mustCreateRun(t, store, "acme/app", state.Job{JobID: "gpu", RunsOn: []string{"linux", "gpu"}})
	mustCreateTask(t, store, jobs[0].ID)

	if _, err := store.ClaimTask(ctx, state.TaskClaim{RunnerID: 1, Labels: []string{"linux"}}); !errors.Is(err, state.ErrNoTask) {
		t.Fatalf("under-labeled runner: got %v, want ErrNoTask", err)
	}

	claimed, err := store.ClaimTask(ctx, state.TaskClaim{RunnerID: 1, Labels: []string{"linux", "gpu", "amd64"}})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != state.StatusRunning {
		t.Fatalf("status = %s, want running", claimed.Status)
	}
}

func TestClaimTaskEmptyQueue(t *testing.T) {
	store := NewStore()
	if _, err := store.ClaimTask(context.Background(), state.TaskClaim{RunnerID: 1}); !errors.Is(err, state.ErrNoTask) {
		t.Fatalf("got %v, want ErrNoTask", err)
	}
}

func TestClaimTaskIsExclusiveUnderContention(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, jobs := mustCreateRun(t, store, "acme/app")
	task := mustCreateTask(t, store, jobs[0].ID)

	const claimers = 16
	var wg sync.WaitGroup
	winners := make(chan int64, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(runnerID int64) {
			defer wg.Done()
			claimed, err := store.ClaimTask(ctx, state.TaskClaim{RunnerID: runnerID})
			if err != nil {
				if !errors.Is(err, state.ErrNoTask) {
					t.Errorf("claim: %v", err)
				}
				return
			}
			if claimed.ID != task.ID {
				t.Errorf("claimed unexpected task %d", claimed.ID)
			}
			winners <- runnerID
		}(int64(i + 1))
	}
	wg.Wait()
	close(winners)

	var count int
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}

func TestAppendLogLinesNumbersConsecutively(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, jobs := mustCreateRun(t, store, "acme/app")
	task := mustCreateTask(t, store, jobs[0].ID,
		state.Step{Index: 0, Name: "checkout"},
		state.Step{Index: 1, Name: "build"},
	)

	empty, err := store.AppendLogLines(ctx, task.ID, 0, nil, time.Time{})
	if err != nil {
		t.Fatalf("empty append: %v", err)
	}
	if empty != nil {
		t.Fatal("empty batch must append nothing")
	}

	first, err := store.AppendLogLines(ctx, task.ID, 0, []string{"a", "b"}, time.Time{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(first) != 2 || first[0].LineNumber != 0 || first[1].LineNumber != 1 {
		t.Fatalf("first batch numbering = %+v, want 0,1", first)
	}

	second, err := store.AppendLogLines(ctx, task.ID, 0, []string{"c"}, time.Time{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second[0].LineNumber != 2 {
		t.Fatalf("second batch starts at %d, want 2", second[0].LineNumber)
	}

	other, err := store.AppendLogLines(ctx, task.ID, 1, []string{"x"}, time.Time{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if other[0].LineNumber != 0 {
		t.Fatalf("other step starts at %d, want an independent sequence from 0", other[0].LineNumber)
	}

	stepZero, err := store.GetStep(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	stepOne, err := store.GetStep(ctx, task.ID, 1)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if stepZero.LogIndex != 0 || stepZero.LogLength != 3 {
		t.Fatalf("step 0 log accounting = (%d, %d), want (0, 3)", stepZero.LogIndex, stepZero.LogLength)
	}
	if stepOne.LogIndex != 3 || stepOne.LogLength != 1 {
		t.Fatalf("step 1 log accounting = (%d, %d), want (3, 1)", stepOne.LogIndex, stepOne.LogLength)
	}

	updated, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if updated.LogSize != 4 {
		t.Fatalf("task log size = %d, want 4", updated.LogSize)
	}
}

func TestListLogLinesFiltersByStep(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, jobs := mustCreateRun(t, store, "acme/app")
	task := mustCreateTask(t, store, jobs[0].ID,
		state.Step{Index: 0},
		state.Step{Index: 1},
	)

	if _, err := store.AppendLogLines(ctx, task.ID, 0, []string{"a", "b"}, time.Time{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendLogLines(ctx, task.ID, 1, []string{"c"}, time.Time{}); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := store.ListLogLines(ctx, state.LogFilter{TaskID: task.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all lines = %d, want 3", len(all))
	}

	index := 1
	scoped, err := store.ListLogLines(ctx, state.LogFilter{TaskID: task.ID, StepIndex: &index})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scoped) != 1 || scoped[0].Content != "c" {
		t.Fatalf("scoped lines = %+v, want just step 1", scoped)
	}
}

func TestFindByTokenHash(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	cred, err := token.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	runner, err := store.CreateRunner(ctx, state.Runner{
		UUID:           "u1",
		Owner:          "acme",
		Name:           "runner-1",
		TokenHash:      cred.Hash,
		TokenLastEight: cred.LastEight,
	})
	if err != nil {
		t.Fatalf("create runner: %v", err)
	}

	found, err := store.FindRunnerByTokenHash(ctx, token.Hash(cred.Raw))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != runner.ID {
		t.Fatalf("found runner %d, want %d", found.ID, runner.ID)
	}

	if _, err := store.FindRunnerByTokenHash(ctx, token.Hash("wrong")); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("wrong token: got %v, want ErrNotFound", err)
	}
}

func TestUpsertCommitStatusOverwritesByKey(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

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
		Repo:        "acme/app",
		CommitSHA:   "deadbeef",
		Context:     "ci",
		State:       state.CommitStateSuccess,
		Description: "run #1 success",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("same key must overwrite, not create")
	}
	if second.State != state.CommitStateSuccess {
		t.Fatalf("state = %s, want success", second.State)
	}

	statuses, err := store.ListCommitStatuses(ctx, "acme/app", "deadbeef")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
}

func TestSweepOfflineRunners(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	stale, err := store.CreateRunner(ctx, state.Runner{UUID: "stale", Owner: "acme", Name: "stale"})
	if err != nil {
		t.Fatalf("create runner: %v", err)
	}
	fresh, err := store.CreateRunner(ctx, state.Runner{UUID: "fresh", Owner: "acme", Name: "fresh"})
	if err != nil {
		t.Fatalf("create runner: %v", err)
	}

	past := time.Now().UTC().Add(-10 * time.Minute)
	if err := store.TouchRunner(ctx, stale.ID, state.RunnerStatusOnline, false, past); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := store.TouchRunner(ctx, fresh.ID, state.RunnerStatusOnline, false, time.Now().UTC()); err != nil {
		t.Fatalf("touch: %v", err)
	}

	swept, err := store.SweepOfflineRunners(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	staleAfter, err := store.GetRunner(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if staleAfter.Status != state.RunnerStatusOffline {
		t.Fatalf("stale runner status = %s, want offline", staleAfter.Status)
	}
	freshAfter, err := store.GetRunner(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if freshAfter.Status != state.RunnerStatusOnline {
		t.Fatalf("fresh runner status = %s, want online", freshAfter.Status)
	}
}
