package orchestrator

import (
	"context"
	"testing"

	"github.com/plue-dev/plue-flow/state"
	"github.com/plue-dev/plue-flow/state/memory"
	"github.com/plue-dev/plue-flow/token"
)

func TestClaimReturnsNilWhenNoWork(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()

	registered := registerTestRunner(t, service)
	claimed, err := service.Claim(ctx, registered.Runner.ID, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("empty queue must yield nil without error")
	}

	runner, err := store.GetRunner(ctx, registered.Runner.ID)
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if runner.Status != state.RunnerStatusOnline {
		t.Fatalf("idle poll runner status = %s, want online", runner.Status)
	}
}

func TestClaimGrantsTaskWithCredential(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()

	if _, err := service.CreateRun(ctx, CreateRunRequest{
		Repo: "acme/app",
		Jobs: []JobSpec{{JobID: "build", Steps: []string{"compile"}}},
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	registered := registerTestRunner(t, service)
	claimed, err := service.Claim(ctx, registered.Runner.ID, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed task")
	}
	if claimed.Token == "" {
		t.Fatal("claim must deliver the raw task token")
	}
	if claimed.Job.JobID != "build" {
		t.Fatalf("claimed job = %q, want build", claimed.Job.JobID)
	}
	if len(claimed.Steps) != 1 {
		t.Fatalf("claimed steps = %d, want 1", len(claimed.Steps))
	}

	stored, err := store.GetTask(ctx, claimed.Task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.TokenHash != token.Hash(claimed.Token) {
		t.Fatal("stored task hash must match the delivered raw token")
	}
	if stored.Status != state.StatusRunning {
		t.Fatalf("claimed task status = %s, want running", stored.Status)
	}

	authenticated, err := service.AuthenticateTask(ctx, claimed.Token)
	if err != nil {
		t.Fatalf("authenticate task: %v", err)
	}
	if authenticated.ID != claimed.Task.ID {
		t.Fatal("task token must resolve to the claimed task")
	}

	runner, err := store.GetRunner(ctx, registered.Runner.ID)
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if runner.Status != state.RunnerStatusBusy {
		t.Fatalf("winning runner status = %s, want busy", runner.Status)
	}
	if runner.LastActiveAt == nil {
		t.Fatal("winning claim must bump last_active_at")
	}
}

func TestClaimUsesRegisteredLabelsByDefault(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()

	if _, err := service.CreateRun(ctx, CreateRunRequest{
		Repo: "acme/app",
		Jobs: []JobSpec{{JobID: "gpu-job", RunsOn: []string{"gpu"}, Steps: []string{"train"}}},
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	plain := registerTestRunner(t, service)
	claimed, err := service.Claim(ctx, plain.Runner.ID, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("unlabeled runner must not receive a gpu task")
	}

	labeled, err := service.RegisterRunner(ctx, RegisterRunnerRequest{
		Owner:  "acme",
		Name:   "runner-gpu",
		Labels: []string{"gpu", "linux"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	claimed, err = service.Claim(ctx, labeled.Runner.ID, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("labeled runner must receive the gpu task")
	}
}

func TestConcurrentClaimsYieldOneWinner(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()

	if _, err := service.CreateRun(ctx, CreateRunRequest{
		Repo: "acme/app",
		Jobs: []JobSpec{{JobID: "build", Steps: []string{"compile"}}},
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	const claimers = 8
	runners := make([]RegisteredRunner, claimers)
	for i := range runners {
		registered, err := service.RegisterRunner(ctx, RegisterRunnerRequest{Owner: "acme", Name: "runner"})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		runners[i] = registered
	}

	results := make(chan *ClaimedTask, claimers)
	for _, registered := range runners {
		go func(runnerID int64) {
			claimed, err := service.Claim(ctx, runnerID, nil)
			if err != nil {
				t.Errorf("claim: %v", err)
			}
			results <- claimed
		}(registered.Runner.ID)
	}

	var winners int
	for i := 0; i < claimers; i++ {
		if claimed := <-results; claimed != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}
