package interview

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/hiring-assistant/internal/domain"
	"github.com/ashureev/hiring-assistant/internal/store"
)

func newTestRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "interviews.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func factoryFor(gw *fakeGateway, p Persister) ControllerFactory {
	return func() *Controller {
		return NewController(gw, p, testOptions(), nil)
	}
}

func TestRegistryGetCreatesAndReuses(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	reg := NewRegistry(repo, factoryFor(newFakeGateway(), &fakePersister{}), nil)
	ctx := context.Background()

	c1, err := reg.Get(ctx, "anon_1", "tab-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(c1.Transcript()) != 1 {
		t.Fatal("new interview must start with the greeting")
	}

	c2, err := reg.Get(ctx, "anon_1", "tab-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the same controller for the same tab")
	}

	other, err := reg.Get(ctx, "anon_1", "tab-b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if other == c1 {
		t.Fatal("tabs must get separate interviews")
	}

	stored, err := repo.GetInterviewSession(ctx, "anon_1", "tab-a")
	if err != nil || stored == nil {
		t.Fatalf("expected checkpoint of new interview, got %v, %v", stored, err)
	}
	if stored.ID != c1.ID() {
		t.Fatalf("stored ID %q, want %q", stored.ID, c1.ID())
	}
}

func TestRegistryRestoresAfterRestart(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	gw := newFakeGateway(fakeReply{fragments: []string{"Nice to meet you, Ada."}})
	ctx := context.Background()

	first := NewRegistry(repo, factoryFor(gw, &fakePersister{}), nil)
	c, err := first.Get(ctx, "anon_1", "tab")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := c.SubmitUserTurn(ctx, "Ada", nil); err != nil {
		t.Fatalf("SubmitUserTurn failed: %v", err)
	}
	if err := first.Save(ctx, "anon_1", "tab", c); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	second := NewRegistry(repo, factoryFor(gw, &fakePersister{}), nil)
	restored, err := second.Get(ctx, "anon_1", "tab")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if restored.ID() != c.ID() {
		t.Fatalf("restored ID %q, want %q", restored.ID(), c.ID())
	}
	got := restored.Transcript()
	if len(got) != 3 || got[2].Content != "Nice to meet you, Ada." {
		t.Fatalf("unexpected restored transcript: %+v", got)
	}
}

func TestRegistryRestoresClosedInterview(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()
	if err := repo.UpsertInterviewSession(ctx, &domain.InterviewSession{
		ID:             "iv-closed",
		UserID:         "u",
		SessionID:      "t",
		State:          domain.SessionClosed,
		Turns:          []domain.Turn{domain.NewAssistantTurn("bye")},
		SubmissionPath: "submissions/candidate.json",
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("UpsertInterviewSession failed: %v", err)
	}

	reg := NewRegistry(repo, factoryFor(newFakeGateway(), &fakePersister{}), nil)
	c, err := reg.Get(ctx, "u", "t")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	closed, err := c.CheckAndFinalize(ctx)
	if err != nil || !closed {
		t.Fatalf("restored closed interview must stay closed: %v, %v", closed, err)
	}
	if c.Location() != "submissions/candidate.json" {
		t.Fatalf("Location = %q", c.Location())
	}
}

func TestRegistryReset(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	reg := NewRegistry(repo, factoryFor(newFakeGateway(), &fakePersister{}), nil)
	ctx := context.Background()

	c1, err := reg.Get(ctx, "u", "t")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := reg.Reset(ctx, "u", "t"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := c1.SubmitUserTurn(ctx, "hello", nil); err == nil {
		t.Fatal("reset controller must reject input")
	}

	c2, err := reg.Get(ctx, "u", "t")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c2.ID() == c1.ID() {
		t.Fatal("expected a fresh interview after reset")
	}
}

func TestRegistrySaveSkipsReplacedController(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	gw := newFakeGateway(fakeReply{fragments: []string{"late"}, block: make(chan struct{})})
	reg := NewRegistry(repo, factoryFor(gw, &fakePersister{}), nil)
	ctx := context.Background()

	old, err := reg.Get(ctx, "u", "t")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := old.SubmitUserTurn(ctx, "Ada", nil)
		errCh <- err
	}()
	waitBusy(t, old)

	if err := reg.Reset(ctx, "u", "t"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	fresh, err := reg.Get(ctx, "u", "t")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	<-errCh

	// A handler that still holds the abandoned controller checkpoints it.
	if err := reg.Save(ctx, "u", "t", old); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stored, err := repo.GetInterviewSession(ctx, "u", "t")
	if err != nil || stored == nil {
		t.Fatalf("GetInterviewSession: %v, %v", stored, err)
	}
	if stored.ID != fresh.ID() {
		t.Fatalf("stored ID %q, want the new interview %q", stored.ID, fresh.ID())
	}
	if len(stored.Turns) != 1 {
		t.Fatalf("expected only the new greeting, got %d turns", len(stored.Turns))
	}
}

func TestRegistrySaveAfterResetWritesNothing(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	reg := NewRegistry(repo, factoryFor(newFakeGateway(), &fakePersister{}), nil)
	ctx := context.Background()

	old, err := reg.Get(ctx, "u", "t")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := reg.Reset(ctx, "u", "t"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := reg.Save(ctx, "u", "t", old); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stored, err := repo.GetInterviewSession(ctx, "u", "t")
	if err != nil {
		t.Fatalf("GetInterviewSession failed: %v", err)
	}
	if stored != nil {
		t.Fatalf("reset interview was written back: %+v", stored)
	}
}

func TestRegistrySaveAfterEvictionKeepsLastTurn(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	gw := newFakeGateway(fakeReply{fragments: []string{"Nice to meet you."}})
	reg := NewRegistry(repo, factoryFor(gw, &fakePersister{}), nil)
	ctx := context.Background()

	c, err := reg.Get(ctx, "u", "t")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := c.SubmitUserTurn(ctx, "Ada", nil); err != nil {
		t.Fatalf("SubmitUserTurn failed: %v", err)
	}
	if n := reg.EvictIdle(0); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if err := reg.Save(ctx, "u", "t", c); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stored, err := repo.GetInterviewSession(ctx, "u", "t")
	if err != nil || stored == nil {
		t.Fatalf("GetInterviewSession: %v, %v", stored, err)
	}
	if stored.ID != c.ID() || len(stored.Turns) != 3 {
		t.Fatalf("expected the finished turn to be stored, got %q with %d turns", stored.ID, len(stored.Turns))
	}
}

func TestRegistryEvictIdleAndSweep(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	reg := NewRegistry(repo, factoryFor(newFakeGateway(), &fakePersister{}), nil)
	ctx := context.Background()

	clock := time.Now()
	reg.now = func() time.Time { return clock }

	if _, err := reg.Get(ctx, "u", "old"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	if _, err := reg.Get(ctx, "u", "fresh"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if n := reg.EvictIdle(time.Hour); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 live controller, got %d", reg.Len())
	}

	// Stored rows were written moments ago, so a long retention keeps them.
	sweep(ctx, reg, repo, time.Hour, 24*time.Hour)
	stored, err := repo.GetInterviewSession(ctx, "u", "old")
	if err != nil || stored == nil {
		t.Fatalf("evicted interview must remain stored: %v, %v", stored, err)
	}

	// Zero idle TTL and an already-elapsed retention clear everything.
	time.Sleep(1100 * time.Millisecond)
	sweep(ctx, reg, repo, 0, time.Millisecond)
	if reg.Len() != 0 {
		t.Fatalf("expected registry to be empty, got %d", reg.Len())
	}
	stored, err = repo.GetInterviewSession(ctx, "u", "old")
	if err != nil {
		t.Fatalf("GetInterviewSession failed: %v", err)
	}
	if stored != nil {
		t.Fatal("expected expired interview to be deleted")
	}
}

func TestRegistryWithoutRepository(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, factoryFor(newFakeGateway(), &fakePersister{}), nil)
	c, err := reg.Get(context.Background(), "local", "cli")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := reg.Save(context.Background(), "local", "cli", c); err != nil {
		t.Fatalf("Save without repository failed: %v", err)
	}
	reg.CloseAll()
	if reg.Len() != 0 {
		t.Fatal("CloseAll must empty the registry")
	}
}
