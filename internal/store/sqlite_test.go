package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/middleman/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testAgent(id, managerID string, role domain.Role) *domain.Agent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Agent{
		AgentID:     id,
		ManagerID:   managerID,
		Role:        role,
		DisplayName: "agent " + id,
		Cwd:         "/tmp",
		Model:       domain.Model{Provider: "p", ModelID: "m", ThinkingLevel: "low"},
		CreatedAt:   now,
		UpdatedAt:   now,
		SessionFile: "/tmp/" + id + ".jsonl",
		Status:      domain.StatusIdle,
	}
}

func TestUpsertAndGetAgent(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	agent := testAgent("a1", "a1", domain.RoleManager)
	agent.ContextUsage = &domain.ContextUsage{Used: 100, Total: 2000}
	if err := repo.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}

	got, err := repo.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetAgent returned nil")
	}
	if got.DisplayName != agent.DisplayName || got.Role != domain.RoleManager {
		t.Errorf("got = %+v", got)
	}
	if got.Model != agent.Model {
		t.Errorf("model = %+v, want %+v", got.Model, agent.Model)
	}
	if got.ContextUsage == nil || got.ContextUsage.Used != 100 {
		t.Errorf("contextUsage = %+v", got.ContextUsage)
	}
	if !got.CreatedAt.Equal(agent.CreatedAt) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, agent.CreatedAt)
	}

	// Upsert overwrites.
	agent.DisplayName = "renamed"
	if err := repo.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("second UpsertAgent failed: %v", err)
	}
	got, err = repo.GetAgent(ctx, "a1")
	if err != nil || got == nil {
		t.Fatalf("GetAgent after update: %v %v", got, err)
	}
	if got.DisplayName != "renamed" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}
}

func TestGetAgentMissing(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	got, err := repo.GetAgent(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got != nil {
		t.Errorf("got = %+v, want nil", got)
	}
}

func TestListAgentsOrder(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	newest := testAgent("w1", "m1", domain.RoleWorker)
	newest.CreatedAt = newest.CreatedAt.Add(time.Minute)
	oldest := testAgent("m1", "m1", domain.RoleManager)

	if err := repo.UpsertAgent(ctx, newest); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpsertAgent(ctx, oldest); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	agents, err := repo.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("len = %d", len(agents))
	}
	if agents[0].AgentID != "m1" || agents[1].AgentID != "w1" {
		t.Errorf("order = %s, %s", agents[0].AgentID, agents[1].AgentID)
	}
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.UpsertAgent(ctx, testAgent("a1", "a1", domain.RoleManager)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "a1", domain.StatusStreaming); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err := repo.GetAgent(ctx, "a1")
	if err != nil || got == nil {
		t.Fatalf("GetAgent: %v %v", got, err)
	}
	if got.Status != domain.StatusStreaming {
		t.Errorf("status = %v", got.Status)
	}
}

func TestDeleteAgent(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.UpsertAgent(ctx, testAgent("a1", "a1", domain.RoleManager)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}
	got, err := repo.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got != nil {
		t.Errorf("agent still present: %+v", got)
	}
	// Deleting an unknown id is not an error.
	if err := repo.DeleteAgent(ctx, "a1"); err != nil {
		t.Errorf("second DeleteAgent failed: %v", err)
	}
}
