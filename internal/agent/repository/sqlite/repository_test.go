package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close repository: %v", err)
		}
	})
	return repo
}

func saveTestAgent(t *testing.T, repo *Repository, agent *models.Agent) *models.Agent {
	t.Helper()
	if agent == nil {
		agent = models.NewAgent(models.AgentTypeSynthetic, "test prompt", nil)
	}
	if err := repo.SaveAgent(context.Background(), agent); err != nil {
		t.Fatalf("failed to save agent: %v", err)
	}
	return agent
}

func TestSaveAndGetAgent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	agent := models.NewAgent(models.AgentTypeClaude, "summarize the repo", &models.LaunchConfig{
		Model:            "opus",
		WorkingDirectory: "/tmp/work",
		AllowedTools:     []string{"Read", "Grep"},
		Timeout:          60000,
	})
	if err := repo.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}

	got, err := repo.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.ID != agent.ID || got.Type != models.AgentTypeClaude || got.Status != models.AgentStatusInitializing {
		t.Errorf("agent mismatch: got %+v", got)
	}
	if got.Prompt != "summarize the repo" {
		t.Errorf("expected prompt preserved, got %q", got.Prompt)
	}
	if got.Config == nil || got.Config.Model != "opus" || got.Config.Timeout != 60000 {
		t.Errorf("expected configuration round-trip, got %+v", got.Config)
	}
	if !reflect.DeepEqual(got.Config.AllowedTools, []string{"Read", "Grep"}) {
		t.Errorf("expected allowed tools preserved, got %v", got.Config.AllowedTools)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("expected no start/completion stamps yet, got %+v", got)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetAgent(context.Background(), "missing")
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestSaveAgentUpsertPreservesMessages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	for i := 0; i < 3; i++ {
		if _, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindAssistant, "assistant", fmt.Sprintf("msg %d", i), "", nil); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	// A status update must not disturb the timeline. REPLACE semantics would
	// cascade-delete every message here.
	if err := agent.TransitionTo(models.AgentStatusRunning); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := repo.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent update failed: %v", err)
	}

	count, err := repo.CountMessages(ctx, agent.ID)
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 messages to survive the upsert, got %d", count)
	}

	got, err := repo.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != models.AgentStatusRunning {
		t.Errorf("expected status running after update, got %s", got.Status)
	}
}

func TestMarkAgentRunning(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)
	startedAt := time.Now().UTC()

	applied, err := repo.MarkAgentRunning(ctx, agent.ID, startedAt)
	if err != nil {
		t.Fatalf("MarkAgentRunning failed: %v", err)
	}
	if !applied {
		t.Fatal("expected the initializing agent to be marked running")
	}

	got, err := repo.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != models.AgentStatusRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("expected started_at to be stamped")
	}

	// Already running: the guard refuses a second update.
	applied, err = repo.MarkAgentRunning(ctx, agent.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkAgentRunning failed: %v", err)
	}
	if applied {
		t.Error("expected no-op for an agent already running")
	}
}

func TestMarkAgentRunningKeepsTerminalStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// A fast run can complete before the launch path records the running
	// state. The completed status must stick.
	agent := models.NewAgent(models.AgentTypeSynthetic, "fast run", nil)
	if err := agent.TransitionTo(models.AgentStatusCompleted); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	saveTestAgent(t, repo, agent)

	applied, err := repo.MarkAgentRunning(ctx, agent.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkAgentRunning failed: %v", err)
	}
	if applied {
		t.Error("expected the guard to refuse overwriting a terminal status")
	}

	got, err := repo.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != models.AgentStatusCompleted {
		t.Errorf("expected completed to be preserved, got %s", got.Status)
	}
}

func TestListAgentsByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	running := models.NewAgent(models.AgentTypeSynthetic, "a", nil)
	if err := running.TransitionTo(models.AgentStatusRunning); err != nil {
		t.Fatal(err)
	}
	saveTestAgent(t, repo, running)
	saveTestAgent(t, repo, nil)
	saveTestAgent(t, repo, nil)

	all, err := repo.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 agents, got %d", len(all))
	}

	actives, err := repo.ListAgentsByStatus(ctx, models.AgentStatusRunning)
	if err != nil {
		t.Fatalf("ListAgentsByStatus failed: %v", err)
	}
	if len(actives) != 1 || actives[0].ID != running.ID {
		t.Errorf("expected one running agent %s, got %v", running.ID, actives)
	}

	count, err := repo.CountAgents(ctx)
	if err != nil {
		t.Fatalf("CountAgents failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
}

func TestDeleteAgentCascadesMessages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	msg, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindAssistant, "assistant", "hello", "", nil)
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	if err := repo.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}

	if _, err := repo.GetAgent(ctx, agent.ID); !apperrors.IsNotFound(err) {
		t.Errorf("expected agent gone, got %v", err)
	}
	if _, err := repo.GetMessage(ctx, msg.ID); !apperrors.IsNotFound(err) {
		t.Errorf("expected message cascade-deleted, got %v", err)
	}

	if err := repo.DeleteAgent(ctx, agent.ID); !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found on double delete, got %v", err)
	}
}

func TestSaveMessageAssignsSequence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	for want := int64(1); want <= 3; want++ {
		msg, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindAssistant, "assistant", "x", "", nil)
		if err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
		if msg.SequenceNumber != want {
			t.Errorf("expected sequence %d, got %d", want, msg.SequenceNumber)
		}
		if msg.ID == "" || msg.CreatedAt.IsZero() {
			t.Errorf("expected id and created_at assigned, got %+v", msg)
		}
	}
}

func TestSaveMessageUnknownAgentConflict(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.SaveMessage(context.Background(), "no-such-agent", models.MessageKindAssistant, "assistant", "x", "", nil)
	if !apperrors.IsConflict(err) {
		t.Errorf("expected conflict for unknown agent, got %v", err)
	}
}

func TestSaveMessageRejectsInvalidKind(t *testing.T) {
	repo := newTestRepo(t)
	agent := saveTestAgent(t, repo, nil)

	_, err := repo.SaveMessage(context.Background(), agent.ID, models.MessageKind("bogus"), "", "x", "", nil)
	if !apperrors.IsBadRequest(err) {
		t.Errorf("expected bad-request for invalid kind, got %v", err)
	}
}

func TestConcurrentBurstKeepsSequenceGapFree(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	const writes = 100
	var wg sync.WaitGroup
	errs := make(chan error, writes)
	for i := 0; i < writes; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindAssistant, "assistant", fmt.Sprintf("burst %d", n), "", nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent SaveMessage failed: %v", err)
		}
	}

	msgs, err := repo.ListMessages(ctx, agent.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != writes {
		t.Fatalf("expected %d messages, got %d", writes, len(msgs))
	}
	for i, msg := range msgs {
		if msg.SequenceNumber != int64(i+1) {
			t.Fatalf("expected sequence %d at position %d, got %d", i+1, i, msg.SequenceNumber)
		}
	}

	gaps, err := repo.FindSequenceGaps(ctx, agent.ID)
	if err != nil {
		t.Fatalf("FindSequenceGaps failed: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("expected no gaps, got %v", gaps)
	}
}

func TestInterleavedAgentsKeepIndependentSequences(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	const agentCount = 5
	const perAgent = 20

	agents := make([]*models.Agent, agentCount)
	for i := range agents {
		agents[i] = saveTestAgent(t, repo, nil)
	}

	var wg sync.WaitGroup
	errs := make(chan error, agentCount*perAgent)
	for _, agent := range agents {
		for i := 0; i < perAgent; i++ {
			wg.Add(1)
			go func(id string, n int) {
				defer wg.Done()
				_, err := repo.SaveMessage(ctx, id, models.MessageKindAssistant, "assistant", fmt.Sprintf("m%d", n), "", nil)
				errs <- err
			}(agent.ID, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent SaveMessage failed: %v", err)
		}
	}

	for _, agent := range agents {
		msgs, err := repo.ListMessages(ctx, agent.ID)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != perAgent {
			t.Fatalf("agent %s: expected %d messages, got %d", agent.ID, perAgent, len(msgs))
		}
		for i, msg := range msgs {
			if msg.SequenceNumber != int64(i+1) {
				t.Fatalf("agent %s: expected sequence %d, got %d", agent.ID, i+1, msg.SequenceNumber)
			}
			if msg.AgentID != agent.ID {
				t.Fatalf("message %s attributed to wrong agent", msg.ID)
			}
		}
	}
}

func TestObjectContentRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	content := `{"verdict":"pass","score":7,"tags":["a","b"]}`
	msg, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindResponse, "", content, "", nil)
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	got, err := repo.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Content != content {
		t.Errorf("expected content stored as the serialized string, got %q", got.Content)
	}

	decoded, ok := got.DecodedContent().(map[string]interface{})
	if !ok {
		t.Fatalf("expected decoded object, got %T", got.DecodedContent())
	}
	if decoded["verdict"] != "pass" || decoded["score"] != float64(7) {
		t.Errorf("decoded object mismatch: %v", decoded)
	}
}

func TestEmptyContentIsStored(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	// The claude system init line has no content; the row must still exist
	// with an empty string, not be dropped or nulled.
	msg, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindSystem, "system", "", "", map[string]interface{}{"subtype": "init"})
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	got, err := repo.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Content != "" {
		t.Errorf("expected empty content preserved, got %q", got.Content)
	}
	if got.Metadata["subtype"] != "init" {
		t.Errorf("expected metadata round-trip, got %v", got.Metadata)
	}

	count, err := repo.CountMessages(ctx, agent.ID)
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected the empty message counted, got %d", count)
	}
}

func TestMessageRawAndMetadataRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	raw := `{"type":"assistant","message":{"content":"hi"}}`
	meta := map[string]interface{}{"model": "opus", "usage": map[string]interface{}{"output_tokens": float64(12)}}
	msg, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindAssistant, "assistant", "hi", raw, meta)
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	got, err := repo.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Raw != raw {
		t.Errorf("expected raw preserved, got %q", got.Raw)
	}
	if !reflect.DeepEqual(got.Metadata, meta) {
		t.Errorf("expected metadata %v, got %v", meta, got.Metadata)
	}

	// No metadata stays no metadata, not an empty map.
	plain, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindAssistant, "assistant", "plain", "", nil)
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	gotPlain, err := repo.GetMessage(ctx, plain.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if gotPlain.Metadata != nil {
		t.Errorf("expected nil metadata, got %v", gotPlain.Metadata)
	}
	if gotPlain.Raw != "" {
		t.Errorf("expected empty raw, got %q", gotPlain.Raw)
	}
}

func TestListMessagesSince(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	for i := 0; i < 5; i++ {
		if _, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindAssistant, "assistant", fmt.Sprintf("m%d", i), "", nil); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	msgs, err := repo.ListMessagesSince(ctx, agent.ID, 3)
	if err != nil {
		t.Fatalf("ListMessagesSince failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after seq 3, got %d", len(msgs))
	}
	if msgs[0].SequenceNumber != 4 || msgs[1].SequenceNumber != 5 {
		t.Errorf("expected sequences 4,5, got %d,%d", msgs[0].SequenceNumber, msgs[1].SequenceNumber)
	}

	all, err := repo.ListMessagesSince(ctx, agent.ID, 0)
	if err != nil {
		t.Fatalf("ListMessagesSince failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected all 5 messages for since=0, got %d", len(all))
	}
}

func TestFindSequenceGapsReportsMissingRanges(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)

	// Force holes directly; SaveMessage cannot produce them.
	for _, seq := range []int64{1, 2, 5, 8} {
		_, err := repo.db.ExecContext(ctx, `
			INSERT INTO agent_messages (id, agent_id, sequence_number, type, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, fmt.Sprintf("m-%d", seq), agent.ID, seq, models.MessageKindAssistant, "assistant", "x", time.Now().UTC())
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	gaps, err := repo.FindSequenceGaps(ctx, agent.ID)
	if err != nil {
		t.Fatalf("FindSequenceGaps failed: %v", err)
	}
	want := []Gap{{Start: 3, End: 4}, {Start: 6, End: 7}}
	if !reflect.DeepEqual(gaps, want) {
		t.Errorf("expected gaps %v, got %v", want, gaps)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.db")
	ctx := context.Background()

	repo, err := Open(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	agent := models.NewAgent(models.AgentTypeSynthetic, "persisted", nil)
	if err := repo.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Re-opening runs the schema and migrations again against existing data.
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer func() {
		if err := reopened.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	}()

	got, err := reopened.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent after reopen failed: %v", err)
	}
	if got.Prompt != "persisted" {
		t.Errorf("expected data to survive reopen, got %+v", got)
	}
}

func TestInMemoryMode(t *testing.T) {
	repo, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory repository: %v", err)
	}
	defer func() { _ = repo.Close() }()

	ctx := context.Background()
	agent := saveTestAgent(t, repo, nil)
	if _, err := repo.SaveMessage(ctx, agent.ID, models.MessageKindAssistant, "assistant", "hi", "", nil); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := repo.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
