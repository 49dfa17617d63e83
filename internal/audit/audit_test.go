package audit

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

func TestMemoryRecordAndRecent(t *testing.T) {
	m := NewMemory(zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := m.Record(ctx, Entry{Kind: "task_stalled", Message: string(rune('a' + i))})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := m.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent = %d entries, want 3", len(recent))
	}
	want := []string{"c", "d", "e"}
	for i, e := range recent {
		if e.Message != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, e.Message, want[i])
		}
		if e.At.IsZero() {
			t.Errorf("recent[%d] has zero timestamp", i)
		}
	}
}

func TestMemoryBounded(t *testing.T) {
	m := NewMemory(zap.NewNop())
	ctx := context.Background()
	for i := 0; i < memoryCap+50; i++ {
		if err := m.Record(ctx, Entry{Kind: "tick"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	all, _ := m.Recent(ctx, 0)
	if len(all) != memoryCap {
		t.Fatalf("buffer = %d entries, want %d", len(all), memoryCap)
	}
}

func TestMemoryTail(t *testing.T) {
	m := NewMemory(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := m.Tail(ctx)
	if err := m.Record(context.Background(), Entry{Kind: "task_timeout", Message: "late"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	select {
	case e := <-ch:
		if e.Kind != "task_timeout" {
			t.Errorf("tailed kind = %q, want task_timeout", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("tail did not receive the entry")
	}

	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Error("tail channel still open after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("tail channel not closed after cancel")
	}
}

func TestFromEvent(t *testing.T) {
	ev := fleet.HealthEvent{
		Subject:    fleet.SubjectAgent,
		SubjectID:  "a1",
		Kind:       fleet.EventAgentSilent,
		Severity:   fleet.SeverityWarning,
		Message:    "no heartbeat for 16m",
		DetectedAt: time.Now(),
	}
	e := FromEvent(ev)
	if e.Kind != "agent_silent" || e.Subject != "agent" || e.SubjectID != "a1" {
		t.Errorf("entry = %+v", e)
	}
	if e.Severity != "warning" {
		t.Errorf("severity = %q, want warning", e.Severity)
	}
}
