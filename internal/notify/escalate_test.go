package notify

import (
	"context"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/db"
)

type fakeEscalationStore struct {
	due           []db.AnalysisRecord
	gotSeverities []string
	gotCutoff     string
	gotMax        int
}

func (f *fakeEscalationStore) ListEscalationDue(severities []string, cutoff string, maxNotifies int) ([]db.AnalysisRecord, error) {
	f.gotSeverities = severities
	f.gotCutoff = cutoff
	f.gotMax = maxNotifies
	return f.due, nil
}

func TestSeveritiesAtOrAbove(t *testing.T) {
	tests := []struct {
		threshold string
		want      []string
	}{
		{"critical", []string{"critical"}},
		{"high", []string{"high", "critical"}},
		{"low", []string{"low", "medium", "high", "critical"}},
		{"bogus", nil},
	}
	for _, tt := range tests {
		if got := severitiesAtOrAbove(tt.threshold); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("severitiesAtOrAbove(%q) = %v, want %v", tt.threshold, got, tt.want)
		}
	}
}

func TestEscalatorTick(t *testing.T) {
	logStore := &fakeLogStore{}
	svc := New(config.NotificationConfig{}, logStore, zap.NewNop())
	snd := &fakeSender{name: "pager", kind: "pagerduty"}
	svc.SetSender("pager", snd)

	escStore := &fakeEscalationStore{due: []db.AnalysisRecord{
		{ID: "a-1", Workflow: "play-orchestration-3", Stage: "waiting-pr-created", Severity: "high", ErrorMessage: "connection refused", CreatedAt: db.FormatTime(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))},
		{ID: "a-2", Workflow: "play-orchestration-5", Stage: "waiting-pr-approved", Severity: "critical", ErrorMessage: "token expired"},
	}}
	cfg := config.EscalationConfig{Threshold: "high", Delay: "15m", MaxRepeats: 2}
	esc := NewEscalator(svc, escStore, cfg, zap.NewNop())

	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	esc.SetNow(func() time.Time { return fixed })
	svc.SetNow(func() time.Time { return fixed })

	if err := esc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(snd.msgs) != 2 {
		t.Fatalf("sender received %d messages, want 2", len(snd.msgs))
	}
	if snd.msgs[0].Workflow != "play-orchestration-3" || snd.msgs[1].Workflow != "play-orchestration-5" {
		t.Errorf("messages = %+v", snd.msgs)
	}
	if !reflect.DeepEqual(escStore.gotSeverities, []string{"high", "critical"}) {
		t.Errorf("severities queried = %v", escStore.gotSeverities)
	}
	if escStore.gotMax != 3 {
		t.Errorf("max notifies = %d, want 1 initial + 2 repeats", escStore.gotMax)
	}
	wantCutoff := db.FormatTime(fixed.Add(-15 * time.Minute))
	if escStore.gotCutoff != wantCutoff {
		t.Errorf("cutoff = %q, want %q", escStore.gotCutoff, wantCutoff)
	}
	// Each delivered escalation advances the analysis' notify bookkeeping.
	if !reflect.DeepEqual(logStore.touched, []string{"a-1", "a-2"}) {
		t.Errorf("touched = %v", logStore.touched)
	}
}

func TestEscalatorTickExplicitChannels(t *testing.T) {
	svc := New(config.NotificationConfig{
		Routing: map[string][]string{"high": {"chat"}},
	}, nil, zap.NewNop())
	chat := &fakeSender{name: "chat", kind: "slack"}
	pager := &fakeSender{name: "pager", kind: "pagerduty"}
	svc.SetSender("chat", chat)
	svc.SetSender("pager", pager)

	escStore := &fakeEscalationStore{due: []db.AnalysisRecord{
		{ID: "a-3", Workflow: "play-orchestration-8", Severity: "high"},
	}}
	cfg := config.EscalationConfig{Threshold: "high", Delay: "15m", MaxRepeats: 1, Channels: []string{"pager"}}
	esc := NewEscalator(svc, escStore, cfg, zap.NewNop())

	if err := esc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(pager.msgs) != 1 {
		t.Errorf("escalation channels override routing; pager got %d", len(pager.msgs))
	}
	if len(chat.msgs) != 0 {
		t.Errorf("chat should be bypassed during escalation, got %d", len(chat.msgs))
	}
}

func TestEscalatorTickBadThreshold(t *testing.T) {
	svc := New(config.NotificationConfig{}, nil, zap.NewNop())
	esc := NewEscalator(svc, &fakeEscalationStore{}, config.EscalationConfig{Threshold: "urgent", Delay: "15m"}, zap.NewNop())

	if err := esc.Tick(context.Background()); err == nil {
		t.Fatal("expected an error for an unknown threshold severity")
	}
}
