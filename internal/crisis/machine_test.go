package crisis

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/guardian/internal/store"
	"github.com/MrWong99/guardian/pkg/docstore"
	"github.com/MrWong99/guardian/pkg/types"
)

func alert(id string, typ types.AlertType, status types.AlertStatus) types.Alert {
	return types.Alert{ID: id, UserID: "u1", GroupID: "g1", Type: typ, Status: status}
}

func TestObserve_OnlyEmptinessChanges(t *testing.T) {
	m := New(nil)

	steps := []struct {
		name   string
		active []types.Alert
		want   bool
		change bool
	}{
		{"still empty", nil, false, false},
		{"first alert", []types.Alert{alert("a", types.AlertPanicButton, types.AlertActive)}, true, true},
		{"second alert", []types.Alert{
			alert("a", types.AlertPanicButton, types.AlertActive),
			alert("b", types.AlertVoiceTrigger, types.AlertActive),
		}, true, false},
		{"one resolved", []types.Alert{alert("b", types.AlertVoiceTrigger, types.AlertActive)}, true, false},
		{"all resolved", nil, false, true},
	}
	for _, s := range steps {
		tr, changed := m.Observe(s.active)
		if changed != s.change {
			t.Errorf("%s: changed = %v, want %v", s.name, changed, s.change)
		}
		if changed && tr.Active != s.want {
			t.Errorf("%s: transition = %+v", s.name, tr)
		}
		if m.Active() != s.want {
			t.Errorf("%s: active = %v, want %v", s.name, m.Active(), s.want)
		}
	}
}

func TestObserve_EveryAlertTypeCounts(t *testing.T) {
	for _, typ := range []types.AlertType{types.AlertNotice, types.AlertVoiceTrigger, types.AlertPanicButton} {
		t.Run(string(typ), func(t *testing.T) {
			m := New(nil)
			tr, changed := m.Observe([]types.Alert{alert("a", typ, types.AlertActive)})
			if !changed || !tr.Active || tr.Alerts != 1 {
				t.Errorf("transition = %+v, changed = %v", tr, changed)
			}
			if !m.Active() {
				t.Error("one ACTIVE alert must set the crisis flag")
			}
		})
	}
}

func TestObserve_IgnoresResolvedRecords(t *testing.T) {
	m := New(nil)
	if _, changed := m.Observe([]types.Alert{alert("a", types.AlertPanicButton, types.AlertResolved)}); changed {
		t.Error("resolved alert counted")
	}
}

func nextTransition(t *testing.T, m *Machine) Transition {
	t.Helper()
	select {
	case tr := <-m.Transitions():
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transition")
	}
	return Transition{}
}

func TestWatch_DeliversTransitions(t *testing.T) {
	docs := docstore.NewMemStore()
	repo := store.New(docs, types.Principal{UserID: "u1"})
	m := New(repo)
	ctx := context.Background()

	if err := m.Watch(ctx, "g1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer m.Stop()

	if err := repo.CreateAlert(ctx, alert("a1", types.AlertVoiceTrigger, "")); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if tr := nextTransition(t, m); !tr.Active || tr.GroupID != "g1" {
		t.Fatalf("enter = %+v", tr)
	}

	if err := docs.Update(ctx, store.CollAlerts, "a1", docstore.Document{"status": "RESOLVED"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tr := nextTransition(t, m); tr.Active {
		t.Fatalf("exit = %+v", tr)
	}
}

func TestWatch_SwitchingGroupsResets(t *testing.T) {
	docs := docstore.NewMemStore()
	repo := store.New(docs, types.Principal{UserID: "u1"})
	ctx := context.Background()
	_ = repo.CreateAlert(ctx, alert("a1", types.AlertPanicButton, ""))

	m := New(repo)
	if err := m.Watch(ctx, "g1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if tr := nextTransition(t, m); !tr.Active {
		t.Fatalf("enter = %+v", tr)
	}
	// Same group again is a no-op.
	if err := m.Watch(ctx, "g1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := m.Watch(ctx, "g2"); err != nil {
		t.Fatalf("Watch g2: %v", err)
	}
	if tr := nextTransition(t, m); tr.Active || tr.GroupID != "g1" {
		t.Fatalf("reset = %+v", tr)
	}
	if m.GroupID() != "g2" || m.Active() {
		t.Errorf("group=%q active=%v", m.GroupID(), m.Active())
	}

	// Alerts of the old group no longer affect the flag.
	_ = repo.CreateAlert(ctx, alert("a2", types.AlertPanicButton, ""))
	select {
	case tr := <-m.Transitions():
		t.Fatalf("unexpected transition %+v", tr)
	case <-time.After(30 * time.Millisecond):
	}
	m.Stop()
}

func TestWatch_NoSource(t *testing.T) {
	if err := New(nil).Watch(context.Background(), "g1"); err == nil {
		t.Error("expected error without a source")
	}
}
