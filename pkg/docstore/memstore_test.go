package docstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

type profile struct {
	Name  string `json:"name"`
	Group string `json:"group"`
	Age   int    `json:"age"`
}

func TestMemStore_GetMissing(t *testing.T) {
	s := NewMemStore()
	snap, err := s.Get(context.Background(), "users", "nobody")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Exists {
		t.Error("expected Exists == false")
	}
}

func TestMemStore_SetGetDecode(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	doc, err := Encode(profile{Name: "Ada", Group: "g1", Age: 36})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := s.Set(ctx, "users", "u1", doc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	snap, err := s.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got profile
	if err := snap.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != (profile{Name: "Ada", Group: "g1", Age: 36}) {
		t.Errorf("got %+v", got)
	}
	if snap.Version != 1 {
		t.Errorf("version = %d, want 1", snap.Version)
	}
}

func TestMemStore_UpdateMerges(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.Set(ctx, "users", "u1", Document{"name": "Ada", "group": "g1"})

	if err := s.Update(ctx, "users", "u1", Document{"group": "g2"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap, _ := s.Get(ctx, "users", "u1")
	if snap.Data["name"] != "Ada" || snap.Data["group"] != "g2" {
		t.Errorf("data = %v", snap.Data)
	}
	if snap.Version != 2 {
		t.Errorf("version = %d, want 2", snap.Version)
	}
}

func TestMemStore_UpdateMissing(t *testing.T) {
	s := NewMemStore()
	err := s.Update(context.Background(), "users", "ghost", Document{"a": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_Query(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.Set(ctx, "alerts", "b", Document{"groupId": "g1", "status": "ACTIVE"})
	_ = s.Set(ctx, "alerts", "a", Document{"groupId": "g1", "status": "RESOLVED"})
	_ = s.Set(ctx, "alerts", "c", Document{"groupId": "g2", "status": "ACTIVE"})
	_ = s.Set(ctx, "alerts", "d", Document{"groupId": "g1", "status": "ACTIVE"})

	got, err := s.Query(ctx, "alerts", Filter{Eq("groupId", "g1"), Eq("status", "ACTIVE")})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "d" {
		t.Errorf("got %+v", got)
	}

	all, _ := s.Query(ctx, "alerts", nil)
	if len(all) != 4 {
		t.Errorf("len(all) = %d, want 4", len(all))
	}
}

func TestMemStore_WriteHook(t *testing.T) {
	boom := errors.New("offline")
	s := NewMemStore(WithWriteHook(func(context.Context, string, string) error { return boom }))
	if err := s.Set(context.Background(), "c", "1", Document{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestMemStore_WatchDeliversInitialAndUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.Set(ctx, "groups", "g1", Document{"name": "one"})

	ch := make(chan Snapshot, 8)
	sub, err := s.Watch(ctx, "groups", "g1", func(snap Snapshot, err error) {
		if err == nil {
			ch <- snap
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer sub.Stop()

	first := recvSnap(t, ch)
	if first.Data["name"] != "one" {
		t.Errorf("initial = %v", first.Data)
	}

	_ = s.Update(ctx, "groups", "g1", Document{"name": "two"})
	second := recvSnap(t, ch)
	if second.Data["name"] != "two" {
		t.Errorf("update = %v", second.Data)
	}
}

func TestMemStore_WatchQueryAndStop(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ch := make(chan []Snapshot, 8)
	sub, err := s.WatchQuery(ctx, "alerts", Filter{Eq("status", "ACTIVE")}, func(snaps []Snapshot, err error) {
		ch <- snaps
	})
	if err != nil {
		t.Fatalf("WatchQuery: %v", err)
	}

	if got := recvSnaps(t, ch); len(got) != 0 {
		t.Errorf("initial len = %d, want 0", len(got))
	}
	_ = s.Set(ctx, "alerts", "a1", Document{"status": "ACTIVE"})
	if got := recvSnaps(t, ch); len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}

	sub.Stop()
	sub.Stop()
	_ = s.Set(ctx, "alerts", "a2", Document{"status": "ACTIVE"})
	select {
	case got := <-ch:
		t.Errorf("delivery after Stop: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func recvSnap(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func recvSnaps(t *testing.T, ch <-chan []Snapshot) []Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshots")
		return nil
	}
}
