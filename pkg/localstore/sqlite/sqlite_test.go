package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache", "guardian.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, ok, err := s.GetString(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetString(missing) = ok %v, err %v", ok, err)
	}

	if err := s.PutString(ctx, "trigger_phrases", "help|CRITICAL|0.8"); err != nil {
		t.Fatalf("PutString: %v", err)
	}
	if err := s.PutString(ctx, "trigger_phrases", "stop|NOTICE|1"); err != nil {
		t.Fatalf("PutString overwrite: %v", err)
	}

	v, ok, err := s.GetString(ctx, "trigger_phrases")
	if err != nil || !ok {
		t.Fatalf("GetString = ok %v, err %v", ok, err)
	}
	if v != "stop|NOTICE|1" {
		t.Errorf("value = %q", v)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "guardian.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.PutString(ctx, "k", "v"); err != nil {
		t.Fatalf("PutString: %v", err)
	}
	_ = s.Close()

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	v, ok, err := s2.GetString(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Errorf("after reopen: %q ok=%v err=%v", v, ok, err)
	}
}
