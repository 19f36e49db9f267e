package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/guardian/pkg/docstore"
)

// ─── Mock DB ─────────────────────────────────────────────────────────────────

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	return scanInto(r.data[r.idx-1], dest)
}

func scanInto(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *int64:
			*d = v.(int64)
		case *int:
			*d = v.(int)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	mu           sync.Mutex
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	execSQL      []string
	execArgs     [][]any
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	m.execSQL = append(m.execSQL, sql)
	m.execArgs = append(m.execArgs, args)
	m.mu.Unlock()
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestMigrate(t *testing.T) {
	db := &mockDB{}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "CREATE TABLE IF NOT EXISTS documents") {
		t.Errorf("unexpected exec: %v", db.execSQL)
	}
}

func TestMigrate_Error(t *testing.T) {
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("denied")
	}}
	if err := New(db).Migrate(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestGet_Found(t *testing.T) {
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "users" || args[1] != "u1" {
			t.Errorf("args = %v", args)
		}
		return &mockRow{scanFunc: func(dest ...any) error {
			return scanInto([]any{[]byte(`{"displayName":"Ada"}`), int64(3)}, dest)
		}}
	}}

	snap, err := New(db).Get(context.Background(), "users", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !snap.Exists || snap.Version != 3 || snap.Data["displayName"] != "Ada" {
		t.Errorf("snap = %+v", snap)
	}
}

func TestGet_Missing(t *testing.T) {
	snap, err := New(&mockDB{}).Get(context.Background(), "users", "nobody")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Exists {
		t.Error("expected Exists == false")
	}
}

func TestSet_Upserts(t *testing.T) {
	db := &mockDB{}
	err := New(db).Set(context.Background(), "alerts", "a1", docstore.Document{"status": "ACTIVE"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !strings.Contains(db.execSQL[0], "ON CONFLICT") {
		t.Errorf("expected upsert, got %s", db.execSQL[0])
	}
	if got := string(db.execArgs[0][2].([]byte)); got != `{"status":"ACTIVE"}` {
		t.Errorf("payload = %s", got)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	err := New(db).Update(context.Background(), "users", "ghost", docstore.Document{"a": 1})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_OK(t *testing.T) {
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		if !strings.Contains(sql, "data || $3::jsonb") {
			t.Errorf("expected merge update, got %s", sql)
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	if err := New(db).Update(context.Background(), "users", "u1", docstore.Document{"a": 1}); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestQuery_UsesContainment(t *testing.T) {
	var gotCond string
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "data @> $2::jsonb") {
			t.Errorf("unexpected sql: %s", sql)
		}
		gotCond = string(args[1].([]byte))
		return &mockRows{data: [][]any{
			{"a1", []byte(`{"status":"ACTIVE"}`), int64(1)},
			{"a2", []byte(`{"status":"ACTIVE"}`), int64(4)},
		}}, nil
	}}

	snaps, err := New(db).Query(context.Background(), "alerts", docstore.Filter{docstore.Eq("status", "ACTIVE")})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if gotCond != `{"status":"ACTIVE"}` {
		t.Errorf("condition = %s", gotCond)
	}
	if len(snaps) != 2 || snaps[1].ID != "a2" || snaps[1].Version != 4 {
		t.Errorf("snaps = %+v", snaps)
	}
}

func TestQuery_RowsError(t *testing.T) {
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("broken")}, nil
	}}
	if _, err := New(db).Query(context.Background(), "alerts", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestWatchQuery_DeliversOnVersionChange(t *testing.T) {
	var (
		mu      sync.Mutex
		version int64 = 1
	)
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		mu.Lock()
		defer mu.Unlock()
		return &mockRows{data: [][]any{{"a1", []byte(`{}`), version}}}, nil
	}}

	ch := make(chan []docstore.Snapshot, 8)
	s := New(db, WithPollInterval(5*time.Millisecond))
	sub, err := s.WatchQuery(context.Background(), "alerts", nil, func(snaps []docstore.Snapshot, err error) {
		if err == nil {
			ch <- snaps
		}
	})
	if err != nil {
		t.Fatalf("WatchQuery: %v", err)
	}
	defer sub.Stop()

	first := recv(t, ch)
	if first[0].Version != 1 {
		t.Errorf("first version = %d", first[0].Version)
	}

	// Unchanged polls must not deliver.
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %+v", got)
	case <-time.After(30 * time.Millisecond):
	}

	mu.Lock()
	version = 2
	mu.Unlock()
	second := recv(t, ch)
	if second[0].Version != 2 {
		t.Errorf("second version = %d", second[0].Version)
	}
}

func TestWatch_ReportsErrorOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(...any) error { return errors.New("down") }}
	}}

	s := New(db, WithPollInterval(5*time.Millisecond))
	sub, _ := s.Watch(context.Background(), "users", "u1", func(_ docstore.Snapshot, err error) {
		if err != nil {
			mu.Lock()
			calls++
			mu.Unlock()
		}
	})
	time.Sleep(50 * time.Millisecond)
	sub.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("error callbacks = %d, want 1", calls)
	}
}

func recv(t *testing.T, ch <-chan []docstore.Snapshot) []docstore.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}
