package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/coachd/pkg/store"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

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
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *float64:
			*d = v.(float64)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				tv := v.(time.Time)
				*d = &tv
			}
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// Unit tests
// ---------------------------------------------------------------------------

func TestStore_Migrate(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
				if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS coachd_events") {
					t.Errorf("Migrate SQL missing events table: %s", sql)
				}
				return pgconn.CommandTag{}, nil
			},
		}
		if err := NewStore(db).Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() unexpected error: %v", err)
		}
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("connection refused")
			},
		}
		err := NewStore(db).Migrate(context.Background())
		if err == nil || !strings.Contains(err.Error(), "postgres: migrate:") {
			t.Fatalf("Migrate() err = %v, want prefix 'postgres: migrate:'", err)
		}
	})
}

func TestStore_Get(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
				if args[0] != "coaching/preferences" {
					t.Errorf("key arg = %v", args[0])
				}
				return &mockRow{scanFunc: func(dest ...any) error {
					*(dest[0].(*[]byte)) = []byte(`{"enabled":true}`)
					return nil
				}}
			},
		}
		got, err := NewStore(db).Get(context.Background(), "coaching/preferences")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != `{"enabled":true}` {
			t.Errorf("Get = %s", got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		_, err := NewStore(&mockDB{}).Get(context.Background(), "missing")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("query error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryRowFunc: func(context.Context, string, ...any) pgx.Row {
				return &mockRow{scanFunc: func(...any) error { return errors.New("boom") }}
			},
		}
		_, err := NewStore(db).Get(context.Background(), "k")
		if err == nil || errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want wrapped query error", err)
		}
	})
}

func TestStore_SetUsesUpsert(t *testing.T) {
	t.Parallel()
	var captured string
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			captured = sql
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	if err := NewStore(db).Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !strings.Contains(captured, "ON CONFLICT (key) DO UPDATE") {
		t.Errorf("Set SQL = %s, want upsert", captured)
	}
}

func TestStore_AppendEventDuplicate(t *testing.T) {
	t.Parallel()
	db := &mockDB{
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		},
	}
	err := NewStore(db).AppendEvent(context.Background(), store.Event{SessionID: "s1", PromptID: "p1"})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("err = %v, want duplicate error", err)
	}
}

func TestStore_UpdateEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tag     string
		wantErr error
	}{
		{name: "updated", tag: "UPDATE 1"},
		{name: "missing", tag: "UPDATE 0", wantErr: store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{
				execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
					return pgconn.NewCommandTag(tt.tag), nil
				},
			}
			err := NewStore(db).UpdateEvent(context.Background(), store.Event{SessionID: "s", PromptID: "p", Response: "accepted"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStore_SessionEvents(t *testing.T) {
	t.Parallel()
	shown := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	responded := shown.Add(4 * time.Second)
	rows := &mockRows{data: [][]any{
		{"s1", "p1", "explore_deeper", "Dig in", "", 0.9, 12.0, shown, shown, "accepted", responded, 4.0},
		{"s1", "p2", "time_check", "Wrap up", "", 0.85, 40.0, shown, shown.Add(time.Minute), "not_responded", nil, 0.0},
	}}
	db := &mockDB{
		queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
			if args[0] != "s1" {
				t.Errorf("session arg = %v", args[0])
			}
			return rows, nil
		},
	}
	evs, err := NewStore(db).SessionEvents(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("len = %d, want 2", len(evs))
	}
	if evs[0].RespondedAt == nil || !evs[0].RespondedAt.Equal(responded) {
		t.Errorf("first RespondedAt = %v", evs[0].RespondedAt)
	}
	if evs[1].RespondedAt != nil {
		t.Errorf("second RespondedAt = %v, want nil", evs[1].RespondedAt)
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
}

// ---------------------------------------------------------------------------
// Integration tests
// ---------------------------------------------------------------------------

// testDSN returns the test database DSN from the environment, or skips the
// test if COACHD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("COACHD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COACHD_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestIntegration_RoundTrip(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	s, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	for _, stmt := range []string{"TRUNCATE coachd_kv", "TRUNCATE coachd_events"} {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	ev := store.Event{SessionID: "s1", PromptID: "p1", Type: "suggest_pivot", CreatedAt: now, ShownAt: now, Response: "not_responded"}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	responded := now.Add(2 * time.Second)
	ev.Response, ev.RespondedAt, ev.ResponseTime = "dismissed", &responded, 2
	if err := s.UpdateEvent(ctx, ev); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	evs, err := s.SessionEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Response != "dismissed" {
		t.Errorf("events = %+v", evs)
	}
}
